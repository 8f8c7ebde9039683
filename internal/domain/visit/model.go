package visit

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type VisitType string

const (
	TypeOutpatient VisitType = "outpatient"
	TypeInpatient  VisitType = "inpatient"
	TypeEmergency  VisitType = "emergency"
	TypeLabOnly    VisitType = "lab_only"
)

var validVisitTypes = map[VisitType]bool{
	TypeOutpatient: true,
	TypeInpatient:  true,
	TypeEmergency:  true,
	TypeLabOnly:    true,
}

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusCancelled:  true,
}

// FinalClockOut is the sign-off stamped once a visit has reached completed.
type FinalClockOut struct {
	By    StaffRef  `json:"by"`
	At    time.Time `json:"at"`
	Notes string    `json:"notes,omitempty"`
}

type Cancellation struct {
	By     StaffRef  `json:"by"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Stage  Stage     `json:"stage"`
}

// Visit is one patient episode from check-in to sign-off. Stages holds the
// latest record of every stage visited; History holds earlier rounds of
// stages that were visited more than once.
type Visit struct {
	ID            uuid.UUID              `json:"id"`
	VisitNumber   string                 `json:"visit_number"`
	PatientID     uuid.UUID              `json:"patient_id"`
	BranchID      string                 `json:"branch_id"`
	VisitType     VisitType              `json:"visit_type"`
	CurrentStage  Stage                  `json:"current_stage"`
	Status        Status                 `json:"status"`
	Stages        map[Stage]*StageRecord `json:"stages"`
	History       []StageRecord          `json:"history,omitempty"`
	Assignments   map[Stage]StaffRef     `json:"assignments,omitempty"`
	FinalClockOut *FinalClockOut         `json:"final_clock_out,omitempty"`
	Cancellation  *Cancellation          `json:"cancellation,omitempty"`
	CreatedBy     StaffRef               `json:"created_by"`
	Version       int                    `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ArchivedAt    *time.Time             `json:"archived_at,omitempty"`
}

// IsTerminal reports whether the visit accepts no further workflow changes.
func (v *Visit) IsTerminal() bool {
	return v.Status != StatusInProgress || v.ArchivedAt != nil
}

// ensureActive is checked first by every mutating operation.
func (v *Visit) ensureActive() error {
	if v.ArchivedAt != nil {
		return newError(KindTerminalState, "visit %s is archived", v.VisitNumber)
	}
	if v.Status != StatusInProgress {
		return newError(KindTerminalState, "visit %s is %s", v.VisitNumber, v.Status)
	}
	return nil
}

// OpenStages returns the stages whose record is clocked in and not yet out.
func (v *Visit) OpenStages() []Stage {
	var open []Stage
	for st, rec := range v.Stages {
		if rec != nil && rec.IsOpen() {
			open = append(open, st)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
	return open
}

// checkOpenStage verifies that at most one record is open and that an open
// record of an in-progress visit belongs to the current stage.
func (v *Visit) checkOpenStage() error {
	open := v.OpenStages()
	if len(open) > 1 {
		return fmt.Errorf("visit %s has %d open stages %v", v.VisitNumber, len(open), open)
	}
	if len(open) == 1 && v.Status == StatusInProgress && open[0] != v.CurrentStage {
		return fmt.Errorf("visit %s has %s open while current stage is %s",
			v.VisitNumber, open[0], v.CurrentStage)
	}
	return nil
}

// CurrentRecord returns the record of the current stage, if any.
func (v *Visit) CurrentRecord() *StageRecord {
	return v.Stages[v.CurrentStage]
}

// Timeline returns every stage record, earlier rounds included, ordered by
// clock-in time. Pending records come last.
func (v *Visit) Timeline() []StageRecord {
	out := make([]StageRecord, 0, len(v.History)+len(v.Stages))
	for _, rec := range v.History {
		out = append(out, rec.clone())
	}
	for _, rec := range v.Stages {
		if rec != nil {
			out = append(out, rec.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ClockedInAt, out[j].ClockedInAt
		switch {
		case a == nil && b == nil:
			return out[i].Stage < out[j].Stage
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		case out[i].Stage != out[j].Stage:
			return out[i].Stage < out[j].Stage
		default:
			return out[i].Round < out[j].Round
		}
	})
	return out
}

// Clone returns a deep copy of v.
func (v *Visit) Clone() *Visit {
	out := *v
	if v.Stages != nil {
		out.Stages = make(map[Stage]*StageRecord, len(v.Stages))
		for st, rec := range v.Stages {
			if rec == nil {
				continue
			}
			c := rec.clone()
			out.Stages[st] = &c
		}
	}
	if v.History != nil {
		out.History = make([]StageRecord, len(v.History))
		for i, rec := range v.History {
			out.History[i] = rec.clone()
		}
	}
	if v.Assignments != nil {
		out.Assignments = make(map[Stage]StaffRef, len(v.Assignments))
		for st, ref := range v.Assignments {
			out.Assignments[st] = ref
		}
	}
	if v.FinalClockOut != nil {
		f := *v.FinalClockOut
		out.FinalClockOut = &f
	}
	if v.Cancellation != nil {
		c := *v.Cancellation
		out.Cancellation = &c
	}
	out.ArchivedAt = cloneTime(v.ArchivedAt)
	return &out
}

// ListFilter narrows a queue-board listing. BranchID is always set by the
// service from the acting staff member.
type ListFilter struct {
	BranchID        string
	Stage           Stage
	Status          Status
	PatientID       uuid.UUID
	CreatedFrom     *time.Time
	CreatedTo       *time.Time
	IncludeArchived bool
}
