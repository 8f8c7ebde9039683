package visit

import (
	"fmt"
	"time"
)

// Stage is one step of a patient's journey through the clinic.
type Stage string

const (
	StageFrontDesk           Stage = "front_desk"
	StageNurse               Stage = "nurse"
	StageDoctor              Stage = "doctor"
	StageLab                 Stage = "lab"
	StagePharmacy            Stage = "pharmacy"
	StageBilling             Stage = "billing"
	StageReturnedToFrontDesk Stage = "returned_to_front_desk"
	StageCompleted           Stage = "completed"
)

// Stages lists every stage in journey order.
var Stages = []Stage{
	StageFrontDesk,
	StageNurse,
	StageDoctor,
	StageLab,
	StagePharmacy,
	StageBilling,
	StageReturnedToFrontDesk,
	StageCompleted,
}

var validStages = map[Stage]bool{
	StageFrontDesk:           true,
	StageNurse:               true,
	StageDoctor:              true,
	StageLab:                 true,
	StagePharmacy:            true,
	StageBilling:             true,
	StageReturnedToFrontDesk: true,
	StageCompleted:           true,
}

// ParseStage converts s to a Stage, failing for unknown names.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !validStages[st] {
		return "", newError(KindInvalidPayload, "unknown stage %q", s)
	}
	return st, nil
}

func (s Stage) Valid() bool    { return validStages[s] }
func (s Stage) Terminal() bool { return s == StageCompleted }

// StaffRef is a snapshot of the staff member who acted on a stage.
type StaffRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	BranchID string `json:"branch_id,omitempty"`
}

// StageRecord is one occupancy of a stage. A record that exists without a
// clock-in time is pending: the visit is waiting at that stage for staff.
type StageRecord struct {
	Stage        Stage      `json:"stage"`
	Round        int        `json:"round"`
	ClockedInBy  *StaffRef  `json:"clocked_in_by,omitempty"`
	ClockedInAt  *time.Time `json:"clocked_in_at,omitempty"`
	ClockedOutBy *StaffRef  `json:"clocked_out_by,omitempty"`
	ClockedOutAt *time.Time `json:"clocked_out_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	NextAction   Stage      `json:"next_action,omitempty"`

	// nurse
	Vitals *VitalSigns `json:"vitals,omitempty"`

	// doctor
	Diagnosis       string         `json:"diagnosis,omitempty"`
	TreatmentPlan   string         `json:"treatment_plan,omitempty"`
	PrescriptionRef string         `json:"prescription_ref,omitempty"`
	Prescriptions   []Prescription `json:"prescriptions,omitempty"`
	LabOrders       []LabOrder     `json:"lab_orders,omitempty"`
}

func newStageRecord(stage Stage, round int) StageRecord {
	return StageRecord{Stage: stage, Round: round}
}

func (r StageRecord) IsPending() bool { return r.ClockedInAt == nil }
func (r StageRecord) IsOpen() bool    { return r.ClockedInAt != nil && r.ClockedOutAt == nil }
func (r StageRecord) IsClosed() bool  { return r.ClockedOutAt != nil }

// Open clocks staff into the record. The receiver is not modified.
func (r StageRecord) Open(staff StaffRef, at time.Time) (StageRecord, error) {
	if r.IsOpen() {
		return r, newError(KindAlreadyOpen, "%s is already clocked in by %s", r.Stage, r.ClockedInBy.ID)
	}
	if r.IsClosed() {
		return r, newError(KindAlreadyOpen, "%s round %d is already closed", r.Stage, r.Round)
	}

	out := r.clone()
	by := staff
	in := at
	out.ClockedInBy = &by
	out.ClockedInAt = &in
	return out, nil
}

// Close clocks staff out of the record with the declared next stage. The
// payload is validated against the stage here but merged by the aggregator.
// The receiver is not modified.
func (r StageRecord) Close(staff StaffRef, at time.Time, p Payload, next Stage) (StageRecord, error) {
	if !r.IsOpen() {
		return r, newError(KindNotOpen, "%s has no open clock-in", r.Stage)
	}
	if at.Before(*r.ClockedInAt) {
		return r, newError(KindInvalidPayload, "clock-out at %s precedes clock-in at %s",
			at.Format(time.RFC3339), r.ClockedInAt.Format(time.RFC3339))
	}
	if err := p.validateFor(r.Stage, next, r.Diagnosis); err != nil {
		return r, err
	}

	out := r.clone()
	by := staff
	outAt := at
	out.ClockedOutBy = &by
	out.ClockedOutAt = &outAt
	out.NextAction = next
	return out, nil
}

// carryForward starts the next round of a stage, keeping the clinical data
// gathered so far and dropping the clock and routing fields.
func (r StageRecord) carryForward() StageRecord {
	out := r.clone()
	out.Round = r.Round + 1
	out.ClockedInBy = nil
	out.ClockedInAt = nil
	out.ClockedOutBy = nil
	out.ClockedOutAt = nil
	out.Notes = ""
	out.NextAction = ""
	return out
}

func (r StageRecord) clone() StageRecord {
	out := r
	out.ClockedInBy = cloneStaff(r.ClockedInBy)
	out.ClockedOutBy = cloneStaff(r.ClockedOutBy)
	out.ClockedInAt = cloneTime(r.ClockedInAt)
	out.ClockedOutAt = cloneTime(r.ClockedOutAt)
	out.Vitals = r.Vitals.clone()
	if r.Prescriptions != nil {
		out.Prescriptions = append([]Prescription(nil), r.Prescriptions...)
	}
	if r.LabOrders != nil {
		out.LabOrders = append([]LabOrder(nil), r.LabOrders...)
	}
	return out
}

func (r StageRecord) String() string {
	return fmt.Sprintf("%s#%d", r.Stage, r.Round)
}

func cloneStaff(s *StaffRef) *StaffRef {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
