package visit

import (
	"time"

	"github.com/ehr/visitflow/internal/platform/notification"
)

// HandoffRequest is a staff member closing the current stage and naming the
// stage that comes next.
type HandoffRequest struct {
	ClosingStage Stage
	Staff        StaffRef
	At           time.Time
	Payload      Payload
	NextAction   Stage
}

// Event is a notification the caller dispatches once the change is stored.
type Event struct {
	Type        notification.Event
	Stage       Stage
	RecipientID string
	Recipient   string
	LabOrders   []LabOrder
	Reason      string
}

// Coordinator applies handoffs: close the current stage, merge its payload,
// move to the next stage and open it.
type Coordinator struct {
	routing *RoutingTable
}

func NewCoordinator(routing *RoutingTable) *Coordinator {
	if routing == nil {
		routing = DefaultRoutingTable()
	}
	return &Coordinator{routing: routing}
}

func (c *Coordinator) Routing() *RoutingTable {
	return c.routing
}

// Handoff returns a new visit with req applied, plus the events to dispatch
// after it is stored. v itself is never modified, so a failed handoff leaves
// nothing to undo.
func (c *Coordinator) Handoff(v *Visit, req HandoffRequest) (*Visit, []Event, error) {
	if err := v.ensureActive(); err != nil {
		return nil, nil, err
	}
	if req.ClosingStage != v.CurrentStage {
		return nil, nil, newError(KindStageMismatch, "visit %s is at %s, not %s",
			v.VisitNumber, v.CurrentStage, req.ClosingStage)
	}
	if !req.NextAction.Valid() {
		return nil, nil, newError(KindIllegalTransition, "unknown next stage %q", req.NextAction)
	}

	next := v.Clone()

	rec := next.Stages[req.ClosingStage]
	if rec == nil {
		return nil, nil, newError(KindNotOpen, "%s has no open clock-in", req.ClosingStage)
	}
	closed, err := rec.Close(req.Staff, req.At, req.Payload, req.NextAction)
	if err != nil {
		return nil, nil, err
	}
	next.Stages[req.ClosingStage] = &closed

	Merge(next, req.ClosingStage, req.Payload)

	if err := c.routing.Advance(next, req.NextAction); err != nil {
		return nil, nil, err
	}

	events := c.openStage(next, req.NextAction, req.At)
	next.UpdatedAt = req.At
	return next, events, nil
}

// openStage creates the record for a stage the visit just entered. A stage
// that was visited before has its closed record moved to History and the
// clinical data carried into the new round. The record is clocked in for the
// pre-assigned staff member if there is one, otherwise it is left pending.
func (c *Coordinator) openStage(v *Visit, stage Stage, at time.Time) []Event {
	if stage.Terminal() {
		return nil
	}

	rec := newStageRecord(stage, 1)
	if prev := v.Stages[stage]; prev != nil {
		v.History = append(v.History, prev.clone())
		rec = prev.carryForward()
	}

	var events []Event
	if staff, ok := v.Assignments[stage]; ok {
		by := staff
		in := at
		rec.ClockedInBy = &by
		rec.ClockedInAt = &in
		events = append(events, Event{
			Type:        notification.EventStageOpened,
			Stage:       stage,
			RecipientID: staff.ID,
			Recipient:   staff.Name,
		})
	} else {
		events = append(events, Event{Type: notification.EventStagePending, Stage: stage})
	}
	v.Stages[stage] = &rec

	if stage == StageLab {
		events = append(events, Event{
			Type:      notification.EventLabStageOpened,
			Stage:     stage,
			LabOrders: LabOrdersFor(v),
		})
	}
	return events
}
