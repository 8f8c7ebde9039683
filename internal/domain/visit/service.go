package visit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/internal/platform/notification"
	"github.com/ehr/visitflow/internal/platform/telemetry"
)

// StaffDirectory resolves the staff member acting on a visit. Unknown or
// inactive staff must be reported with an error of kind KindNotFound.
type StaffDirectory interface {
	LookupStaff(ctx context.Context, id string) (*StaffRef, error)
}

// Service is the visit lifecycle controller. Every mutation loads the visit
// in the acting staff member's branch, applies the change to a copy and
// stores it with a version check.
type Service struct {
	repo        Repository
	staff       StaffDirectory
	coordinator *Coordinator
	notifier    notification.Dispatcher
	logger      zerolog.Logger
	instruments *telemetry.Instruments
	now         func() time.Time
}

func NewService(repo Repository, staff StaffDirectory, routing *RoutingTable) *Service {
	return &Service{
		repo:        repo,
		staff:       staff,
		coordinator: NewCoordinator(routing),
		logger:      zerolog.Nop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier attaches the dispatcher that receives stage and cancellation
// events after they are stored.
func (s *Service) SetNotifier(n notification.Dispatcher) {
	s.notifier = n
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) SetInstruments(i *telemetry.Instruments) {
	s.instruments = i
}

// Routing returns the routing table transitions are checked against.
func (s *Service) Routing() *RoutingTable {
	return s.coordinator.Routing()
}

func (s *Service) at(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t.UTC()
}

func (s *Service) lookupStaff(ctx context.Context, id string) (*StaffRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, newError(KindNotFound, "acting staff is required")
	}
	ref, err := s.staff.LookupStaff(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup staff %s: %w", id, err)
	}
	return ref, nil
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

type CreateVisitInput struct {
	PatientID   uuid.UUID
	BranchID    string
	VisitType   VisitType
	CreatedBy   string
	Assignments map[Stage]string
	At          time.Time
}

// CreateVisit checks the patient in: it allocates a visit number and opens
// the front desk stage for the creating staff member.
func (s *Service) CreateVisit(ctx context.Context, in CreateVisitInput) (v *Visit, err error) {
	ctx, span := telemetry.StartSpan(ctx, "visit.create", attribute.String("visit.type", string(in.VisitType)))
	defer func() { telemetry.EndSpan(span, err) }()

	if in.PatientID == uuid.Nil {
		return nil, newError(KindInvalidPayload, "patient_id is required")
	}
	if !validVisitTypes[in.VisitType] {
		return nil, newError(KindInvalidPayload, "invalid visit_type %q", in.VisitType)
	}

	creator, err := s.lookupStaff(ctx, in.CreatedBy)
	if err != nil {
		return nil, err
	}
	if in.BranchID != "" && in.BranchID != creator.BranchID {
		return nil, newError(KindInvalidPayload, "staff %s does not belong to branch %s", creator.ID, in.BranchID)
	}

	assignments := make(map[Stage]StaffRef, len(in.Assignments))
	for stage, staffID := range in.Assignments {
		if err := assignableStage(stage); err != nil {
			return nil, err
		}
		ref, err := s.branchStaff(ctx, staffID, creator.BranchID)
		if err != nil {
			return nil, err
		}
		assignments[stage] = *ref
	}

	now := s.at(in.At)
	front := newStageRecord(StageFrontDesk, 1)
	front, err = front.Open(*creator, now)
	if err != nil {
		return nil, err
	}

	v = &Visit{
		ID:           uuid.New(),
		PatientID:    in.PatientID,
		BranchID:     creator.BranchID,
		VisitType:    in.VisitType,
		CurrentStage: StageFrontDesk,
		Status:       StatusInProgress,
		Stages:       map[Stage]*StageRecord{StageFrontDesk: &front},
		Assignments:  assignments,
		CreatedBy:    *creator,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	entry := AuditEntry{Operation: "create", ToStage: StageFrontDesk, ActorID: creator.ID, At: now}

	day := SequenceDay(now)
	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		seq, err := s.repo.NextSequence(ctx, v.BranchID, day)
		if err != nil {
			return nil, fmt.Errorf("allocate visit number: %w", err)
		}
		v.VisitNumber = FormatVisitNumber(v.BranchID, day, seq)

		err = s.repo.Create(ctx, v, entry)
		if err == nil {
			span.SetAttributes(attribute.String("visit.number", v.VisitNumber))
			telemetry.LoggerFromContext(ctx, s.logger).Info().
				Str("visit_id", v.ID.String()).
				Str("visit_number", v.VisitNumber).
				Str("branch_id", v.BranchID).
				Msg("visit created")
			return v, nil
		}
		if !errors.Is(err, ErrDuplicateVisitNumber) {
			return nil, err
		}
		s.logger.Warn().Str("visit_number", v.VisitNumber).Int("attempt", attempt).Msg("visit number collision")
	}
	return nil, newError(KindDuplicateVisitNumber, "no free visit number for branch %s after %d attempts",
		v.BranchID, maxNumberAttempts)
}

func assignableStage(stage Stage) error {
	if !stage.Valid() {
		return newError(KindInvalidPayload, "unknown stage %q", stage)
	}
	if stage == StageFrontDesk || stage.Terminal() {
		return newError(KindInvalidPayload, "staff cannot be assigned to %s", stage)
	}
	return nil
}

// branchStaff resolves a staff member who must work in branchID.
func (s *Service) branchStaff(ctx context.Context, staffID, branchID string) (*StaffRef, error) {
	ref, err := s.lookupStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}
	if ref.BranchID != branchID {
		return nil, newError(KindNotFound, "staff %s not found in branch %s", staffID, branchID)
	}
	return ref, nil
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// change computes the next state of a loaded visit. A nil visit means the
// operation is a no-op and the loaded visit is returned as is.
type change func(v *Visit, actor StaffRef) (*Visit, []Event, AuditEntry, error)

// mutate loads, changes and saves one visit. A version conflict on save is
// retried once against a fresh copy; a second conflict, or a loaded version
// that differs from expected, is reported as ErrConcurrentModification.
func (s *Service) mutate(ctx context.Context, op string, visitID uuid.UUID, staffID string, expected int, fn change) (out *Visit, err error) {
	ctx, span := telemetry.StartSpan(ctx, "visit."+op,
		attribute.String("visit.id", visitID.String()),
		attribute.String("staff.id", staffID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	actor, err := s.lookupStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		cur, err := s.repo.GetByID(ctx, actor.BranchID, visitID)
		if err != nil {
			return nil, err
		}
		if expected > 0 && cur.Version != expected {
			return nil, newError(KindConcurrentModification, "visit %s is at version %d, not %d",
				cur.VisitNumber, cur.Version, expected)
		}

		next, events, entry, err := fn(cur, *actor)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}
		if err := next.checkOpenStage(); err != nil {
			return nil, err
		}

		entry.ActorID = actor.ID
		err = s.repo.Save(ctx, next, cur.Version, entry)
		if err == nil {
			s.dispatch(ctx, next, *actor, events)
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		s.instruments.Conflict(ctx, op)
		if attempt >= 1 {
			return nil, wrapError(KindConcurrentModification, err, "visit %s changed concurrently", cur.VisitNumber)
		}
	}
}

type ClockInInput struct {
	VisitID uuid.UUID
	Stage   Stage
	StaffID string
	At      time.Time
}

// ClockIn opens the current stage for the acting staff member.
func (s *Service) ClockIn(ctx context.Context, in ClockInInput) (*Visit, error) {
	if !in.Stage.Valid() {
		return nil, newError(KindInvalidPayload, "unknown stage %q", in.Stage)
	}
	at := s.at(in.At)

	return s.mutate(ctx, "clock_in", in.VisitID, in.StaffID, 0, func(v *Visit, actor StaffRef) (*Visit, []Event, AuditEntry, error) {
		if err := v.ensureActive(); err != nil {
			return nil, nil, AuditEntry{}, err
		}
		if in.Stage != v.CurrentStage {
			return nil, nil, AuditEntry{}, newError(KindWrongStage, "visit %s is at %s, not %s",
				v.VisitNumber, v.CurrentStage, in.Stage)
		}
		rec := newStageRecord(in.Stage, 1)
		if cur := v.Stages[in.Stage]; cur != nil {
			rec = *cur
		}
		opened, err := rec.Open(actor, at)
		if err != nil {
			return nil, nil, AuditEntry{}, err
		}

		next := v.Clone()
		next.Stages[in.Stage] = &opened
		next.UpdatedAt = at
		return next, nil, AuditEntry{Operation: "clock_in", ToStage: in.Stage, At: at}, nil
	})
}

type ClockOutInput struct {
	VisitID    uuid.UUID
	Stage      Stage
	StaffID    string
	At         time.Time
	Payload    Payload
	NextAction Stage
	// ExpectedVersion is the version the client last saw. Zero skips the
	// check.
	ExpectedVersion int
}

// ClockOut closes the current stage and hands the visit to NextAction.
func (s *Service) ClockOut(ctx context.Context, in ClockOutInput) (*Visit, error) {
	if !in.Stage.Valid() {
		return nil, newError(KindInvalidPayload, "unknown stage %q", in.Stage)
	}
	at := s.at(in.At)

	v, err := s.mutate(ctx, "clock_out", in.VisitID, in.StaffID, in.ExpectedVersion, func(v *Visit, actor StaffRef) (*Visit, []Event, AuditEntry, error) {
		next, events, err := s.coordinator.Handoff(v, HandoffRequest{
			ClosingStage: in.Stage,
			Staff:        actor,
			At:           at,
			Payload:      in.Payload,
			NextAction:   in.NextAction,
		})
		if err != nil {
			return nil, nil, AuditEntry{}, err
		}
		return next, events, AuditEntry{Operation: "clock_out", FromStage: in.Stage, ToStage: in.NextAction, At: at}, nil
	})
	if err != nil {
		return nil, err
	}

	s.instruments.Transition(ctx, string(in.Stage), string(in.NextAction))
	telemetry.LoggerFromContext(ctx, s.logger).Info().
		Str("visit_id", v.ID.String()).
		Str("visit_number", v.VisitNumber).
		Str("stage", string(in.Stage)).
		Str("next_action", string(in.NextAction)).
		Int("version", v.Version).
		Msg("visit stage handoff")
	return v, nil
}

type CancelInput struct {
	VisitID uuid.UUID
	StaffID string
	Reason  string
	At      time.Time
}

// CancelVisit stops a visit wherever it is. The current stage and any open
// record are left as they were.
func (s *Service) CancelVisit(ctx context.Context, in CancelInput) (*Visit, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, newError(KindInvalidPayload, "cancellation reason is required")
	}
	at := s.at(in.At)

	return s.mutate(ctx, "cancel", in.VisitID, in.StaffID, 0, func(v *Visit, actor StaffRef) (*Visit, []Event, AuditEntry, error) {
		if err := v.ensureActive(); err != nil {
			return nil, nil, AuditEntry{}, err
		}

		next := v.Clone()
		next.Status = StatusCancelled
		next.Cancellation = &Cancellation{By: actor, At: at, Reason: reason, Stage: v.CurrentStage}
		next.UpdatedAt = at

		return next, cancellationEvents(v, reason), AuditEntry{
			Operation: "cancel", FromStage: v.CurrentStage, Detail: reason, At: at,
		}, nil
	})
}

// cancellationEvents notifies whoever holds the current stage, the staff
// assigned to it, and the branch.
func cancellationEvents(v *Visit, reason string) []Event {
	seen := make(map[string]bool)
	var events []Event
	add := func(ref *StaffRef) {
		if ref == nil || ref.ID == "" || seen[ref.ID] {
			return
		}
		seen[ref.ID] = true
		events = append(events, Event{
			Type: notification.EventVisitCancelled, Stage: v.CurrentStage,
			RecipientID: ref.ID, Recipient: ref.Name, Reason: reason,
		})
	}
	if rec := v.CurrentRecord(); rec != nil && rec.IsOpen() {
		add(rec.ClockedInBy)
	}
	if ref, ok := v.Assignments[v.CurrentStage]; ok {
		add(&ref)
	}
	return append(events, Event{Type: notification.EventVisitCancelled, Stage: v.CurrentStage, Reason: reason})
}

type FinalizeInput struct {
	VisitID uuid.UUID
	StaffID string
	At      time.Time
	Notes   string
}

// Finalize stamps the final clock-out on a completed visit. Repeating it as
// the same staff member returns the visit unchanged.
func (s *Service) Finalize(ctx context.Context, in FinalizeInput) (*Visit, error) {
	at := s.at(in.At)

	return s.mutate(ctx, "finalize", in.VisitID, in.StaffID, 0, func(v *Visit, actor StaffRef) (*Visit, []Event, AuditEntry, error) {
		if v.ArchivedAt != nil || v.Status == StatusCancelled {
			return nil, nil, AuditEntry{}, newError(KindTerminalState, "visit %s cannot be finalized", v.VisitNumber)
		}
		if v.CurrentStage != StageCompleted {
			return nil, nil, AuditEntry{}, newError(KindWrongStage, "visit %s is at %s, not completed",
				v.VisitNumber, v.CurrentStage)
		}
		if f := v.FinalClockOut; f != nil {
			if f.By.ID == actor.ID {
				return nil, nil, AuditEntry{}, nil
			}
			return nil, nil, AuditEntry{}, newError(KindAlreadyFinalized, "visit %s was finalized by %s",
				v.VisitNumber, f.By.ID)
		}

		next := v.Clone()
		next.FinalClockOut = &FinalClockOut{By: actor, At: at, Notes: strings.TrimSpace(in.Notes)}
		next.UpdatedAt = at
		return next, nil, AuditEntry{Operation: "finalize", FromStage: StageCompleted, At: at}, nil
	})
}

type AssignInput struct {
	VisitID    uuid.UUID
	Stage      Stage
	AssigneeID string
	StaffID    string
	At         time.Time
}

// AssignStaff pre-assigns a staff member to a stage. If the visit is already
// waiting at that stage with nobody clocked in, the assignee is clocked in
// straight away.
func (s *Service) AssignStaff(ctx context.Context, in AssignInput) (*Visit, error) {
	if err := assignableStage(in.Stage); err != nil {
		return nil, err
	}
	at := s.at(in.At)

	var assignee *StaffRef
	return s.mutate(ctx, "assign", in.VisitID, in.StaffID, 0, func(v *Visit, actor StaffRef) (*Visit, []Event, AuditEntry, error) {
		if err := v.ensureActive(); err != nil {
			return nil, nil, AuditEntry{}, err
		}
		if assignee == nil {
			ref, err := s.branchStaff(ctx, in.AssigneeID, actor.BranchID)
			if err != nil {
				return nil, nil, AuditEntry{}, err
			}
			assignee = ref
		}

		rec := v.Stages[in.Stage]
		pendingHere := in.Stage == v.CurrentStage && rec != nil && rec.IsPending()
		if cur, ok := v.Assignments[in.Stage]; ok && cur.ID == assignee.ID && !pendingHere {
			return nil, nil, AuditEntry{}, nil
		}

		next := v.Clone()
		if next.Assignments == nil {
			next.Assignments = make(map[Stage]StaffRef)
		}
		next.Assignments[in.Stage] = *assignee
		next.UpdatedAt = at

		var events []Event
		if pendingHere {
			opened, err := rec.Open(*assignee, at)
			if err != nil {
				return nil, nil, AuditEntry{}, err
			}
			next.Stages[in.Stage] = &opened
			events = append(events, Event{
				Type: notification.EventStageOpened, Stage: in.Stage,
				RecipientID: assignee.ID, Recipient: assignee.Name,
			})
		}
		return next, events, AuditEntry{Operation: "assign", ToStage: in.Stage, Detail: assignee.ID, At: at}, nil
	})
}

// ArchiveVisit hides a completed or cancelled visit from the queue board.
// Archiving twice is a no-op.
func (s *Service) ArchiveVisit(ctx context.Context, visitID uuid.UUID, staffID string) (*Visit, error) {
	at := s.now()

	return s.mutate(ctx, "archive", visitID, staffID, 0, func(v *Visit, _ StaffRef) (*Visit, []Event, AuditEntry, error) {
		if v.ArchivedAt != nil {
			return nil, nil, AuditEntry{}, nil
		}
		if v.Status == StatusInProgress {
			return nil, nil, AuditEntry{}, newError(KindIllegalTransition, "visit %s is still in progress", v.VisitNumber)
		}
		next := v.Clone()
		next.ArchivedAt = &at
		next.UpdatedAt = at
		return next, nil, AuditEntry{Operation: "archive", At: at}, nil
	})
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (s *Service) GetVisit(ctx context.Context, staffID string, id uuid.UUID) (*Visit, error) {
	actor, err := s.lookupStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, actor.BranchID, id)
}

func (s *Service) GetVisitByNumber(ctx context.Context, staffID, number string) (*Visit, error) {
	actor, err := s.lookupStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByNumber(ctx, actor.BranchID, number)
}

// ListVisits returns the queue board of the acting staff member's branch.
func (s *Service) ListVisits(ctx context.Context, staffID string, f ListFilter, limit, offset int) ([]*Visit, int, error) {
	actor, err := s.lookupStaff(ctx, staffID)
	if err != nil {
		return nil, 0, err
	}
	if f.Stage != "" && !f.Stage.Valid() {
		return nil, 0, newError(KindInvalidPayload, "unknown stage %q", f.Stage)
	}
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, newError(KindInvalidPayload, "unknown status %q", f.Status)
	}
	f.BranchID = actor.BranchID
	return s.repo.List(ctx, f, limit, offset)
}

// VisitAudit returns the change log of a visit in version order.
func (s *Service) VisitAudit(ctx context.Context, staffID string, id uuid.UUID) ([]*AuditEntry, error) {
	actor, err := s.lookupStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetByID(ctx, actor.BranchID, id); err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, actor.BranchID, id)
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (s *Service) dispatch(ctx context.Context, v *Visit, actor StaffRef, events []Event) {
	if s.notifier == nil || len(events) == 0 {
		return
	}
	log := telemetry.LoggerFromContext(ctx, s.logger)
	for _, ev := range events {
		n := newNotification(v, actor, ev)
		n.TenantID = db.TenantFromContext(ctx)
		if err := s.notifier.Notify(ctx, n); err != nil {
			log.Warn().Err(err).
				Str("visit_number", v.VisitNumber).
				Str("event", string(ev.Type)).
				Msg("notification not sent")
		}
	}
}

func newNotification(v *Visit, actor StaffRef, ev Event) *notification.Notification {
	staffName := ev.Recipient
	if ev.Type == notification.EventVisitCancelled {
		staffName = actor.Name
	}
	n := &notification.Notification{
		Event:       ev.Type,
		RecipientID: ev.RecipientID,
		BranchID:    v.BranchID,
		VisitID:     v.ID.String(),
		VisitNumber: v.VisitNumber,
		Stage:       string(ev.Stage),
		Data: map[string]string{
			"visit_number": v.VisitNumber,
			"stage":        string(ev.Stage),
			"staff_name":   staffName,
		},
	}
	if ev.Reason != "" {
		n.Data["reason"] = ev.Reason
	}
	if ev.Type == notification.EventLabStageOpened {
		names := make([]string, 0, len(ev.LabOrders))
		for _, o := range ev.LabOrders {
			names = append(names, o.TestName)
		}
		n.Data["lab_count"] = strconv.Itoa(len(ev.LabOrders))
		n.Data["lab_tests"] = strings.Join(names, ", ")
		n.Payload = ev.LabOrders
	}
	return n
}
