package visit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one row of a visit's append-only change log. It is written
// in the same transaction as the change it describes.
type AuditEntry struct {
	ID        int64     `json:"id"`
	VisitID   uuid.UUID `json:"visit_id"`
	Version   int       `json:"version"`
	Operation string    `json:"operation"`
	FromStage Stage     `json:"from_stage,omitempty"`
	ToStage   Stage     `json:"to_stage,omitempty"`
	ActorID   string    `json:"actor_id"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Repository stores visits as versioned documents. Reads and writes are
// always scoped to a branch.
type Repository interface {
	// Create inserts v at version 1. A clash on visit_number returns
	// ErrDuplicateVisitNumber.
	Create(ctx context.Context, v *Visit, entry AuditEntry) error
	GetByID(ctx context.Context, branchID string, id uuid.UUID) (*Visit, error)
	GetByNumber(ctx context.Context, branchID, number string) (*Visit, error)
	// Save replaces the stored visit if its version still equals
	// expectedVersion, and bumps v.Version. Otherwise it returns
	// ErrVersionConflict and stores nothing.
	Save(ctx context.Context, v *Visit, expectedVersion int, entry AuditEntry) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Visit, int, error)
	ListAudit(ctx context.Context, branchID string, visitID uuid.UUID) ([]*AuditEntry, error)
	// NextSequence returns the next visit counter for the branch on day.
	NextSequence(ctx context.Context, branchID string, day time.Time) (int, error)
}
