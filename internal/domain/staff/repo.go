package staff

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("staff member not found")
	ErrDuplicate = errors.New("staff member already exists")
)

// Repository defines the persistence interface for staff members.
type Repository interface {
	Create(ctx context.Context, s *Staff) error
	GetByID(ctx context.Context, id string) (*Staff, error)
	List(ctx context.Context, branchID, role string, limit, offset int) ([]*Staff, int, error)
	SetActive(ctx context.Context, id string, active bool) error
}
