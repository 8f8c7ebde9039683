package staff

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/auth"
)

var validRoles = map[string]bool{
	auth.RoleAdmin:         true,
	auth.RoleFrontDesk:     true,
	auth.RoleNurse:         true,
	auth.RolePhysician:     true,
	auth.RoleLabTechnician: true,
	auth.RolePharmacist:    true,
	auth.RoleBilling:       true,
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreateStaff(ctx context.Context, st *Staff) error {
	st.Name = strings.TrimSpace(st.Name)
	st.BranchID = strings.TrimSpace(st.BranchID)
	if st.Name == "" {
		return fmt.Errorf("name is required")
	}
	if st.BranchID == "" {
		return fmt.Errorf("branch_id is required")
	}
	if !validRoles[st.Role] {
		return fmt.Errorf("invalid role: %s", st.Role)
	}
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	st.Active = true
	return s.repo.Create(ctx, st)
}

func (s *Service) GetStaff(ctx context.Context, id string) (*Staff, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListStaff(ctx context.Context, branchID, role string, limit, offset int) ([]*Staff, int, error) {
	return s.repo.List(ctx, branchID, role, limit, offset)
}

func (s *Service) DeactivateStaff(ctx context.Context, id string) error {
	return s.repo.SetActive(ctx, id, false)
}

// LookupStaff resolves an active staff member for the visit workflow.
// Unknown and deactivated staff are both reported as visit.ErrNotFound.
func (s *Service) LookupStaff(ctx context.Context, id string) (*visit.StaffRef, error) {
	st, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("staff %s: %w", id, visit.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !st.Active {
		return nil, fmt.Errorf("staff %s is inactive: %w", id, visit.ErrNotFound)
	}
	return &visit.StaffRef{ID: st.ID, Name: st.Name, Role: st.Role, BranchID: st.BranchID}, nil
}
