package department

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/deptqueue/pkg/apperr"
)

// Service is the department directory the scheduler reads from.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	return s.repo.GetByID(ctx, id)
}

// GetDepartmentByCode resolves a router code. Codes are matched case-insensitively.
func (s *Service) GetDepartmentByCode(ctx context.Context, code string) (*Department, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, &apperr.FieldError{Field: "code", Reason: "is required"}
	}
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) ListDepartments(ctx context.Context, activeOnly bool) ([]*Department, error) {
	return s.repo.List(ctx, activeOnly)
}
