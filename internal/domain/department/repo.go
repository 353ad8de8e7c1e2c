package department

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/deptqueue/pkg/apperr"
)

var ErrDepartmentNotFound = apperr.New(apperr.KindNotFound, "department not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Department, error)
	GetByCode(ctx context.Context, code string) (*Department, error)
	List(ctx context.Context, activeOnly bool) ([]*Department, error)
}
