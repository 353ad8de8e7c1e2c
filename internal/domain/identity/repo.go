package identity

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/deptqueue/pkg/apperr"
)

var (
	ErrPatientNotFound = apperr.New(apperr.KindNotFound, "patient not found")
	// ErrDuplicateMRN is returned by Create when the MRN is already registered.
	ErrDuplicateMRN = apperr.New(apperr.KindConflict, "mrn already registered")
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
}
