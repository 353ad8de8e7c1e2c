package identity

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/deptqueue/pkg/apperr"
)

type Service struct {
	patients PatientRepository
}

func NewService(patients PatientRepository) *Service {
	return &Service{patients: patients}
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.MRN = strings.TrimSpace(p.MRN)
	switch {
	case p.MRN == "":
		return &apperr.FieldError{Field: "mrn", Reason: "is required"}
	case p.FirstName == "":
		return &apperr.FieldError{Field: "first_name", Reason: "is required"}
	case p.LastName == "":
		return &apperr.FieldError{Field: "last_name", Reason: "is required"}
	case p.BirthDate != nil && p.BirthDate.After(time.Now()):
		return &apperr.FieldError{Field: "birth_date", Reason: "is in the future"}
	}
	return s.patients.Create(ctx, p)
}

// GetPatient also serves the scheduler as its patient directory.
func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.patients.GetByMRN(ctx, mrn)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}
