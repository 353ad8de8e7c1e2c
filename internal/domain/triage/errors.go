package triage

import (
	"fmt"

	"github.com/ehr/deptqueue/pkg/apperr"
)

// InvalidVitalsError names a reading outside its physiologically plausible range.
type InvalidVitalsError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *InvalidVitalsError) Error() string {
	return fmt.Sprintf("invalid vitals: %s %g outside plausible range [%g, %g]", e.Field, e.Value, e.Min, e.Max)
}

func (e *InvalidVitalsError) Kind() apperr.Kind { return apperr.KindValidation }
func (e *InvalidVitalsError) FieldName() string { return e.Field }

// ValidationError reports a missing or malformed intake field that is not a vital sign.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() apperr.Kind { return apperr.KindValidation }
func (e *ValidationError) FieldName() string { return e.Field }
