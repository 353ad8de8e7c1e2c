package triage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Urgency is the ordinal priority band assigned at triage.
type Urgency string

const (
	UrgencyRed    Urgency = "RED"
	UrgencyYellow Urgency = "YELLOW"
	UrgencyGreen  Urgency = "GREEN"
)

// Rank orders urgencies for queue placement: lower is more urgent.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyRed:
		return 1
	case UrgencyYellow:
		return 2
	case UrgencyGreen:
		return 3
	default:
		return 4
	}
}

func (u Urgency) Valid() bool {
	return u == UrgencyRed || u == UrgencyYellow || u == UrgencyGreen
}

// AtLeastAsUrgentAs reports whether u would be served no later than other.
func (u Urgency) AtLeastAsUrgentAs(other Urgency) bool {
	return u.Rank() <= other.Rank()
}

func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(strings.ToUpper(strings.TrimSpace(s)))
	if !u.Valid() {
		return "", fmt.Errorf("invalid urgency: %q (valid: RED, YELLOW, GREEN)", s)
	}
	return u, nil
}

// Vitals is the fixed set of optional vital-sign readings taken at intake.
type Vitals struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	SystolicBP       *int     `json:"systolic_bp,omitempty"`
	DiastolicBP      *int     `json:"diastolic_bp,omitempty"`
	HeartRate        *int     `json:"heart_rate,omitempty"`
	RespiratoryRate  *int     `json:"respiratory_rate,omitempty"`
	OxygenSaturation *int     `json:"oxygen_saturation,omitempty"`
	BloodGlucose     *int     `json:"blood_glucose,omitempty"`
}

// SymptomFlags is the closed set of presenting symptoms the router understands.
type SymptomFlags struct {
	ChestPain         bool `json:"chest_pain,omitempty"`
	ShortnessOfBreath bool `json:"shortness_of_breath,omitempty"`
	Unconscious       bool `json:"unconscious,omitempty"`
	Seizure           bool `json:"seizure,omitempty"`
	Confusion         bool `json:"confusion,omitempty"`
	SevereHeadache    bool `json:"severe_headache,omitempty"`
	SevereBleeding    bool `json:"severe_bleeding,omitempty"`
	Fracture          bool `json:"fracture,omitempty"`
	AbdominalPain     bool `json:"abdominal_pain,omitempty"`
	Vomiting          bool `json:"vomiting,omitempty"`
	Fever             bool `json:"fever,omitempty"`
	Cough             bool `json:"cough,omitempty"`
	Rash              bool `json:"rash,omitempty"`
}

// AssessmentInput is what a triage nurse submits at intake.
type AssessmentInput struct {
	PatientID      uuid.UUID    `json:"patient_id"`
	AssessedBy     string       `json:"assessed_by,omitempty"`
	Vitals         Vitals       `json:"vitals"`
	PainScale      *int         `json:"pain_scale"`
	Symptoms       SymptomFlags `json:"symptoms"`
	ChiefComplaint string       `json:"chief_complaint,omitempty"`
	// DepartmentID bypasses symptom routing when staff direct the patient explicitly.
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
}

// Assessment maps to the triage_assessment table. Rows are written once and
// never updated; a later assessment supersedes an earlier one.
type Assessment struct {
	ID                   uuid.UUID    `db:"id" json:"id"`
	PatientID            uuid.UUID    `db:"patient_id" json:"patient_id"`
	AssessedBy           *string      `db:"assessed_by" json:"assessed_by,omitempty"`
	ChiefComplaint       *string      `db:"chief_complaint" json:"chief_complaint,omitempty"`
	Vitals               Vitals       `json:"vitals"`
	PainScale            int          `db:"pain_scale" json:"pain_scale"`
	Symptoms             SymptomFlags `db:"symptoms" json:"symptoms"`
	AcuityScore          int          `db:"acuity_score" json:"acuity_score"`
	Urgency              Urgency      `db:"urgency" json:"urgency"`
	LowConfidence        bool         `db:"low_confidence" json:"low_confidence"`
	DepartmentID         uuid.UUID    `db:"department_id" json:"department_id"`
	DepartmentCode       string       `db:"department_code" json:"department_code"`
	EstimatedWaitMinutes int          `db:"estimated_wait_minutes" json:"estimated_wait_minutes"`
	CreatedAt            time.Time    `db:"created_at" json:"created_at"`
}
