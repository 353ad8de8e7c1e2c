package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deptqueue/internal/platform/db"
	"github.com/ehr/deptqueue/pkg/apperr"
)

// ErrAssessmentNotFound is returned by GetByID when no row matches.
var ErrAssessmentNotFound = apperr.New(apperr.KindNotFound, "triage assessment not found")

type assessmentRepoPG struct{ pool *pgxpool.Pool }

func NewAssessmentRepoPG(pool *pgxpool.Pool) AssessmentRepository {
	return &assessmentRepoPG{pool: pool}
}

const assessmentCols = `id, patient_id, assessed_by, chief_complaint,
	temperature, systolic_bp, diastolic_bp, heart_rate, respiratory_rate,
	oxygen_saturation, blood_glucose, pain_scale, symptoms,
	acuity_score, urgency, low_confidence, department_id, department_code,
	estimated_wait_minutes, created_at`

func (r *assessmentRepoPG) scan(row pgx.Row) (*Assessment, error) {
	var a Assessment
	var urgency string
	err := row.Scan(&a.ID, &a.PatientID, &a.AssessedBy, &a.ChiefComplaint,
		&a.Vitals.Temperature, &a.Vitals.SystolicBP, &a.Vitals.DiastolicBP, &a.Vitals.HeartRate, &a.Vitals.RespiratoryRate,
		&a.Vitals.OxygenSaturation, &a.Vitals.BloodGlucose, &a.PainScale, &a.Symptoms,
		&a.AcuityScore, &urgency, &a.LowConfidence, &a.DepartmentID, &a.DepartmentCode,
		&a.EstimatedWaitMinutes, &a.CreatedAt)
	a.Urgency = Urgency(urgency)
	return &a, err
}

func (r *assessmentRepoPG) Create(ctx context.Context, a *Assessment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO triage_assessment (id, patient_id, assessed_by, chief_complaint,
			temperature, systolic_bp, diastolic_bp, heart_rate, respiratory_rate,
			oxygen_saturation, blood_glucose, pain_scale, symptoms,
			acuity_score, urgency, low_confidence, department_id, department_code,
			estimated_wait_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING created_at`,
		a.ID, a.PatientID, a.AssessedBy, a.ChiefComplaint,
		a.Vitals.Temperature, a.Vitals.SystolicBP, a.Vitals.DiastolicBP, a.Vitals.HeartRate, a.Vitals.RespiratoryRate,
		a.Vitals.OxygenSaturation, a.Vitals.BloodGlucose, a.PainScale, a.Symptoms,
		a.AcuityScore, string(a.Urgency), a.LowConfidence, a.DepartmentID, a.DepartmentCode,
		a.EstimatedWaitMinutes).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert triage assessment: %w", err)
	}
	return nil
}

func (r *assessmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	a, err := r.scan(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+assessmentCols+` FROM triage_assessment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssessmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *assessmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM triage_assessment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `SELECT `+assessmentCols+` FROM triage_assessment WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Assessment
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
