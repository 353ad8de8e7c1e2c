package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deptqueue/internal/domain/triage"
	"github.com/ehr/deptqueue/internal/platform/db"
)

const activePatientIndex = "uq_queue_entry_active_patient"

type persisterPG struct{ pool *pgxpool.Pool }

func NewPersisterPG(pool *pgxpool.Pool) Persister {
	return &persisterPG{pool: pool}
}

const entryCols = `id, department_id, patient_id, assessment_id, urgency, position_in_queue,
	expected_wait_minutes, status, status_reason, assigned_staff_id, enqueued_at,
	called_at, started_at, completed_at, overridden_by, overridden_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var urgency, status string
	err := row.Scan(&e.ID, &e.DepartmentID, &e.PatientID, &e.AssessmentID, &urgency, &e.Position,
		&e.ExpectedWaitMinutes, &status, &e.StatusReason, &e.AssignedStaffID, &e.EnqueuedAt,
		&e.CalledAt, &e.StartedAt, &e.CompletedAt, &e.OverriddenBy, &e.OverriddenAt, &e.UpdatedAt)
	e.Urgency = triage.Urgency(urgency)
	e.Status = Status(status)
	return &e, err
}

// Apply writes the attached rows, entry rows, the department load counter and
// the override audit row in one transaction.
func (p *persisterPG) Apply(ctx context.Context, m *Mutation) error {
	return db.WithTx(ctx, p.pool, func(ctx context.Context) error {
		if m.Attach != nil {
			if err := m.Attach(ctx); err != nil {
				return err
			}
		}
		conn := db.Conn(ctx, p.pool)

		for _, e := range m.Entries {
			_, err := conn.Exec(ctx, `
				INSERT INTO queue_entry (`+entryCols+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
				ON CONFLICT (id) DO UPDATE SET
					urgency = EXCLUDED.urgency,
					position_in_queue = EXCLUDED.position_in_queue,
					expected_wait_minutes = EXCLUDED.expected_wait_minutes,
					status = EXCLUDED.status,
					status_reason = EXCLUDED.status_reason,
					assigned_staff_id = EXCLUDED.assigned_staff_id,
					called_at = EXCLUDED.called_at,
					started_at = EXCLUDED.started_at,
					completed_at = EXCLUDED.completed_at,
					overridden_by = EXCLUDED.overridden_by,
					overridden_at = EXCLUDED.overridden_at,
					updated_at = EXCLUDED.updated_at`,
				e.ID, e.DepartmentID, e.PatientID, e.AssessmentID, string(e.Urgency), e.Position,
				e.ExpectedWaitMinutes, string(e.Status), e.StatusReason, e.AssignedStaffID, e.EnqueuedAt,
				e.CalledAt, e.StartedAt, e.CompletedAt, e.OverriddenBy, e.OverriddenAt, e.UpdatedAt)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activePatientIndex {
					return &DuplicateActiveEntryError{DepartmentID: e.DepartmentID, PatientID: e.PatientID}
				}
				return fmt.Errorf("upsert queue entry %s: %w", e.ID, err)
			}
		}

		if m.LoadDelta != 0 {
			tag, err := conn.Exec(ctx, `
				UPDATE department SET current_load = GREATEST(current_load + $2, 0), updated_at = NOW()
				WHERE id = $1`, m.DepartmentID, m.LoadDelta)
			if err != nil {
				return fmt.Errorf("update department load: %w", err)
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("update department load: department %s not found", m.DepartmentID)
			}
		}

		if o := m.Override; o != nil {
			_, err := conn.Exec(ctx, `
				INSERT INTO queue_override (id, entry_id, department_id, from_position, to_position, actor_id, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				o.ID, o.EntryID, o.DepartmentID, o.FromPosition, o.ToPosition, o.ActorID, o.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert queue override: %w", err)
			}
		}
		return nil
	})
}

func (p *persisterPG) LoadActive(ctx context.Context, departmentID uuid.UUID) ([]*Entry, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE department_id = $1 AND status IN ('WAITING', 'IN_PROGRESS')
		ORDER BY position_in_queue, enqueued_at`, departmentID)
	if err != nil {
		return nil, fmt.Errorf("load active entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *persisterPG) FindEntry(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	e, err := scanEntry(db.Conn(ctx, p.pool).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry WHERE id = $1`, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
