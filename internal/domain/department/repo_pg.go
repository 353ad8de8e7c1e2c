package department

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deptqueue/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const deptCols = `id, code, name, capacity, current_load, avg_treatment_minutes, active, created_at, updated_at`

// scanDepartment reads one row. avg_treatment_minutes is NULL until someone
// records it; that comes back as 0 so the scheduler uses its default.
func scanDepartment(row pgx.Row) (*Department, error) {
	var d Department
	var avg pgtype.Int4
	err := row.Scan(&d.ID, &d.Code, &d.Name, &d.Capacity, &d.CurrentLoad, &avg, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDepartmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan department: %w", err)
	}
	if avg.Valid {
		d.AvgTreatmentMinutes = int(avg.Int32)
	}
	return &d, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Department, error) {
	return scanDepartment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+deptCols+` FROM department WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Department, error) {
	return scanDepartment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+deptCols+` FROM department WHERE code = $1`, code))
}

func (r *repoPG) List(ctx context.Context, activeOnly bool) ([]*Department, error) {
	q := `SELECT ` + deptCols + ` FROM department`
	if activeOnly {
		q += ` WHERE active`
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, q+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	var depts []*Department
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		depts = append(depts, d)
	}
	return depts, rows.Err()
}
