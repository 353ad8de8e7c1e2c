package department

import (
	"time"

	"github.com/google/uuid"
)

// Department maps to the department table. The scheduler treats it as
// read-only apart from current_load, which queue mutations maintain.
type Department struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	Code                string    `db:"code" json:"code"`
	Name                string    `db:"name" json:"name"`
	Capacity            int       `db:"capacity" json:"capacity"`
	CurrentLoad         int       `db:"current_load" json:"current_load"`
	AvgTreatmentMinutes int       `db:"avg_treatment_minutes" json:"avg_treatment_minutes"`
	Active              bool      `db:"active" json:"active"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// AtCapacity reports whether active entries have reached the configured
// capacity. A zero capacity means unlimited.
func (d *Department) AtCapacity() bool {
	return d.Capacity > 0 && d.CurrentLoad >= d.Capacity
}

// Utilization is CurrentLoad/Capacity, or 0 when capacity is unlimited.
func (d *Department) Utilization() float64 {
	if d.Capacity <= 0 {
		return 0
	}
	return float64(d.CurrentLoad) / float64(d.Capacity)
}
