package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/deptqueue/internal/domain/triage"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusSkipped    Status = "SKIPPED"
)

// IsActive reports whether the entry still counts toward department load.
func (s Status) IsActive() bool {
	return s == StatusWaiting || s == StatusInProgress
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusSkipped
}

// Entry maps to the queue_entry table. Pointer fields are replaced, never
// written through, so a shallow copy is a safe snapshot.
type Entry struct {
	ID                  uuid.UUID      `db:"id" json:"id"`
	DepartmentID        uuid.UUID      `db:"department_id" json:"department_id"`
	PatientID           uuid.UUID      `db:"patient_id" json:"patient_id"`
	AssessmentID        *uuid.UUID     `db:"assessment_id" json:"assessment_id,omitempty"`
	Urgency             triage.Urgency `db:"urgency" json:"urgency"`
	Position            int            `db:"position_in_queue" json:"position_in_queue"`
	ExpectedWaitMinutes int            `db:"expected_wait_minutes" json:"expected_wait_minutes"`
	Status              Status         `db:"status" json:"status"`
	StatusReason        *string        `db:"status_reason" json:"status_reason,omitempty"`
	AssignedStaffID     *string        `db:"assigned_staff_id" json:"assigned_staff_id,omitempty"`
	EnqueuedAt          time.Time      `db:"enqueued_at" json:"enqueued_at"`
	CalledAt            *time.Time     `db:"called_at" json:"called_at,omitempty"`
	StartedAt           *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt         *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	OverriddenBy        *string        `db:"overridden_by" json:"overridden_by,omitempty"`
	OverriddenAt        *time.Time     `db:"overridden_at" json:"overridden_at,omitempty"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// Override maps to the queue_override table: one row per manual reposition.
type Override struct {
	ID           uuid.UUID `db:"id" json:"id"`
	EntryID      uuid.UUID `db:"entry_id" json:"entry_id"`
	DepartmentID uuid.UUID `db:"department_id" json:"department_id"`
	FromPosition int       `db:"from_position" json:"from_position"`
	ToPosition   int       `db:"to_position" json:"to_position"`
	ActorID      string    `db:"actor_id" json:"actor_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Snapshot is a consistent read of one department's active entries.
// Waiting is ordered by position; InProgress by call time.
type Snapshot struct {
	DepartmentID uuid.UUID `json:"department_id"`
	Version      int64     `json:"version"`
	Waiting      []*Entry  `json:"waiting"`
	InProgress   []*Entry  `json:"in_progress"`
}

// Load is the number of active entries, the value mirrored in department.current_load.
func (s *Snapshot) Load() int {
	return len(s.Waiting) + len(s.InProgress)
}

// EnqueueParams describes a new entry. When EstimateWait is set it is called
// inside the department's critical section with the number of waiting entries
// at least as urgent as the new one, and its result replaces ExpectedWaitMinutes.
type EnqueueParams struct {
	DepartmentID        uuid.UUID
	PatientID           uuid.UUID
	AssessmentID        *uuid.UUID
	Urgency             triage.Urgency
	ExpectedWaitMinutes int
	EstimateWait        func(aheadOrEqual int) int
	// Attach is handed the new entry and persisted with it atomically.
	Attach func(ctx context.Context, e *Entry) error
}
