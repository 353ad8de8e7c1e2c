package queue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/deptqueue/pkg/apperr"
)

// ErrEntryNotFound is returned by Persister lookups that match no row.
var ErrEntryNotFound = errors.New("queue entry not found")

type DuplicateActiveEntryError struct {
	DepartmentID uuid.UUID
	PatientID    uuid.UUID
	EntryID      uuid.UUID
}

func (e *DuplicateActiveEntryError) Error() string {
	return fmt.Sprintf("patient %s already has active entry %s in department %s", e.PatientID, e.EntryID, e.DepartmentID)
}

func (e *DuplicateActiveEntryError) Kind() apperr.Kind { return apperr.KindConflict }
func (e *DuplicateActiveEntryError) EntityID() string { return e.EntryID.String() }

// InvalidTransitionError is returned when an operation is not allowed from the
// entry's current status.
type InvalidTransitionError struct {
	EntryID uuid.UUID
	Op      string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("cannot %s entry %s: already %s", e.Op, e.EntryID, e.From)
	}
	return fmt.Sprintf("cannot %s entry %s: %s -> %s not allowed", e.Op, e.EntryID, e.From, e.To)
}

func newInvalidTransition(entryID uuid.UUID, op string, from Status) *InvalidTransitionError {
	to, _ := TargetStatus(op)
	return &InvalidTransitionError{EntryID: entryID, Op: op, From: from, To: to}
}

func (e *InvalidTransitionError) Kind() apperr.Kind { return apperr.KindConflict }
func (e *InvalidTransitionError) EntityID() string { return e.EntryID.String() }

type EmptyQueueError struct {
	DepartmentID uuid.UUID
}

func (e *EmptyQueueError) Error() string {
	return fmt.Sprintf("no waiting entries in department %s", e.DepartmentID)
}

func (e *EmptyQueueError) Kind() apperr.Kind { return apperr.KindConflict }
func (e *EmptyQueueError) EntityID() string { return e.DepartmentID.String() }

type OutOfRangeError struct {
	EntryID  uuid.UUID
	Position int
	Max      int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("position %d out of range [1, %d] for entry %s", e.Position, e.Max, e.EntryID)
}

func (e *OutOfRangeError) Kind() apperr.Kind { return apperr.KindValidation }
func (e *OutOfRangeError) EntityID() string { return e.EntryID.String() }
func (e *OutOfRangeError) FieldName() string { return "position" }

type EntryNotFoundError struct {
	EntryID uuid.UUID
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("queue entry %s not found", e.EntryID)
}

func (e *EntryNotFoundError) Kind() apperr.Kind { return apperr.KindNotFound }
func (e *EntryNotFoundError) EntityID() string { return e.EntryID.String() }

// PersistenceError wraps a storage failure. The structural operation that hit
// it was not applied.
type PersistenceError struct {
	Op           string
	DepartmentID uuid.UUID
	Err          error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s in department %s: persist: %v", e.Op, e.DepartmentID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Kind() apperr.Kind { return apperr.KindUnavailable }
func (e *PersistenceError) EntityID() string { return e.DepartmentID.String() }
