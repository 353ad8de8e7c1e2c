package queue

import (
	"context"

	"github.com/google/uuid"
)

// Mutation is everything one structural operation changes, applied by a
// Persister atomically or not at all.
type Mutation struct {
	Op           string
	DepartmentID uuid.UUID
	Version      int64
	// Entries holds every row whose stored value changed, including ones
	// that just left the active set.
	Entries   []*Entry
	LoadDelta int
	Override  *Override
	// Attach writes rows that belong to the same operation, such as the
	// assessment behind an enqueue. It runs first, inside the transaction;
	// its error aborts the whole mutation.
	Attach func(ctx context.Context) error
}

// Persister is the durable side of the Store.
type Persister interface {
	// Apply writes a mutation in a single transaction.
	Apply(ctx context.Context, m *Mutation) error
	// LoadActive returns the WAITING and IN_PROGRESS entries of a department.
	LoadActive(ctx context.Context, departmentID uuid.UUID) ([]*Entry, error)
	// FindEntry returns an entry in any status, or ErrEntryNotFound.
	FindEntry(ctx context.Context, entryID uuid.UUID) (*Entry, error)
}
