package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryPersister keeps queue rows in process memory. It backs tests and
// single-node development setups without a database.
type MemoryPersister struct {
	mu        sync.Mutex
	entries   map[uuid.UUID]*Entry
	loads     map[uuid.UUID]int
	overrides []*Override
	applied   int
	failNext  error
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{
		entries: make(map[uuid.UUID]*Entry),
		loads:   make(map[uuid.UUID]int),
	}
}

// FailNext makes the next Apply return err without writing anything.
func (m *MemoryPersister) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *MemoryPersister) Apply(ctx context.Context, mut *Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if mut.Attach != nil {
		if err := mut.Attach(ctx); err != nil {
			return err
		}
	}
	for _, e := range mut.Entries {
		m.entries[e.ID] = e.clone()
	}
	m.loads[mut.DepartmentID] += mut.LoadDelta
	if m.loads[mut.DepartmentID] < 0 {
		m.loads[mut.DepartmentID] = 0
	}
	if mut.Override != nil {
		o := *mut.Override
		m.overrides = append(m.overrides, &o)
	}
	m.applied++
	return nil
}

func (m *MemoryPersister) LoadActive(ctx context.Context, departmentID uuid.UUID) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.DepartmentID == departmentID && e.Status.IsActive() {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

func (m *MemoryPersister) FindEntry(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.clone(), nil
}

// Seed stores entries as if a previous process had written them.
func (m *MemoryPersister) Seed(entries ...*Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.ID] = e.clone()
		if e.Status.IsActive() {
			m.loads[e.DepartmentID]++
		}
	}
}

// DepartmentLoad returns the persisted load counter for a department.
func (m *MemoryPersister) DepartmentLoad(departmentID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[departmentID]
}

// Overrides returns every recorded reposition, oldest first.
func (m *MemoryPersister) Overrides() []*Override {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Override, len(m.overrides))
	copy(out, m.overrides)
	return out
}

// Applied counts successful Apply calls.
func (m *MemoryPersister) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}
