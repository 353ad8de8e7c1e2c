package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/deptqueue/internal/domain/triage"
	"github.com/ehr/deptqueue/pkg/apperr"
)

// errNotActive signals that an entry-targeted operation did not find its entry
// in the department's active set.
var errNotActive = errors.New("entry not active")

// partitionState is one published, immutable view of a department queue.
// waiting[i] always has position i+1.
type partitionState struct {
	version    int64
	waiting    []*Entry
	inProgress []*Entry
}

// partition owns one department. mu serializes structural operations; state
// is swapped only while mu is held and read without locking.
type partition struct {
	departmentID uuid.UUID
	mu           sync.Mutex
	state        atomic.Pointer[partitionState]
}

// workingSet is the private copy a structural operation mutates.
type workingSet struct {
	waiting    []*Entry
	inProgress []*Entry
	retired    []*Entry
	loadDelta  int
	override   *Override
	attach     func(ctx context.Context) error
	result     *Entry
}

func (st *partitionState) working() *workingSet {
	return &workingSet{
		waiting:    cloneAll(st.waiting),
		inProgress: cloneAll(st.inProgress),
	}
}

func (w *workingSet) renumber() {
	for i, e := range w.waiting {
		e.Position = i + 1
	}
	for _, e := range w.inProgress {
		e.Position = 0
	}
}

func (w *workingSet) find(entryID uuid.UUID) (e *Entry, waiting bool, idx int) {
	for i, e := range w.waiting {
		if e.ID == entryID {
			return e, true, i
		}
	}
	for i, e := range w.inProgress {
		if e.ID == entryID {
			return e, false, i
		}
	}
	return nil, false, -1
}

func (w *workingSet) activeFor(patientID uuid.UUID) *Entry {
	for _, e := range w.waiting {
		if e.PatientID == patientID {
			return e
		}
	}
	for _, e := range w.inProgress {
		if e.PatientID == patientID {
			return e
		}
	}
	return nil
}

// Store is the authoritative in-memory queue for every department, backed by
// a Persister. Structural operations on one department are serialized and
// applied copy-then-publish: readers see either the old or the new state,
// never a partial one, and a failed operation leaves no trace.
type Store struct {
	persister Persister
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.RWMutex
	partitions map[uuid.UUID]*partition

	indexMu sync.RWMutex
	index   map[uuid.UUID]uuid.UUID // active entry -> department
}

func NewStore(persister Persister, logger zerolog.Logger) *Store {
	return &Store{
		persister:  persister,
		logger:     logger.With().Str("component", "queue-store").Logger(),
		now:        time.Now,
		partitions: make(map[uuid.UUID]*partition),
		index:      make(map[uuid.UUID]uuid.UUID),
	}
}

// SetClock replaces the time source used for entry timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) partition(departmentID uuid.UUID) *partition {
	s.mu.RLock()
	p, ok := s.partitions[departmentID]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.partitions[departmentID]; ok {
		return p
	}
	p = &partition{departmentID: departmentID}
	s.partitions[departmentID] = p
	return p
}

// loadLocked hydrates p from the persister on first use. Caller holds p.mu.
func (s *Store) loadLocked(ctx context.Context, p *partition) error {
	if p.state.Load() != nil {
		return nil
	}
	entries, err := s.persister.LoadActive(ctx, p.departmentID)
	if err != nil {
		return &PersistenceError{Op: "load", DepartmentID: p.departmentID, Err: err}
	}

	w := &workingSet{}
	for _, e := range entries {
		switch e.Status {
		case StatusWaiting:
			w.waiting = append(w.waiting, e)
		case StatusInProgress:
			w.inProgress = append(w.inProgress, e)
		}
	}
	sort.SliceStable(w.waiting, func(i, j int) bool {
		a, b := w.waiting[i], w.waiting[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
	sort.SliceStable(w.inProgress, func(i, j int) bool {
		a, b := w.inProgress[i], w.inProgress[j]
		if a.CalledAt == nil || b.CalledAt == nil {
			return b.CalledAt != nil
		}
		return a.CalledAt.Before(*b.CalledAt)
	})
	for i, e := range w.waiting {
		if e.Position != i+1 {
			s.logger.Warn().
				Str("department_id", p.departmentID.String()).
				Str("entry_id", e.ID.String()).
				Int("stored_position", e.Position).
				Int("position", i+1).
				Msg("stored queue positions not dense, renumbering")
			break
		}
	}
	w.renumber()

	st := &partitionState{waiting: w.waiting, inProgress: w.inProgress}
	p.state.Store(st)
	s.reindex(p.departmentID, st, nil)
	s.logger.Debug().
		Str("department_id", p.departmentID.String()).
		Int("waiting", len(st.waiting)).
		Int("in_progress", len(st.inProgress)).
		Msg("queue partition loaded")
	return nil
}

func (s *Store) published(ctx context.Context, departmentID uuid.UUID) (*partitionState, error) {
	p := s.partition(departmentID)
	if st := p.state.Load(); st != nil {
		return st, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := s.loadLocked(ctx, p); err != nil {
		return nil, err
	}
	return p.state.Load(), nil
}

func (s *Store) reindex(departmentID uuid.UUID, st *partitionState, retired []*Entry) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	for _, e := range st.waiting {
		s.index[e.ID] = departmentID
	}
	for _, e := range st.inProgress {
		s.index[e.ID] = departmentID
	}
	for _, e := range retired {
		delete(s.index, e.ID)
	}
}

// changedEntries lists entries whose value differs from the published state,
// stamping their updated_at. Retired entries are always included.
func changedEntries(cur *partitionState, w *workingSet, now time.Time) []*Entry {
	prev := make(map[uuid.UUID]Entry, len(cur.waiting)+len(cur.inProgress))
	for _, e := range cur.waiting {
		prev[e.ID] = *e
	}
	for _, e := range cur.inProgress {
		prev[e.ID] = *e
	}

	var changed []*Entry
	collect := func(list []*Entry) {
		for _, e := range list {
			if p, ok := prev[e.ID]; ok && p == *e {
				continue
			}
			e.UpdatedAt = now
			changed = append(changed, e)
		}
	}
	collect(w.waiting)
	collect(w.inProgress)
	for _, e := range w.retired {
		e.UpdatedAt = now
		changed = append(changed, e)
	}
	return changed
}

type opFunc func(w *workingSet, now time.Time) error

// mutate runs one structural operation against a department. It returns the
// state visible after the operation, which is the unchanged current state
// when the operation turned out to be a no-op.
func (s *Store) mutate(ctx context.Context, op string, departmentID uuid.UUID, fn opFunc) (*workingSet, *partitionState, error) {
	p := s.partition(departmentID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := s.loadLocked(ctx, p); err != nil {
		return nil, nil, err
	}
	cur := p.state.Load()
	w := cur.working()
	now := s.now().UTC()
	if err := fn(w, now); err != nil {
		return nil, nil, err
	}
	w.renumber()

	changed := changedEntries(cur, w, now)
	if len(changed) == 0 && w.override == nil && w.loadDelta == 0 {
		return w, cur, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	m := &Mutation{
		Op:           op,
		DepartmentID: departmentID,
		Version:      cur.version + 1,
		Entries:      changed,
		LoadDelta:    w.loadDelta,
		Override:     w.override,
		Attach:       w.attach,
	}
	if err := s.persister.Apply(ctx, m); err != nil {
		var k apperr.Kinded
		if errors.As(err, &k) {
			return nil, nil, err
		}
		return nil, nil, &PersistenceError{Op: op, DepartmentID: departmentID, Err: err}
	}

	next := &partitionState{version: m.Version, waiting: w.waiting, inProgress: w.inProgress}
	p.state.Store(next)
	s.reindex(departmentID, next, w.retired)

	s.logger.Debug().
		Str("op", op).
		Str("department_id", departmentID.String()).
		Int64("version", next.version).
		Int("changed", len(changed)).
		Int("load_delta", w.loadDelta).
		Msg("queue mutation applied")
	return w, next, nil
}

// departmentOf resolves which department holds an entry.
func (s *Store) departmentOf(ctx context.Context, entryID uuid.UUID) (uuid.UUID, error) {
	s.indexMu.RLock()
	d, ok := s.index[entryID]
	s.indexMu.RUnlock()
	if ok {
		return d, nil
	}
	e, err := s.findPersisted(ctx, entryID)
	if err != nil {
		return uuid.Nil, err
	}
	return e.DepartmentID, nil
}

func (s *Store) findPersisted(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	e, err := s.persister.FindEntry(ctx, entryID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, &EntryNotFoundError{EntryID: entryID}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "find", Err: err}
	}
	return e, nil
}

// inactiveError explains why op could not find entryID among active entries.
func (s *Store) inactiveError(ctx context.Context, op string, entryID uuid.UUID) error {
	e, err := s.findPersisted(ctx, entryID)
	if err != nil {
		return err
	}
	return newInvalidTransition(entryID, op, e.Status)
}

// Enqueue adds a WAITING entry behind every waiting entry at least as urgent.
// A patient may hold at most one active entry per department.
func (s *Store) Enqueue(ctx context.Context, params EnqueueParams) (*Entry, error) {
	if params.DepartmentID == uuid.Nil {
		return nil, &triage.ValidationError{Field: "department_id", Reason: "is required"}
	}
	if params.PatientID == uuid.Nil {
		return nil, &triage.ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if !params.Urgency.Valid() {
		return nil, &triage.ValidationError{Field: "urgency", Reason: "must be RED, YELLOW or GREEN"}
	}

	w, _, err := s.mutate(ctx, OpEnqueue, params.DepartmentID, func(w *workingSet, now time.Time) error {
		if dup := w.activeFor(params.PatientID); dup != nil {
			return &DuplicateActiveEntryError{
				DepartmentID: params.DepartmentID,
				PatientID:    params.PatientID,
				EntryID:      dup.ID,
			}
		}

		ahead := 0
		for _, e := range w.waiting {
			if e.Urgency.AtLeastAsUrgentAs(params.Urgency) {
				ahead++
			}
		}
		wait := params.ExpectedWaitMinutes
		if params.EstimateWait != nil {
			wait = params.EstimateWait(ahead)
		}

		e := &Entry{
			ID:                  uuid.New(),
			DepartmentID:        params.DepartmentID,
			PatientID:           params.PatientID,
			AssessmentID:        params.AssessmentID,
			Urgency:             params.Urgency,
			ExpectedWaitMinutes: wait,
			Status:              StatusWaiting,
			EnqueuedAt:          now,
			UpdatedAt:           now,
		}
		w.waiting = insertAt(w.waiting, ahead, e)
		w.loadDelta = 1
		w.result = e
		if params.Attach != nil {
			// Called from Apply, after renumbering.
			w.attach = func(ctx context.Context) error { return params.Attach(ctx, e.clone()) }
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.result.clone(), nil
}

// DequeueNext moves the most urgent waiting entry to IN_PROGRESS. Ties within
// an urgency band go to the lowest position.
func (s *Store) DequeueNext(ctx context.Context, departmentID uuid.UUID, staffID string) (*Entry, error) {
	w, _, err := s.mutate(ctx, OpCallNext, departmentID, func(w *workingSet, now time.Time) error {
		if len(w.waiting) == 0 {
			return &EmptyQueueError{DepartmentID: departmentID}
		}
		best := 0
		for i, e := range w.waiting {
			if e.Urgency.Rank() < w.waiting[best].Urgency.Rank() {
				best = i
			}
		}
		e := w.waiting[best]
		w.waiting = removeAt(w.waiting, best)

		t := now
		e.Status = StatusInProgress
		e.CalledAt = &t
		e.StartedAt = &t
		if staffID != "" {
			staff := staffID
			e.AssignedStaffID = &staff
		}
		w.inProgress = append(w.inProgress, e)
		w.result = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.result.clone(), nil
}

// Complete finishes an IN_PROGRESS entry.
func (s *Store) Complete(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	return s.retire(ctx, OpComplete, entryID, "")
}

// Skip removes a WAITING entry, e.g. a patient who did not answer the call.
func (s *Store) Skip(ctx context.Context, entryID uuid.UUID, reason string) (*Entry, error) {
	return s.retire(ctx, OpSkip, entryID, reason)
}

// Cancel withdraws a WAITING entry.
func (s *Store) Cancel(ctx context.Context, entryID uuid.UUID, reason string) (*Entry, error) {
	return s.retire(ctx, OpCancel, entryID, reason)
}

func (s *Store) retire(ctx context.Context, op string, entryID uuid.UUID, reason string) (*Entry, error) {
	departmentID, err := s.departmentOf(ctx, entryID)
	if err != nil {
		return nil, err
	}

	w, _, err := s.mutate(ctx, op, departmentID, func(w *workingSet, now time.Time) error {
		e, waiting, idx := w.find(entryID)
		if e == nil {
			return errNotActive
		}
		if !ValidTransition(op, e.Status) {
			return newInvalidTransition(entryID, op, e.Status)
		}
		if waiting {
			w.waiting = removeAt(w.waiting, idx)
		} else {
			w.inProgress = removeAt(w.inProgress, idx)
		}

		e.Status, _ = TargetStatus(op)
		e.Position = 0
		if reason != "" {
			r := reason
			e.StatusReason = &r
		}
		if op == OpComplete {
			t := now
			e.CompletedAt = &t
		}
		w.retired = append(w.retired, e)
		w.loadDelta = -1
		w.result = e
		return nil
	})
	if errors.Is(err, errNotActive) {
		return nil, s.inactiveError(ctx, op, entryID)
	}
	if err != nil {
		return nil, err
	}
	return w.result.clone(), nil
}

// Reposition moves a WAITING entry to newPosition and records who did it.
// Moving an entry onto its own position changes nothing and records nothing.
func (s *Store) Reposition(ctx context.Context, entryID uuid.UUID, newPosition int, actorID string) (*Entry, error) {
	departmentID, err := s.departmentOf(ctx, entryID)
	if err != nil {
		return nil, err
	}

	w, _, err := s.mutate(ctx, OpReposition, departmentID, func(w *workingSet, now time.Time) error {
		e, waiting, idx := w.find(entryID)
		if e == nil {
			return errNotActive
		}
		if !waiting {
			return newInvalidTransition(entryID, OpReposition, e.Status)
		}
		if newPosition < 1 || newPosition > len(w.waiting) {
			return &OutOfRangeError{EntryID: entryID, Position: newPosition, Max: len(w.waiting)}
		}
		w.result = e
		from := idx + 1
		if newPosition == from {
			return nil
		}

		w.waiting = insertAt(removeAt(w.waiting, idx), newPosition-1, e)
		actor, t := actorID, now
		e.OverriddenBy = &actor
		e.OverriddenAt = &t
		w.override = &Override{
			ID:           uuid.New(),
			EntryID:      entryID,
			DepartmentID: departmentID,
			FromPosition: from,
			ToPosition:   newPosition,
			ActorID:      actorID,
			CreatedAt:    now,
		}
		return nil
	})
	if errors.Is(err, errNotActive) {
		return nil, s.inactiveError(ctx, OpReposition, entryID)
	}
	if err != nil {
		return nil, err
	}
	if w.override != nil {
		s.logger.Info().
			Str("entry_id", entryID.String()).
			Str("department_id", departmentID.String()).
			Int("from", w.override.FromPosition).
			Int("to", w.override.ToPosition).
			Str("actor", actorID).
			Msg("queue position overridden")
	}
	return w.result.clone(), nil
}

// ReprioritizeAll restores canonical order: urgency rank, then enqueue time.
// Manual overrides are cleared. Running it twice changes nothing the second time.
func (s *Store) ReprioritizeAll(ctx context.Context, departmentID uuid.UUID) ([]*Entry, error) {
	_, st, err := s.mutate(ctx, OpReprioritize, departmentID, func(w *workingSet, _ time.Time) error {
		sort.SliceStable(w.waiting, func(i, j int) bool {
			a, b := w.waiting[i], w.waiting[j]
			if a.Urgency.Rank() != b.Urgency.Rank() {
				return a.Urgency.Rank() < b.Urgency.Rank()
			}
			if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
				return a.EnqueuedAt.Before(b.EnqueuedAt)
			}
			return a.ID.String() < b.ID.String()
		})
		for _, e := range w.waiting {
			e.OverriddenBy = nil
			e.OverriddenAt = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneAll(st.waiting), nil
}

// Snapshot returns the department's current active entries.
func (s *Store) Snapshot(ctx context.Context, departmentID uuid.UUID) (*Snapshot, error) {
	st, err := s.published(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		DepartmentID: departmentID,
		Version:      st.version,
		Waiting:      cloneAll(st.waiting),
		InProgress:   cloneAll(st.inProgress),
	}, nil
}

// Get returns an entry in any status.
func (s *Store) Get(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	s.indexMu.RLock()
	departmentID, ok := s.index[entryID]
	s.indexMu.RUnlock()
	if ok {
		st, err := s.published(ctx, departmentID)
		if err != nil {
			return nil, err
		}
		for _, list := range [][]*Entry{st.waiting, st.inProgress} {
			for _, e := range list {
				if e.ID == entryID {
					return e.clone(), nil
				}
			}
		}
	}
	return s.findPersisted(ctx, entryID)
}

// CountWaitingAhead counts waiting entries a new entry of urgency u would queue behind.
func (s *Store) CountWaitingAhead(ctx context.Context, departmentID uuid.UUID, u triage.Urgency) (int, error) {
	st, err := s.published(ctx, departmentID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range st.waiting {
		if e.Urgency.AtLeastAsUrgentAs(u) {
			n++
		}
	}
	return n, nil
}

// HasActiveEntry returns the patient's WAITING or IN_PROGRESS entry in the
// department, if there is one.
func (s *Store) HasActiveEntry(ctx context.Context, departmentID, patientID uuid.UUID) (*Entry, bool, error) {
	st, err := s.published(ctx, departmentID)
	if err != nil {
		return nil, false, err
	}
	for _, list := range [][]*Entry{st.waiting, st.inProgress} {
		for _, e := range list {
			if e.PatientID == patientID {
				return e.clone(), true, nil
			}
		}
	}
	return nil, false, nil
}

func cloneAll(list []*Entry) []*Entry {
	out := make([]*Entry, len(list))
	for i, e := range list {
		out[i] = e.clone()
	}
	return out
}

func insertAt(list []*Entry, i int, e *Entry) []*Entry {
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func removeAt(list []*Entry, i int) []*Entry {
	return append(list[:i], list[i+1:]...)
}
