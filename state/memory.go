package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore is the in-process reference implementation of Store. It is
// the default for tests and single-process development runs.
type MemoryStore struct {
	transitions

	mu     sync.RWMutex
	states map[string]*StepState
	byRun  map[string]map[string]struct{}
	closed bool
	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory store. A nil logger is replaced
// with a no-op logger.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MemoryStore{
		states: make(map[string]*StepState),
		byRun:  make(map[string]map[string]struct{}),
		logger: logger.With(zap.String("component", "state_store")),
	}
	m.transitions = newTransitions(m)
	return m
}

func (m *MemoryStore) Create(ctx context.Context, s *StepState) error {
	if err := validateForCreate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	return m.createLocked(s)
}

func (m *MemoryStore) CreateMany(ctx context.Context, states []*StepState) error {
	for _, s := range states {
		if err := validateForCreate(s); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for _, s := range states {
		if err := m.createLocked(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) createLocked(s *StepState) error {
	stamp(s, m.now())
	if _, exists := m.states[s.ID]; exists {
		return fmt.Errorf("%w: step state %s already exists", ErrInvalidInput, s.ID)
	}
	m.states[s.ID] = s.Clone()
	run, ok := m.byRun[s.RunID]
	if !ok {
		run = make(map[string]struct{})
		m.byRun[s.RunID] = run
	}
	run[s.ID] = struct{}{}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*StepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	s, ok := m.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *StepState) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("%w: step state with id is required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	prev, ok := m.states[s.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	s.CreatedAt = prev.CreatedAt
	s.UpdatedAt = m.now()
	m.states[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	s, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.states, id)
	if run, ok := m.byRun[s.RunID]; ok {
		delete(run, id)
		if len(run) == 0 {
			delete(m.byRun, s.RunID)
		}
	}
	return nil
}

func (m *MemoryStore) GetByRun(ctx context.Context, runID string) ([]*StepState, error) {
	return m.Query(ctx, Filter{RunID: runID})
}

func (m *MemoryStore) GetByRunAsMap(ctx context.Context, runID string) (map[string]*StepState, error) {
	states, err := m.GetByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return indexByStepID(states), nil
}

func (m *MemoryStore) DeleteByRun(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	run, ok := m.byRun[runID]
	if !ok {
		return 0, nil
	}
	for id := range run {
		delete(m.states, id)
	}
	deleted := len(run)
	delete(m.byRun, runID)
	return deleted, nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]*StepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	var out []*StepState
	if f.RunID != "" {
		// Walk the run index instead of the whole table.
		for id := range m.byRun[f.RunID] {
			if s := m.states[id]; f.Matches(s) {
				out = append(out, s.Clone())
			}
		}
	} else {
		for _, s := range m.states {
			if f.Matches(s) {
				out = append(out, s.Clone())
			}
		}
	}

	sortStates(out, f.OrderBy, f.OrderDesc)
	return paginate(out, f.Offset, f.Limit), nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.states = nil
	m.byRun = nil
	return nil
}

// backend interface for the shared transition logic.

func (m *MemoryStore) load(ctx context.Context, id string) (*StepState, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) save(ctx context.Context, s *StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.states[s.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	m.states[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) list(ctx context.Context, f Filter) ([]*StepState, error) {
	return m.Query(ctx, f)
}

// Helpers shared by the backends.

func validateForCreate(s *StepState) error {
	if s == nil {
		return fmt.Errorf("%w: step state is nil", ErrInvalidInput)
	}
	if s.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}
	if s.StepID == "" {
		return fmt.Errorf("%w: step id is required", ErrInvalidInput)
	}
	return nil
}

// stamp fills defaults before the first persist.
func stamp(s *StepState, now time.Time) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}

func indexByStepID(states []*StepState) map[string]*StepState {
	out := make(map[string]*StepState, len(states))
	for _, s := range states {
		out[s.StepID] = s
	}
	return out
}

func sortStates(states []*StepState, orderBy string, desc bool) {
	less := func(a, b *StepState) bool {
		switch orderBy {
		case "updated_at":
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		case "step_id":
			if a.StepID != b.StepID {
				return a.StepID < b.StepID
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		// Tie-break on ID so ordering is stable across calls.
		return a.ID < b.ID
	}
	sort.Slice(states, func(i, j int) bool {
		if desc {
			return less(states[j], states[i])
		}
		return less(states[i], states[j])
	})
}

func paginate(states []*StepState, offset, limit int) []*StepState {
	if offset > 0 {
		if offset >= len(states) {
			return nil
		}
		states = states[offset:]
	}
	if limit > 0 && limit < len(states) {
		states = states[:limit]
	}
	return states
}
