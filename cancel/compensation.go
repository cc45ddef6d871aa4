package cancel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyExecuted is returned when a registry is drained twice.
var ErrAlreadyExecuted = errors.New("compensations already executed")

// Action is a rollback registered by a step body as a side effect occurs,
// e.g. "delete the branch I just created".
type Action struct {
	// ID identifies the action; generated when empty.
	ID string

	// Description is a human-readable summary for the rollback report.
	Description string

	// Execute performs the rollback.
	Execute func(ctx context.Context) error

	// Priority orders execution; higher runs first.
	Priority int

	// Critical marks actions whose failure leaves the system in a state
	// requiring escalation.
	Critical bool

	// RegisteredAt is set by the registry on registration.
	RegisteredAt time.Time

	seq int
}

// ActionResult reports the outcome of one compensation action.
type ActionResult struct {
	ActionID    string        `json:"action_id"`
	Description string        `json:"description"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Critical    bool          `json:"critical"`
	Duration    time.Duration `json:"duration"`
}

// Summary aggregates a full compensation drain.
type Summary struct {
	Succeeded        int            `json:"succeeded"`
	Failed           int            `json:"failed"`
	CriticalFailures int            `json:"critical_failures"`
	Results          []ActionResult `json:"results"`

	// RollbackComplete is true when no critical action failed.
	RollbackComplete bool `json:"rollback_complete"`
}

// Registry collects compensation actions for one run and drains them
// exactly once on cancellation.
type Registry struct {
	mu       sync.Mutex
	actions  []Action
	nextSeq  int
	executed bool
	logger   *zap.Logger
}

// NewRegistry creates an empty compensation registry. A nil logger is
// replaced with a no-op logger.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger.With(zap.String("component", "compensation"))}
}

// Register records a rollback action. Registration order matters: among
// equal priorities the most recently registered action runs first.
func (r *Registry) Register(action Action) error {
	if action.Execute == nil {
		return errors.New("compensation action requires an Execute func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executed {
		return ErrAlreadyExecuted
	}
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	action.RegisteredAt = time.Now()
	action.seq = r.nextSeq
	r.nextSeq++
	r.actions = append(r.actions, action)
	return nil
}

// Len returns the number of pending actions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

// ExecuteCompensations drains the registry: actions run sequentially in
// descending priority order, ties broken most-recently-registered-first.
// It may be called exactly once; a second call fails with
// ErrAlreadyExecuted. A failing non-critical action does not stop the
// drain.
func (r *Registry) ExecuteCompensations(ctx context.Context) (*Summary, error) {
	r.mu.Lock()
	if r.executed {
		r.mu.Unlock()
		return nil, ErrAlreadyExecuted
	}
	r.executed = true
	actions := r.actions
	r.actions = nil
	r.mu.Unlock()

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority > actions[j].Priority
		}
		return actions[i].seq > actions[j].seq
	})

	summary := &Summary{Results: make([]ActionResult, 0, len(actions))}
	for _, action := range actions {
		start := time.Now()
		err := action.Execute(ctx)
		result := ActionResult{
			ActionID:    action.ID,
			Description: action.Description,
			Success:     err == nil,
			Critical:    action.Critical,
			Duration:    time.Since(start),
		}
		if err != nil {
			result.Error = err.Error()
			summary.Failed++
			if action.Critical {
				summary.CriticalFailures++
			}
			r.logger.Error("compensation action failed",
				zap.String("action_id", action.ID),
				zap.String("description", action.Description),
				zap.Bool("critical", action.Critical),
				zap.Error(err),
			)
		} else {
			summary.Succeeded++
			r.logger.Info("compensation action succeeded",
				zap.String("action_id", action.ID),
				zap.String("description", action.Description),
				zap.Duration("duration", result.Duration),
			)
		}
		summary.Results = append(summary.Results, result)
	}

	summary.RollbackComplete = summary.CriticalFailures == 0
	return summary, nil
}

// Clear discards all pending actions without running them, for the success
// path where no rollback is needed.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = nil
}
