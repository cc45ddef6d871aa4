package engine

import (
	"sync"
	"time"

	"github.com/BaSui01/stepflow/cancel"
)

// StepStatus is the transient lifecycle state of a step within one run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the status ends the step's lifecycle.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// IsResolved reports whether the status resolves the step as a dependency:
// dependents of a resolved step can be scheduled (or skipped). Cancelled is
// terminal but not resolved; cancellation ends the whole run instead.
func (s StepStatus) IsResolved() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// StepExecution is the transient per-run record of one step. The Executor
// exclusively owns these records for the run's lifetime; observers receive
// them through callbacks and must treat them as read-only.
type StepExecution struct {
	StepID string     `json:"step_id"`
	Status StepStatus `json:"status"`

	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	// RetryAttempts counts retries, not attempts: a step that succeeded on
	// its first try has 0.
	RetryAttempts int `json:"retry_attempts"`

	SkipReason string `json:"skip_reason,omitempty"`

	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	TokensUsed  int64     `json:"tokens_used,omitempty"`
}

// Duration returns the wall-clock time the step spent running, or zero if
// it has not finished.
func (e *StepExecution) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// OutputMap holds settled step outputs, keyed by step id. The run loop
// writes it while step bodies read it from their own goroutines, so access
// goes through an RWMutex.
type OutputMap struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewOutputMap creates an empty output map.
func NewOutputMap() *OutputMap {
	return &OutputMap{m: make(map[string]any)}
}

// Get returns the output of a settled step, or nil if the step has not
// settled.
func (o *OutputMap) Get(stepID string) any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.m[stepID]
}

// Lookup returns the output of a settled step and whether it was present.
func (o *OutputMap) Lookup(stepID string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.m[stepID]
	return v, ok
}

// Set records a step's output. Each step owns only its own slot.
func (o *OutputMap) Set(stepID string, output any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[stepID] = output
}

// Snapshot returns a shallow copy of the current outputs, e.g. for
// condition evaluation.
func (o *OutputMap) Snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(o.m))
	for k, v := range o.m {
		out[k] = v
	}
	return out
}

// Len returns how many steps have recorded an output.
func (o *OutputMap) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.m)
}

// ExecutionContext carries run-scoped data into step bodies and condition
// evaluation.
type ExecutionContext struct {
	RunID         string
	TenantID      string
	UserID        string
	CorrelationID string

	// Cancellation is the run's cancellation token. The Executor chains its
	// internal source to this token when set.
	Cancellation *cancel.Token

	// StepOutputs maps settled step ids to their outputs.
	StepOutputs *OutputMap

	// Input is the original workflow input.
	Input map[string]any

	// Metadata is free-form caller data passed through to step bodies.
	Metadata map[string]any
}

// NewExecutionContext creates a context for the given run with an empty
// output map.
func NewExecutionContext(runID string) *ExecutionContext {
	return &ExecutionContext{
		RunID:       runID,
		StepOutputs: NewOutputMap(),
	}
}
