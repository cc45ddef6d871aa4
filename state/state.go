package state

import (
	"time"
)

// Status is the persistent lifecycle state of a step.
// The string values are wire contract; see package documentation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status ends the step's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsRecoverable reports whether a step in this status should be picked up
// again after a process restart.
func (s Status) IsRecoverable() bool {
	switch s {
	case StatusPending, StatusRunning, StatusBlocked, StatusWaiting:
		return true
	default:
		return false
	}
}

// ResultCode classifies how a step ended.
type ResultCode string

const (
	ResultOK        ResultCode = "ok"
	ResultRetryable ResultCode = "retryable"
	ResultFatal     ResultCode = "fatal"
	ResultBlocked   ResultCode = "blocked"
	ResultSkipped   ResultCode = "skipped"
	ResultCancelled ResultCode = "cancelled"
)

// ApprovalStatus is the state of a human approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval records a human sign-off gate. The content hash binds the
// approval to exactly what the approver was shown, making later tampering
// detectable.
type Approval struct {
	Required    bool           `json:"required"`
	Status      ApprovalStatus `json:"status,omitempty"`
	ApproverID  string         `json:"approver_id,omitempty"`
	ContentHash string         `json:"content_hash,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
}

// ExternalWait records a pause on an event from outside the engine.
type ExternalWait struct {
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
	Received  bool           `json:"received"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Expired reports whether the wait's timeout has elapsed at the given time.
// A wait without a timeout never expires.
func (w *ExternalWait) Expired(now time.Time) bool {
	if w == nil || w.TimeoutMs <= 0 || w.Received {
		return false
	}
	return now.After(w.StartedAt.Add(time.Duration(w.TimeoutMs) * time.Millisecond))
}

// RetryState tracks scheduled retries of a step.
type RetryState struct {
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Errors      []string   `json:"errors,omitempty"`
}

// StepState is the persistent record of one step in one run. It is created
// when the step is scheduled, mutated through the Store's transition
// methods, and deleted on run cleanup.
type StepState struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	RunID    string `json:"run_id"`
	StepID   string `json:"step_id"`
	StepType string `json:"step_type,omitempty"`

	Status     Status     `json:"status"`
	ResultCode ResultCode `json:"result_code,omitempty"`

	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorStack string `json:"error_stack,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	Approval     *Approval     `json:"approval,omitempty"`
	ExternalWait *ExternalWait `json:"external_wait,omitempty"`
	Retry        RetryState    `json:"retry"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	TokensUsed  int64      `json:"tokens_used,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the step's lifecycle has ended.
func (s *StepState) IsTerminal() bool { return s.Status.IsTerminal() }

// Clone returns a deep-enough copy: sub-objects are copied so a caller
// mutating the clone never races a caller holding the original.
func (s *StepState) Clone() *StepState {
	out := *s
	if s.Approval != nil {
		approval := *s.Approval
		out.Approval = &approval
	}
	if s.ExternalWait != nil {
		wait := *s.ExternalWait
		if wait.Payload != nil {
			payload := make(map[string]any, len(wait.Payload))
			for k, v := range wait.Payload {
				payload[k] = v
			}
			wait.Payload = payload
		}
		out.ExternalWait = &wait
	}
	if s.Retry.Errors != nil {
		out.Retry.Errors = append([]string(nil), s.Retry.Errors...)
	}
	if s.StartedAt != nil {
		started := *s.StartedAt
		out.StartedAt = &started
	}
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		out.CompletedAt = &completed
	}
	if s.Retry.NextRetryAt != nil {
		next := *s.Retry.NextRetryAt
		out.Retry.NextRetryAt = &next
	}
	return &out
}
