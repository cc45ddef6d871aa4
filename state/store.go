package state

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound          = errors.New("step state not found")
	ErrStoreClosed       = errors.New("store is closed")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Filter narrows a Query. Zero-valued fields are ignored.
type Filter struct {
	RunID     string
	TenantID  string
	StepIDs   []string
	Statuses  []Status
	StepType  string
	EventType string

	// CreatedBefore / CreatedAfter bound the creation timestamp.
	CreatedBefore *time.Time
	CreatedAfter  *time.Time

	// OrderBy accepts "created_at", "updated_at" or "step_id"; empty means
	// "created_at". OrderDesc reverses the order.
	OrderBy   string
	OrderDesc bool

	Limit  int
	Offset int
}

// Matches reports whether the state satisfies every set field of the filter.
// Ordering and pagination are not applied here.
func (f *Filter) Matches(s *StepState) bool {
	if f.RunID != "" && s.RunID != f.RunID {
		return false
	}
	if f.TenantID != "" && s.TenantID != f.TenantID {
		return false
	}
	if len(f.StepIDs) > 0 {
		found := false
		for _, id := range f.StepIDs {
			if s.StepID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if s.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StepType != "" && s.StepType != f.StepType {
		return false
	}
	if f.EventType != "" && (s.ExternalWait == nil || s.ExternalWait.EventType != f.EventType) {
		return false
	}
	if f.CreatedBefore != nil && !s.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.CreatedAfter != nil && !s.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	return true
}

// Store is the persistence contract for step states. All methods are safe
// for concurrent use. Transition methods load the record, validate the
// status move, mutate and persist atomically with respect to each other,
// and return the updated state.
type Store interface {
	// Basic CRUD.
	Create(ctx context.Context, s *StepState) error
	CreateMany(ctx context.Context, states []*StepState) error
	Get(ctx context.Context, id string) (*StepState, error)
	Update(ctx context.Context, s *StepState) error
	Delete(ctx context.Context, id string) error

	// Run-scoped access.
	GetByRun(ctx context.Context, runID string) ([]*StepState, error)
	GetByRunAsMap(ctx context.Context, runID string) (map[string]*StepState, error)
	DeleteByRun(ctx context.Context, runID string) (int, error)
	Query(ctx context.Context, f Filter) ([]*StepState, error)

	// Lifecycle transitions.
	MarkRunning(ctx context.Context, id string) (*StepState, error)
	MarkCompleted(ctx context.Context, id string, output any) (*StepState, error)
	MarkFailed(ctx context.Context, id string, errMsg, stack string) (*StepState, error)
	MarkSkipped(ctx context.Context, id string, reason string) (*StepState, error)
	MarkCancelled(ctx context.Context, id string, reason string) (*StepState, error)

	// Approval gates.
	MarkBlocked(ctx context.Context, id string, contentHash string) (*StepState, error)
	RecordApproval(ctx context.Context, id, approverID, reason string) (*StepState, error)
	RecordRejection(ctx context.Context, id, approverID, reason string) (*StepState, error)
	GetPendingApprovals(ctx context.Context, tenantID string) ([]*StepState, error)

	// External event waits.
	MarkWaiting(ctx context.Context, id, eventType, eventID string, timeout time.Duration) (*StepState, error)
	RecordExternalEvent(ctx context.Context, id string, payload map[string]any) (*StepState, error)
	GetWaitingForEvent(ctx context.Context, eventType, eventID string) ([]*StepState, error)
	ProcessTimeouts(ctx context.Context) (int, error)

	// Scheduled retries.
	ScheduleRetry(ctx context.Context, id, errMsg string, nextRetryAt time.Time) (*StepState, error)
	GetRetryReady(ctx context.Context, limit int) ([]*StepState, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
