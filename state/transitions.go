package state

import (
	"context"
	"fmt"
	"time"
)

// backend is the minimal surface a storage engine must provide. The shared
// transition logic in transitions is layered on top so every backend
// enforces identical lifecycle rules.
type backend interface {
	load(ctx context.Context, id string) (*StepState, error)
	save(ctx context.Context, s *StepState) error
	list(ctx context.Context, f Filter) ([]*StepState, error)
}

// validMoves maps each status to the statuses it may transition into.
var validMoves = map[Status][]Status{
	StatusPending: {StatusRunning, StatusSkipped, StatusBlocked, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusBlocked, StatusWaiting,
		StatusPending, StatusCancelled},
	StatusBlocked: {StatusRunning, StatusFailed, StatusCancelled},
	StatusWaiting: {StatusRunning, StatusFailed, StatusPending, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, allowed := range validMoves[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitions implements the lifecycle half of Store on top of a backend.
type transitions struct {
	backend backend
	now     func() time.Time
}

func newTransitions(b backend) transitions {
	return transitions{backend: b, now: time.Now}
}

// transition loads the record, checks the status move, applies mutate and
// persists. mutate runs after the move check and may refine the record.
func (t *transitions) transition(ctx context.Context, id string, to Status, mutate func(*StepState)) (*StepState, error) {
	s, err := t.backend.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(s.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s for step state %s",
			ErrInvalidTransition, s.Status, to, id)
	}
	s.Status = to
	if mutate != nil {
		mutate(s)
	}
	s.UpdatedAt = t.now()
	if err := t.backend.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *transitions) MarkRunning(ctx context.Context, id string) (*StepState, error) {
	return t.transition(ctx, id, StatusRunning, func(s *StepState) {
		if s.StartedAt == nil {
			now := t.now()
			s.StartedAt = &now
		}
	})
}

func (t *transitions) MarkCompleted(ctx context.Context, id string, output any) (*StepState, error) {
	return t.transition(ctx, id, StatusCompleted, func(s *StepState) {
		s.Output = output
		s.ResultCode = ResultOK
		s.Error = ""
		s.ErrorStack = ""
		t.finish(s)
	})
}

func (t *transitions) MarkFailed(ctx context.Context, id string, errMsg, stack string) (*StepState, error) {
	return t.transition(ctx, id, StatusFailed, func(s *StepState) {
		s.Error = errMsg
		s.ErrorStack = stack
		s.ResultCode = ResultFatal
		t.finish(s)
	})
}

func (t *transitions) MarkSkipped(ctx context.Context, id string, reason string) (*StepState, error) {
	return t.transition(ctx, id, StatusSkipped, func(s *StepState) {
		s.SkipReason = reason
		s.ResultCode = ResultSkipped
		t.finish(s)
	})
}

func (t *transitions) MarkCancelled(ctx context.Context, id string, reason string) (*StepState, error) {
	return t.transition(ctx, id, StatusCancelled, func(s *StepState) {
		s.Error = reason
		s.ResultCode = ResultCancelled
		t.finish(s)
	})
}

// MarkBlocked pauses the step on a human approval gate. The content hash
// binds the eventual approval to the content the approver reviewed.
func (t *transitions) MarkBlocked(ctx context.Context, id string, contentHash string) (*StepState, error) {
	return t.transition(ctx, id, StatusBlocked, func(s *StepState) {
		s.Approval = &Approval{
			Required:    true,
			Status:      ApprovalPending,
			ContentHash: contentHash,
		}
	})
}

func (t *transitions) RecordApproval(ctx context.Context, id, approverID, reason string) (*StepState, error) {
	return t.transition(ctx, id, StatusRunning, func(s *StepState) {
		now := t.now()
		if s.Approval == nil {
			s.Approval = &Approval{Required: true}
		}
		s.Approval.Status = ApprovalApproved
		s.Approval.ApproverID = approverID
		s.Approval.Reason = reason
		s.Approval.RespondedAt = &now
	})
}

func (t *transitions) RecordRejection(ctx context.Context, id, approverID, reason string) (*StepState, error) {
	return t.transition(ctx, id, StatusFailed, func(s *StepState) {
		now := t.now()
		if s.Approval == nil {
			s.Approval = &Approval{Required: true}
		}
		s.Approval.Status = ApprovalRejected
		s.Approval.ApproverID = approverID
		s.Approval.Reason = reason
		s.Approval.RespondedAt = &now
		s.ResultCode = ResultBlocked
		if reason != "" {
			s.Error = "approval rejected: " + reason
		} else {
			s.Error = "approval rejected"
		}
		t.finish(s)
	})
}

func (t *transitions) GetPendingApprovals(ctx context.Context, tenantID string) ([]*StepState, error) {
	return t.backend.list(ctx, Filter{
		TenantID: tenantID,
		Statuses: []Status{StatusBlocked},
	})
}

func (t *transitions) MarkWaiting(ctx context.Context, id, eventType, eventID string, timeout time.Duration) (*StepState, error) {
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}
	return t.transition(ctx, id, StatusWaiting, func(s *StepState) {
		s.ExternalWait = &ExternalWait{
			EventType: eventType,
			EventID:   eventID,
			StartedAt: t.now(),
			TimeoutMs: timeout.Milliseconds(),
		}
	})
}

func (t *transitions) RecordExternalEvent(ctx context.Context, id string, payload map[string]any) (*StepState, error) {
	return t.transition(ctx, id, StatusRunning, func(s *StepState) {
		if s.ExternalWait == nil {
			s.ExternalWait = &ExternalWait{}
		}
		s.ExternalWait.Received = true
		s.ExternalWait.Payload = payload
	})
}

func (t *transitions) GetWaitingForEvent(ctx context.Context, eventType, eventID string) ([]*StepState, error) {
	waiting, err := t.backend.list(ctx, Filter{
		Statuses:  []Status{StatusWaiting},
		EventType: eventType,
	})
	if err != nil {
		return nil, err
	}
	if eventID == "" {
		return waiting, nil
	}
	matched := waiting[:0]
	for _, s := range waiting {
		if s.ExternalWait != nil && (s.ExternalWait.EventID == "" || s.ExternalWait.EventID == eventID) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

// ProcessTimeouts fails every waiting step whose timeout has elapsed and
// returns the number of steps failed.
func (t *transitions) ProcessTimeouts(ctx context.Context) (int, error) {
	waiting, err := t.backend.list(ctx, Filter{Statuses: []Status{StatusWaiting}})
	if err != nil {
		return 0, err
	}
	now := t.now()
	expired := 0
	for _, s := range waiting {
		if !s.ExternalWait.Expired(now) {
			continue
		}
		msg := fmt.Sprintf("external wait for %q timed out after %dms",
			s.ExternalWait.EventType, s.ExternalWait.TimeoutMs)
		if _, err := t.MarkFailed(ctx, s.ID, msg, ""); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ScheduleRetry moves a running or failed step back to pending with a
// not-before timestamp, recording the triggering error.
func (t *transitions) ScheduleRetry(ctx context.Context, id, errMsg string, nextRetryAt time.Time) (*StepState, error) {
	return t.transition(ctx, id, StatusPending, func(s *StepState) {
		s.Retry.Attempts++
		s.Retry.NextRetryAt = &nextRetryAt
		if errMsg != "" {
			s.Retry.Errors = append(s.Retry.Errors, errMsg)
		}
		s.ResultCode = ResultRetryable
		s.Error = errMsg
	})
}

func (t *transitions) GetRetryReady(ctx context.Context, limit int) ([]*StepState, error) {
	pending, err := t.backend.list(ctx, Filter{Statuses: []Status{StatusPending}})
	if err != nil {
		return nil, err
	}
	now := t.now()
	ready := make([]*StepState, 0, len(pending))
	for _, s := range pending {
		if s.Retry.NextRetryAt == nil || s.Retry.NextRetryAt.After(now) {
			continue
		}
		ready = append(ready, s)
		if limit > 0 && len(ready) >= limit {
			break
		}
	}
	return ready, nil
}

func (t *transitions) finish(s *StepState) {
	now := t.now()
	s.CompletedAt = &now
	if s.StartedAt != nil {
		s.DurationMs = now.Sub(*s.StartedAt).Milliseconds()
	}
}
