package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the full Store contract against one backend.
// Every backend test file calls it, so the three implementations cannot
// drift apart.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	seed := func(t *testing.T, s Store, runID, stepID string) *StepState {
		t.Helper()
		state := &StepState{
			TenantID: "tenant-1",
			RunID:    runID,
			StepID:   stepID,
			StepType: "llm_call",
		}
		require.NoError(t, s.Create(context.Background(), state))
		return state
	}

	t.Run("create fills defaults", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		state := seed(t, s, "run-1", "fetch")
		assert.NotEmpty(t, state.ID)
		assert.Equal(t, StatusPending, state.Status)
		assert.False(t, state.CreatedAt.IsZero())

		got, err := s.Get(context.Background(), state.ID)
		require.NoError(t, err)
		assert.Equal(t, "fetch", got.StepID)
		assert.Equal(t, "tenant-1", got.TenantID)
	})

	t.Run("create rejects missing identifiers", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		err := s.Create(context.Background(), &StepState{RunID: "run-1"})
		assert.ErrorIs(t, err, ErrInvalidInput)
		err = s.Create(context.Background(), &StepState{StepID: "fetch"})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("get unknown id", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("run scoped access", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.CreateMany(ctx, []*StepState{
			{TenantID: "tenant-1", RunID: "run-a", StepID: "one"},
			{TenantID: "tenant-1", RunID: "run-a", StepID: "two"},
			{TenantID: "tenant-1", RunID: "run-b", StepID: "other"},
		}))

		states, err := s.GetByRun(ctx, "run-a")
		require.NoError(t, err)
		assert.Len(t, states, 2)

		byStep, err := s.GetByRunAsMap(ctx, "run-a")
		require.NoError(t, err)
		require.Contains(t, byStep, "one")
		require.Contains(t, byStep, "two")

		deleted, err := s.DeleteByRun(ctx, "run-a")
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)

		states, err = s.GetByRun(ctx, "run-a")
		require.NoError(t, err)
		assert.Empty(t, states)

		// The other run is untouched.
		states, err = s.GetByRun(ctx, "run-b")
		require.NoError(t, err)
		assert.Len(t, states, 1)
	})

	t.Run("query filters and paginates", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		a := seed(t, s, "run-q", "a")
		seed(t, s, "run-q", "b")
		c := seed(t, s, "run-q", "c")
		_, err := s.MarkRunning(ctx, a.ID)
		require.NoError(t, err)
		_, err = s.MarkRunning(ctx, c.ID)
		require.NoError(t, err)

		running, err := s.Query(ctx, Filter{
			RunID:    "run-q",
			Statuses: []Status{StatusRunning},
		})
		require.NoError(t, err)
		assert.Len(t, running, 2)

		page, err := s.Query(ctx, Filter{
			RunID:   "run-q",
			OrderBy: "step_id",
			Limit:   2,
			Offset:  1,
		})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "b", page[0].StepID)
		assert.Equal(t, "c", page[1].StepID)
	})

	t.Run("lifecycle happy path", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		state := seed(t, s, "run-l", "work")

		running, err := s.MarkRunning(ctx, state.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, running.Status)
		require.NotNil(t, running.StartedAt)

		done, err := s.MarkCompleted(ctx, state.ID, map[string]any{"answer": float64(42)})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Equal(t, ResultOK, done.ResultCode)
		require.NotNil(t, done.CompletedAt)

		// Terminal states accept no further transitions.
		_, err = s.MarkRunning(ctx, state.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("failure and skip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		failing := seed(t, s, "run-f", "boom")
		_, err := s.MarkRunning(ctx, failing.ID)
		require.NoError(t, err)
		failed, err := s.MarkFailed(ctx, failing.ID, "llm call refused", "stack...")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, failed.Status)
		assert.Equal(t, ResultFatal, failed.ResultCode)
		assert.Equal(t, "llm call refused", failed.Error)

		skipped := seed(t, s, "run-f", "downstream")
		got, err := s.MarkSkipped(ctx, skipped.ID, "dependency boom failed")
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, got.Status)
		assert.Equal(t, ResultSkipped, got.ResultCode)
		assert.Equal(t, "dependency boom failed", got.SkipReason)
	})

	t.Run("approval gate round trip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		state := seed(t, s, "run-hil", "send-email")
		_, err := s.MarkRunning(ctx, state.ID)
		require.NoError(t, err)

		blocked, err := s.MarkBlocked(ctx, state.ID, "sha256:abcd")
		require.NoError(t, err)
		assert.Equal(t, StatusBlocked, blocked.Status)
		require.NotNil(t, blocked.Approval)
		assert.Equal(t, ApprovalPending, blocked.Approval.Status)
		assert.Equal(t, "sha256:abcd", blocked.Approval.ContentHash)

		pending, err := s.GetPendingApprovals(ctx, "tenant-1")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, state.ID, pending[0].ID)

		approved, err := s.RecordApproval(ctx, state.ID, "alice", "looks good")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, approved.Status)
		assert.Equal(t, ApprovalApproved, approved.Approval.Status)
		assert.Equal(t, "alice", approved.Approval.ApproverID)
		assert.Equal(t, "sha256:abcd", approved.Approval.ContentHash)
		require.NotNil(t, approved.Approval.RespondedAt)

		pending, err = s.GetPendingApprovals(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("approval rejection fails the step", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		state := seed(t, s, "run-hil2", "wire-transfer")
		_, err := s.MarkRunning(ctx, state.ID)
		require.NoError(t, err)
		_, err = s.MarkBlocked(ctx, state.ID, "sha256:ffff")
		require.NoError(t, err)

		rejected, err := s.RecordRejection(ctx, state.ID, "bob", "amount too high")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, rejected.Status)
		assert.Equal(t, ResultBlocked, rejected.ResultCode)
		assert.Equal(t, ApprovalRejected, rejected.Approval.Status)
		assert.Contains(t, rejected.Error, "amount too high")
	})

	t.Run("external wait round trip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		state := seed(t, s, "run-ev", "await-webhook")
		_, err := s.MarkRunning(ctx, state.ID)
		require.NoError(t, err)

		waiting, err := s.MarkWaiting(ctx, state.ID, "webhook.received", "hook-7", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, StatusWaiting, waiting.Status)
		require.NotNil(t, waiting.ExternalWait)
		assert.Equal(t, "webhook.received", waiting.ExternalWait.EventType)

		matches, err := s.GetWaitingForEvent(ctx, "webhook.received", "hook-7")
		require.NoError(t, err)
		require.Len(t, matches, 1)

		// A different event id does not match a bound wait.
		matches, err = s.GetWaitingForEvent(ctx, "webhook.received", "hook-other")
		require.NoError(t, err)
		assert.Empty(t, matches)

		resumed, err := s.RecordExternalEvent(ctx, state.ID, map[string]any{"status": "ok"})
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, resumed.Status)
		assert.True(t, resumed.ExternalWait.Received)
		assert.Equal(t, "ok", resumed.ExternalWait.Payload["status"])
	})

	t.Run("external wait timeout", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		state := seed(t, s, "run-to", "await-slow")
		_, err := s.MarkRunning(ctx, state.ID)
		require.NoError(t, err)
		_, err = s.MarkWaiting(ctx, state.ID, "callback", "", time.Millisecond)
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		expired, err := s.ProcessTimeouts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, expired)

		got, err := s.Get(ctx, state.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Contains(t, got.Error, "timed out")
	})

	t.Run("scheduled retries", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		state := seed(t, s, "run-r", "flaky")
		_, err := s.MarkRunning(ctx, state.ID)
		require.NoError(t, err)

		scheduled, err := s.ScheduleRetry(ctx, state.ID, "rate limited", time.Now().Add(-time.Second))
		require.NoError(t, err)
		assert.Equal(t, StatusPending, scheduled.Status)
		assert.Equal(t, ResultRetryable, scheduled.ResultCode)
		assert.Equal(t, 1, scheduled.Retry.Attempts)
		assert.Equal(t, []string{"rate limited"}, scheduled.Retry.Errors)

		ready, err := s.GetRetryReady(ctx, 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, state.ID, ready[0].ID)

		// A retry scheduled in the future is not ready yet.
		_, err = s.MarkRunning(ctx, state.ID)
		require.NoError(t, err)
		_, err = s.ScheduleRetry(ctx, state.ID, "still limited", time.Now().Add(time.Hour))
		require.NoError(t, err)
		ready, err = s.GetRetryReady(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ready)
	})

	t.Run("health check", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.HealthCheck(context.Background()))
		require.NoError(t, s.Close())
	})
}
