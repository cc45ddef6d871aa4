package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/cancel"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/engine"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/plan"
	"github.com/BaSui01/stepflow/retry"
	"github.com/BaSui01/stepflow/state"
)

func newTestRunner(t *testing.T) (*Runner, state.Store) {
	t.Helper()
	store := state.NewMemoryStore(zap.NewNop())
	cfg := config.DefaultConfig()
	cfg.Sweeper.Enabled = false
	r := NewWithStore(cfg, store, zap.NewNop())
	t.Cleanup(func() { _ = r.Shutdown() })
	return r, store
}

func linearWorkflow() *plan.WorkflowDefinition {
	return &plan.WorkflowDefinition{
		ID: "pipeline",
		Steps: []plan.StepDefinition{
			{ID: "fetch", Type: "http"},
			{ID: "transform", Type: "script", Dependencies: []string{"fetch"}},
		},
	}
}

func TestRunner_StartRunPersistsLifecycle(t *testing.T) {
	t.Parallel()
	r, store := newTestRunner(t)

	result, err := r.StartRun(context.Background(), linearWorkflow(),
		func(ctx context.Context, step *plan.StepDefinition, ec *engine.ExecutionContext) (any, error) {
			return map[string]any{"step": step.ID}, nil
		},
		StartOptions{TenantID: "tenant-1"})
	require.NoError(t, err)
	require.True(t, result.Success)

	states, err := store.GetByRunAsMap(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, s := range states {
		assert.Equal(t, state.StatusCompleted, s.Status)
		assert.Equal(t, state.ResultOK, s.ResultCode)
		assert.Equal(t, "tenant-1", s.TenantID)
		require.NotNil(t, s.CompletedAt)
	}
	assert.Equal(t, "http", states["fetch"].StepType)
}

func TestRunner_FailureAndSkipAreMirrored(t *testing.T) {
	t.Parallel()
	r, store := newTestRunner(t)

	wf := linearWorkflow()
	wf.Steps[0].Retry = &retry.Policy{MaxAttempts: 1}
	result, err := r.StartRun(context.Background(), wf,
		func(ctx context.Context, step *plan.StepDefinition, ec *engine.ExecutionContext) (any, error) {
			return nil, errors.New("upstream down")
		},
		StartOptions{})
	require.NoError(t, err)
	require.False(t, result.Success)

	states, err := store.GetByRunAsMap(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, states["fetch"].Status)
	assert.Equal(t, "upstream down", states["fetch"].Error)
	assert.Equal(t, state.StatusSkipped, states["transform"].Status)
	assert.Contains(t, states["transform"].SkipReason, "fetch failed")
}

func TestRunner_CancelRunDrainsCompensations(t *testing.T) {
	t.Parallel()
	r, store := newTestRunner(t)

	var compensated atomic.Bool
	started := make(chan string, 1)
	var once sync.Once

	done := make(chan struct{})
	var result *engine.ExecutionResult
	go func() {
		defer close(done)
		var err error
		result, err = r.StartRun(context.Background(), linearWorkflow(),
			func(ctx context.Context, step *plan.StepDefinition, ec *engine.ExecutionContext) (any, error) {
				once.Do(func() {
					reg, regErr := r.Compensations(ec.RunID)
					if regErr == nil {
						_ = reg.Register(cancel.Action{
							ID: "undo-fetch",
							Execute: func(context.Context) error {
								compensated.Store(true)
								return nil
							},
						})
					}
					started <- ec.RunID
				})
				select {
				case <-time.After(5 * time.Second):
					return nil, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
			StartOptions{})
		assert.NoError(t, err)
	}()

	runID := <-started
	require.NoError(t, r.CancelRun(runID, cancel.Reason{
		Initiator: cancel.InitiatorUser,
		Message:   "operator abort",
	}))
	<-done

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.True(t, compensated.Load())

	states, err := store.GetByRunAsMap(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, states["fetch"].Status)
	assert.Equal(t, state.StatusCancelled, states["transform"].Status)

	// The handle is gone once the run settles.
	assert.ErrorIs(t, r.CancelRun(runID, cancel.Reason{}), ErrRunNotFound)
}

func TestRunner_ResumeSkipsCompletedSteps(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t)
	ctx := context.Background()

	wf := linearWorkflow()
	wf.Steps[1].Retry = &retry.Policy{MaxAttempts: 1}

	// First run: fetch succeeds, transform fails.
	first, err := r.StartRun(ctx, wf,
		func(c context.Context, step *plan.StepDefinition, ec *engine.ExecutionContext) (any, error) {
			if step.ID == "transform" {
				return nil, errors.New("flaky transform")
			}
			return "fetched-data", nil
		},
		StartOptions{})
	require.NoError(t, err)
	require.False(t, first.Success)

	// Resume: fetch must not run again; transform succeeds this time.
	var fetchCalls, transformCalls atomic.Int32
	second, err := r.ResumeRun(ctx, wf,
		func(c context.Context, step *plan.StepDefinition, ec *engine.ExecutionContext) (any, error) {
			switch step.ID {
			case "fetch":
				fetchCalls.Add(1)
			case "transform":
				transformCalls.Add(1)
				// The replayed upstream output is visible.
				assert.Equal(t, "fetched-data", ec.StepOutputs.Get("fetch"))
			}
			return "ok", nil
		},
		StartOptions{RunID: first.RunID})
	require.NoError(t, err)

	assert.True(t, second.Success)
	assert.Zero(t, fetchCalls.Load())
	assert.Equal(t, int32(1), transformCalls.Load())
	assert.Equal(t, "fetched-data", second.Steps["fetch"].Output)
}

func TestRunner_ResumeUnknownRun(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t)

	_, err := r.ResumeRun(context.Background(), linearWorkflow(),
		func(ctx context.Context, step *plan.StepDefinition, ec *engine.ExecutionContext) (any, error) {
			return nil, nil
		},
		StartOptions{RunID: "ghost"})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunner_ApprovalFlow(t *testing.T) {
	t.Parallel()
	r, store := newTestRunner(t)
	ctx := context.Background()

	s := &state.StepState{TenantID: "tenant-1", RunID: "run-hil", StepID: "send"}
	require.NoError(t, store.Create(ctx, s))
	_, err := store.MarkRunning(ctx, s.ID)
	require.NoError(t, err)
	_, err = store.MarkBlocked(ctx, s.ID, "sha256:aa")
	require.NoError(t, err)

	pending, err := r.PendingApprovals(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	approved, err := r.Approve(ctx, s.ID, "alice", "fine")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, approved.Status)
}

func TestRunner_DeliverEvent(t *testing.T) {
	t.Parallel()
	r, store := newTestRunner(t)
	ctx := context.Background()

	s := &state.StepState{TenantID: "t", RunID: "run-ev", StepID: "wait"}
	require.NoError(t, store.Create(ctx, s))
	_, err := store.MarkRunning(ctx, s.ID)
	require.NoError(t, err)
	_, err = store.MarkWaiting(ctx, s.ID, "invoice.paid", "inv-9", time.Minute)
	require.NoError(t, err)

	delivered, err := r.DeliverEvent(ctx, "invoice.paid", "inv-9", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, got.Status)
	assert.True(t, got.ExternalWait.Received)
}

func TestRunner_CleanupRun(t *testing.T) {
	t.Parallel()
	r, store := newTestRunner(t)

	result, err := r.StartRun(context.Background(), linearWorkflow(),
		func(ctx context.Context, step *plan.StepDefinition, ec *engine.ExecutionContext) (any, error) {
			return nil, nil
		},
		StartOptions{})
	require.NoError(t, err)

	deleted, err := r.CleanupRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	states, err := store.GetByRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestRunner_SweeperFeedsTimeoutMetrics(t *testing.T) {
	t.Parallel()
	store := state.NewMemoryStore(zap.NewNop())
	cfg := config.DefaultConfig()
	cfg.Sweeper.Enabled = true
	cfg.Sweeper.Interval = 5 * time.Millisecond

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("stepflow_test", reg, zap.NewNop())
	r := NewWithStore(cfg, store, zap.NewNop(), WithCollector(collector))
	t.Cleanup(func() { _ = r.Shutdown() })

	ctx := context.Background()
	s := &state.StepState{TenantID: "t", RunID: "run-sweep", StepID: "hook"}
	require.NoError(t, store.Create(ctx, s))
	_, err := store.MarkRunning(ctx, s.ID)
	require.NoError(t, err)
	_, err = store.MarkWaiting(ctx, s.ID, "callback", "", time.Millisecond)
	require.NoError(t, err)

	r.Start(ctx)
	require.Eventually(t, func() bool {
		families, err := reg.Gather()
		if err != nil {
			return false
		}
		for _, mf := range families {
			if mf.GetName() != "stepflow_test_external_wait_timeouts_total" {
				continue
			}
			for _, m := range mf.GetMetric() {
				if m.GetCounter().GetValue() >= 1 {
					return true
				}
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
