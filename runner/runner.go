package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/cancel"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/engine"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/plan"
	"github.com/BaSui01/stepflow/state"
)

// ErrRunNotFound is returned when a run id has no active run.
var ErrRunNotFound = errors.New("run not found")

// runHandle tracks one active run.
type runHandle struct {
	workflowID    string
	source        *cancel.Source
	compensations *cancel.Registry

	// stateIDs maps step id to the persisted StepState id.
	stateIDs map[string]string
}

// Runner executes workflows against a persistent step state store.
type Runner struct {
	store     state.Store
	executor  *engine.Executor
	sweeper   *state.Sweeper
	collector *metrics.Collector
	logger    *zap.Logger

	engineCfg config.EngineConfig

	mu   sync.Mutex
	runs map[string]*runHandle
}

// Option customizes a Runner.
type Option func(*Runner)

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(r *Runner) { r.collector = c }
}

// New builds a runner from configuration: it opens the configured store
// backend and, when enabled, prepares the sweeper.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, store, logger, opts...), nil
}

// NewWithStore builds a runner around an existing store, for tests and
// callers that manage their own backends.
func NewWithStore(cfg *config.Config, store state.Store, logger *zap.Logger, opts ...Option) *Runner {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		store:     store,
		logger:    logger.With(zap.String("component", "runner")),
		engineCfg: cfg.Engine,
		runs:      make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.Sweeper.Enabled {
		r.sweeper = state.NewSweeper(store, r.requeue, logger,
			state.WithSweepInterval(cfg.Sweeper.Interval),
			state.WithRetryBatch(cfg.Sweeper.RetryBatch),
			state.WithTimeoutObserver(func(expired int) {
				if r.collector != nil {
					r.collector.AddWaitTimeouts(expired)
				}
			}),
		)
	}
	return r
}

func openStore(cfg *config.Config, logger *zap.Logger) (state.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return state.NewMemoryStore(logger), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			PoolSize: cfg.Store.Redis.PoolSize,
		})
		return state.NewRedisStore(context.Background(), client, cfg.Store.Redis.KeyPrefix, logger)
	case "sql":
		if cfg.Store.SQL.Driver == "postgres" {
			return state.OpenPostgres(cfg.Store.SQL.DSN, logger)
		}
		return state.OpenSQLite(cfg.Store.SQL.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Start launches the background sweeper, when configured.
func (r *Runner) Start(ctx context.Context) {
	if r.sweeper != nil {
		r.sweeper.Start(ctx)
	}
}

// Shutdown stops the sweeper and closes the store.
func (r *Runner) Shutdown() error {
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	return r.store.Close()
}

// Store exposes the underlying step state store, e.g. for API layers
// listing pending approvals.
func (r *Runner) Store() state.Store { return r.store }

// StartOptions scope one run.
type StartOptions struct {
	RunID         string
	TenantID      string
	UserID        string
	CorrelationID string
	Input         map[string]any
	Metadata      map[string]any
}

// StartRun executes the workflow synchronously and returns its result.
// Every step is persisted before execution begins, mirrored on each
// transition, and the run's compensations are drained if it is cancelled.
func (r *Runner) StartRun(ctx context.Context, wf *plan.WorkflowDefinition, stepExecutor engine.StepExecutorFunc, opts StartOptions) (*engine.ExecutionResult, error) {
	return r.run(ctx, wf, stepExecutor, opts, nil)
}

// ResumeRun re-executes a run using its persisted states: steps recorded
// as completed short-circuit to their stored output instead of running
// again. Steps in any other status execute normally.
func (r *Runner) ResumeRun(ctx context.Context, wf *plan.WorkflowDefinition, stepExecutor engine.StepExecutorFunc, opts StartOptions) (*engine.ExecutionResult, error) {
	if opts.RunID == "" {
		return nil, fmt.Errorf("resume requires a run id")
	}
	persisted, err := r.store.GetByRunAsMap(ctx, opts.RunID)
	if err != nil {
		return nil, fmt.Errorf("load persisted run %s: %w", opts.RunID, err)
	}
	if len(persisted) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, opts.RunID)
	}
	return r.run(ctx, wf, stepExecutor, opts, persisted)
}

func (r *Runner) run(ctx context.Context, wf *plan.WorkflowDefinition, stepExecutor engine.StepExecutorFunc, opts StartOptions, persisted map[string]*state.StepState) (*engine.ExecutionResult, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	handle := &runHandle{
		workflowID:    wf.ID,
		source:        cancel.NewSource(),
		compensations: cancel.NewRegistry(r.logger),
		stateIDs:      make(map[string]string, len(wf.Steps)),
	}
	if err := r.persistRun(ctx, wf, runID, opts.TenantID, handle, persisted); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.runs[runID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %s is already active", runID)
	}
	r.runs[runID] = handle
	r.mu.Unlock()
	defer func() {
		handle.source.Dispose()
		r.mu.Lock()
		delete(r.runs, runID)
		r.mu.Unlock()
	}()

	ec := &engine.ExecutionContext{
		RunID:         runID,
		TenantID:      opts.TenantID,
		UserID:        opts.UserID,
		CorrelationID: opts.CorrelationID,
		Cancellation:  handle.source.Token(),
		StepOutputs:   engine.NewOutputMap(),
		Input:         opts.Input,
		Metadata:      opts.Metadata,
	}

	executor := engine.NewExecutor(
		engine.WithLogger(r.logger),
		engine.WithStepTimeout(r.engineCfg.StepTimeout),
		engine.WithRetryPolicy(&r.engineCfg.Retry),
		engine.WithStateChangeCallback(r.mirror(wf, handle)),
	)
	if wf.MaxParallelism == 0 {
		wfCopy := *wf
		wfCopy.MaxParallelism = r.engineCfg.MaxParallelism
		wf = &wfCopy
	}

	result, err := executor.ExecuteWorkflow(ctx, wf, ec, r.wrapForResume(stepExecutor, persisted))
	if err != nil {
		return nil, err
	}

	r.finalize(ctx, runID, handle, result)
	return result, nil
}

// persistRun creates the pending StepState rows for a fresh run, or maps
// the existing rows on resume.
func (r *Runner) persistRun(ctx context.Context, wf *plan.WorkflowDefinition, runID, tenantID string, handle *runHandle, persisted map[string]*state.StepState) error {
	if persisted != nil {
		// Anything but completed is re-executed on resume, so reset those
		// rows to pending. Conditions are re-evaluated, so even skipped
		// steps go back.
		for stepID, s := range persisted {
			handle.stateIDs[stepID] = s.ID
			if s.Status == state.StatusCompleted {
				continue
			}
			s.Status = state.StatusPending
			s.ResultCode = ""
			s.Error = ""
			s.SkipReason = ""
			s.CompletedAt = nil
			if err := r.store.Update(ctx, s); err != nil {
				return fmt.Errorf("reset step %s for resume: %w", stepID, err)
			}
		}
		return nil
	}
	states := make([]*state.StepState, 0, len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]
		states = append(states, &state.StepState{
			TenantID: tenantID,
			RunID:    runID,
			StepID:   step.ID,
			StepType: step.Type,
		})
	}
	if err := r.store.CreateMany(ctx, states); err != nil {
		return fmt.Errorf("persist run %s: %w", runID, err)
	}
	for _, s := range states {
		handle.stateIDs[s.StepID] = s.ID
	}
	return nil
}

// wrapForResume short-circuits steps whose persisted state is completed.
func (r *Runner) wrapForResume(stepExecutor engine.StepExecutorFunc, persisted map[string]*state.StepState) engine.StepExecutorFunc {
	if persisted == nil {
		return stepExecutor
	}
	return func(ctx context.Context, step *plan.StepDefinition, ec *engine.ExecutionContext) (any, error) {
		if s, ok := persisted[step.ID]; ok && s.Status == state.StatusCompleted {
			return s.Output, nil
		}
		return stepExecutor(ctx, step, ec)
	}
}

// mirror returns the state-change callback that persists every in-memory
// transition. Persistence here is best effort: the run does not fail
// because a mirror write failed, and an already-recorded transition (e.g.
// a resumed step) is not an error.
func (r *Runner) mirror(wf *plan.WorkflowDefinition, handle *runHandle) engine.StateChangeFunc {
	ctx := context.Background()
	return func(stepID string, status engine.StepStatus, exec *engine.StepExecution) {
		stateID, ok := handle.stateIDs[stepID]
		if !ok {
			return
		}
		var err error
		switch status {
		case engine.StepRunning:
			_, err = r.store.MarkRunning(ctx, stateID)
			if r.collector != nil {
				r.collector.StepStarted()
			}
		case engine.StepCompleted:
			_, err = r.store.MarkCompleted(ctx, stateID, exec.Output)
		case engine.StepFailed:
			_, err = r.store.MarkFailed(ctx, stateID, exec.Error, "")
		case engine.StepSkipped:
			_, err = r.store.MarkSkipped(ctx, stateID, exec.SkipReason)
		case engine.StepCancelled:
			_, err = r.store.MarkCancelled(ctx, stateID, exec.Error)
		}
		if err != nil && !errors.Is(err, state.ErrInvalidTransition) {
			r.logger.Warn("mirroring step transition failed",
				zap.String("step_id", stepID),
				zap.String("status", string(status)),
				zap.Error(err),
			)
		}
		if r.collector != nil && status.IsTerminal() {
			// Steps skipped or cancelled before starting never touched the
			// running gauge.
			if !exec.StartedAt.IsZero() {
				r.collector.StepSettled()
			}
			stepType := ""
			if def := findStep(wf, stepID); def != nil {
				stepType = def.Type
			}
			r.collector.ObserveStep(stepType, string(status), exec.Duration())
		}
	}
}

func findStep(wf *plan.WorkflowDefinition, stepID string) *plan.StepDefinition {
	for i := range wf.Steps {
		if wf.Steps[i].ID == stepID {
			return &wf.Steps[i]
		}
	}
	return nil
}

// finalize drains or clears compensations and records run metrics.
func (r *Runner) finalize(ctx context.Context, runID string, handle *runHandle, result *engine.ExecutionResult) {
	cancelled := result.CancelledSteps > 0 && !result.Success
	if cancelled && handle.compensations.Len() > 0 {
		summary, err := handle.compensations.ExecuteCompensations(ctx)
		if err != nil {
			r.logger.Error("compensation drain failed", zap.String("run_id", runID), zap.Error(err))
		} else {
			if r.collector != nil {
				for _, res := range summary.Results {
					r.collector.ObserveCompensation(res.Success)
				}
			}
			if !summary.RollbackComplete {
				r.logger.Error("rollback incomplete after cancellation",
					zap.String("run_id", runID),
					zap.Int("critical_failures", summary.CriticalFailures),
				)
			}
		}
	} else {
		handle.compensations.Clear()
	}

	if r.collector != nil {
		outcome := "success"
		switch {
		case cancelled:
			outcome = "cancelled"
		case !result.Success:
			outcome = "failed"
		}
		r.collector.ObserveRun(handle.workflowID, outcome, result.Duration)
		r.collector.AddRetries(result.TotalRetries)
	}
}

// CancelRun requests cooperative cancellation of an active run. The run's
// StartRun call observes the signal, marks remaining steps cancelled and
// drains compensations.
func (r *Runner) CancelRun(runID string, reason cancel.Reason) error {
	r.mu.Lock()
	handle, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	handle.source.Cancel(reason)
	return nil
}

// Compensations returns the compensation registry of an active run so step
// bodies can register rollback actions.
func (r *Runner) Compensations(runID string) (*cancel.Registry, error) {
	r.mu.Lock()
	handle, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return handle.compensations, nil
}

// Approve records a human approval on a blocked step and returns the
// updated state.
func (r *Runner) Approve(ctx context.Context, stateID, approverID, reason string) (*state.StepState, error) {
	s, err := r.store.RecordApproval(ctx, stateID, approverID, reason)
	if err != nil {
		return nil, err
	}
	if r.collector != nil {
		r.collector.ObserveApproval("approved")
	}
	return s, nil
}

// Reject records a human rejection, failing the blocked step.
func (r *Runner) Reject(ctx context.Context, stateID, approverID, reason string) (*state.StepState, error) {
	s, err := r.store.RecordRejection(ctx, stateID, approverID, reason)
	if err != nil {
		return nil, err
	}
	if r.collector != nil {
		r.collector.ObserveApproval("rejected")
	}
	return s, nil
}

// PendingApprovals lists the tenant's human work queue.
func (r *Runner) PendingApprovals(ctx context.Context, tenantID string) ([]*state.StepState, error) {
	return r.store.GetPendingApprovals(ctx, tenantID)
}

// DeliverEvent routes an external event to every step waiting on it and
// returns how many steps were resumed.
func (r *Runner) DeliverEvent(ctx context.Context, eventType, eventID string, payload map[string]any) (int, error) {
	waiting, err := r.store.GetWaitingForEvent(ctx, eventType, eventID)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, s := range waiting {
		if _, err := r.store.RecordExternalEvent(ctx, s.ID, payload); err != nil {
			r.logger.Warn("delivering external event failed",
				zap.String("state_id", s.ID),
				zap.String("event_type", eventType),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// CleanupRun deletes all persisted states of a finished run.
func (r *Runner) CleanupRun(ctx context.Context, runID string) (int, error) {
	return r.store.DeleteByRun(ctx, runID)
}

// requeue is the sweeper callback for retry-ready steps. In-process
// retries are handled by the executor; steps that were scheduled for a
// cross-restart retry are surfaced here for an embedding service to
// re-enqueue, so the runner only reports them.
func (r *Runner) requeue(ctx context.Context, states []*state.StepState) {
	for _, s := range states {
		r.logger.Info("step ready for retry",
			zap.String("run_id", s.RunID),
			zap.String("step_id", s.StepID),
			zap.Int("attempts", s.Retry.Attempts),
		)
	}
}
