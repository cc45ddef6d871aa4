package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/cancel"
	"github.com/BaSui01/stepflow/plan"
	"github.com/BaSui01/stepflow/retry"
)

// DefaultStepTimeout bounds a single step attempt when neither the step nor
// the executor overrides it.
const DefaultStepTimeout = 5 * time.Minute

// DeadlockError reports that no step is ready and none is in flight while
// the workflow is incomplete. It signals a scheduling or condition
// authoring defect, not a transient fault.
type DeadlockError struct {
	WorkflowID string
	Remaining  []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("workflow %s deadlocked: no step is ready or in flight, %d unfinished",
		e.WorkflowID, len(e.Remaining))
}

// Name returns the stable classification name of the error.
func (e *DeadlockError) Name() string { return "DeadlockError" }

// StepExecutorFunc runs one step and returns its output. The engine stores
// the output opaquely; it only inspects a numeric "tokensUsed" field when
// the output is a map.
type StepExecutorFunc func(ctx context.Context, step *plan.StepDefinition, ec *ExecutionContext) (any, error)

// StateChangeFunc observes step transitions. Best-effort; failures in the
// observer must not affect the run, so implementations should not panic.
type StateChangeFunc func(stepID string, status StepStatus, exec *StepExecution)

// ProgressFunc observes run progress after each step settles.
type ProgressFunc func(settled, total int)

// Executor orchestrates workflow runs.
type Executor struct {
	logger        *zap.Logger
	stepTimeout   time.Duration
	retryOverride *retry.Policy
	onStateChange StateChangeFunc
	onProgress    ProgressFunc
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStepTimeout overrides the default per-attempt timeout for steps that
// do not set their own.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithRetryPolicy layers an executor-wide retry override between the
// default policy and per-step overrides.
func WithRetryPolicy(p *retry.Policy) ExecutorOption {
	return func(e *Executor) { e.retryOverride = p }
}

// WithStateChangeCallback registers a step transition observer.
func WithStateChangeCallback(fn StateChangeFunc) ExecutorOption {
	return func(e *Executor) { e.onStateChange = fn }
}

// WithProgressCallback registers a progress observer.
func WithProgressCallback(fn ProgressFunc) ExecutorOption {
	return func(e *Executor) { e.onProgress = fn }
}

// NewExecutor creates an executor with the given options.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:      zap.NewNop(),
		stepTimeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "executor"))
	return e
}

// stepResult is what a step goroutine reports back to the run loop.
type stepResult struct {
	stepID    string
	output    any
	err       error
	attempts  int
	cancelled bool
}

// ExecuteWorkflow resolves the workflow into a plan and drives it to a
// terminal state. It returns a result with per-step detail for every
// outcome except plan-build errors and deadlock, which abort the run.
func (e *Executor) ExecuteWorkflow(ctx context.Context, wf *plan.WorkflowDefinition, ec *ExecutionContext, stepExecutor StepExecutorFunc) (*ExecutionResult, error) {
	if stepExecutor == nil {
		return nil, fmt.Errorf("step executor callback is required")
	}
	p, err := plan.Resolve(wf)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		ec = NewExecutionContext("")
	}
	if ec.StepOutputs == nil {
		ec.StepOutputs = NewOutputMap()
	}

	if wf.Timeout > 0 {
		var cancelCtx context.CancelFunc
		ctx, cancelCtx = context.WithTimeout(ctx, wf.Timeout)
		defer cancelCtx()
	}

	// Internal cancellation source, chained to the caller's token so an
	// external cancel stops this run without the run cancelling its caller.
	source := cancel.NewSource()
	defer source.Dispose()
	token := source.Token()
	if ec.Cancellation != nil {
		ec.Cancellation.OnCancel(func(reason cancel.Reason) { source.Cancel(reason) })
	}

	sched := NewScheduler(p, wf.MaxParallelism, e.logger)
	executions := make(map[string]*StepExecution, p.TotalSteps())
	for _, id := range p.StepIDs() {
		executions[id] = &StepExecution{StepID: id, Status: StepPending}
	}

	logger := e.logger.With(
		zap.String("workflow_id", p.WorkflowID()),
		zap.String("run_id", ec.RunID),
	)
	logger.Info("workflow execution started",
		zap.Int("total_steps", p.TotalSteps()),
		zap.Int("max_parallelism", sched.MaxParallelism()),
	)
	startedAt := time.Now()

	results := make(chan stepResult, p.TotalSteps())
	inFlight := 0
	reportedSkips := make(map[string]struct{})

	for !sched.IsComplete(executions) && !token.Cancelled() {
		batch := sched.NextBatch(executions, ec.StepOutputs.Snapshot())

		// The scheduler settles skipped steps itself; surface those
		// transitions to the observers exactly once.
		newSkips := 0
		for id, exec := range executions {
			if exec.Status != StepSkipped {
				continue
			}
			if _, seen := reportedSkips[id]; seen {
				continue
			}
			reportedSkips[id] = struct{}{}
			newSkips++
			e.fireStateChange(id, StepSkipped, exec)
			e.fireProgress(executions)
		}
		for _, id := range batch {
			exec := executions[id]
			exec.Status = StepRunning
			exec.StartedAt = time.Now()
			e.fireStateChange(id, StepRunning, exec)
			def, _ := p.Step(id)
			inFlight++
			go e.executeStep(ctx, def, ec, token, stepExecutor, results)
		}

		if inFlight == 0 {
			if len(batch) == 0 {
				// Skips applied in this pass resolve their dependents, so
				// another pass may find runnable (or further skippable)
				// steps. Deadlock only when a pass changed nothing.
				if newSkips > 0 {
					continue
				}
				if sched.IsComplete(executions) {
					break
				}
				remaining := remainingSteps(executions)
				logger.Error("workflow deadlocked", zap.Strings("remaining", remaining))
				return nil, &DeadlockError{WorkflowID: p.WorkflowID(), Remaining: remaining}
			}
			continue
		}

		select {
		case result := <-results:
			inFlight--
			e.settle(executions, ec, result)
			e.fireProgress(executions)
		case <-token.Done():
		case <-ctx.Done():
			source.Cancel(cancel.Reason{
				Initiator: cancel.InitiatorTimeout,
				Message:   ctx.Err().Error(),
			})
		}
	}

	// Drain results that raced the exit condition so late settlements are
	// still recorded.
	for inFlight > 0 {
		select {
		case result := <-results:
			inFlight--
			e.settle(executions, ec, result)
			e.fireProgress(executions)
		default:
			inFlight = 0
		}
	}

	if token.Cancelled() {
		reason, _ := token.Reason()
		for _, exec := range executions {
			if !exec.Status.IsTerminal() {
				exec.Status = StepCancelled
				exec.CompletedAt = time.Now()
				if exec.Error == "" {
					exec.Error = "cancelled: " + reason.Message
				}
				e.fireStateChange(exec.StepID, StepCancelled, exec)
			}
		}
		logger.Warn("workflow cancelled",
			zap.String("initiator", string(reason.Initiator)),
			zap.String("message", reason.Message),
		)
		return buildResult(p, ec, executions, startedAt, &cancel.CancelledError{Reason: reason}), nil
	}

	result := buildResult(p, ec, executions, startedAt, nil)
	if sched.HasFailed(executions) {
		result.Success = false
	}
	logger.Info("workflow execution finished",
		zap.Bool("success", result.Success),
		zap.Int("completed", result.CompletedSteps),
		zap.Int("failed", result.FailedSteps),
		zap.Int("skipped", result.SkippedSteps),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// settle applies a step goroutine's outcome. Runs on the loop goroutine,
// which is the only writer of executions; outputs go through the
// synchronized OutputMap because step bodies read it concurrently.
func (e *Executor) settle(executions map[string]*StepExecution, ec *ExecutionContext, r stepResult) {
	exec := executions[r.stepID]
	exec.RetryAttempts = r.attempts
	exec.CompletedAt = time.Now()
	switch {
	case r.cancelled:
		exec.Status = StepCancelled
		if r.err != nil {
			exec.Error = r.err.Error()
		}
	case r.err != nil:
		exec.Status = StepFailed
		exec.Error = r.err.Error()
	default:
		exec.Status = StepCompleted
		exec.Output = r.output
		exec.TokensUsed = extractTokens(r.output)
		ec.StepOutputs.Set(r.stepID, r.output)
	}
	e.fireStateChange(r.stepID, exec.Status, exec)
}

// executeStep runs one step with retry, backoff, timeout and cancellation,
// reporting the final outcome on the results channel.
func (e *Executor) executeStep(ctx context.Context, def *plan.StepDefinition, ec *ExecutionContext, token *cancel.Token, stepExecutor StepExecutorFunc, results chan<- stepResult) {
	policy := retry.DefaultPolicy().Merge(e.retryOverride).Merge(def.Retry)
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}

	var lastErr error
	attempt := 0
	for ; attempt < policy.MaxAttempts; attempt++ {
		if token.Cancelled() {
			results <- stepResult{stepID: def.ID, cancelled: true, err: token.Err(), attempts: attempt}
			return
		}

		output, err := e.runAttempt(ctx, def, ec, token, stepExecutor, timeout)
		if err == nil {
			results <- stepResult{stepID: def.ID, output: output, attempts: attempt}
			return
		}
		if cancel.IsCancelled(err) {
			results <- stepResult{stepID: def.ID, cancelled: true, err: err, attempts: attempt}
			return
		}
		lastErr = err
		if !policy.Retryable(err) {
			e.logger.Warn("step failed with non-retryable error",
				zap.String("step_id", def.ID),
				zap.String("error_name", retry.ErrorName(err)),
				zap.Error(err),
			)
			break
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		delay := policy.Delay(attempt)
		e.logger.Info("retrying step",
			zap.String("step_id", def.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-token.Done():
			results <- stepResult{stepID: def.ID, cancelled: true, err: token.Err(), attempts: attempt}
			return
		case <-ctx.Done():
			results <- stepResult{stepID: def.ID, cancelled: true, err: ctx.Err(), attempts: attempt}
			return
		}
	}
	if attempt >= policy.MaxAttempts {
		attempt = policy.MaxAttempts - 1
	}
	results <- stepResult{stepID: def.ID, err: lastErr, attempts: attempt}
}

// runAttempt races one invocation of the step body against the attempt
// timeout and the cancellation token.
func (e *Executor) runAttempt(ctx context.Context, def *plan.StepDefinition, ec *ExecutionContext, token *cancel.Token, stepExecutor StepExecutorFunc, timeout time.Duration) (any, error) {
	attemptCtx, cancelAttempt := context.WithTimeout(ctx, timeout)
	defer cancelAttempt()

	type attemptOutcome struct {
		output any
		err    error
	}
	done := make(chan attemptOutcome, 1)
	go func() {
		output, err := stepExecutor(attemptCtx, def, ec)
		done <- attemptOutcome{output: output, err: err}
	}()

	select {
	case outcome := <-done:
		return outcome.output, outcome.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.WithName("TimeoutError",
			fmt.Errorf("step %s timed out after %s", def.ID, timeout))
	case <-token.Done():
		return nil, token.Err()
	}
}

func (e *Executor) fireStateChange(stepID string, status StepStatus, exec *StepExecution) {
	if e.onStateChange != nil {
		e.onStateChange(stepID, status, exec)
	}
}

func (e *Executor) fireProgress(executions map[string]*StepExecution) {
	if e.onProgress == nil {
		return
	}
	settled := 0
	for _, exec := range executions {
		if exec.Status.IsTerminal() {
			settled++
		}
	}
	e.onProgress(settled, len(executions))
}

func remainingSteps(executions map[string]*StepExecution) []string {
	remaining := make([]string, 0)
	for id, exec := range executions {
		if !exec.Status.IsTerminal() {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

// extractTokens pulls a numeric tokensUsed field out of a map-shaped
// output. Any other shape reports zero.
func extractTokens(output any) int64 {
	m, ok := output.(map[string]any)
	if !ok {
		return 0
	}
	for _, key := range []string{"tokensUsed", "tokens_used"} {
		switch v := m[key].(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
