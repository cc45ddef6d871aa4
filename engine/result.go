package engine

import (
	"time"

	"github.com/BaSui01/stepflow/plan"
)

// ExecutionResult is the final report of one workflow run. It carries
// enough per-step detail to reconstruct what happened without log access.
type ExecutionResult struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id,omitempty"`

	// Success is true when the run finished without failures or
	// cancellation. Skipped steps do not affect success.
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Steps holds the final execution record of every step.
	Steps map[string]*StepExecution `json:"steps"`

	TotalSteps     int `json:"total_steps"`
	CompletedSteps int `json:"completed_steps"`
	FailedSteps    int `json:"failed_steps"`
	SkippedSteps   int `json:"skipped_steps"`
	CancelledSteps int `json:"cancelled_steps"`
	TotalRetries   int `json:"total_retries"`

	TokensUsed int64 `json:"tokens_used,omitempty"`

	// Output is the output of the unique completed leaf step; when several
	// leaves completed it maps leaf id to output.
	Output any `json:"output,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// buildResult aggregates the final execution records. A non-nil runErr
// marks the run unsuccessful and is surfaced in the result's Error field.
func buildResult(p *plan.ExecutionPlan, ec *ExecutionContext, executions map[string]*StepExecution, startedAt time.Time, runErr error) *ExecutionResult {
	result := &ExecutionResult{
		WorkflowID: p.WorkflowID(),
		RunID:      ec.RunID,
		Success:    runErr == nil,
		Steps:      executions,
		TotalSteps: len(executions),
		StartedAt:  startedAt,
		Duration:   time.Since(startedAt),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	for _, exec := range executions {
		switch exec.Status {
		case StepCompleted:
			result.CompletedSteps++
		case StepFailed:
			result.FailedSteps++
		case StepSkipped:
			result.SkippedSteps++
		case StepCancelled:
			result.CancelledSteps++
		}
		result.TotalRetries += exec.RetryAttempts
		result.TokensUsed += exec.TokensUsed
	}
	result.Output = finalOutput(p, executions)
	return result
}

// finalOutput picks the workflow output: the output of the unique completed
// leaf, or a map of outputs when several leaves completed.
func finalOutput(p *plan.ExecutionPlan, executions map[string]*StepExecution) any {
	completed := make([]string, 0, 1)
	for _, leaf := range p.Leaves() {
		if exec, ok := executions[leaf]; ok && exec.Status == StepCompleted {
			completed = append(completed, leaf)
		}
	}
	switch len(completed) {
	case 0:
		return nil
	case 1:
		return executions[completed[0]].Output
	default:
		outputs := make(map[string]any, len(completed))
		for _, leaf := range completed {
			outputs[leaf] = executions[leaf].Output
		}
		return outputs
	}
}
