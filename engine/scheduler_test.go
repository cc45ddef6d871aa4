package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/plan"
)

func mustPlan(t *testing.T, wf *plan.WorkflowDefinition) *plan.ExecutionPlan {
	t.Helper()
	p, err := plan.Resolve(wf)
	require.NoError(t, err)
	return p
}

func pendingExecutions(p *plan.ExecutionPlan) map[string]*StepExecution {
	executions := make(map[string]*StepExecution, p.TotalSteps())
	for _, id := range p.StepIDs() {
		executions[id] = &StepExecution{StepID: id, Status: StepPending}
	}
	return executions
}

func TestScheduler_NextBatchRespectsDependencies(t *testing.T) {
	t.Parallel()
	p := mustPlan(t, &plan.WorkflowDefinition{
		ID: "wf",
		Steps: []plan.StepDefinition{
			{ID: "a"},
			{ID: "b", Dependencies: []string{"a"}},
			{ID: "c", Dependencies: []string{"b"}},
		},
	})
	s := NewScheduler(p, 5, zap.NewNop())
	executions := pendingExecutions(p)
	outputs := map[string]any{}

	batch := s.NextBatch(executions, outputs)
	assert.Equal(t, []string{"a"}, batch)

	executions["a"].Status = StepCompleted
	batch = s.NextBatch(executions, outputs)
	assert.Equal(t, []string{"b"}, batch)

	executions["b"].Status = StepCompleted
	batch = s.NextBatch(executions, outputs)
	assert.Equal(t, []string{"c"}, batch)
}

func TestScheduler_NextBatchHonorsParallelismCap(t *testing.T) {
	t.Parallel()
	p := mustPlan(t, &plan.WorkflowDefinition{
		ID: "wf",
		Steps: []plan.StepDefinition{
			{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
		},
	})
	s := NewScheduler(p, 2, zap.NewNop())
	executions := pendingExecutions(p)

	batch := s.NextBatch(executions, nil)
	assert.Len(t, batch, 2)

	// Slots occupied by running steps are unavailable.
	executions[batch[0]].Status = StepRunning
	executions[batch[1]].Status = StepRunning
	assert.Empty(t, s.NextBatch(executions, nil))

	executions[batch[0]].Status = StepCompleted
	assert.Len(t, s.NextBatch(executions, nil), 1)
}

func TestScheduler_NextBatchOrdersByPriority(t *testing.T) {
	t.Parallel()
	p := mustPlan(t, &plan.WorkflowDefinition{
		ID: "wf",
		Steps: []plan.StepDefinition{
			{ID: "low", Priority: 1},
			{ID: "high", Priority: 10},
			{ID: "mid", Priority: 5},
		},
	})
	s := NewScheduler(p, 2, zap.NewNop())
	executions := pendingExecutions(p)

	batch := s.NextBatch(executions, nil)
	assert.Equal(t, []string{"high", "mid"}, batch)
}

func TestScheduler_FailurePropagatesAsSkip(t *testing.T) {
	t.Parallel()
	p := mustPlan(t, &plan.WorkflowDefinition{
		ID: "wf",
		Steps: []plan.StepDefinition{
			{ID: "a"},
			{ID: "b", Dependencies: []string{"a"}},
			{ID: "c", Dependencies: []string{"b"}},
			{ID: "unrelated"},
		},
	})
	s := NewScheduler(p, 5, zap.NewNop())
	executions := pendingExecutions(p)
	executions["a"].Status = StepFailed

	batch := s.NextBatch(executions, nil)
	assert.Equal(t, []string{"unrelated"}, batch)
	assert.Equal(t, StepSkipped, executions["b"].Status)
	assert.Contains(t, executions["b"].SkipReason, "a failed")

	// The skip cascades to transitive dependents on the next pass.
	executions["unrelated"].Status = StepCompleted
	batch = s.NextBatch(executions, nil)
	assert.Empty(t, batch)
	assert.Equal(t, StepSkipped, executions["c"].Status)
	assert.Contains(t, executions["c"].SkipReason, "b was skipped")
}

func TestScheduler_ConditionFalseSkips(t *testing.T) {
	t.Parallel()
	p := mustPlan(t, &plan.WorkflowDefinition{
		ID: "wf",
		Steps: []plan.StepDefinition{
			{ID: "check"},
			{ID: "deploy", Dependencies: []string{"check"},
				Condition: `stepOutputs.check.approved === true`},
		},
	})
	s := NewScheduler(p, 5, zap.NewNop())
	executions := pendingExecutions(p)
	executions["check"].Status = StepCompleted

	outputs := map[string]any{"check": map[string]any{"approved": false}}
	batch := s.NextBatch(executions, outputs)
	assert.Empty(t, batch)
	assert.Equal(t, StepSkipped, executions["deploy"].Status)

	// With a passing condition the step is scheduled instead.
	executions["deploy"].Status = StepPending
	executions["deploy"].SkipReason = ""
	outputs["check"] = map[string]any{"approved": true}
	batch = s.NextBatch(executions, outputs)
	assert.Equal(t, []string{"deploy"}, batch)
}

func TestScheduler_IsCompleteAndHasFailed(t *testing.T) {
	t.Parallel()
	p := mustPlan(t, &plan.WorkflowDefinition{
		ID:    "wf",
		Steps: []plan.StepDefinition{{ID: "a"}, {ID: "b"}},
	})
	s := NewScheduler(p, 5, zap.NewNop())
	executions := pendingExecutions(p)

	assert.False(t, s.IsComplete(executions))
	assert.False(t, s.HasFailed(executions))

	executions["a"].Status = StepCompleted
	executions["b"].Status = StepFailed
	assert.True(t, s.IsComplete(executions))
	assert.True(t, s.HasFailed(executions))
}

func TestScheduler_CriticalPath(t *testing.T) {
	t.Parallel()
	p := mustPlan(t, &plan.WorkflowDefinition{
		ID: "wf",
		Steps: []plan.StepDefinition{
			{ID: "root"},
			{ID: "short", Dependencies: []string{"root"}},
			{ID: "mid", Dependencies: []string{"root"}},
			{ID: "deep", Dependencies: []string{"mid"}},
		},
	})
	s := NewScheduler(p, 5, zap.NewNop())
	assert.Equal(t, []string{"root", "mid", "deep"}, s.CriticalPath())
	// Memoized second call returns the same chain.
	assert.Equal(t, []string{"root", "mid", "deep"}, s.CriticalPath())
}

func TestScheduler_EstimateRemainingTime(t *testing.T) {
	t.Parallel()
	p := mustPlan(t, &plan.WorkflowDefinition{
		ID: "wf",
		Steps: []plan.StepDefinition{
			{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
		},
	})
	s := NewScheduler(p, 2, zap.NewNop())
	executions := pendingExecutions(p)

	assert.Zero(t, s.EstimateRemainingTime(executions))

	start := time.Now()
	executions["a"].Status = StepCompleted
	executions["a"].StartedAt = start
	executions["a"].CompletedAt = start.Add(100 * time.Millisecond)

	// Three steps remain; two slots mean two waves of ~100ms each.
	assert.Equal(t, 200*time.Millisecond, s.EstimateRemainingTime(executions))
}

func TestScheduler_Efficiency(t *testing.T) {
	t.Parallel()
	p := mustPlan(t, &plan.WorkflowDefinition{
		ID:    "wf",
		Steps: []plan.StepDefinition{{ID: "a"}, {ID: "b"}},
	})
	s := NewScheduler(p, 2, zap.NewNop())
	executions := pendingExecutions(p)

	assert.Zero(t, s.Efficiency(executions))

	// Two steps fully overlapping for 100ms saturate both slots.
	start := time.Now()
	for _, id := range []string{"a", "b"} {
		executions[id].Status = StepCompleted
		executions[id].StartedAt = start
		executions[id].CompletedAt = start.Add(100 * time.Millisecond)
	}
	assert.InDelta(t, 1.0, s.Efficiency(executions), 0.001)
}
