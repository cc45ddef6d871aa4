package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/cond"
	"github.com/BaSui01/stepflow/plan"
)

// DefaultMaxParallelism bounds concurrently running steps when the workflow
// does not set its own cap.
const DefaultMaxParallelism = 5

// Scheduler computes which steps may run next, given a resolved plan and
// the current execution records. It is driven exclusively by the Executor's
// run loop and therefore needs no internal locking.
type Scheduler struct {
	plan           *plan.ExecutionPlan
	maxParallelism int
	evaluator      *cond.Evaluator
	logger         *zap.Logger

	criticalPath []string
}

// NewScheduler creates a scheduler for the given plan. maxParallelism <= 0
// falls back to DefaultMaxParallelism. A nil logger is replaced with a
// no-op logger.
func NewScheduler(p *plan.ExecutionPlan, maxParallelism int, logger *zap.Logger) *Scheduler {
	if maxParallelism <= 0 {
		maxParallelism = DefaultMaxParallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	return &Scheduler{
		plan:           p,
		maxParallelism: maxParallelism,
		evaluator:      cond.NewEvaluator(logger),
		logger:         logger,
	}
}

// MaxParallelism returns the configured parallel slot count.
func (s *Scheduler) MaxParallelism() int { return s.maxParallelism }

// NextBatch returns up to availableSlots runnable step ids in descending
// priority order. As a side effect it skips steps whose dependencies failed
// or were skipped, and steps whose condition evaluates false against the
// current step outputs. Skipped steps never occupy a slot.
func (s *Scheduler) NextBatch(executions map[string]*StepExecution, stepOutputs map[string]any) []string {
	running := 0
	for _, exec := range executions {
		if exec.Status == StepRunning {
			running++
		}
	}
	slots := s.maxParallelism - running
	if slots <= 0 {
		return nil
	}

	ready := s.readySteps(executions)

	batch := make([]string, 0, slots)
	for _, id := range ready {
		exec := executions[id]
		if reason, blocked := s.blockedByDependency(id, executions); blocked {
			s.skip(exec, reason)
			continue
		}
		def, _ := s.plan.Step(id)
		if def.Condition != "" {
			ctx := map[string]any{"stepOutputs": stepOutputs}
			if !s.evaluator.EvaluateCondition(def.Condition, ctx) {
				s.skip(exec, fmt.Sprintf("condition %q evaluated to false", def.Condition))
				continue
			}
		}
		if len(batch) < slots {
			batch = append(batch, id)
		}
	}
	return batch
}

// readySteps returns pending steps whose every dependency is resolved,
// ordered by descending priority with step id as the stable tie-breaker.
func (s *Scheduler) readySteps(executions map[string]*StepExecution) []string {
	ready := make([]string, 0)
	for id, exec := range executions {
		if exec.Status != StepPending {
			continue
		}
		resolved := true
		for dep := range s.plan.DependenciesOf(id) {
			if depExec, ok := executions[dep]; !ok || !depExec.Status.IsResolved() {
				resolved = false
				break
			}
		}
		if resolved {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, _ := s.plan.Step(ready[i])
		b, _ := s.plan.Step(ready[j])
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return ready[i] < ready[j]
	})
	return ready
}

func (s *Scheduler) blockedByDependency(id string, executions map[string]*StepExecution) (string, bool) {
	for dep := range s.plan.DependenciesOf(id) {
		switch executions[dep].Status {
		case StepFailed:
			return fmt.Sprintf("dependency %s failed", dep), true
		case StepSkipped:
			return fmt.Sprintf("dependency %s was skipped", dep), true
		}
	}
	return "", false
}

func (s *Scheduler) skip(exec *StepExecution, reason string) {
	exec.Status = StepSkipped
	exec.SkipReason = reason
	now := time.Now()
	exec.CompletedAt = now
	s.logger.Info("step skipped",
		zap.String("step_id", exec.StepID),
		zap.String("reason", reason),
	)
}

// IsComplete reports whether every execution is terminal.
func (s *Scheduler) IsComplete(executions map[string]*StepExecution) bool {
	for _, exec := range executions {
		if !exec.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// HasFailed reports whether any execution failed. This is the
// whole-workflow failure signal even though unrelated branches keep
// running.
func (s *Scheduler) HasFailed(executions map[string]*StepExecution) bool {
	for _, exec := range executions {
		if exec.Status == StepFailed {
			return true
		}
	}
	return false
}

// CriticalPath returns the longest dependency chain in the plan, root
// first. The result is memoized; the plan is immutable so one computation
// suffices.
func (s *Scheduler) CriticalPath() []string {
	if s.criticalPath != nil {
		return s.criticalPath
	}
	memo := make(map[string][]string, s.plan.TotalSteps())
	var longestFrom func(id string) []string
	longestFrom = func(id string) []string {
		if chain, ok := memo[id]; ok {
			return chain
		}
		var best []string
		for dep := range s.plan.DependentsOf(id) {
			if chain := longestFrom(dep); len(chain) > len(best) {
				best = chain
			}
		}
		chain := append([]string{id}, best...)
		memo[id] = chain
		return chain
	}
	var best []string
	for _, id := range s.plan.StepIDs() {
		if len(s.plan.DependenciesOf(id)) > 0 {
			continue
		}
		if chain := longestFrom(id); len(chain) > len(best) ||
			(len(chain) == len(best) && len(best) > 0 && chain[0] < best[0]) {
			best = chain
		}
	}
	s.criticalPath = best
	return best
}

// EstimateRemainingTime extrapolates from the average duration of completed
// steps, assuming the remaining steps fill parallel waves. It returns zero
// until at least one step has completed.
func (s *Scheduler) EstimateRemainingTime(executions map[string]*StepExecution) time.Duration {
	var total time.Duration
	completed := 0
	remaining := 0
	for _, exec := range executions {
		switch {
		case exec.Status == StepCompleted:
			total += exec.Duration()
			completed++
		case !exec.Status.IsTerminal():
			remaining++
		}
	}
	if completed == 0 || remaining == 0 {
		return 0
	}
	avg := total / time.Duration(completed)
	waves := int(math.Ceil(float64(remaining) / float64(s.maxParallelism)))
	return avg * time.Duration(waves)
}

// Efficiency measures achieved concurrency: the sum of step durations
// divided by the wall-clock span times the parallelism cap. 1.0 means every
// slot was busy for the whole run; it returns 0 before any step completes.
func (s *Scheduler) Efficiency(executions map[string]*StepExecution) float64 {
	var busy time.Duration
	var earliest, latest time.Time
	for _, exec := range executions {
		if exec.StartedAt.IsZero() || exec.CompletedAt.IsZero() {
			continue
		}
		busy += exec.Duration()
		if earliest.IsZero() || exec.StartedAt.Before(earliest) {
			earliest = exec.StartedAt
		}
		if exec.CompletedAt.After(latest) {
			latest = exec.CompletedAt
		}
	}
	span := latest.Sub(earliest)
	if busy <= 0 || span <= 0 {
		return 0
	}
	return float64(busy) / (float64(span) * float64(s.maxParallelism))
}
