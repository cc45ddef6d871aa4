package plan

import (
	"time"

	"github.com/BaSui01/stepflow/retry"
)

// StepDefinition describes one unit of work in a workflow.
// Definitions are immutable once a plan has been resolved from them.
type StepDefinition struct {
	// ID is the unique identifier of the step within its workflow.
	ID string `json:"id" yaml:"id"`

	// Type is a free-form step type tag, interpreted only by the step
	// executor callback and by store queries.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Dependencies lists the ids of steps that must settle before this
	// step becomes ready.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Priority orders ready steps when parallel slots are scarce.
	// Higher runs first.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Condition is a predicate over prior step outputs in the safe
	// condition grammar. An empty condition always passes.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Timeout bounds a single execution attempt. Zero means the
	// executor default applies.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retry overrides the executor retry policy for this step.
	Retry *retry.Policy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Metadata stores additional step information.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// WorkflowDefinition is the parsed, schema-checked workflow handed to the
// core. The core re-validates only structural DAG properties.
type WorkflowDefinition struct {
	// ID identifies the workflow.
	ID string `json:"id" yaml:"id"`

	// Steps in document order.
	Steps []StepDefinition `json:"steps" yaml:"steps"`

	// MaxParallelism caps the number of concurrently running steps.
	// Zero means the executor default applies.
	MaxParallelism int `json:"max_parallelism,omitempty" yaml:"max_parallelism,omitempty"`

	// Timeout bounds the whole run. Zero means unbounded.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ExecutionPlan is the validated, leveled DAG derived from a workflow
// definition. It is immutable after Resolve and safe for concurrent reads.
type ExecutionPlan struct {
	workflowID string
	levels     [][]string
	steps      map[string]*StepDefinition
	deps       map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
}

// WorkflowID returns the id of the workflow the plan was resolved from.
func (p *ExecutionPlan) WorkflowID() string { return p.workflowID }

// TotalSteps returns the number of steps in the plan.
func (p *ExecutionPlan) TotalSteps() int { return len(p.steps) }

// Levels returns the steps grouped by topological depth. Steps within one
// level have no dependency relationship and may run in parallel. Levels are
// informational; the scheduler recomputes readiness dynamically.
func (p *ExecutionPlan) Levels() [][]string { return p.levels }

// Step returns the definition for the given id.
func (p *ExecutionPlan) Step(id string) (*StepDefinition, bool) {
	def, ok := p.steps[id]
	return def, ok
}

// StepIDs returns every step id in the plan, in no particular order.
func (p *ExecutionPlan) StepIDs() []string {
	ids := make([]string, 0, len(p.steps))
	for id := range p.steps {
		ids = append(ids, id)
	}
	return ids
}

// DependenciesOf returns the set of ids the given step depends on.
func (p *ExecutionPlan) DependenciesOf(id string) map[string]struct{} {
	return p.deps[id]
}

// DependentsOf returns the set of ids that depend on the given step.
// This is the exact transpose of the dependency graph.
func (p *ExecutionPlan) DependentsOf(id string) map[string]struct{} {
	return p.dependents[id]
}

// Leaves returns the ids of steps with no dependents, in no particular
// order. The output of the unique completed leaf becomes the workflow's
// final output.
func (p *ExecutionPlan) Leaves() []string {
	leaves := make([]string, 0)
	for id := range p.steps {
		if len(p.dependents[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Ancestors returns the transitive dependency closure of the given step via
// breadth-first traversal. Used for analytics, not execution.
func (p *ExecutionPlan) Ancestors(id string) map[string]struct{} {
	return p.closure(id, p.deps)
}

// Descendants returns the transitive dependent closure of the given step.
func (p *ExecutionPlan) Descendants(id string) map[string]struct{} {
	return p.closure(id, p.dependents)
}

func (p *ExecutionPlan) closure(id string, graph map[string]map[string]struct{}) map[string]struct{} {
	result := make(map[string]struct{})
	queue := make([]string, 0, len(graph[id]))
	for next := range graph[id] {
		queue = append(queue, next)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, seen := result[current]; seen {
			continue
		}
		result[current] = struct{}{}
		for next := range graph[current] {
			queue = append(queue, next)
		}
	}
	return result
}
