package plan

import (
	"fmt"
	"sort"
)

// Resolve validates the workflow's dependency structure and derives an
// ExecutionPlan. It fails with *InvalidDependencyError when a step references
// an unknown dependency and with *CyclicDependencyError when the dependency
// graph contains a cycle.
func Resolve(wf *WorkflowDefinition) (*ExecutionPlan, error) {
	if wf == nil {
		return nil, fmt.Errorf("workflow cannot be nil")
	}
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", wf.ID)
	}

	steps := make(map[string]*StepDefinition, len(wf.Steps))
	order := make([]string, 0, len(wf.Steps))
	for i := range wf.Steps {
		def := &wf.Steps[i]
		if def.ID == "" {
			return nil, fmt.Errorf("workflow %q has a step with an empty id", wf.ID)
		}
		if _, dup := steps[def.ID]; dup {
			return nil, fmt.Errorf("workflow %q has duplicate step id %q", wf.ID, def.ID)
		}
		steps[def.ID] = def
		order = append(order, def.ID)
	}

	deps := make(map[string]map[string]struct{}, len(steps))
	dependents := make(map[string]map[string]struct{}, len(steps))
	for _, id := range order {
		deps[id] = make(map[string]struct{})
		dependents[id] = make(map[string]struct{})
	}
	for _, id := range order {
		for _, dep := range steps[id].Dependencies {
			if _, ok := steps[dep]; !ok {
				return nil, &InvalidDependencyError{StepID: id, MissingDependency: dep}
			}
			deps[id][dep] = struct{}{}
			dependents[dep][id] = struct{}{}
		}
	}

	if cycle := findCycle(order, deps); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	levels := buildLevels(order, deps, dependents)
	flattened := 0
	for _, level := range levels {
		flattened += len(level)
	}
	if flattened != len(steps) {
		// Unreachable once the graph is proven acyclic; anything else is a
		// resolver bug, reported as such rather than as a workflow error.
		return nil, fmt.Errorf("%w: %d steps leveled, %d expected", ErrPlanInconsistent, flattened, len(steps))
	}

	return &ExecutionPlan{
		workflowID: wf.ID,
		levels:     levels,
		steps:      steps,
		deps:       deps,
		dependents: dependents,
	}, nil
}

const (
	colorWhite = iota // not visited
	colorGrey         // on the recursion stack
	colorBlack        // fully explored
)

// findCycle runs a depth-first traversal over dependency edges, keeping an
// explicit recursion stack. Revisiting a grey node closes a cycle: the cycle
// is the stack slice from that node's first occurrence through the current
// node.
func findCycle(order []string, deps map[string]map[string]struct{}) []string {
	color := make(map[string]int, len(order))
	stack := make([]string, 0, len(order))

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = colorGrey
		stack = append(stack, id)

		for _, dep := range sortedKeys(deps[id]) {
			switch color[dep] {
			case colorGrey:
				for i, onStack := range stack {
					if onStack == dep {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						return cycle
					}
				}
			case colorWhite:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		return nil
	}

	for _, id := range order {
		if color[id] == colorWhite {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// buildLevels groups steps by topological depth using Kahn's algorithm.
// The entire zero-in-degree frontier is drained as one level; those steps
// have no dependency relationship and may run in parallel.
func buildLevels(order []string, deps, dependents map[string]map[string]struct{}) [][]string {
	inDegree := make(map[string]int, len(order))
	for _, id := range order {
		inDegree[id] = len(deps[id])
	}

	frontier := make([]string, 0)
	for _, id := range order {
		if inDegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	levels := make([][]string, 0)
	for len(frontier) > 0 {
		level := frontier
		levels = append(levels, level)

		frontier = make([]string, 0)
		for _, id := range level {
			for _, dependent := range sortedKeys(dependents[id]) {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					frontier = append(frontier, dependent)
				}
			}
		}
	}
	return levels
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
