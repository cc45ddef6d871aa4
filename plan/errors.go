package plan

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPlanInconsistent reports a violated internal invariant of the resolver
// itself (a step missing from the computed levels). It signals a bug in the
// resolver, not a problem with the workflow definition.
var ErrPlanInconsistent = errors.New("execution plan internal inconsistency")

// InvalidDependencyError reports a step that declares a dependency on an id
// that does not exist in the workflow.
type InvalidDependencyError struct {
	StepID            string
	MissingDependency string
}

func (e *InvalidDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.StepID, e.MissingDependency)
}

// CyclicDependencyError reports a dependency cycle. Cycle holds the step ids
// in order; each step depends on the next, and the last depends on the first.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}
