package plan

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genAcyclicWorkflow builds a random workflow where step i may only depend
// on steps with a smaller index, which makes the graph acyclic by
// construction.
func genAcyclicWorkflow() gopter.Gen {
	return gen.IntRange(1, 20).FlatMap(func(v any) gopter.Gen {
		n := v.(int)
		return gen.SliceOfN(n*n, gen.Bool()).Map(func(edges []bool) *WorkflowDefinition {
			wf := &WorkflowDefinition{ID: "prop"}
			for i := 0; i < n; i++ {
				def := StepDefinition{ID: fmt.Sprintf("s%d", i)}
				for j := 0; j < i; j++ {
					if edges[i*n+j] {
						def.Dependencies = append(def.Dependencies, fmt.Sprintf("s%d", j))
					}
				}
				wf.Steps = append(wf.Steps, def)
			}
			return wf
		})
	}, reflect.TypeOf(&WorkflowDefinition{}))
}

func TestProperty_LevelsPartitionSteps(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("levels contain every step exactly once", prop.ForAll(
		func(wf *WorkflowDefinition) bool {
			p, err := Resolve(wf)
			if err != nil {
				t.Logf("Resolve failed: %v", err)
				return false
			}
			seen := make(map[string]int)
			for _, level := range p.Levels() {
				for _, id := range level {
					seen[id]++
				}
			}
			if len(seen) != len(wf.Steps) {
				return false
			}
			for _, count := range seen {
				if count != 1 {
					return false
				}
			}
			return true
		},
		genAcyclicWorkflow(),
	))

	properties.Property("every step levels strictly after its dependencies", prop.ForAll(
		func(wf *WorkflowDefinition) bool {
			p, err := Resolve(wf)
			if err != nil {
				return false
			}
			levelOf := make(map[string]int)
			for i, level := range p.Levels() {
				for _, id := range level {
					levelOf[id] = i
				}
			}
			for _, def := range wf.Steps {
				for _, dep := range def.Dependencies {
					if levelOf[def.ID] <= levelOf[dep] {
						return false
					}
				}
			}
			return true
		},
		genAcyclicWorkflow(),
	))

	properties.TestingRun(t)
}

func TestProperty_CycleAlwaysDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("closing a random chain into a ring is rejected with a valid cycle", prop.ForAll(
		func(n int) bool {
			wf := &WorkflowDefinition{ID: "ring"}
			for i := 0; i < n; i++ {
				wf.Steps = append(wf.Steps, StepDefinition{
					ID:           fmt.Sprintf("s%d", i),
					Dependencies: []string{fmt.Sprintf("s%d", (i+1)%n)},
				})
			}
			_, err := Resolve(wf)
			cyclic, ok := err.(*CyclicDependencyError)
			if !ok || len(cyclic.Cycle) == 0 {
				return false
			}
			// Each reported element must depend on the next, wrapping around.
			deps := make(map[string]string, n)
			for _, def := range wf.Steps {
				deps[def.ID] = def.Dependencies[0]
			}
			for i, id := range cyclic.Cycle {
				next := cyclic.Cycle[(i+1)%len(cyclic.Cycle)]
				if deps[id] != next {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 15),
	))

	properties.TestingRun(t)
}
