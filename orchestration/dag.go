package orchestration

import (
	"fmt"
	"sort"

	"github.com/flowplane/flowplane/core"
)

// dag indexes a workflow's steps for scheduling: lookup by ID, forward
// dependency edges from Step.DependsOn, and the reverse dependent edges
// needed for skip cascades. The step slice itself stays on the Workflow;
// the dag never mutates structure after construction.
type dag struct {
	steps      map[string]*Step
	order      []string            // declaration order, for stable tie-breaks
	dependents map[string][]string // stepID -> steps that depend on it
}

// newDAG builds the index and validates the edge structure: every
// dependency must name a known step and the graph must be acyclic.
func newDAG(steps []*Step) (*dag, error) {
	d := &dag{
		steps:      make(map[string]*Step, len(steps)),
		order:      make([]string, 0, len(steps)),
		dependents: make(map[string][]string),
	}
	for _, s := range steps {
		if _, dup := d.steps[s.ID]; dup {
			return nil, &core.OpError{Op: "dag.build", Kind: "validation", ID: s.ID,
				Message: fmt.Sprintf("duplicate step id %q", s.ID), Err: core.ErrValidation}
		}
		d.steps[s.ID] = s
		d.order = append(d.order, s.ID)
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := d.steps[dep]; !ok {
				return nil, &core.OpError{Op: "dag.build", Kind: "validation", ID: s.ID,
					Message: fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep),
					Err:     core.ErrValidation}
			}
			d.dependents[dep] = append(d.dependents[dep], s.ID)
		}
	}
	if cycle := d.findCycle(); cycle != "" {
		return nil, &core.OpError{Op: "dag.build", Kind: "validation",
			Message: fmt.Sprintf("dependency cycle through step %q", cycle),
			Err:     core.ErrValidation}
	}
	return d, nil
}

// findCycle runs Kahn's algorithm and returns the name of one step on a
// cycle, or "" when the graph is acyclic.
func (d *dag) findCycle() string {
	indegree := make(map[string]int, len(d.steps))
	for id, s := range d.steps {
		indegree[id] = len(s.DependsOn)
	}
	queue := make([]string, 0, len(d.steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range d.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited == len(d.steps) {
		return ""
	}
	for id, deg := range indegree {
		if deg > 0 {
			return d.steps[id].Name
		}
	}
	return ""
}

// readySteps returns Pending steps whose dependencies are all Completed,
// ordered by descending priority with declaration order breaking ties.
func (d *dag) readySteps() []*Step {
	var ready []*Step
	for _, id := range d.order {
		s := d.steps[id]
		if s.State != StepPending {
			continue
		}
		if d.depsCompleted(s) {
			ready = append(ready, s)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	return ready
}

func (d *dag) depsCompleted(s *Step) bool {
	for _, dep := range s.DependsOn {
		if d.steps[dep].State != StepCompleted {
			return false
		}
	}
	return true
}

// skipDependents marks every Pending transitive dependent of a failed
// step Skipped.
func (d *dag) skipDependents(failedID string) {
	stack := append([]string(nil), d.dependents[failedID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s := d.steps[id]
		if s.State != StepPending {
			continue
		}
		s.State = StepSkipped
		stack = append(stack, d.dependents[id]...)
	}
}

// counts tallies steps per state.
func (d *dag) counts() map[StepState]int {
	out := make(map[StepState]int, 5)
	for _, s := range d.steps {
		out[s.State]++
	}
	return out
}

// anyRunning reports whether any step is still in flight.
func (d *dag) anyRunning() bool {
	for _, s := range d.steps {
		if s.State == StepRunning {
			return true
		}
	}
	return false
}

// anyFailed reports whether any step failed terminally.
func (d *dag) anyFailed() bool {
	for _, s := range d.steps {
		if s.State == StepFailed {
			return true
		}
	}
	return false
}
