package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// DefaultEffort is applied when a task's JSON omits the effort field.
// An explicit zero effort is preserved as a milestone.
const DefaultEffort = 1

// CycleDetectedError reports that the submitted task set is not a DAG.
// Participants lists every task that could not be topologically resolved,
// sorted by ID for determinism.
type CycleDetectedError struct {
	Participants []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("dependency cycle involving tasks: %s", strings.Join(e.Participants, ", "))
}

// Graph is a validated DAG of tasks. It is immutable after construction and
// safe for concurrent reads.
type Graph struct {
	tasks      []Task              // Normalized tasks in input order
	index      map[string]int      // Task ID -> position in tasks
	dependents map[string][]string // Task ID -> IDs of tasks that depend on it
	order      []string            // Topological order, input-order tie-break
}

// NewGraph validates a raw task list and builds a Graph.
//
// Nil Deps and Skills are normalized to empty slices; effort is taken as
// given (zero is a valid milestone, negative is an error). Returns an error
// for duplicate IDs or references to unknown tasks, and a
// *CycleDetectedError when the dependency relation is not acyclic.
func NewGraph(raw []Task) (*Graph, error) {
	g := &Graph{
		tasks:      make([]Task, 0, len(raw)),
		index:      make(map[string]int, len(raw)),
		dependents: make(map[string][]string),
	}

	for _, t := range raw {
		if t.ID == "" {
			return nil, fmt.Errorf("task with empty ID")
		}
		if _, exists := g.index[t.ID]; exists {
			return nil, fmt.Errorf("task with ID %q already exists", t.ID)
		}
		if t.Effort < 0 {
			return nil, fmt.Errorf("task %q has negative effort %v", t.ID, t.Effort)
		}

		// Normalize optional fields
		if t.Deps == nil {
			t.Deps = []string{}
		}
		if t.Skills == nil {
			t.Skills = []string{}
		}

		g.index[t.ID] = len(g.tasks)
		g.tasks = append(g.tasks, t)
	}

	// Verify all dependencies exist before building edges
	for _, t := range g.tasks {
		for _, depID := range t.Deps {
			if _, exists := g.index[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", t.ID, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	// Acyclicity check via topological sort
	var edges []toposort.Edge
	for _, t := range g.tasks {
		if len(t.Deps) == 0 {
			// Edge from nil ensures isolated tasks are included
			edges = append(edges, toposort.Edge{nil, t.ID})
		} else {
			for _, depID := range t.Deps {
				edges = append(edges, toposort.Edge{depID, t.ID})
			}
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return nil, &CycleDetectedError{Participants: g.kahnLeftover()}
	}

	g.order = g.kahnOrder()
	if len(g.order) != len(g.tasks) {
		// Defensive: toposort succeeded, so the peel must consume everything
		return nil, &CycleDetectedError{Participants: g.kahnLeftover()}
	}

	return g, nil
}

// kahnOrder peels zero-in-degree tasks iteratively, always preferring the
// earliest remaining input position. The result is a deterministic
// topological order.
func (g *Graph) kahnOrder() []string {
	indeg := make(map[string]int, len(g.tasks))
	for _, t := range g.tasks {
		indeg[t.ID] = len(t.Deps)
	}

	order := make([]string, 0, len(g.tasks))
	removed := make(map[string]bool, len(g.tasks))
	for len(order) < len(g.tasks) {
		next := ""
		for _, t := range g.tasks {
			if !removed[t.ID] && indeg[t.ID] == 0 {
				next = t.ID
				break
			}
		}
		if next == "" {
			break // Remaining tasks form a cycle
		}
		removed[next] = true
		order = append(order, next)
		for _, depID := range g.dependents[next] {
			indeg[depID]--
		}
	}
	return order
}

// kahnLeftover returns the tasks a Kahn peel cannot resolve, i.e. the cycle
// participants, sorted by ID.
func (g *Graph) kahnLeftover() []string {
	resolved := make(map[string]bool, len(g.tasks))
	for _, id := range g.kahnOrder() {
		resolved[id] = true
	}

	var leftover []string
	for _, t := range g.tasks {
		if !resolved[t.ID] {
			leftover = append(leftover, t.ID)
		}
	}
	sort.Strings(leftover)
	return leftover
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Tasks returns the normalized tasks in input order. The slice is a copy.
func (g *Graph) Tasks() []Task {
	out := make([]Task, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// Get returns the task with the given ID.
func (g *Graph) Get(id string) (Task, bool) {
	i, ok := g.index[id]
	if !ok {
		return Task{}, false
	}
	return g.tasks[i], true
}

// InputIndex returns the position of the task in the submitted list.
// Returns -1 for unknown IDs.
func (g *Graph) InputIndex(id string) int {
	i, ok := g.index[id]
	if !ok {
		return -1
	}
	return i
}

// Dependents returns the IDs of tasks that directly depend on the given task.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Order returns the task IDs in topological order, with ties broken by input
// position.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}
