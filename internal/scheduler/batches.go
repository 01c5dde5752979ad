package scheduler

import "sort"

// BatchPlan is the dependency-respecting partition of a graph into
// concurrency-bounded dispatch rounds.
type BatchPlan struct {
	Batches     [][]string `json:"batches"`
	Parallelism int        `json:"parallelism"`
}

// BatchIndex returns the 0-based batch holding the given task, or -1.
func (p *BatchPlan) BatchIndex(taskID string) int {
	for i, batch := range p.Batches {
		for _, id := range batch {
			if id == taskID {
				return i
			}
		}
	}
	return -1
}

// PlanBatches greedily assigns tasks to sequential batches.
//
// A task is ready once all its dependencies sit in earlier batches. Within a
// ready set, critical-path tasks are taken first so the bottleneck chain is
// never starved, then remaining slots fill in input order. Each batch holds
// at most parallelism tasks. This is a deliberately simple level-by-level
// assignment, not an optimal makespan solver.
func PlanBatches(g *Graph, sched *Schedule, parallelism int) *BatchPlan {
	plan := &BatchPlan{Parallelism: parallelism}

	assigned := make(map[string]bool, g.Len())
	for len(assigned) < g.Len() {
		var ready []string
		for _, t := range g.Tasks() {
			if assigned[t.ID] {
				continue
			}
			ok := true
			for _, depID := range t.Deps {
				if !assigned[depID] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, t.ID)
			}
		}
		if len(ready) == 0 {
			break // Unreachable on a validated DAG
		}

		sort.SliceStable(ready, func(i, j int) bool {
			ci, cj := sched.Critical(ready[i]), sched.Critical(ready[j])
			if ci != cj {
				return ci
			}
			return g.InputIndex(ready[i]) < g.InputIndex(ready[j])
		})

		if len(ready) > parallelism {
			ready = ready[:parallelism]
		}

		batch := make([]string, len(ready))
		copy(batch, ready)
		plan.Batches = append(plan.Batches, batch)
		for _, id := range batch {
			assigned[id] = true
		}
	}

	return plan
}
