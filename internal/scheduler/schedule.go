package scheduler

import "sort"

// slackEpsilon absorbs float drift when comparing schedule offsets.
const slackEpsilon = 1e-9

// ScheduleEntry is the planned time window for one task, as relative offsets
// from the start of the run.
type ScheduleEntry struct {
	TaskID   string  `json:"taskId"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
	Critical bool    `json:"critical"`
}

// Schedule is the critical-path analysis of a task graph.
type Schedule struct {
	Entries      []ScheduleEntry `json:"entries"`
	CriticalPath []string        `json:"critical_path"`
	Makespan     float64         `json:"makespan"`
}

// Entry returns the schedule entry for the given task ID.
func (s *Schedule) Entry(taskID string) (ScheduleEntry, bool) {
	for _, e := range s.Entries {
		if e.TaskID == taskID {
			return e, true
		}
	}
	return ScheduleEntry{}, false
}

// Critical reports whether the given task lies on a zero-slack path.
func (s *Schedule) Critical(taskID string) bool {
	e, ok := s.Entry(taskID)
	return ok && e.Critical
}

// ComputeSchedule performs forward and backward passes over the graph.
//
// The forward pass assigns each task the earliest start permitted by its
// dependencies; the backward pass computes the latest start that would not
// delay the makespan. A task is critical when the two coincide (zero slack).
// Entries come back in topological order with input-order tie-break.
func ComputeSchedule(g *Graph) *Schedule {
	order := g.Order()

	start := make(map[string]float64, g.Len())
	end := make(map[string]float64, g.Len())

	// Forward pass: earliest start is the max end among dependencies.
	makespan := 0.0
	for _, id := range order {
		task, _ := g.Get(id)
		s := 0.0
		for _, depID := range task.Deps {
			if end[depID] > s {
				s = end[depID]
			}
		}
		start[id] = s
		end[id] = s + task.Effort
		if end[id] > makespan {
			makespan = end[id]
		}
	}

	// Backward pass: latest end is the min latest-start among dependents;
	// sinks anchor at the makespan.
	latestStart := make(map[string]float64, g.Len())
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		task, _ := g.Get(id)
		le := makespan
		for _, depID := range g.Dependents(id) {
			if ls := latestStart[depID]; ls < le {
				le = ls
			}
		}
		latestStart[id] = le - task.Effort
	}

	sched := &Schedule{Makespan: makespan}
	critical := make(map[string]bool, g.Len())
	for _, id := range order {
		slack := latestStart[id] - start[id]
		isCritical := slack < slackEpsilon
		critical[id] = isCritical
		task, _ := g.Get(id)
		sched.Entries = append(sched.Entries, ScheduleEntry{
			TaskID:   id,
			Start:    start[id],
			End:      end[id],
			Duration: task.Effort,
			Critical: isCritical,
		})
	}

	sched.CriticalPath = walkCriticalPath(g, start, end, critical)
	return sched
}

// walkCriticalPath follows one maximal zero-slack chain from a zero-offset
// critical task to a sink, choosing the lowest task ID at every branch.
func walkCriticalPath(g *Graph, start, end map[string]float64, critical map[string]bool) []string {
	// Candidate chain heads: critical tasks starting at offset zero.
	var heads []string
	for _, t := range g.Tasks() {
		if critical[t.ID] && start[t.ID] < slackEpsilon {
			heads = append(heads, t.ID)
		}
	}
	if len(heads) == 0 {
		return []string{}
	}
	sort.Strings(heads)

	path := []string{heads[0]}
	current := heads[0]
	for {
		// Next hop: a critical dependent whose start abuts our end.
		var candidates []string
		for _, depID := range g.Dependents(current) {
			if critical[depID] && start[depID]-end[current] < slackEpsilon {
				candidates = append(candidates, depID)
			}
		}
		if len(candidates) == 0 {
			break
		}
		sort.Strings(candidates)
		current = candidates[0]
		path = append(path, current)
	}
	return path
}
