// Package timeline derives human-readable progress steps from the raw
// tool-activity events emitted during a run.
package timeline

import "time"

// Activity is a single tool-activity record observed on a run's event stream.
type Activity struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Label      string    `json:"label"`
	IsComplete bool      `json:"is_complete"`
	IsRunning  bool      `json:"is_running"`
	At         time.Time `json:"at"`
}

// Step is one entry in the displayed progress timeline.
type Step struct {
	Kind       string
	Label      string
	IsComplete bool
	IsRunning  bool
}

// BuildForRun derives the ordered timeline for a single run. Steps appear in
// the order their kind was first observed; the most recent activity of each
// kind decides the step's label and running/complete flags. Pure function of
// its inputs, cheap enough to call on every activity event. Callers holding
// large multi-run histories should pre-index activities by run ID.
func BuildForRun(activities []Activity, runID string) []Step {
	var order []string
	latest := make(map[string]Activity)

	for _, a := range activities {
		if a.RunID != runID {
			continue
		}
		if _, seen := latest[a.Kind]; !seen {
			order = append(order, a.Kind)
		}
		latest[a.Kind] = a
	}

	steps := make([]Step, 0, len(order))
	for _, kind := range order {
		a := latest[kind]
		steps = append(steps, Step{
			Kind:       a.Kind,
			Label:      a.Label,
			IsComplete: a.IsComplete,
			IsRunning:  a.IsRunning && !a.IsComplete,
		})
	}
	return steps
}

// IndexByRun groups activities by run ID, preserving arrival order within
// each run.
func IndexByRun(activities []Activity) map[string][]Activity {
	indexed := make(map[string][]Activity)
	for _, a := range activities {
		indexed[a.RunID] = append(indexed[a.RunID], a)
	}
	return indexed
}
