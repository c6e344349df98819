package timeline

import (
	"testing"
	"time"
)

func TestBuildForRunLatestActivityWins(t *testing.T) {
	now := time.Now().UTC()
	activities := []Activity{
		{RunID: "r1", Kind: "research", Label: "Reviewing accounts", IsRunning: true, At: now},
		{RunID: "r1", Kind: "pricing", Label: "Fetching quotes", IsRunning: true, At: now.Add(time.Second)},
		{RunID: "r1", Kind: "research", Label: "Reviewing accounts", IsComplete: true, At: now.Add(2 * time.Second)},
	}

	steps := BuildForRun(activities, "r1")
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Kind != "research" || steps[1].Kind != "pricing" {
		t.Fatalf("steps out of first-appearance order: %+v", steps)
	}
	if !steps[0].IsComplete || steps[0].IsRunning {
		t.Fatalf("expected research step complete and not running, got %+v", steps[0])
	}
	if !steps[1].IsRunning {
		t.Fatalf("expected pricing step still running, got %+v", steps[1])
	}
}

func TestBuildForRunFiltersByRun(t *testing.T) {
	activities := []Activity{
		{RunID: "r1", Kind: "research", Label: "a"},
		{RunID: "r2", Kind: "pricing", Label: "b"},
	}

	steps := BuildForRun(activities, "r2")
	if len(steps) != 1 || steps[0].Kind != "pricing" {
		t.Fatalf("expected only r2 steps, got %+v", steps)
	}
}

func TestBuildForRunEmpty(t *testing.T) {
	if steps := BuildForRun(nil, "r1"); len(steps) != 0 {
		t.Fatalf("expected no steps, got %+v", steps)
	}
}

func TestIndexByRunPreservesOrder(t *testing.T) {
	activities := []Activity{
		{RunID: "r1", Kind: "a"},
		{RunID: "r2", Kind: "b"},
		{RunID: "r1", Kind: "c"},
	}
	indexed := IndexByRun(activities)
	if len(indexed["r1"]) != 2 || indexed["r1"][0].Kind != "a" || indexed["r1"][1].Kind != "c" {
		t.Fatalf("unexpected r1 index: %+v", indexed["r1"])
	}
	if len(indexed["r2"]) != 1 {
		t.Fatalf("unexpected r2 index: %+v", indexed["r2"])
	}
}
