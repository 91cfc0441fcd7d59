package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aristath/autoqueue/internal/task"
)

func TestTopologicalSortLinearChain(t *testing.T) {
	g, err := New([]*task.Task{mk("task-0"), mk("task-1", "task-0"), mk("task-2", "task-1")})
	if err != nil {
		t.Fatal(err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"task-0", "task-1", "task-2"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestTopologicalSortTieBreak(t *testing.T) {
	low := mk("low")
	low.Priority = task.PriorityLow
	crit := mk("crit")
	crit.Priority = task.PriorityCritical
	first := mk("first")
	second := mk("second")

	g, err := New([]*task.Task{low, first, crit, second})
	if err != nil {
		t.Fatal(err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"crit", "first", "second", "low"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestTopologicalSortCycleError(t *testing.T) {
	g, err := New([]*task.Task{mk("A", "C"), mk("B", "A"), mk("C", "B")})
	if err != nil {
		t.Fatal(err)
	}
	_, err = g.TopologicalSort()
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error %q does not mention the cycle", err)
	}
	if _, err := g.CriticalPath(); !errors.Is(err, ErrCycle) {
		t.Errorf("CriticalPath: expected ErrCycle, got %v", err)
	}
	if _, err := g.ParallelGroups(); !errors.Is(err, ErrCycle) {
		t.Errorf("ParallelGroups: expected ErrCycle, got %v", err)
	}
}

func TestCriticalPath(t *testing.T) {
	g, err := New([]*task.Task{
		withDuration(mk("short"), 10*time.Minute),
		withDuration(mk("long"), 30*time.Minute),
		withDuration(mk("join", "short", "long"), 5*time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	cp, err := g.CriticalPath()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cp.Nodes, []string{"long", "join"}) {
		t.Errorf("nodes = %v", cp.Nodes)
	}
	if cp.Duration != 35*time.Minute {
		t.Errorf("duration = %v, want 35m", cp.Duration)
	}
	if len(cp.Bottlenecks) != 1 || cp.Bottlenecks[0].TaskID != "long" {
		t.Fatalf("bottlenecks = %+v", cp.Bottlenecks)
	}
	if cp.Bottlenecks[0].Severity != "high" {
		t.Errorf("severity = %s, want high for a 3x outlier", cp.Bottlenecks[0].Severity)
	}
}

func TestCriticalPathHonorsLag(t *testing.T) {
	g, err := New([]*task.Task{
		withDuration(mk("A"), time.Minute),
		withDuration(mk("B"), 5*time.Minute),
		withDuration(mk("C"), time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency("A", "C", Constraint{Lag: 10 * time.Minute}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency("B", "C", Constraint{}); err != nil {
		t.Fatal(err)
	}

	cp, err := g.CriticalPath()
	if err != nil {
		t.Fatal(err)
	}
	if cp.Duration != 12*time.Minute {
		t.Errorf("duration = %v, want 12m", cp.Duration)
	}
	if !reflect.DeepEqual(cp.Nodes, []string{"A", "C"}) {
		t.Errorf("nodes = %v", cp.Nodes)
	}
}

func TestParallelGroupsDiamond(t *testing.T) {
	g, err := New([]*task.Task{
		withDuration(mk("A"), time.Minute),
		withDuration(mk("B", "A"), 2*time.Minute),
		withDuration(mk("C", "A"), 3*time.Minute),
		withDuration(mk("D", "B", "C"), time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	groups, err := g.ParallelGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 3 {
		t.Fatalf("got %d groups: %+v", len(groups), groups)
	}
	if !reflect.DeepEqual(groups[1].TaskIDs, []string{"B", "C"}) {
		t.Errorf("middle group = %v", groups[1].TaskIDs)
	}
	if groups[1].EstimatedDuration != 3*time.Minute {
		t.Errorf("middle group duration = %v", groups[1].EstimatedDuration)
	}
}

func TestAnalyze(t *testing.T) {
	g, err := New([]*task.Task{
		withDuration(mk("A"), time.Minute),
		withDuration(mk("B", "A"), time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	a := g.Analyze()
	if !a.Validation.IsValid || len(a.Order) != 2 || a.TotalWork != 2*time.Minute {
		t.Errorf("analysis = %+v", a)
	}
	if a.CriticalPath.Duration != 2*time.Minute {
		t.Errorf("critical path = %v", a.CriticalPath.Duration)
	}

	cyclic, err := New([]*task.Task{mk("X", "Y"), mk("Y", "X")})
	if err != nil {
		t.Fatal(err)
	}
	a = cyclic.Analyze()
	if a.Validation.IsValid || a.Order != nil {
		t.Errorf("cyclic analysis should be invalid with no order: %+v", a)
	}
}
