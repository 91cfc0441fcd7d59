package graph

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/aristath/autoqueue/internal/task"
)

func mk(id string, deps ...string) *task.Task {
	t := &task.Task{ID: id, Title: id, Priority: task.PriorityMedium}
	for _, d := range deps {
		t.Dependencies = append(t.Dependencies, task.Dependency{TaskID: d})
	}
	return t
}

func withDuration(t *task.Task, d time.Duration) *task.Task {
	t.EstimatedDuration = d
	return t
}

func TestNewValidate(t *testing.T) {
	tests := []struct {
		name      string
		tasks     []*task.Task
		wantValid bool
		wantType  string
	}{
		{
			name:      "linear chain",
			tasks:     []*task.Task{mk("A"), mk("B", "A"), mk("C", "B")},
			wantValid: true,
		},
		{
			name:      "parallel tasks joining",
			tasks:     []*task.Task{mk("A"), mk("B"), mk("C", "A", "B")},
			wantValid: true,
		},
		{
			name:      "single task",
			tasks:     []*task.Task{mk("A")},
			wantValid: true,
		},
		{
			name:      "empty graph",
			wantValid: true,
		},
		{
			name:     "direct cycle",
			tasks:    []*task.Task{mk("A", "B"), mk("B", "A")},
			wantType: ErrTypeCircular,
		},
		{
			name:     "self reference",
			tasks:    []*task.Task{mk("A", "A")},
			wantType: ErrTypeSelfReference,
		},
		{
			name:     "missing dependency",
			tasks:    []*task.Task{mk("A", "ghost")},
			wantType: ErrTypeMissingDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.tasks)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			res := g.Validate()
			if res.IsValid != tt.wantValid {
				t.Fatalf("IsValid = %v, want %v (errors %+v)", res.IsValid, tt.wantValid, res.Errors)
			}
			if tt.wantType == "" {
				return
			}
			found := false
			for _, e := range res.Errors {
				if e.Type == tt.wantType {
					found = true
				}
			}
			if !found {
				t.Errorf("no %s error in %+v", tt.wantType, res.Errors)
			}
			if !reflect.DeepEqual(g.LastValidation(), res) {
				t.Error("LastValidation does not match Validate result")
			}
		})
	}
}

func TestNewRejectsMalformedTasks(t *testing.T) {
	if _, err := New([]*task.Task{{ID: "", Title: "x"}}); !errors.Is(err, task.ErrInvalidTask) {
		t.Errorf("expected ErrInvalidTask, got %v", err)
	}
	if _, err := New([]*task.Task{mk("A"), mk("A")}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestNewCopiesTasks(t *testing.T) {
	a := mk("A")
	g, err := New([]*task.Task{a})
	if err != nil {
		t.Fatal(err)
	}
	a.Title = "mutated"
	got, _ := g.Node("A")
	if got.Title != "A" {
		t.Errorf("graph shares caller's task: title = %q", got.Title)
	}
	got.Title = "also mutated"
	again, _ := g.Node("A")
	if again.Title != "A" {
		t.Error("Node returned an alias")
	}
}

func TestAddNodeLinksLateDependencies(t *testing.T) {
	g := NewEmpty()
	if err := g.AddNode(mk("B", "A")); err != nil {
		t.Fatal(err)
	}
	if got := g.MissingDependencies("B"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("missing = %v", got)
	}
	if g.LastValidation().IsValid {
		t.Fatal("graph with missing dependency reported valid")
	}

	if err := g.AddNode(mk("A")); err != nil {
		t.Fatal(err)
	}
	if got := g.MissingDependencies("B"); len(got) != 0 {
		t.Errorf("still missing %v", got)
	}
	if got := g.Dependents("A"); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("Dependents(A) = %v", got)
	}
	if !g.LastValidation().IsValid {
		t.Errorf("expected valid graph, got %+v", g.LastValidation())
	}
}

func TestAddNodeRejectsCycle(t *testing.T) {
	g := NewEmpty()
	if err := g.AddNode(mk("B", "A")); err != nil {
		t.Fatal(err)
	}
	err := g.AddNode(mk("A", "B"))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if g.Has("A") {
		t.Error("rejected node was inserted")
	}

	if err := g.AddNode(mk("S", "S")); !errors.Is(err, ErrCycle) {
		t.Errorf("self dependency: expected ErrCycle, got %v", err)
	}
	if err := g.AddNode(mk("B")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestAddDependency(t *testing.T) {
	g, err := New([]*task.Task{mk("A"), mk("B"), mk("C")})
	if err != nil {
		t.Fatal(err)
	}

	if err := g.AddDependency("A", "B", Constraint{}); err != nil {
		t.Fatalf("A->B: %v", err)
	}
	if err := g.AddDependency("B", "C", Constraint{Type: task.StartToStart, Strength: task.Soft}); err != nil {
		t.Fatalf("B->C: %v", err)
	}
	if err := g.AddDependency("C", "A", Constraint{}); !errors.Is(err, ErrCycle) {
		t.Fatalf("C->A should close a cycle, got %v", err)
	}
	if err := g.AddDependency("A", "A", Constraint{}); !errors.Is(err, ErrCycle) {
		t.Errorf("self edge: expected ErrCycle, got %v", err)
	}
	if err := g.AddDependency("A", "ghost", Constraint{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	edges := g.Edges()
	if len(edges) != 2 {
		t.Fatalf("rejected edge leaked into graph: %+v", edges)
	}
	prereqs := g.Prerequisites("C")
	if len(prereqs) != 1 || prereqs[0].Type != task.StartToStart || prereqs[0].Strength != task.Soft {
		t.Errorf("Prerequisites(C) = %+v", prereqs)
	}
	if !g.LastValidation().IsValid {
		t.Error("graph should stay valid")
	}
	if n := g.TransitiveDependents("A"); n != 2 {
		t.Errorf("TransitiveDependents(A) = %d, want 2", n)
	}
}

func TestRemoveNode(t *testing.T) {
	g, err := New([]*task.Task{mk("A"), mk("B", "A")})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.RemoveNode("A"); err != nil {
		t.Fatal(err)
	}
	if g.Has("A") {
		t.Error("A still present")
	}
	if got := g.MissingDependencies("B"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("missing = %v", got)
	}
	if err := g.RemoveNode("A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDecompose(t *testing.T) {
	g, err := New([]*task.Task{mk("A"), mk("P", "A"), mk("D", "P")})
	if err != nil {
		t.Fatal(err)
	}

	subs := []*task.Task{mk("P.1"), mk("P.2")}
	if err := g.Decompose("P", subs); err != nil {
		t.Fatal(err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A", "P.1", "P.2", "P", "D"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if p := g.Prerequisites("P"); len(p) != 1 || p[0].From != "P.2" {
		t.Errorf("Prerequisites(P) = %+v", p)
	}
	if p := g.Prerequisites("P.1"); len(p) != 1 || p[0].From != "A" {
		t.Errorf("Prerequisites(P.1) = %+v", p)
	}
	if d := g.Dependents("P"); !reflect.DeepEqual(d, []string{"D"}) {
		t.Errorf("Dependents(P) = %v", d)
	}

	if err := g.Decompose("P", []*task.Task{mk("P.1")}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if err := g.Decompose("ghost", []*task.Task{mk("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExport(t *testing.T) {
	g, err := New([]*task.Task{mk("A"), mk("B", "A", "ghost")})
	if err != nil {
		t.Fatal(err)
	}
	g.SetStatus("A", task.StatusCompleted)

	ex := g.Export()
	if len(ex.Nodes) != 2 || len(ex.Edges) != 1 {
		t.Fatalf("export = %+v", ex)
	}
	if ex.Nodes[0].Status != task.StatusCompleted {
		t.Errorf("status not mirrored: %s", ex.Nodes[0].Status)
	}
	if !reflect.DeepEqual(ex.Nodes[1].Missing, []string{"ghost"}) {
		t.Errorf("missing = %v", ex.Nodes[1].Missing)
	}
}
