package graph

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/aristath/autoqueue/internal/task"
)

// genDAG builds tasks where each task may only depend on earlier ones.
func genDAG(t *rapid.T) []*task.Task {
	n := rapid.IntRange(1, 15).Draw(t, "n")
	tasks := make([]*task.Task, n)
	for i := range n {
		tk := &task.Task{
			ID:                fmt.Sprintf("t%d", i),
			Title:             fmt.Sprintf("task %d", i),
			Priority:          task.Priority(rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("prio_%d", i))),
			EstimatedDuration: time.Duration(rapid.IntRange(0, 120).Draw(t, fmt.Sprintf("dur_%d", i))) * time.Minute,
		}
		for j := 0; j < i; j++ {
			if rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("edge_%d_%d", j, i)) == 0 {
				tk.Dependencies = append(tk.Dependencies, task.Dependency{TaskID: fmt.Sprintf("t%d", j)})
			}
		}
		tasks[i] = tk
	}
	return tasks
}

// genAnyGraph builds tasks with arbitrary, possibly cyclic, dependencies.
func genAnyGraph(t *rapid.T) []*task.Task {
	n := rapid.IntRange(1, 10).Draw(t, "n")
	tasks := make([]*task.Task, n)
	for i := range n {
		tk := &task.Task{ID: fmt.Sprintf("t%d", i), Title: fmt.Sprintf("task %d", i)}
		for j := range n {
			if rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("edge_%d_%d", j, i)) == 0 {
				tk.Dependencies = append(tk.Dependencies, task.Dependency{TaskID: fmt.Sprintf("t%d", j)})
			}
		}
		tasks[i] = tk
	}
	return tasks
}

func TestPropertyTopologicalOrderRespectsEdges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := genDAG(t)
		g, err := New(tasks)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		order, err := g.TopologicalSort()
		if err != nil {
			t.Fatalf("acyclic graph failed to sort: %v", err)
		}
		if len(order) != len(tasks) {
			t.Fatalf("order has %d tasks, want %d", len(order), len(tasks))
		}
		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		for _, e := range g.Edges() {
			if pos[e.From] >= pos[e.To] {
				t.Fatalf("edge %s -> %s violated by order %v", e.From, e.To, order)
			}
		}
	})
}

func TestPropertyCriticalPathBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := genDAG(t)
		g, err := New(tasks)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		cp, err := g.CriticalPath()
		if err != nil {
			t.Fatalf("CriticalPath: %v", err)
		}

		var total, longest time.Duration
		for _, tk := range tasks {
			total += tk.EstimatedDuration
			longest = max(longest, tk.EstimatedDuration)
		}
		if cp.Duration < longest || cp.Duration > total {
			t.Fatalf("critical path %v outside [%v, %v]", cp.Duration, longest, total)
		}

		var sum time.Duration
		for _, id := range cp.Nodes {
			n, _ := g.Node(id)
			sum += n.EstimatedDuration
		}
		if sum != cp.Duration {
			t.Fatalf("path durations sum to %v, reported %v", sum, cp.Duration)
		}
	})
}

func TestPropertyParallelGroupsAreIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := genDAG(t)
		g, err := New(tasks)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		groups, err := g.ParallelGroups()
		if err != nil {
			t.Fatalf("ParallelGroups: %v", err)
		}

		level := map[string]int{}
		count := 0
		for _, grp := range groups {
			for _, id := range grp.TaskIDs {
				level[id] = grp.Level
				count++
			}
		}
		if count != len(tasks) {
			t.Fatalf("groups cover %d tasks, want %d", count, len(tasks))
		}
		for _, e := range g.Edges() {
			if level[e.From] >= level[e.To] {
				t.Fatalf("edge %s -> %s inside or against group order", e.From, e.To)
			}
		}
	})
}

func TestPropertyCyclesAreDisjointAndReal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g, err := New(genAnyGraph(t))
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		edges := map[[2]string]bool{}
		for _, e := range g.Edges() {
			edges[[2]string{e.From, e.To}] = true
		}

		cycles := g.DetectCycles()
		seen := map[string]bool{}
		for _, c := range cycles {
			if c.Nodes[0] != c.Nodes[len(c.Nodes)-1] {
				t.Fatalf("cycle not closed: %v", c.Nodes)
			}
			for i := 0; i+1 < len(c.Nodes); i++ {
				if !edges[[2]string{c.Nodes[i], c.Nodes[i+1]}] {
					t.Fatalf("cycle %v uses missing edge %s -> %s", c.Nodes, c.Nodes[i], c.Nodes[i+1])
				}
			}
			for _, id := range c.Nodes[:len(c.Nodes)-1] {
				if seen[id] {
					t.Fatalf("node %s in two cycles", id)
				}
				seen[id] = true
			}
		}

		_, sortErr := g.TopologicalSort()
		if (len(cycles) == 0) != (sortErr == nil) {
			t.Fatalf("cycles=%d but sort error=%v", len(cycles), sortErr)
		}
		if g.Validate().IsValid != (len(cycles) == 0) {
			t.Fatal("validation disagrees with cycle detection")
		}

		g.ResolveDeadlocks()
		if _, err := g.TopologicalSort(); err != nil {
			t.Fatalf("still cyclic after ResolveDeadlocks: %v", err)
		}
	})
}
