package graph

import (
	"container/heap"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/autoqueue/internal/task"
)

// TopologicalSort orders the tasks so every prerequisite precedes its
// dependents. Among tasks that are ready at the same time, higher priority
// comes first, then earlier creation. Fails with ErrCycle if some tasks can
// never become ready.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoLocked()
}

func (g *Graph) topoLocked() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	h := &readyHeap{}
	for _, id := range g.order {
		n := g.nodes[id]
		for _, e := range n.in {
			if e.Active() {
				indegree[id]++
			}
		}
		if indegree[id] == 0 {
			heap.Push(h, n)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for h.Len() > 0 {
		n := heap.Pop(h).(*node)
		order = append(order, n.task.ID)
		for _, e := range n.out {
			if !e.Active() {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				heap.Push(h, g.nodes[e.To])
			}
		}
	}

	if len(order) != len(g.nodes) {
		placed := make(map[string]bool, len(order))
		for _, id := range order {
			placed[id] = true
		}
		var stuck []string
		for _, id := range g.order {
			if !placed[id] {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("%w: %d tasks can never start: %s", ErrCycle, len(stuck), strings.Join(stuck, ", "))
	}
	return order, nil
}

type readyHeap []*node

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	if si, sj := h[i].task.Seq, h[j].task.Seq; si != 0 && sj != 0 && si != sj {
		return si < sj
	}
	return h[i].index < h[j].index
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*node)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// Bottleneck is a critical-path task much longer than its peers.
type Bottleneck struct {
	TaskID   string        `json:"task_id"`
	Duration time.Duration `json:"duration"`
	Ratio    float64       `json:"ratio"`
	Severity string        `json:"severity"`
}

// CriticalPathResult is the longest duration-weighted chain through the graph.
type CriticalPathResult struct {
	Nodes       []string      `json:"nodes"`
	Duration    time.Duration `json:"duration"`
	Bottlenecks []Bottleneck  `json:"bottlenecks,omitempty"`
}

// CriticalPath returns the longest chain by estimated duration, including
// edge lag. Its duration is a lower bound on the makespan.
func (g *Graph) CriticalPath() (CriticalPathResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.topoLocked()
	if err != nil {
		return CriticalPathResult{}, err
	}
	return g.criticalPathLocked(order), nil
}

func (g *Graph) criticalPathLocked(order []string) CriticalPathResult {
	if len(order) == 0 {
		return CriticalPathResult{}
	}

	finish := make(map[string]time.Duration, len(order))
	prev := make(map[string]string, len(order))
	var end string
	for _, id := range order {
		n := g.nodes[id]
		var start time.Duration
		for _, e := range n.in {
			if !e.Active() {
				continue
			}
			if at := finish[e.From] + e.Lag; prev[id] == "" || at > start {
				start = at
				prev[id] = e.From
			}
		}
		finish[id] = start + n.task.EstimatedDuration
		if end == "" || finish[id] > finish[end] {
			end = id
		}
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	res := CriticalPathResult{Nodes: path, Duration: finish[end]}
	res.Bottlenecks = g.bottlenecksLocked(path, g.levelsLocked(order))
	return res
}

// bottlenecksLocked compares each critical node with the mean duration of the
// other nodes at the same depth, or of the whole graph when it has no peers.
func (g *Graph) bottlenecksLocked(path []string, levels map[string]int) []Bottleneck {
	var out []Bottleneck
	for _, id := range path {
		dur := g.nodes[id].task.EstimatedDuration
		if dur <= 0 {
			continue
		}
		var sum time.Duration
		var count int
		for _, other := range g.order {
			if other != id && levels[other] == levels[id] {
				sum += g.nodes[other].task.EstimatedDuration
				count++
			}
		}
		if count == 0 {
			for _, other := range g.order {
				if other != id {
					sum += g.nodes[other].task.EstimatedDuration
					count++
				}
			}
		}
		if count == 0 {
			continue
		}
		mean := max(sum/time.Duration(count), time.Millisecond)
		ratio := float64(dur) / float64(mean)
		if ratio < g.opts.bottleneckRatio {
			continue
		}
		severity := "medium"
		if ratio >= 2*g.opts.bottleneckRatio {
			severity = "high"
		}
		out = append(out, Bottleneck{TaskID: id, Duration: dur, Ratio: ratio, Severity: severity})
	}
	return out
}

// levelsLocked assigns each node its longest edge count from a root.
func (g *Graph) levelsLocked(order []string) map[string]int {
	levels := make(map[string]int, len(order))
	for _, id := range order {
		lvl := 0
		for _, e := range g.nodes[id].in {
			if e.Active() && levels[e.From]+1 > lvl {
				lvl = levels[e.From] + 1
			}
		}
		levels[id] = lvl
	}
	return levels
}

// ParallelGroup is a set of tasks with no dependency path between them.
type ParallelGroup struct {
	Level             int           `json:"level"`
	TaskIDs           []string      `json:"task_ids"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// ParallelGroups partitions the tasks by depth. Tasks in one group can run
// concurrently; group k+1 only depends on groups up to k.
func (g *Graph) ParallelGroups() ([]ParallelGroup, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.topoLocked()
	if err != nil {
		return nil, err
	}
	return g.groupsLocked(order), nil
}

func (g *Graph) groupsLocked(order []string) []ParallelGroup {
	levels := g.levelsLocked(order)
	var groups []ParallelGroup
	for _, id := range order {
		lvl := levels[id]
		for len(groups) <= lvl {
			groups = append(groups, ParallelGroup{Level: len(groups)})
		}
		groups[lvl].TaskIDs = append(groups[lvl].TaskIDs, id)
		if d := g.nodes[id].task.EstimatedDuration; d > groups[lvl].EstimatedDuration {
			groups[lvl].EstimatedDuration = d
		}
	}
	return groups
}

// Analysis bundles everything the planner needs from the graph.
type Analysis struct {
	Validation     ValidationResult   `json:"validation"`
	Order          []string           `json:"order,omitempty"`
	CriticalPath   CriticalPathResult `json:"critical_path"`
	ParallelGroups []ParallelGroup    `json:"parallel_groups,omitempty"`
	TotalWork      time.Duration      `json:"total_work"`
}

// Analyze validates the graph and, when it is acyclic, computes the order,
// critical path and parallel groups in one pass under the read lock.
func (g *Graph) Analyze() Analysis {
	g.mu.Lock()
	g.lastValidation = g.validateLocked()
	g.mu.Unlock()

	g.mu.RLock()
	defer g.mu.RUnlock()

	a := Analysis{Validation: g.lastValidation}
	for _, id := range g.order {
		a.TotalWork += g.nodes[id].task.EstimatedDuration
	}
	order, err := g.topoLocked()
	if err != nil {
		return a
	}
	a.Order = order
	a.CriticalPath = g.criticalPathLocked(order)
	a.ParallelGroups = g.groupsLocked(order)
	return a
}

// NodeView is the exported shape of one node.
type NodeView struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Status            task.Status   `json:"status"`
	Priority          task.Priority `json:"priority"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Missing           []string      `json:"missing,omitempty"`
}

// Export is a serializable view of the graph for visualization.
type Export struct {
	Nodes []NodeView `json:"nodes"`
	Edges []Edge     `json:"edges"`
}

// Export returns the nodes and edges, violated edges included.
func (g *Graph) Export() Export {
	g.mu.RLock()
	defer g.mu.RUnlock()

	missingBy := make(map[string][]string)
	for depID, waiters := range g.missing {
		for _, w := range waiters {
			missingBy[w] = append(missingBy[w], depID)
		}
	}

	out := Export{Nodes: make([]NodeView, 0, len(g.order)), Edges: g.edgesLocked()}
	for _, id := range g.order {
		t := g.nodes[id].task
		out.Nodes = append(out.Nodes, NodeView{
			ID:                t.ID,
			Title:             t.Title,
			Status:            t.Status,
			Priority:          t.Priority,
			EstimatedDuration: t.EstimatedDuration,
			Missing:           missingBy[id],
		})
	}
	return out
}

// SetStatus mirrors a task's lifecycle state onto its node so exports and
// dashboards see it.
func (g *Graph) SetStatus(id string, s task.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.task.Status = s
	}
}
