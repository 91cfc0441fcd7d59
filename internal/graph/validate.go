package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/autoqueue/internal/task"
)

// Validation error types.
const (
	ErrTypeMissingDependency = "missing_dependency"
	ErrTypeCircular          = "circular_dependency"
	ErrTypeSelfReference     = "self_reference"
)

// ValidationError is one structural problem found by Validate.
type ValidationError struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	NodeIDs []string `json:"node_ids"`
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	IsValid              bool              `json:"is_valid"`
	Errors               []ValidationError `json:"errors,omitempty"`
	CircularDependencies []Cycle           `json:"circular_dependencies,omitempty"`
}

// Cycle is one dependency loop. Nodes lists the loop with its first element
// repeated at the end.
type Cycle struct {
	Type           string          `json:"type"`
	Nodes          []string        `json:"nodes"`
	BreakingPoints []BreakingPoint `json:"breaking_points"`
}

// BreakingPoint is an edge whose removal breaks a cycle.
type BreakingPoint struct {
	From         string   `json:"from"`
	To           string   `json:"to"`
	Cost         float64  `json:"cost"`
	Alternatives []string `json:"alternatives"`
}

// Validate checks that every declared dependency exists and that the active
// edges are acyclic.
func (g *Graph) Validate() ValidationResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastValidation = g.validateLocked()
	return g.lastValidation
}

func (g *Graph) validateLocked() ValidationResult {
	var res ValidationResult

	missing := make([]string, 0, len(g.missing))
	for depID := range g.missing {
		missing = append(missing, depID)
	}
	sort.Strings(missing)
	for _, depID := range missing {
		for _, w := range g.missing[depID] {
			res.Errors = append(res.Errors, ValidationError{
				Type:    ErrTypeMissingDependency,
				Message: fmt.Sprintf("task %q depends on non-existent task %q", w, depID),
				NodeIDs: []string{w, depID},
			})
		}
	}

	if !g.acyclicLocked() {
		res.CircularDependencies = g.detectCyclesLocked()
		for _, c := range res.CircularDependencies {
			res.Errors = append(res.Errors, ValidationError{
				Type:    c.Type,
				Message: "cycle: " + strings.Join(c.Nodes, " -> "),
				NodeIDs: append([]string(nil), c.Nodes[:len(c.Nodes)-1]...),
			})
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

// acyclicLocked is the fast path: toposort over the active edges.
func (g *Graph) acyclicLocked() bool {
	var edges []toposort.Edge
	for _, id := range g.order {
		n := g.nodes[id]
		active := 0
		for _, e := range n.in {
			if !e.Active() {
				continue
			}
			if e.From == e.To {
				return false
			}
			edges = append(edges, toposort.Edge{e.From, id})
			active++
		}
		if active == 0 {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}
	if len(edges) == 0 {
		return true
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return false
	}
	count := 0
	for _, v := range sorted {
		if v != nil {
			count++
		}
	}
	return count == len(g.nodes)
}

// DetectCycles returns a set of pairwise node-disjoint cycles covering every
// strongly connected component of the active edges.
func (g *Graph) DetectCycles() []Cycle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.detectCyclesLocked()
}

func (g *Graph) detectCyclesLocked() []Cycle {
	var cycles []Cycle

	all := make(map[string]bool, len(g.nodes))
	for _, id := range g.order {
		n := g.nodes[id]
		self := false
		for _, e := range n.in {
			if e.Active() && e.From == id {
				self = true
				break
			}
		}
		if self {
			cycles = append(cycles, g.buildCycle(ErrTypeSelfReference, []string{id}))
			continue
		}
		all[id] = true
	}

	cycles = append(cycles, g.cyclesIn(all)...)
	sort.SliceStable(cycles, func(i, j int) bool {
		return g.nodes[cycles[i].Nodes[0]].index < g.nodes[cycles[j].Nodes[0]].index
	})
	return cycles
}

// cyclesIn finds disjoint cycles inside the subgraph induced by set. For every
// non-trivial SCC it takes the shortest loop through the earliest node, removes
// those nodes and recurses on what is left of the component.
func (g *Graph) cyclesIn(set map[string]bool) []Cycle {
	var out []Cycle
	for _, scc := range g.sccs(set) {
		if len(scc) < 2 {
			continue
		}
		members := make(map[string]bool, len(scc))
		for _, id := range scc {
			members[id] = true
		}
		start := scc[0]
		for _, id := range scc[1:] {
			if g.nodes[id].index < g.nodes[start].index {
				start = id
			}
		}
		loop := g.shortestLoop(start, members)
		if loop == nil {
			continue
		}
		out = append(out, g.buildCycle(ErrTypeCircular, loop))
		for _, id := range loop {
			delete(members, id)
		}
		out = append(out, g.cyclesIn(members)...)
	}
	return out
}

// sccs runs Tarjan's algorithm over active edges restricted to set. Components
// come back with members in insertion order.
func (g *Graph) sccs(set map[string]bool) [][]string {
	var (
		index   = 0
		indices = make(map[string]int, len(set))
		lowlink = make(map[string]int, len(set))
		onStack = make(map[string]bool, len(set))
		stack   []string
		result  [][]string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range g.nodes[v].out {
			if !e.Active() || !set[e.To] {
				continue
			}
			w := e.To
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Slice(comp, func(i, j int) bool { return g.nodes[comp[i]].index < g.nodes[comp[j]].index })
			result = append(result, comp)
		}
	}

	for _, id := range g.order {
		if !set[id] {
			continue
		}
		if _, seen := indices[id]; !seen {
			strongConnect(id)
		}
	}
	return result
}

// shortestLoop returns the shortest path start -> ... -> start within members,
// without the closing repeat.
func (g *Graph) shortestLoop(start string, members map[string]bool) []string {
	prev := map[string]string{}
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.nodes[cur].out {
			if !e.Active() || !members[e.To] {
				continue
			}
			if e.To == start {
				path := []string{cur}
				for p := cur; p != start; {
					p = prev[p]
					path = append(path, p)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			if visited[e.To] {
				continue
			}
			visited[e.To] = true
			prev[e.To] = cur
			queue = append(queue, e.To)
		}
	}
	return nil
}

func (g *Graph) buildCycle(typ string, loop []string) Cycle {
	nodes := append(append([]string(nil), loop...), loop[0])
	c := Cycle{Type: typ, Nodes: nodes}
	for i := 0; i+1 < len(nodes); i++ {
		from, to := nodes[i], nodes[i+1]
		c.BreakingPoints = append(c.BreakingPoints, g.breakingPoint(from, to))
	}
	return c
}

// breakingPoint estimates the cost of dropping from -> to: hard edges cost more
// than soft ones, and so does cutting ahead of a high-priority task with many
// dependents.
func (g *Graph) breakingPoint(from, to string) BreakingPoint {
	var edge *Edge
	for _, e := range g.nodes[to].in {
		if e.From == from {
			edge = e
			break
		}
	}

	cost := 1.0
	strength := task.Hard
	if edge != nil {
		strength = edge.Strength
	}
	if strength == task.Soft {
		cost = 0.4
	}
	dst := g.nodes[to]
	active := 0
	for _, e := range dst.out {
		if e.Active() {
			active++
		}
	}
	cost += 0.25 * float64(active)
	cost += 0.1 * float64(dst.task.Priority)

	bp := BreakingPoint{From: from, To: to, Cost: cost}
	if from == to {
		bp.Alternatives = []string{fmt.Sprintf("remove the self-dependency of %q", from)}
		return bp
	}
	if strength == task.Hard {
		bp.Alternatives = append(bp.Alternatives, fmt.Sprintf("downgrade %s -> %s to a soft dependency", from, to))
	}
	bp.Alternatives = append(bp.Alternatives,
		fmt.Sprintf("split %q so the part %q needs can finish first", from, to),
		fmt.Sprintf("drop the dependency of %q on %q", to, from),
	)
	return bp
}

// Resolution records one edge marked violated by ResolveDeadlocks.
type Resolution struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Cost      float64 `json:"cost"`
	Violation string  `json:"violation"`
}

// DeadlockReport is the outcome of ResolveDeadlocks.
type DeadlockReport struct {
	CyclesFound []Cycle      `json:"cycles_found"`
	Resolved    []Resolution `json:"resolved"`
}

// ResolveDeadlocks breaks every cycle by marking its cheapest breaking point
// as violated. Violated edges stay in the graph for auditing but no longer
// constrain ordering.
func (g *Graph) ResolveDeadlocks() DeadlockReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	var report DeadlockReport
	for range len(g.edgesLocked()) + 1 {
		cycles := g.detectCyclesLocked()
		if len(cycles) == 0 {
			break
		}
		report.CyclesFound = append(report.CyclesFound, cycles...)
		for _, c := range cycles {
			best := c.BreakingPoints[0]
			for _, bp := range c.BreakingPoints[1:] {
				if bp.Cost < best.Cost {
					best = bp
				}
			}
			for _, e := range g.nodes[best.To].in {
				if e.From == best.From && e.Active() {
					e.Violated = true
					e.Violation = "broken to resolve cycle " + strings.Join(c.Nodes, " -> ")
					report.Resolved = append(report.Resolved, Resolution{
						From: e.From, To: e.To, Cost: best.Cost, Violation: e.Violation,
					})
					break
				}
			}
		}
	}

	g.lastValidation = g.validateLocked()
	return report
}
