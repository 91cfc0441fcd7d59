package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/autoqueue/internal/task"
)

var (
	// ErrCycle is returned when an operation would create, or meets, a dependency cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrNotFound is returned for unknown task IDs.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicate is returned when a task ID is already present.
	ErrDuplicate = errors.New("task already exists")
)

// Constraint carries the typed part of a dependency edge.
type Constraint struct {
	Type     task.DependencyType `json:"type"`
	Strength task.Strength       `json:"strength"`
	Lag      time.Duration       `json:"lag,omitempty"` // minimum gap between the two ends
}

// Edge is a dependency From -> To: To waits on From.
type Edge struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Constraint `json:"constraint"`
	Violated   bool   `json:"violated,omitempty"`
	Violation  string `json:"violation,omitempty"`
}

// Active reports whether the edge still constrains ordering.
func (e Edge) Active() bool { return !e.Violated }

type node struct {
	task  *task.Task
	index int     // insertion order, used as the creation-order tie break
	in    []*Edge // prerequisites
	out   []*Edge // dependents
}

// Graph is a directed graph of tasks and typed dependency edges.
// Dependents are derived from the edges and never set by callers.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	order   []string            // IDs in insertion order
	missing map[string][]string // absent dependency ID -> tasks waiting on it
	next    int
	opts    options

	lastValidation ValidationResult
}

type options struct {
	bottleneckRatio float64
}

// Option configures a Graph.
type Option func(*options)

// WithBottleneckRatio sets how much longer than its siblings a critical node
// must be to count as a bottleneck. Default 1.5.
func WithBottleneckRatio(r float64) Option {
	return func(o *options) {
		if r > 1 {
			o.bottleneckRatio = r
		}
	}
}

func newEmpty(opts []Option) *Graph {
	o := options{bottleneckRatio: 1.5}
	for _, opt := range opts {
		opt(&o)
	}
	return &Graph{
		nodes:   make(map[string]*node),
		missing: make(map[string][]string),
		opts:    o,
	}
}

// NewEmpty returns a graph with no tasks.
func NewEmpty(opts ...Option) *Graph {
	g := newEmpty(opts)
	g.lastValidation = ValidationResult{IsValid: true}
	return g
}

// New builds a graph from tasks and validates it. Malformed tasks fail the whole
// call; structural problems (cycles, missing dependencies) are reported by
// LastValidation instead.
func New(tasks []*task.Task, opts ...Option) (*Graph, error) {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, t.ID)
		}
		seen[t.ID] = true
	}

	g := newEmpty(opts)
	for _, t := range tasks {
		g.insertNode(t.Clone())
	}
	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.task.Dependencies {
			g.linkDependency(id, dep)
		}
	}

	g.lastValidation = g.validateLocked()
	return g, nil
}

func (g *Graph) insertNode(t *task.Task) *node {
	n := &node{task: t, index: g.next}
	g.next++
	g.nodes[t.ID] = n
	g.order = append(g.order, t.ID)
	return n
}

// linkDependency adds the edge for one declared dependency of id, or records it
// as missing when the prerequisite is absent.
func (g *Graph) linkDependency(id string, dep task.Dependency) {
	dep = dep.Normalized()
	if _, ok := g.nodes[dep.TaskID]; !ok {
		g.missing[dep.TaskID] = appendUnique(g.missing[dep.TaskID], id)
		return
	}
	g.addEdge(dep.TaskID, id, Constraint{Type: dep.Type, Strength: dep.Strength})
}

func (g *Graph) addEdge(from, to string, c Constraint) *Edge {
	for _, e := range g.nodes[to].in {
		if e.From == from {
			return e
		}
	}
	e := &Edge{From: from, To: to, Constraint: c}
	g.nodes[from].out = append(g.nodes[from].out, e)
	g.nodes[to].in = append(g.nodes[to].in, e)
	return e
}

// AddNode inserts a task. Declared dependencies on tasks that are not yet in the
// graph are recorded as missing and linked when those tasks arrive. The node is
// rejected with ErrCycle if linking it would close a cycle.
func (g *Graph) AddNode(t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[t.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, t.ID)
	}

	// A cycle through the new node needs a waiter that already reaches one of
	// its prerequisites.
	var prereqs []string
	for _, dep := range t.Dependencies {
		if dep.TaskID == t.ID {
			return fmt.Errorf("%w: task %q depends on itself", ErrCycle, t.ID)
		}
		if _, ok := g.nodes[dep.TaskID]; ok {
			prereqs = append(prereqs, dep.TaskID)
		}
	}
	waiters := g.missing[t.ID]
	if len(prereqs) > 0 && len(waiters) > 0 {
		targets := make(map[string]bool, len(prereqs))
		for _, p := range prereqs {
			targets[p] = true
		}
		for _, w := range waiters {
			if hit := g.reachesAny(w, targets); hit != "" {
				return fmt.Errorf("%w: adding %q links %s back to %s", ErrCycle, t.ID, w, hit)
			}
		}
	}

	g.insertNode(t.Clone())
	for _, dep := range t.Dependencies {
		g.linkDependency(t.ID, dep)
	}
	delete(g.missing, t.ID)
	for _, w := range waiters {
		if wn, ok := g.nodes[w]; ok {
			for _, dep := range wn.task.Dependencies {
				if dep.TaskID == t.ID {
					g.linkDependency(w, dep)
				}
			}
		}
	}

	g.lastValidation = g.validateLocked()
	return nil
}

// AddDependency adds the edge from -> to (to waits on from). Both tasks must
// exist. An edge that would close a cycle anywhere in the graph is rejected and
// the graph is left unchanged.
func (g *Graph) AddDependency(from, to string, c Constraint) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, from)
	}
	toNode, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, to)
	}
	if from == to {
		return fmt.Errorf("%w: task %q depends on itself", ErrCycle, from)
	}
	if c.Type == "" {
		c.Type = task.FinishToStart
	}
	if c.Strength == "" {
		c.Strength = task.Hard
	}
	for _, e := range toNode.in {
		if e.From == from && e.Active() {
			return nil
		}
	}
	if g.reachesAny(to, map[string]bool{from: true}) != "" {
		return fmt.Errorf("%w: %s -> %s closes a loop", ErrCycle, from, to)
	}

	g.addEdge(from, to, c)
	toNode.task.Dependencies = append(toNode.task.Dependencies, task.Dependency{TaskID: from, Type: c.Type, Strength: c.Strength})

	g.lastValidation = g.validateLocked()
	return nil
}

// reachesAny walks active edges from start and returns the first target hit.
func (g *Graph) reachesAny(start string, targets map[string]bool) string {
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if targets[id] {
			return id
		}
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		for _, e := range n.out {
			if !e.Active() || visited[e.To] {
				continue
			}
			visited[e.To] = true
			stack = append(stack, e.To)
		}
	}
	return ""
}

// RemoveNode deletes a task and every edge touching it. Dependents keep their
// declared dependency, which becomes missing again.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	for _, e := range n.in {
		if p, ok := g.nodes[e.From]; ok {
			p.out = removeEdge(p.out, e)
		}
	}
	for _, e := range n.out {
		if d, ok := g.nodes[e.To]; ok {
			d.in = removeEdge(d.in, e)
			g.missing[id] = appendUnique(g.missing[id], e.To)
		}
	}
	for depID, waiters := range g.missing {
		g.missing[depID] = removeString(waiters, id)
		if len(g.missing[depID]) == 0 {
			delete(g.missing, depID)
		}
	}
	delete(g.nodes, id)
	g.order = removeString(g.order, id)

	g.lastValidation = g.validateLocked()
	return nil
}

// Decompose replaces the incoming dependencies of parentID with a chain of
// subtasks: the first subtask inherits the parent's prerequisites, each subtask
// waits on the previous one, and the parent waits on the last. The parent's
// dependents are untouched, so they still wait for the whole chain.
func (g *Graph) Decompose(parentID string, subtasks []*task.Task) error {
	if len(subtasks) == 0 {
		return fmt.Errorf("decompose %q: no subtasks", parentID)
	}
	for _, st := range subtasks {
		if err := st.Validate(); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	parent, ok := g.nodes[parentID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, parentID)
	}
	seen := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		if _, exists := g.nodes[st.ID]; exists || seen[st.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicate, st.ID)
		}
		seen[st.ID] = true
	}

	first := subtasks[0].Clone()
	first.Dependencies = append([]task.Dependency(nil), parent.task.Dependencies...)

	oldIn := parent.in
	parent.in = nil
	for _, e := range oldIn {
		if p, ok := g.nodes[e.From]; ok {
			p.out = removeEdge(p.out, e)
		}
	}
	for depID, waiters := range g.missing {
		for i, w := range waiters {
			if w == parentID {
				waiters[i] = first.ID
			}
		}
		g.missing[depID] = waiters
	}

	g.insertNode(first)
	for _, e := range oldIn {
		g.addEdge(e.From, first.ID, e.Constraint)
	}

	prev := first.ID
	for _, st := range subtasks[1:] {
		cp := st.Clone()
		cp.Dependencies = []task.Dependency{{TaskID: prev, Type: task.FinishToStart, Strength: task.Hard}}
		g.insertNode(cp)
		g.addEdge(prev, cp.ID, Constraint{Type: task.FinishToStart, Strength: task.Hard})
		prev = cp.ID
	}

	parent.task.Dependencies = []task.Dependency{{TaskID: prev, Type: task.FinishToStart, Strength: task.Hard}}
	g.addEdge(prev, parentID, Constraint{Type: task.FinishToStart, Strength: task.Hard})

	g.lastValidation = g.validateLocked()
	return nil
}

// Node returns a copy of the task stored for id.
func (g *Graph) Node(id string) (*task.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.task.Clone(), true
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Nodes returns copies of all tasks in insertion order.
func (g *Graph) Nodes() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*task.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].task.Clone())
	}
	return out
}

// Edges returns copies of all edges, violated ones included.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgesLocked()
}

func (g *Graph) edgesLocked() []Edge {
	var out []Edge
	for _, id := range g.order {
		for _, e := range g.nodes[id].out {
			out = append(out, *e)
		}
	}
	return out
}

// Prerequisites returns the active incoming edges of id.
func (g *Graph) Prerequisites(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Edge, 0, len(n.in))
	for _, e := range n.in {
		if e.Active() {
			out = append(out, *e)
		}
	}
	return out
}

// Dependents returns the IDs of tasks directly waiting on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.out))
	for _, e := range n.out {
		if e.Active() {
			out = append(out, e.To)
		}
	}
	return out
}

// TransitiveDependents counts every task downstream of id.
func (g *Graph) TransitiveDependents(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{id: true}
	stack := []string{id}
	count := 0
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := g.nodes[cur]
		if !ok {
			continue
		}
		for _, e := range n.out {
			if e.Active() && !visited[e.To] {
				visited[e.To] = true
				count++
				stack = append(stack, e.To)
			}
		}
	}
	return count
}

// MissingDependencies returns the declared prerequisites of id that are not in
// the graph.
func (g *Graph) MissingDependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for depID, waiters := range g.missing {
		for _, w := range waiters {
			if w == id {
				out = append(out, depID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// LastValidation returns the result of the validation run after the most
// recent mutation.
func (g *Graph) LastValidation() ValidationResult {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastValidation
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

func removeString(list []string, id string) []string {
	out := list[:0]
	for _, s := range list {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}

func removeEdge(list []*Edge, target *Edge) []*Edge {
	out := list[:0]
	for _, e := range list {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}
