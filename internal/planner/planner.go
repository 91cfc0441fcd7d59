// Package planner builds time-ordered execution plans from a dependency graph
// and a resource pool.
package planner

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/autoqueue/internal/graph"
	"github.com/aristath/autoqueue/internal/logging"
	"github.com/aristath/autoqueue/internal/resource"
	"github.com/aristath/autoqueue/internal/task"
)

// Context is the calendar and capacity a plan is built against.
type Context struct {
	Start        time.Time      `json:"start" yaml:"start"`
	WorkingHours WorkingHours   `json:"working_hours" yaml:"working_hours"`
	Blackouts    []Window       `json:"blackouts,omitempty" yaml:"blackouts,omitempty"`
	Pool         *resource.Pool `json:"-" yaml:"-"` // cloned before use; nil means no resources
}

// Entry is one scheduled task.
type Entry struct {
	TaskID        string                     `json:"task_id"`
	Start         time.Time                  `json:"start"`
	End           time.Time                  `json:"end"`
	PriorityScore float64                    `json:"priority_score"`
	Resources     []task.ResourceRequirement `json:"resources,omitempty"`
	Critical      bool                       `json:"critical,omitempty"`
}

// Conflict records a task pushed back because a resource was taken.
type Conflict struct {
	ResourceID string        `json:"resource_id"`
	TaskID     string        `json:"task_id"`
	BlockedBy  []string      `json:"blocked_by"`
	Delay      time.Duration `json:"delay"`
	Exclusive  bool          `json:"exclusive,omitempty"`
}

// Recommendation types.
const (
	RecAddCapacity         = "add_capacity"
	RecRelaxExclusivity    = "relax_exclusivity"
	RecSplitTask           = "split_task"
	RecIncreaseParallelism = "increase_parallelism"
)

// Recommendation is a suggested change to the inputs that would shorten the plan.
type Recommendation struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Target      string        `json:"target,omitempty"`
	Description string        `json:"description"`
	Savings     time.Duration `json:"estimated_savings,omitempty"`
}

// Metrics summarizes a plan.
type Metrics struct {
	Makespan            time.Duration      `json:"makespan"`
	TotalWork           time.Duration      `json:"total_work"`
	CriticalPath        time.Duration      `json:"critical_path"`
	ParallelismFactor   float64            `json:"parallelism_factor"`
	ResourceUtilization map[string]float64 `json:"resource_utilization,omitempty"`
	Conflicts           int                `json:"conflicts"`
}

// Result is a complete plan. Success is false when some task could not be
// placed; those tasks are listed in Errors and left out of Schedule.
type Result struct {
	Success             bool                  `json:"success"`
	Schedule            []Entry               `json:"schedule"`
	ResourceAllocations []resource.Allocation `json:"resource_allocations,omitempty"`
	Conflicts           []Conflict            `json:"conflicts,omitempty"`
	Recommendations     []Recommendation      `json:"recommendations,omitempty"`
	Metrics             Metrics               `json:"metrics"`
	Errors              []string              `json:"errors,omitempty"`
}

// Planner holds the planning tunables.
type Planner struct {
	logger            *slog.Logger
	defaultDuration   time.Duration
	horizon           time.Duration
	lowParallelism    float64
	bottleneckMinimum time.Duration
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = logging.Component(l, "planner") }
}

// WithDefaultDuration is used for tasks without an estimate.
func WithDefaultDuration(d time.Duration) Option {
	return func(p *Planner) { p.defaultDuration = d }
}

// WithHorizon bounds how far past Context.Start a task may be placed.
func WithHorizon(d time.Duration) Option {
	return func(p *Planner) { p.horizon = d }
}

// New creates a Planner.
func New(opts ...Option) *Planner {
	p := &Planner{
		logger:            logging.Discard(),
		defaultDuration:   time.Minute,
		horizon:           90 * 24 * time.Hour,
		lowParallelism:    0.2,
		bottleneckMinimum: time.Minute,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Schedule plans g with a default Planner.
func Schedule(g *graph.Graph, a graph.Analysis, c Context) Result {
	return New().Schedule(g, a, c)
}

type placed struct {
	start, end time.Time
}

// Schedule places every task of g at the earliest time its dependencies, the
// calendar and the resources allow, visiting tasks in topological order. An
// Analysis with no order is recomputed from g.
func (p *Planner) Schedule(g *graph.Graph, a graph.Analysis, c Context) Result {
	if c.Start.IsZero() {
		c.Start = time.Now()
	}
	if a.Order == nil && g.Len() > 0 {
		a = g.Analyze()
	}
	res := Result{Schedule: []Entry{}}
	if a.Order == nil && g.Len() > 0 {
		for _, e := range a.Validation.Errors {
			res.Errors = append(res.Errors, e.Message)
		}
		if len(res.Errors) == 0 {
			res.Errors = append(res.Errors, "graph has no topological order")
		}
		return res
	}

	pool := resource.NewPool()
	if c.Pool != nil {
		pool = c.Pool.Clone()
	}
	limit := c.Start.Add(p.horizon)
	critical := make(map[string]bool, len(a.CriticalPath.Nodes))
	for _, id := range a.CriticalPath.Nodes {
		critical[id] = true
	}

	done := make(map[string]placed, len(a.Order))
	unplaced := make(map[string]bool)
	contended := make(map[string]bool)
	var totalWork time.Duration

	for _, id := range a.Order {
		t, ok := g.Node(id)
		if !ok {
			continue
		}
		dur := t.EstimatedDuration
		if dur <= 0 {
			dur = p.defaultDuration
		}

		earliest, blocker := p.earliest(g, id, dur, c.Start, done, unplaced)
		if blocker != "" {
			unplaced[id] = true
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", id, blocker))
			continue
		}

		ideal := c.fit(earliest, dur)
		start, ok := p.place(pool, t, ideal, dur, c, limit)
		if !ok {
			unplaced[id] = true
			res.Errors = append(res.Errors, fmt.Sprintf("%s: no slot for its resources before %s", id, limit.Format(time.RFC3339)))
			continue
		}
		if start.After(ideal) {
			for _, cf := range conflicts(pool, t, ideal, dur, start.Sub(ideal)) {
				res.Conflicts = append(res.Conflicts, cf)
				contended[cf.ResourceID] = true
			}
		}
		end := start.Add(dur)
		if !pool.AllocateAll(id, t.Resources, start, end) {
			unplaced[id] = true
			res.Errors = append(res.Errors, fmt.Sprintf("%s: resources taken at %s", id, start.Format(time.RFC3339)))
			continue
		}
		done[id] = placed{start, end}
		totalWork += dur
		res.Schedule = append(res.Schedule, Entry{
			TaskID:        id,
			Start:         start,
			End:           end,
			PriorityScore: priorityScore(t, critical[id], len(g.Dependents(id))),
			Resources:     t.Resources,
			Critical:      critical[id],
		})
	}

	sort.SliceStable(res.Schedule, func(i, j int) bool {
		if !res.Schedule[i].Start.Equal(res.Schedule[j].Start) {
			return res.Schedule[i].Start.Before(res.Schedule[j].Start)
		}
		return res.Schedule[i].PriorityScore > res.Schedule[j].PriorityScore
	})

	var finish time.Time
	for _, e := range res.Schedule {
		if e.End.After(finish) {
			finish = e.End
		}
		for _, r := range e.Resources {
			for _, al := range pool.Allocations(r.ResourceID) {
				if al.TaskID == e.TaskID {
					res.ResourceAllocations = append(res.ResourceAllocations, al)
				}
			}
		}
	}
	res.ResourceAllocations = dedupe(res.ResourceAllocations)

	res.Metrics = Metrics{
		TotalWork:    totalWork,
		CriticalPath: a.CriticalPath.Duration,
		Conflicts:    len(res.Conflicts),
	}
	if len(res.Schedule) > 0 {
		res.Metrics.Makespan = finish.Sub(c.Start)
		res.Metrics.ParallelismFactor = parallelism(res.Metrics.Makespan, totalWork)
		res.Metrics.ResourceUtilization = make(map[string]float64)
		for _, r := range pool.Resources() {
			res.Metrics.ResourceUtilization[r.ID] = pool.Utilization(r.ID, c.Start, finish)
		}
	}

	res.Recommendations = p.recommend(res, a, pool, contended)
	res.Success = len(res.Errors) == 0
	p.logger.Debug("plan built", "tasks", len(res.Schedule), "conflicts", len(res.Conflicts),
		"makespan", res.Metrics.Makespan, "errors", len(res.Errors))
	return res
}

// earliest is the first start the dependency edges allow. The second result
// names the reason when a prerequisite is missing or was not placed.
func (p *Planner) earliest(g *graph.Graph, id string, dur time.Duration, from time.Time, done map[string]placed, unplaced map[string]bool) (time.Time, string) {
	if missing := g.MissingDependencies(id); len(missing) > 0 {
		return time.Time{}, fmt.Sprintf("missing dependency %s", missing[0])
	}
	at := from
	for _, e := range g.Prerequisites(id) {
		if unplaced[e.From] {
			return time.Time{}, fmt.Sprintf("dependency %s was not scheduled", e.From)
		}
		pre, ok := done[e.From]
		if !ok {
			continue
		}
		var bound time.Time
		switch e.Type {
		case task.StartToStart:
			bound = pre.start.Add(e.Lag)
		case task.FinishToFinish:
			bound = pre.end.Add(e.Lag - dur)
		case task.StartToFinish:
			bound = pre.start.Add(e.Lag - dur)
		default:
			bound = pre.end.Add(e.Lag)
		}
		if bound.After(at) {
			at = bound
		}
	}
	return at, ""
}

// place finds the first start at or after ideal where the resources are free
// and the calendar allows the task.
func (p *Planner) place(pool *resource.Pool, t *task.Task, ideal time.Time, dur time.Duration, c Context, limit time.Time) (time.Time, bool) {
	at := ideal
	for range maxCalendarSteps {
		slot, ok := pool.EarliestSlot(t.Resources, at, dur, limit)
		if !ok {
			return time.Time{}, false
		}
		fitted := c.fit(slot, dur)
		if fitted.Equal(slot) {
			return slot, true
		}
		if fitted.After(limit) {
			return time.Time{}, false
		}
		at = fitted
	}
	return time.Time{}, false
}

// conflicts names the resources that kept t from starting at ideal, with the
// tasks holding them.
func conflicts(pool *resource.Pool, t *task.Task, ideal time.Time, dur, delay time.Duration) []Conflict {
	end := ideal.Add(max(dur, time.Nanosecond))
	var out []Conflict
	seen := make(map[string]bool)
	for _, r := range t.Resources {
		if seen[r.ResourceID] {
			continue
		}
		seen[r.ResourceID] = true
		qty := r.Quantity
		if r.Exclusive {
			if res, ok := pool.Resource(r.ResourceID); ok {
				qty = res.Capacity
			}
		}
		if pool.CheckAvailability(r.ResourceID, ideal, end, qty) {
			continue
		}
		cf := Conflict{ResourceID: r.ResourceID, TaskID: t.ID, Delay: delay, Exclusive: r.Exclusive}
		for _, al := range pool.Allocations(r.ResourceID) {
			if al.Start.Before(end) && ideal.Before(al.End) {
				cf.BlockedBy = append(cf.BlockedBy, al.TaskID)
			}
		}
		out = append(out, cf)
	}
	return out
}

func (p *Planner) recommend(res Result, a graph.Analysis, pool *resource.Pool, contended map[string]bool) []Recommendation {
	var out []Recommendation
	add := func(typ, target, desc string, savings time.Duration) {
		out = append(out, Recommendation{ID: uuid.NewString(), Type: typ, Target: target, Description: desc, Savings: savings})
	}

	delay := make(map[string]time.Duration)
	exclusive := make(map[string]bool)
	for _, cf := range res.Conflicts {
		delay[cf.ResourceID] += cf.Delay
		if cf.Exclusive {
			exclusive[cf.ResourceID] = true
		}
	}
	ids := make([]string, 0, len(contended))
	for id := range contended {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r, _ := pool.Resource(id)
		add(RecAddCapacity, id,
			fmt.Sprintf("raise capacity of %s above %d; contention delayed tasks by %s", id, r.Capacity, delay[id]), delay[id])
		if exclusive[id] {
			add(RecRelaxExclusivity, id,
				fmt.Sprintf("let tasks share %s instead of holding it exclusively", id), delay[id])
		}
	}

	for _, b := range a.CriticalPath.Bottlenecks {
		if b.Duration < p.bottleneckMinimum {
			continue
		}
		add(RecSplitTask, b.TaskID,
			fmt.Sprintf("split %s (%s, %.1fx its peers) into parallel parts", b.TaskID, b.Duration, b.Ratio), b.Duration/2)
	}

	if len(res.Schedule) > 1 && res.Metrics.ParallelismFactor < p.lowParallelism {
		add(RecIncreaseParallelism, "",
			fmt.Sprintf("plan is mostly serial (parallelism %.2f); remove unneeded dependencies or shared resources", res.Metrics.ParallelismFactor), 0)
	}
	return out
}

// priorityScore ranks entries that start together: priority first, then
// critical-path membership, then how much work waits on the task.
func priorityScore(t *task.Task, critical bool, dependents int) float64 {
	score := float64(t.Priority+1) * 20
	if critical {
		score += 10
	}
	return score + float64(min(dependents, 10))
}

// parallelism is the share of the total work that overlaps other work.
func parallelism(makespan, totalWork time.Duration) float64 {
	if totalWork <= 0 {
		return 0
	}
	f := 1 - float64(makespan)/float64(totalWork)
	return min(max(f, 0), 1)
}

func dedupe(in []resource.Allocation) []resource.Allocation {
	seen := make(map[resource.Allocation]bool, len(in))
	out := in[:0]
	for _, a := range in {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
