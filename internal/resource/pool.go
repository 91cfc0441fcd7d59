package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/autoqueue/internal/task"
)

var (
	// ErrInvalidResource is returned for a resource with no ID or no capacity.
	ErrInvalidResource = errors.New("invalid resource")
	// ErrDuplicate is returned when a resource ID is registered twice.
	ErrDuplicate = errors.New("resource already registered")
)

// Resource is a pooled capacity that tasks allocate for a time window.
type Resource struct {
	ID          string  `json:"id" yaml:"id"`
	Type        string  `json:"type,omitempty" yaml:"type,omitempty"`
	Capacity    int     `json:"capacity" yaml:"capacity"`
	Cost        float64 `json:"cost,omitempty" yaml:"cost,omitempty"`
	Reliability float64 `json:"reliability,omitempty" yaml:"reliability,omitempty"`
}

// Allocation reserves Quantity units of a resource for [Start, End).
type Allocation struct {
	ResourceID string    `json:"resource_id"`
	TaskID     string    `json:"task_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Quantity   int       `json:"quantity"`
}

func (a Allocation) overlaps(start, end time.Time) bool {
	return a.Start.Before(end) && start.Before(a.End)
}

// entry is one resource with its own mutex, so check-then-commit on a resource
// is a single critical section while different resources proceed in parallel.
type entry struct {
	mu     sync.Mutex
	res    Resource
	allocs []Allocation
}

// Pool owns all resources and their allocations.
type Pool struct {
	mu      sync.RWMutex // guards the entries map itself
	entries map[string]*entry
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

// AddResource registers a resource. Capacity must be positive.
func (p *Pool) AddResource(r Resource) error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidResource)
	}
	if r.Capacity <= 0 {
		return fmt.Errorf("%w: %q capacity must be > 0, got %d", ErrInvalidResource, r.ID, r.Capacity)
	}
	if r.Reliability == 0 {
		r.Reliability = 1
	}
	if r.Reliability < 0 || r.Reliability > 1 {
		return fmt.Errorf("%w: %q reliability must be in [0,1]", ErrInvalidResource, r.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[r.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, r.ID)
	}
	p.entries[r.ID] = &entry{res: r}
	return nil
}

func (p *Pool) get(id string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[id]
}

// window normalizes [start, end). A zero-length window is treated as a single
// instant; a reversed one is rejected.
func window(start, end time.Time) (time.Time, time.Time, bool) {
	if end.Before(start) {
		return start, end, false
	}
	if end.Equal(start) {
		end = start.Add(time.Nanosecond)
	}
	return start, end, true
}

// peakLocked is the largest quantity allocated at any instant within [start, end).
func (e *entry) peakLocked(start, end time.Time) int {
	type point struct {
		at    time.Time
		delta int
	}
	var points []point
	for _, a := range e.allocs {
		if !a.overlaps(start, end) {
			continue
		}
		from := a.Start
		if from.Before(start) {
			from = start
		}
		points = append(points, point{from, a.Quantity}, point{a.End, -a.Quantity})
	}
	// Half-open intervals: a release at t happens before an acquire at t.
	sort.Slice(points, func(i, j int) bool {
		if !points[i].at.Equal(points[j].at) {
			return points[i].at.Before(points[j].at)
		}
		return points[i].delta < points[j].delta
	})
	peak, cur := 0, 0
	for _, pt := range points {
		cur += pt.delta
		peak = max(peak, cur)
	}
	return peak
}

func (e *entry) fitsLocked(start, end time.Time, qty int) bool {
	if qty <= 0 || qty > e.res.Capacity {
		return false
	}
	return e.peakLocked(start, end)+qty <= e.res.Capacity
}

// CheckAvailability reports whether qty more units fit in [start, end) at
// every instant. Unknown resources are never available.
func (p *Pool) CheckAvailability(id string, start, end time.Time, qty int) bool {
	e := p.get(id)
	if e == nil {
		return false
	}
	start, end, ok := window(start, end)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fitsLocked(start, end, qty)
}

// Allocate re-checks availability and commits the allocation in one critical
// section. It returns false, with nothing recorded, if the units do not fit.
func (p *Pool) Allocate(id, taskID string, start, end time.Time, qty int) bool {
	e := p.get(id)
	if e == nil {
		return false
	}
	start, end, ok := window(start, end)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fitsLocked(start, end, qty) {
		return false
	}
	e.allocs = append(e.allocs, Allocation{ResourceID: id, TaskID: taskID, Start: start, End: end, Quantity: qty})
	return true
}

// Release drops every allocation taskID holds on the resource. Releasing
// twice, or releasing an unknown resource, is a no-op.
func (p *Pool) Release(id, taskID string) {
	e := p.get(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked(taskID)
}

func (e *entry) releaseLocked(taskID string) {
	kept := e.allocs[:0]
	for _, a := range e.allocs {
		if a.TaskID != taskID {
			kept = append(kept, a)
		}
	}
	clear(e.allocs[len(kept):])
	e.allocs = kept
}

// Utilization is the time-weighted fraction of capacity used in [start, end).
func (p *Pool) Utilization(id string, start, end time.Time) float64 {
	e := p.get(id)
	if e == nil || !end.After(start) {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var used float64
	for _, a := range e.allocs {
		if !a.overlaps(start, end) {
			continue
		}
		from, to := a.Start, a.End
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		used += float64(to.Sub(from)) * float64(a.Quantity)
	}
	u := used / (float64(end.Sub(start)) * float64(e.res.Capacity))
	return min(max(u, 0), 1)
}

// demand is the per-resource quantity a task needs, with exclusive
// requirements taking the whole capacity.
type demand struct {
	e         *entry
	qty       int
	exclusive bool
}

// demands merges requirements by resource and returns them sorted by ID. The
// sort order is the lock order, so concurrent multi-resource allocations
// cannot deadlock.
func (p *Pool) demands(reqs []task.ResourceRequirement) ([]demand, bool) {
	byID := make(map[string]*demand, len(reqs))
	var ids []string
	for _, r := range reqs {
		e := p.get(r.ResourceID)
		if e == nil {
			return nil, false
		}
		d, ok := byID[r.ResourceID]
		if !ok {
			d = &demand{e: e}
			byID[r.ResourceID] = d
			ids = append(ids, r.ResourceID)
		}
		d.qty += r.Quantity
		if r.Exclusive {
			d.exclusive = true
		}
	}
	sort.Strings(ids)
	out := make([]demand, 0, len(ids))
	for _, id := range ids {
		d := *byID[id]
		if d.exclusive {
			d.qty = d.e.res.Capacity
		}
		out = append(out, d)
	}
	return out, true
}

func lockAll(ds []demand) {
	for _, d := range ds {
		d.e.mu.Lock()
	}
}

func unlockAll(ds []demand) {
	for i := len(ds) - 1; i >= 0; i-- {
		ds[i].e.mu.Unlock()
	}
}

// AllocateAll commits every requirement of a task, or none of them.
func (p *Pool) AllocateAll(taskID string, reqs []task.ResourceRequirement, start, end time.Time) bool {
	if len(reqs) == 0 {
		return true
	}
	start, end, ok := window(start, end)
	if !ok {
		return false
	}
	ds, ok := p.demands(reqs)
	if !ok {
		return false
	}

	lockAll(ds)
	defer unlockAll(ds)

	for _, d := range ds {
		if !d.e.fitsLocked(start, end, d.qty) {
			return false
		}
	}
	for _, d := range ds {
		d.e.allocs = append(d.e.allocs, Allocation{
			ResourceID: d.e.res.ID, TaskID: taskID, Start: start, End: end, Quantity: d.qty,
		})
	}
	return true
}

// CheckAll reports whether AllocateAll would succeed right now.
func (p *Pool) CheckAll(reqs []task.ResourceRequirement, start, end time.Time) bool {
	if len(reqs) == 0 {
		return true
	}
	start, end, ok := window(start, end)
	if !ok {
		return false
	}
	ds, ok := p.demands(reqs)
	if !ok {
		return false
	}
	lockAll(ds)
	defer unlockAll(ds)
	for _, d := range ds {
		if !d.e.fitsLocked(start, end, d.qty) {
			return false
		}
	}
	return true
}

// ReleaseAll drops the task's allocations on every resource.
func (p *Pool) ReleaseAll(taskID string) {
	for _, e := range p.sortedEntries() {
		e.mu.Lock()
		e.releaseLocked(taskID)
		e.mu.Unlock()
	}
}

// EarliestSlot finds the first start at or after `after` where the task's
// requirements fit for dur. Candidate starts are `after` and every allocation
// end. It gives up past limit.
func (p *Pool) EarliestSlot(reqs []task.ResourceRequirement, after time.Time, dur time.Duration, limit time.Time) (time.Time, bool) {
	if len(reqs) == 0 {
		return after, true
	}
	candidates := []time.Time{after}
	for _, r := range reqs {
		for _, a := range p.Allocations(r.ResourceID) {
			if a.End.After(after) && !a.End.After(limit) {
				candidates = append(candidates, a.End)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	for _, at := range candidates {
		if p.CheckAll(reqs, at, at.Add(dur)) {
			return at, true
		}
	}
	return time.Time{}, false
}

func (p *Pool) sortedEntries() []*entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.entries[id])
	}
	return out
}

// Resource returns the registered resource.
func (p *Pool) Resource(id string) (Resource, bool) {
	e := p.get(id)
	if e == nil {
		return Resource{}, false
	}
	return e.res, true
}

// Resources lists every resource sorted by ID.
func (p *Pool) Resources() []Resource {
	entries := p.sortedEntries()
	out := make([]Resource, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.res)
	}
	return out
}

// Allocations returns a copy of the allocations on a resource.
func (p *Pool) Allocations(id string) []Allocation {
	e := p.get(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Allocation(nil), e.allocs...)
}

// Clone deep-copies the pool, for planning without touching live state.
func (p *Pool) Clone() *Pool {
	cp := NewPool()
	for _, e := range p.sortedEntries() {
		e.mu.Lock()
		cp.entries[e.res.ID] = &entry{res: e.res, allocs: append([]Allocation(nil), e.allocs...)}
		e.mu.Unlock()
	}
	return cp
}
