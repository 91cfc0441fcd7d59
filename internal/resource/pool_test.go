package resource

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/aristath/autoqueue/internal/task"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newPool(t *testing.T, rs ...Resource) *Pool {
	t.Helper()
	p := NewPool()
	for _, r := range rs {
		if err := p.AddResource(r); err != nil {
			t.Fatalf("AddResource(%s): %v", r.ID, err)
		}
	}
	return p
}

func TestAddResourceValidation(t *testing.T) {
	tests := []struct {
		name string
		res  Resource
		want error
	}{
		{"valid", Resource{ID: "cpu", Capacity: 4}, nil},
		{"empty id", Resource{Capacity: 1}, ErrInvalidResource},
		{"zero capacity", Resource{ID: "cpu"}, ErrInvalidResource},
		{"negative capacity", Resource{ID: "cpu", Capacity: -2}, ErrInvalidResource},
		{"bad reliability", Resource{ID: "cpu", Capacity: 1, Reliability: 1.5}, ErrInvalidResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPool().AddResource(tt.res)
			if !errors.Is(err, tt.want) {
				t.Errorf("AddResource() = %v, want %v", err, tt.want)
			}
		})
	}

	p := newPool(t, Resource{ID: "cpu", Capacity: 1})
	if err := p.AddResource(Resource{ID: "cpu", Capacity: 2}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if r, _ := p.Resource("cpu"); r.Reliability != 1 {
		t.Errorf("default reliability = %v, want 1", r.Reliability)
	}
}

func TestCheckAvailabilityScenario(t *testing.T) {
	p := newPool(t, Resource{ID: "cpu", Capacity: 4})
	end := t0.Add(time.Hour)

	if !p.Allocate("cpu", "t1", t0, end, 2) {
		t.Fatal("first allocation should succeed")
	}
	if p.CheckAvailability("cpu", t0, end, 3) {
		t.Error("quantity 3 should not fit next to 2 of 4")
	}
	if !p.CheckAvailability("cpu", t0, end, 2) {
		t.Error("quantity 2 should fit next to 2 of 4")
	}
	if !p.CheckAvailability("cpu", end, end.Add(time.Hour), 4) {
		t.Error("window starting at the allocation end should be free")
	}
	if p.CheckAvailability("gpu", t0, end, 1) {
		t.Error("unknown resource reported available")
	}
	if p.CheckAvailability("cpu", end, t0, 1) {
		t.Error("reversed window reported available")
	}
}

func TestAllocateNoPartialCommit(t *testing.T) {
	p := newPool(t, Resource{ID: "cpu", Capacity: 2})
	end := t0.Add(time.Hour)

	if p.Allocate("cpu", "big", t0, end, 3) {
		t.Fatal("over-capacity allocation succeeded")
	}
	if n := len(p.Allocations("cpu")); n != 0 {
		t.Fatalf("failed allocation left %d records", n)
	}
	if p.Allocate("cpu", "zero", t0, end, 0) {
		t.Error("zero-quantity allocation succeeded")
	}
}

func TestAllocateOverlapOnlyCountsConcurrentUse(t *testing.T) {
	p := newPool(t, Resource{ID: "cpu", Capacity: 2})

	// Two back-to-back allocations never overlap, so a third fits across both.
	if !p.Allocate("cpu", "a", t0, t0.Add(time.Hour), 1) {
		t.Fatal("a")
	}
	if !p.Allocate("cpu", "b", t0.Add(time.Hour), t0.Add(2*time.Hour), 1) {
		t.Fatal("b")
	}
	if !p.Allocate("cpu", "c", t0, t0.Add(2*time.Hour), 1) {
		t.Fatal("c should fit: peak concurrent use is 1")
	}
	if p.Allocate("cpu", "d", t0.Add(30*time.Minute), t0.Add(90*time.Minute), 1) {
		t.Fatal("d overlaps a, b and c at capacity")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newPool(t, Resource{ID: "cpu", Capacity: 1})
	end := t0.Add(time.Hour)

	p.Allocate("cpu", "t1", t0, end, 1)
	p.Release("cpu", "t1")
	p.Release("cpu", "t1")
	p.Release("missing", "t1")

	if !p.Allocate("cpu", "t2", t0, end, 1) {
		t.Error("capacity not returned after release")
	}
	if n := len(p.Allocations("cpu")); n != 1 {
		t.Errorf("allocations = %d, want 1", n)
	}
}

func TestUtilization(t *testing.T) {
	p := newPool(t, Resource{ID: "cpu", Capacity: 4})
	p.Allocate("cpu", "a", t0, t0.Add(30*time.Minute), 2)

	got := p.Utilization("cpu", t0, t0.Add(time.Hour))
	if got != 0.25 {
		t.Errorf("utilization = %v, want 0.25", got)
	}
	if u := p.Utilization("unknown", t0, t0.Add(time.Hour)); u != 0 {
		t.Errorf("unknown resource utilization = %v", u)
	}
	if u := p.Utilization("cpu", t0, t0); u != 0 {
		t.Errorf("empty window utilization = %v", u)
	}
}

func TestAllocateAllIsAtomic(t *testing.T) {
	p := newPool(t, Resource{ID: "cpu", Capacity: 4}, Resource{ID: "gpu", Capacity: 1})
	end := t0.Add(time.Hour)

	p.Allocate("gpu", "holder", t0, end, 1)
	reqs := []task.ResourceRequirement{{ResourceID: "cpu", Quantity: 2}, {ResourceID: "gpu", Quantity: 1}}
	if p.AllocateAll("t1", reqs, t0, end) {
		t.Fatal("AllocateAll succeeded while gpu is held")
	}
	if n := len(p.Allocations("cpu")); n != 0 {
		t.Fatalf("partial allocation left on cpu: %d", n)
	}

	p.ReleaseAll("holder")
	if !p.AllocateAll("t1", reqs, t0, end) {
		t.Fatal("AllocateAll failed with free resources")
	}
	p.ReleaseAll("t1")
	if len(p.Allocations("cpu"))+len(p.Allocations("gpu")) != 0 {
		t.Error("ReleaseAll left allocations behind")
	}
}

func TestExclusiveTakesWholeCapacity(t *testing.T) {
	p := newPool(t, Resource{ID: "db", Capacity: 3})
	end := t0.Add(time.Hour)

	excl := []task.ResourceRequirement{{ResourceID: "db", Exclusive: true}}
	if !p.AllocateAll("writer", excl, t0, end) {
		t.Fatal("exclusive allocation on an idle resource failed")
	}
	if p.CheckAvailability("db", t0, end, 1) {
		t.Error("exclusive allocation left capacity free")
	}
}

func TestEarliestSlot(t *testing.T) {
	p := newPool(t, Resource{ID: "gpu", Capacity: 1})
	p.Allocate("gpu", "a", t0, t0.Add(time.Hour), 1)

	reqs := []task.ResourceRequirement{{ResourceID: "gpu", Quantity: 1}}
	at, ok := p.EarliestSlot(reqs, t0, 30*time.Minute, t0.Add(24*time.Hour))
	if !ok || !at.Equal(t0.Add(time.Hour)) {
		t.Errorf("EarliestSlot = %v, %v; want %v", at, ok, t0.Add(time.Hour))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := newPool(t, Resource{ID: "cpu", Capacity: 1})
	cp := p.Clone()
	cp.Allocate("cpu", "plan", t0, t0.Add(time.Hour), 1)
	if len(p.Allocations("cpu")) != 0 {
		t.Error("allocation on clone leaked into the live pool")
	}
}

// TestConcurrentAllocationsNeverOverbook races many single-unit allocations for
// the same window; exactly capacity of them may win.
func TestConcurrentAllocationsNeverOverbook(t *testing.T) {
	const capacity = 10
	p := newPool(t, Resource{ID: "cpu", Capacity: capacity})
	end := t0.Add(time.Hour)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Allocate("cpu", fmt.Sprintf("t%d", i), t0, end, 1) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != capacity {
		t.Errorf("%d allocations won, want %d", got, capacity)
	}
}

// TestConcurrentAllocateAllNoDeadlock takes overlapping resource sets in
// opposite declaration order from many goroutines.
func TestConcurrentAllocateAllNoDeadlock(t *testing.T) {
	p := newPool(t, Resource{ID: "a", Capacity: 1000}, Resource{ID: "b", Capacity: 1000})
	forward := []task.ResourceRequirement{{ResourceID: "a", Quantity: 1}, {ResourceID: "b", Quantity: 1}}
	backward := []task.ResourceRequirement{{ResourceID: "b", Quantity: 1}, {ResourceID: "a", Quantity: 1}}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := range 200 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				reqs := forward
				if i%2 == 1 {
					reqs = backward
				}
				id := fmt.Sprintf("t%d", i)
				p.AllocateAll(id, reqs, t0, t0.Add(time.Minute))
				p.ReleaseAll(id)
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("AllocateAll deadlocked")
	}
}

func TestPropertyCapacityNeverExceeded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		p := NewPool()
		if err := p.AddResource(Resource{ID: "r", Capacity: capacity}); err != nil {
			t.Fatal(err)
		}

		ops := rapid.IntRange(1, 40).Draw(t, "ops")
		for i := range ops {
			start := t0.Add(time.Duration(rapid.IntRange(0, 100).Draw(t, fmt.Sprintf("start_%d", i))) * time.Minute)
			length := time.Duration(rapid.IntRange(1, 60).Draw(t, fmt.Sprintf("len_%d", i))) * time.Minute
			qty := rapid.IntRange(1, capacity).Draw(t, fmt.Sprintf("qty_%d", i))
			id := fmt.Sprintf("t%d", rapid.IntRange(0, 5).Draw(t, fmt.Sprintf("task_%d", i)))
			if rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("release_%d", i)) == 0 {
				p.Release("r", id)
				continue
			}
			p.Allocate("r", id, start, start.Add(length), qty)
		}

		allocs := p.Allocations("r")
		for _, probe := range allocs {
			used := 0
			for _, a := range allocs {
				if !a.Start.After(probe.Start) && a.End.After(probe.Start) {
					used += a.Quantity
				}
			}
			if used > capacity {
				t.Fatalf("%d units in use at %v, capacity %d", used, probe.Start, capacity)
			}
		}
	})
}
