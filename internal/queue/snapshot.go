package queue

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/autoqueue/internal/graph"
	"github.com/aristath/autoqueue/internal/task"
)

// SnapshotVersion is bumped when the Snapshot layout changes incompatibly.
const SnapshotVersion = 1

// Snapshot is the serializable state of a queue. Bodies are not included;
// tasks name them through FuncName and Restore resolves them in a Registry.
type Snapshot struct {
	Version      int               `json:"version" yaml:"version"`
	TakenAt      time.Time         `json:"taken_at" yaml:"taken_at"`
	Tasks        []*task.Task      `json:"tasks" yaml:"tasks"`
	Dependencies []graph.Edge      `json:"dependencies" yaml:"dependencies"`
	Metrics      Metrics           `json:"metrics" yaml:"metrics"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Snapshot captures every task, edge and the current metrics.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{
		Version:      SnapshotVersion,
		TakenAt:      q.clock(),
		Tasks:        make([]*task.Task, 0, len(q.order)),
		Dependencies: q.graph.Edges(),
		Metrics:      q.metricsLocked(),
		Metadata: map[string]string{
			"algorithm":      string(q.cfg.Algorithm),
			"max_concurrent": fmt.Sprint(q.cfg.MaxConcurrentTasks),
		},
	}
	for _, id := range q.order {
		snap.Tasks = append(snap.Tasks, q.entries[id].t.Clone())
	}
	return snap
}

// Restore loads a snapshot into an empty queue that has not been started.
// Task bodies come from reg, falling back to the queue's own registry;
// finished tasks and broken-down parents need none. Nothing is loaded if any
// task cannot be resolved. Edges the snapshot records as violated are dropped
// from their task's dependencies so the restored graph stays acyclic.
func (q *Queue) Restore(snap Snapshot, reg Registry) error {
	if snap.Version > SnapshotVersion {
		return fmt.Errorf("restore: snapshot version %d is newer than %d", snap.Version, SnapshotVersion)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return ErrShuttingDown
	}
	if q.started || len(q.entries) > 0 {
		return fmt.Errorf("restore: queue is not empty")
	}

	violated := make(map[[2]string]bool)
	for _, e := range snap.Dependencies {
		if e.Violated {
			violated[[2]string{e.From, e.To}] = true
		}
	}
	parents := make(map[string]bool)
	for _, t := range snap.Tasks {
		if t != nil && t.ParentID != "" {
			parents[t.ParentID] = true
		}
	}

	lookup := func(name string) ExecuteFunc {
		if fn := reg[name]; fn != nil {
			return fn
		}
		return q.registry[name]
	}

	var unresolved []string
	entries := make([]*entry, 0, len(snap.Tasks))
	for _, st := range snap.Tasks {
		if st == nil {
			continue
		}
		t := st.Clone()
		if err := t.Validate(); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		e := &entry{t: t, aggregate: parents[t.ID], enqueuedAt: t.UpdatedAt}
		if t.FuncName != "" {
			e.fn = lookup(t.FuncName)
		}
		if e.fn == nil && !e.aggregate && !t.Status.Finished() {
			unresolved = append(unresolved, fmt.Sprintf("%s (%q)", t.ID, t.FuncName))
		}

		kept := t.Dependencies[:0]
		for _, d := range t.Dependencies {
			if violated[[2]string{d.TaskID, t.ID}] {
				continue
			}
			kept = append(kept, d)
		}
		t.Dependencies = kept
		entries = append(entries, e)
	}
	if len(unresolved) > 0 {
		return fmt.Errorf("restore: no function for %s: %w", strings.Join(unresolved, ", "), ErrNilExecute)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].t.Seq < entries[j].t.Seq })
	g := graph.NewEmpty()
	for _, e := range entries {
		if err := g.AddNode(e.t); err != nil {
			return fmt.Errorf("restore %q: %w", e.t.ID, err)
		}
	}

	// The queue's graph is only touched once the snapshot is known to load.
	for _, e := range entries {
		if err := q.graph.AddNode(e.t); err != nil {
			return fmt.Errorf("restore %q: %w", e.t.ID, err)
		}
		q.insertLocked(e)
		q.seq = max(q.seq, e.t.Seq)
	}
	q.stats.processed = snap.Metrics.TasksProcessed
	q.stats.failures = snap.Metrics.FailedTasks
	q.stats.cancelled = snap.Metrics.CancelledTasks
	q.stats.retries = snap.Metrics.Retries

	q.logger.Info("snapshot restored", "tasks", len(entries), "taken_at", snap.TakenAt)
	return nil
}
