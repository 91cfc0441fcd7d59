package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/graph"
	"github.com/aristath/autoqueue/internal/hooks"
	"github.com/aristath/autoqueue/internal/task"
)

// Spec describes a submission. Execute wins over Func when both are set.
type Spec struct {
	ID                string                     `json:"id,omitempty" yaml:"id,omitempty"`
	Title             string                     `json:"title" yaml:"title"`
	Description       string                     `json:"description,omitempty" yaml:"description,omitempty"`
	Category          string                     `json:"category,omitempty" yaml:"category,omitempty"`
	Priority          task.Priority              `json:"priority" yaml:"priority"`
	Dependencies      []task.Dependency          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Resources         []task.ResourceRequirement `json:"resources,omitempty" yaml:"resources,omitempty"`
	EstimatedDuration time.Duration              `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
	MaxExecutionTime  time.Duration              `json:"max_execution_time,omitempty" yaml:"max_execution_time,omitempty"`
	MaxRetries        *int                       `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Metadata          map[string]any             `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Func              string                     `json:"func,omitempty" yaml:"func,omitempty"`

	Execute ExecuteFunc `json:"-" yaml:"-"`
	Cleanup CleanupFunc `json:"-" yaml:"-"`
}

// Submit builds a task from s and admits it. An empty ID gets a UUID.
func (q *Queue) Submit(s Spec) (string, error) {
	fn := s.Execute
	if fn == nil && s.Func != "" {
		q.mu.Lock()
		fn = q.registry[s.Func]
		q.mu.Unlock()
		if fn == nil {
			return "", fmt.Errorf("submit %q: no function registered as %q: %w", s.Title, s.Func, ErrNilExecute)
		}
	}

	meta, err := task.SanitizeMetadata(s.Metadata)
	if err != nil {
		return "", fmt.Errorf("submit %q: %w", s.Title, err)
	}
	retries := q.cfg.DefaultMaxRetries
	if s.MaxRetries != nil {
		retries = *s.MaxRetries
	}
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}

	t := &task.Task{
		ID:                id,
		Title:             s.Title,
		Description:       s.Description,
		Category:          s.Category,
		Priority:          s.Priority,
		Dependencies:      s.Dependencies,
		Resources:         s.Resources,
		EstimatedDuration: s.EstimatedDuration,
		MaxExecutionTime:  s.MaxExecutionTime,
		MaxRetries:        retries,
		Metadata:          meta,
		FuncName:          s.Func,
	}
	if err := q.admit(t, fn, s.Cleanup); err != nil {
		return "", err
	}
	return id, nil
}

// AddTask admits t in pending. The queue keeps its own copy.
func (q *Queue) AddTask(t *task.Task, fn ExecuteFunc) error {
	if t == nil {
		return fmt.Errorf("add task: %w", task.ErrInvalidTask)
	}
	cp := t.Clone()
	meta, err := task.SanitizeMetadata(cp.Metadata)
	if err != nil {
		return fmt.Errorf("add task %q: %w", cp.ID, err)
	}
	cp.Metadata = meta
	return q.admit(cp, fn, nil)
}

// RegisterCleanup sets the callback run when id is cancelled.
func (q *Queue) RegisterCleanup(id string, fn CleanupFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	e.cleanup = fn
	return nil
}

func (q *Queue) admit(t *task.Task, fn ExecuteFunc, cleanup CleanupFunc) error {
	if fn == nil {
		return fmt.Errorf("add task %q: %w", t.ID, ErrNilExecute)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return ErrShuttingDown
	}
	if _, exists := q.entries[t.ID]; exists {
		return fmt.Errorf("add task %q: %w", t.ID, graph.ErrDuplicate)
	}

	now := q.clock()
	q.seq++
	t.Seq = q.seq
	t.Status = task.StatusPending
	t.RetryCount = 0
	t.CreatedAt, t.UpdatedAt = now, now
	t.StartedAt, t.EndedAt = time.Time{}, time.Time{}
	if t.MaxExecutionTime == 0 {
		t.MaxExecutionTime = q.cfg.DefaultMaxExecutionTime
	}

	if err := q.graph.AddNode(t); err != nil {
		return fmt.Errorf("add task %q: %w", t.ID, err)
	}
	delete(q.retired, t.ID)
	q.insertLocked(&entry{t: t, fn: fn, cleanup: cleanup, enqueuedAt: now})

	q.logger.Info("task admitted", "task_id", t.ID, "priority", t.Priority, "deps", len(t.Dependencies))
	q.publish(events.TopicTask, events.TaskCreatedEvent{ID: t.ID, Title: t.Title, Priority: t.Priority.String(), Timestamp: now})
	q.notify(hooks.KindTaskCreated, t.ID, map[string]any{"title": t.Title, "priority": t.Priority.String()})

	if q.shouldBreakDown(t) {
		if err := q.breakDownLocked(q.entries[t.ID]); err != nil {
			// The task stays whole; breakdown is an optimization.
			q.logger.Warn("breakdown failed", "task_id", t.ID, "error", err)
		}
	}
	q.signal()
	return nil
}

func (q *Queue) insertLocked(e *entry) {
	q.entries[e.t.ID] = e
	q.order = append(q.order, e.t.ID)
	q.admittedLocked(e.t.Status)
}

func (q *Queue) shouldBreakDown(t *task.Task) bool {
	th := q.cfg.BreakdownThreshold
	return th > 0 && t.EstimatedDuration > th && t.BreakdownDepth < q.cfg.MaxBreakdownDepth
}

// breakDownLocked replaces e's work with a chain of subtasks <id>.1..N. The
// original stays in the graph as an aggregate that waits on the last subtask,
// so anything depending on it still waits for all the work. Subtasks that are
// still too large are split again until MaxBreakdownDepth.
func (q *Queue) breakDownLocked(e *entry) error {
	parent := e.t
	th := q.cfg.BreakdownThreshold
	n := int((parent.EstimatedDuration + th - 1) / th)
	n = max(2, min(n, q.cfg.MaxBreakdownParts))

	share := parent.EstimatedDuration / time.Duration(n)
	subs := make([]*task.Task, n)
	for i := range n {
		est := share
		if i == n-1 {
			est = parent.EstimatedDuration - share*time.Duration(n-1)
		}
		meta := parent.Metadata.Clone()
		if meta == nil {
			meta = task.Metadata{}
		}
		meta["part"] = i + 1
		meta["parts"] = n
		subs[i] = &task.Task{
			ID:                fmt.Sprintf("%s.%d", parent.ID, i+1),
			Title:             fmt.Sprintf("%s (part %d/%d)", parent.Title, i+1, n),
			Description:       parent.Description,
			Category:          parent.Category,
			Priority:          parent.Priority,
			Status:            task.StatusPending,
			EstimatedDuration: est,
			MaxExecutionTime:  parent.MaxExecutionTime,
			MaxRetries:        parent.MaxRetries,
			Resources:         append([]task.ResourceRequirement(nil), parent.Resources...),
			Metadata:          meta,
			FuncName:          parent.FuncName,
			ParentID:          parent.ID,
			BreakdownDepth:    parent.BreakdownDepth + 1,
		}
	}
	if err := q.graph.Decompose(parent.ID, subs); err != nil {
		return err
	}

	node, _ := q.graph.Node(parent.ID)
	parent.Dependencies = node.Dependencies
	parent.Resources = nil
	e.aggregate = true

	now := q.clock()
	ids := make([]string, n)
	for i, st := range subs {
		ids[i] = st.ID
		if node, ok := q.graph.Node(st.ID); ok {
			st.Dependencies = node.Dependencies
		}
		q.seq++
		st.Seq = q.seq
		st.CreatedAt, st.UpdatedAt = now, now
		q.insertLocked(&entry{t: st, fn: e.fn, cleanup: e.cleanup, enqueuedAt: now})
	}

	q.logger.Info("task broken down", "task_id", parent.ID, "parts", n, "depth", parent.BreakdownDepth)
	q.publish(events.TopicTask, events.TaskBrokenDownEvent{ID: parent.ID, Subtasks: ids, Timestamp: now})

	for _, st := range subs {
		if q.shouldBreakDown(st) {
			if err := q.breakDownLocked(q.entries[st.ID]); err != nil {
				q.logger.Warn("breakdown failed", "task_id", st.ID, "error", err)
			}
		}
	}
	return nil
}
