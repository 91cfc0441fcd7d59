package queue

import (
	"fmt"
	"time"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/hooks"
	"github.com/aristath/autoqueue/internal/task"
)

// stats is maintained by onStateChange under the queue lock.
type stats struct {
	counts    map[task.Status]int
	processed int // completions
	failures  int // transitions into failed, retried or not
	retries   int
	cancelled int

	waitTotal time.Duration
	waitN     int
	execTotal time.Duration
	execN     int
}

// Metrics is a point-in-time view of the queue.
type Metrics struct {
	IsRunning          bool          `json:"is_running"` // until Shutdown, started or not
	TotalTasks         int           `json:"total_tasks"`
	PendingTasks       int           `json:"pending_tasks"`
	ReadyTasks         int           `json:"ready_tasks"`
	ActiveTasks        int           `json:"active_tasks"`
	BlockedTasks       int           `json:"blocked_tasks"`
	PausedTasks        int           `json:"paused_tasks"`
	TasksProcessed     int           `json:"tasks_processed"`
	FailedTasks        int           `json:"failed_tasks"`
	CancelledTasks     int           `json:"cancelled_tasks"`
	Retries            int           `json:"retries"`
	ErrorRate          float64       `json:"error_rate"`
	Throughput         float64       `json:"throughput"` // completions per minute since Start
	AverageWaitTime    time.Duration `json:"average_wait_time"`
	AverageExecTime    time.Duration `json:"average_execution_time"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	Algorithm          Algorithm     `json:"algorithm"`
	Timestamp          time.Time     `json:"timestamp"`
}

// onStateChange is registered with the lifecycle manager. Every queue
// transition happens under q.mu, so the listener runs with the lock held.
func (q *Queue) onStateChange(t *task.Task, from, to task.Status, reason string) {
	e, ok := q.entries[t.ID]
	if !ok || e.t != t {
		return
	}
	now := q.clock()
	q.stats.counts[from]--
	q.stats.counts[to]++

	switch to {
	case task.StatusInProgress:
		if from != task.StatusPaused && !e.enqueuedAt.IsZero() {
			q.stats.waitTotal += now.Sub(e.enqueuedAt)
			q.stats.waitN++
		}
	case task.StatusCompleted:
		q.stats.processed++
	case task.StatusFailed:
		q.stats.failures++
	case task.StatusCancelled:
		q.stats.cancelled++
	case task.StatusPending:
		if from == task.StatusFailed {
			q.stats.retries++
		}
	}
	if !e.aggregate && from == task.StatusInProgress && (to == task.StatusCompleted || to == task.StatusFailed) && !t.StartedAt.IsZero() {
		q.stats.execTotal += t.EndedAt.Sub(t.StartedAt)
		q.stats.execN++
	}

	q.graph.SetStatus(t.ID, to)
	q.broadcastLocked()

	if to == task.StatusCompleted || to == task.StatusFailed || to == task.StatusCancelled {
		m := q.metricsLocked()
		q.publish(events.TopicQueue, progressEvent(m))
		q.notify(hooks.KindProgress, t.ID, map[string]any{
			"status":    string(to),
			"reason":    reason,
			"processed": m.TasksProcessed,
			"pending":   m.PendingTasks,
			"active":    m.ActiveTasks,
		})
	}
}

// admittedLocked counts a task entering the queue outside a transition.
func (q *Queue) admittedLocked(s task.Status) {
	q.stats.counts[s]++
	q.broadcastLocked()
}

// forgottenLocked uncounts a task dropped by retention.
func (q *Queue) forgottenLocked(s task.Status) {
	q.stats.counts[s]--
}

// Status returns the queue metrics.
func (q *Queue) Status() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metricsLocked()
}

func (q *Queue) metricsLocked() Metrics {
	now := q.clock()
	m := Metrics{
		IsRunning:          !q.closing,
		TotalTasks:         len(q.entries),
		PendingTasks:       q.stats.counts[task.StatusPending],
		ReadyTasks:         q.stats.counts[task.StatusReady],
		ActiveTasks:        q.active,
		BlockedTasks:       q.stats.counts[task.StatusBlocked],
		PausedTasks:        q.stats.counts[task.StatusPaused],
		TasksProcessed:     q.stats.processed,
		FailedTasks:        q.stats.failures,
		CancelledTasks:     q.stats.cancelled,
		Retries:            q.stats.retries,
		MaxConcurrentTasks: q.cfg.MaxConcurrentTasks,
		Algorithm:          q.cfg.Algorithm,
		Timestamp:          now,
	}
	if done := q.stats.processed + q.stats.failures; done > 0 {
		m.ErrorRate = float64(q.stats.failures) / float64(done)
	}
	if q.stats.waitN > 0 {
		m.AverageWaitTime = q.stats.waitTotal / time.Duration(q.stats.waitN)
	}
	if q.stats.execN > 0 {
		m.AverageExecTime = q.stats.execTotal / time.Duration(q.stats.execN)
	}
	if q.started {
		if up := now.Sub(q.startAt); up > 0 {
			m.Throughput = float64(q.stats.processed) / up.Minutes()
		}
	}
	return m
}

func progressEvent(m Metrics) events.QueueProgressEvent {
	return events.QueueProgressEvent{
		Total:     m.TotalTasks,
		Pending:   m.PendingTasks,
		Ready:     m.ReadyTasks,
		Running:   m.ActiveTasks,
		Completed: m.TasksProcessed,
		Failed:    m.FailedTasks,
		Blocked:   m.BlockedTasks,
		Cancelled: m.CancelledTasks,
		Timestamp: m.Timestamp,
	}
}

// Settings are the knobs the optimizer may turn.
type Settings struct {
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	Algorithm          Algorithm     `json:"algorithm"`
	BreakdownThreshold time.Duration `json:"breakdown_threshold"`
}

// Settings returns the current tunables.
func (q *Queue) Settings() Settings {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Settings{
		MaxConcurrentTasks: q.cfg.MaxConcurrentTasks,
		Algorithm:          q.cfg.Algorithm,
		BreakdownThreshold: q.cfg.BreakdownThreshold,
	}
}

// ApplySettings replaces the tunables. Lowering the concurrency limit does not
// stop running tasks; it only delays new dispatches.
func (q *Queue) ApplySettings(s Settings) error {
	if s.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max concurrent tasks must be positive, got %d", s.MaxConcurrentTasks)
	}
	if _, ok := algorithms[s.Algorithm]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s.Algorithm)
	}
	if s.BreakdownThreshold < 0 {
		return fmt.Errorf("breakdown threshold must not be negative")
	}

	q.mu.Lock()
	old := Settings{MaxConcurrentTasks: q.cfg.MaxConcurrentTasks, Algorithm: q.cfg.Algorithm, BreakdownThreshold: q.cfg.BreakdownThreshold}
	q.cfg.MaxConcurrentTasks = s.MaxConcurrentTasks
	q.cfg.Algorithm = s.Algorithm
	q.cfg.BreakdownThreshold = s.BreakdownThreshold
	q.mu.Unlock()

	q.logger.Info("settings applied",
		"max_concurrent", s.MaxConcurrentTasks, "was_max_concurrent", old.MaxConcurrentTasks,
		"algorithm", s.Algorithm, "was_algorithm", old.Algorithm)
	q.signal()
	return nil
}
