package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/lifecycle"
	"github.com/aristath/autoqueue/internal/task"
)

// Algorithm selects the next ready task.
type Algorithm string

const (
	AlgorithmPriority     Algorithm = "priority"
	AlgorithmFIFO         Algorithm = "fifo"
	AlgorithmShortestJob  Algorithm = "shortest_job_first"
	AlgorithmCriticalPath Algorithm = "critical_path"
)

// candidate is a dispatchable task with the keys the algorithms sort on.
type candidate struct {
	e          *entry
	dependents int
}

// less reports whether a should be dispatched before b.
type less func(a, b candidate) bool

func byPriority(a, b candidate) bool {
	if a.e.t.Priority != b.e.t.Priority {
		return a.e.t.Priority > b.e.t.Priority
	}
	return a.e.t.Seq < b.e.t.Seq
}

func byArrival(a, b candidate) bool {
	return a.e.t.Seq < b.e.t.Seq
}

// byShortestJob puts tasks without an estimate last.
func byShortestJob(a, b candidate) bool {
	da, db := a.e.t.EstimatedDuration, b.e.t.EstimatedDuration
	if (da == 0) != (db == 0) {
		return db == 0
	}
	if da != db {
		return da < db
	}
	return byPriority(a, b)
}

func byCriticalPath(a, b candidate) bool {
	if a.dependents != b.dependents {
		return a.dependents > b.dependents
	}
	return byPriority(a, b)
}

var algorithms = map[Algorithm]less{
	AlgorithmPriority:     byPriority,
	AlgorithmFIFO:         byArrival,
	AlgorithmShortestJob:  byShortestJob,
	AlgorithmCriticalPath: byCriticalPath,
}

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(s)
	if _, ok := algorithms[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
	return a, nil
}

// Algorithms lists the supported algorithm names.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmPriority, AlgorithmFIFO, AlgorithmShortestJob, AlgorithmCriticalPath}
}

// run is the dispatcher loop.
func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()

	for {
		q.tick()
		select {
		case <-ctx.Done():
			q.logger.Info("dispatcher stopping", "reason", ctx.Err())
			return
		case <-q.stop:
			q.logger.Debug("dispatcher stopped")
			return
		case <-q.wake:
		case <-ticker.C:
			q.housekeep()
		}
	}
}

// tick promotes waiting tasks and fills free slots.
func (q *Queue) tick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return
	}
	q.promoteLocked()
	q.dispatchLocked()
}

// dependencyState classifies the prerequisites of a waiting task.
type dependencyState int

const (
	depsWaiting dependencyState = iota
	depsMet
	depsBroken // a hard prerequisite failed, was cancelled or is blocked, or is missing
)

func (q *Queue) dependencyStateLocked(e *entry) (dependencyState, string) {
	for _, id := range q.graph.MissingDependencies(e.t.ID) {
		status, ok := q.retired[id]
		if !ok {
			return depsBroken, fmt.Sprintf("missing dependency %s", id)
		}
		if !lifecycle.Satisfied(e.t.DependencyOn(id), status) {
			return depsBroken, fmt.Sprintf("dependency %s is %s", id, status)
		}
	}
	state := depsMet
	for _, edge := range q.graph.Prerequisites(e.t.ID) {
		dep := task.Dependency{TaskID: edge.From, Type: edge.Type, Strength: edge.Strength}
		status := task.StatusCompleted
		if pe, ok := q.entries[edge.From]; ok {
			status = pe.t.Status
		}
		if lifecycle.Satisfied(dep, status) {
			continue
		}
		if dep.Normalized().Strength == task.Hard {
			switch status {
			case task.StatusFailed, task.StatusCancelled, task.StatusBlocked:
				return depsBroken, fmt.Sprintf("dependency %s is %s", edge.From, status)
			}
		}
		state = depsWaiting
	}
	return state, ""
}

// promoteLocked moves pending and blocked tasks towards ready, and parks
// tasks whose hard prerequisites can no longer complete.
func (q *Queue) promoteLocked() {
	now := q.clock()
	// A pass can unblock tasks later in admission order; repeat until stable
	// so aggregates complete in the same tick as their last subtask.
	for changed := true; changed; {
		changed = false
		for _, id := range q.order {
			e := q.entries[id]
			status := e.t.Status
			if status != task.StatusPending && status != task.StatusBlocked && status != task.StatusReady {
				continue
			}
			state, why := q.dependencyStateLocked(e)
			switch {
			case state == depsBroken && status != task.StatusBlocked:
				if q.transitionLocked(e, task.StatusBlocked, why) == nil {
					changed = true
				}
			case state == depsMet && status != task.StatusReady:
				if !e.notBefore.IsZero() && now.Before(e.notBefore) {
					continue
				}
				e.notBefore = time.Time{}
				if q.transitionLocked(e, task.StatusReady, "dependencies satisfied") == nil {
					changed = true
				}
			}
			if e.aggregate && e.t.Status == task.StatusReady {
				if q.transitionLocked(e, task.StatusInProgress, "subtasks completed") == nil &&
					q.transitionLocked(e, task.StatusCompleted, "subtasks completed") == nil {
					changed = true
				}
			}
		}
	}
}

// dispatchLocked starts ready tasks while slots are free.
func (q *Queue) dispatchLocked() {
	if q.active >= q.cfg.MaxConcurrentTasks {
		return
	}
	order := algorithms[q.cfg.Algorithm]
	if order == nil {
		order = byPriority
	}

	var cands []candidate
	for _, id := range q.order {
		e := q.entries[id]
		if e.t.Status == task.StatusReady || (e.t.Status == task.StatusPaused && e.resume) {
			c := candidate{e: e}
			if q.cfg.Algorithm == AlgorithmCriticalPath {
				c.dependents = q.graph.TransitiveDependents(id)
			}
			cands = append(cands, c)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return order(cands[i], cands[j]) })

	now := q.clock()
	for _, c := range cands {
		if q.active >= q.cfg.MaxConcurrentTasks {
			return
		}
		e := c.e
		timeout := q.timeoutFor(e.t)
		if len(e.t.Resources) > 0 && !q.pool.AllocateAll(e.t.ID, e.t.Resources, now, now.Add(timeout)) {
			q.logger.Debug("resources busy, skipping", "task_id", e.t.ID)
			continue
		}
		q.startLocked(e, timeout)
	}
}

func (q *Queue) timeoutFor(t *task.Task) time.Duration {
	if t.MaxExecutionTime > 0 {
		return t.MaxExecutionTime
	}
	return q.cfg.DefaultMaxExecutionTime
}

// startLocked moves e to in_progress and launches its body.
func (q *Queue) startLocked(e *entry, timeout time.Duration) {
	reason := "dispatched"
	if e.t.Status == task.StatusPaused {
		reason = "resumed"
	}
	if err := q.transitionLocked(e, task.StatusInProgress, reason); err != nil {
		q.pool.ReleaseAll(e.t.ID)
		return
	}
	e.resume = false
	e.runID++
	q.active++

	parent := q.baseCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	e.cancel = cancel
	tctx, tcancel := context.WithTimeoutCause(ctx, timeout, ErrExecutionTimeout)

	q.logger.Debug("task started", "task_id", e.t.ID, "timeout", timeout, "active", q.active)
	go q.execute(tctx, tcancel, e.t.ID, e.runID, e.fn, e.t.Clone())
}

// execute runs one body and reports its outcome. The select returns as soon
// as the context ends, so a body that ignores cancellation cannot hold a slot.
func (q *Queue) execute(ctx context.Context, cancel context.CancelFunc, id string, runID uint64, fn ExecuteFunc, t *task.Task) {
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		result <- fn(ctx, t)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
	}
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	q.finish(id, runID, err)
}

// finish records the outcome of a run. Runs already settled by Cancel, Pause
// or Shutdown are ignored.
func (q *Queue) finish(id string, runID uint64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.runID != runID || !e.running() {
		return
	}
	q.releaseSlotLocked(e, nil)

	if err == nil {
		_ = q.transitionLocked(e, task.StatusCompleted, "completed")
		q.logger.Info("task completed", "task_id", id, "duration", e.t.ActualDuration)
		q.signal()
		return
	}

	reason := err.Error()
	if errors.Is(err, ErrExecutionTimeout) {
		reason = "execution_timeout"
	}
	if err := q.transitionLocked(e, task.StatusFailed, reason); err != nil {
		return
	}
	q.logger.Warn("task failed", "task_id", id, "reason", reason, "attempt", e.t.RetryCount+1)
	q.scheduleRetryLocked(e)
	q.signal()
}

// scheduleRetryLocked puts a failed task back in pending after its backoff
// delay, or leaves it failed once the retry budget is spent.
func (q *Queue) scheduleRetryLocked(e *entry) {
	res, err := q.life.RetryTask(e.t)
	if err != nil {
		q.logger.Warn("task gave up", "task_id", e.t.ID, "retries", e.t.RetryCount, "error", err)
		return
	}
	now := q.clock()
	e.notBefore = now.Add(res.Delay)
	e.enqueuedAt = now
	q.publish(events.TopicTask, events.TaskRetryScheduledEvent{ID: e.t.ID, Attempt: res.Attempt, Delay: res.Delay, Timestamp: now})
	time.AfterFunc(res.Delay, q.signal)
}

// releaseSlotLocked stops tracking the run of e, cancelling its context with
// cause when non-nil, and frees its slot and resources.
func (q *Queue) releaseSlotLocked(e *entry, cause error) {
	if !e.running() {
		return
	}
	e.cancel(cause)
	e.cancel = nil
	e.runID++
	q.active--
	q.pool.ReleaseAll(e.t.ID)
}

func (q *Queue) transitionLocked(e *entry, to task.Status, reason string) error {
	if err := q.life.TransitionTo(e.t, to, reason); err != nil {
		q.logger.Error("transition rejected", "task_id", e.t.ID, "error", err)
		return err
	}
	return nil
}

// housekeep runs on every tick of the ticker: stalled-task recovery and
// retention.
func (q *Queue) housekeep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recoverStalledLocked()
	q.collectLocked()
}

// recoverStalledLocked handles in_progress tasks with no live body, which
// only happens after Restore of a crashed run.
func (q *Queue) recoverStalledLocked() {
	var orphans []*task.Task
	for _, id := range q.order {
		e := q.entries[id]
		if e.t.Status == task.StatusInProgress && !e.running() && !e.aggregate {
			orphans = append(orphans, e.t)
		}
	}
	if len(orphans) == 0 {
		return
	}
	for _, r := range q.life.RecoverStalled(orphans) {
		q.logger.Warn("recovered stalled task", "task_id", r.TaskID, "to", r.To, "cause", r.Cause)
		if r.To == task.StatusFailed {
			q.scheduleRetryLocked(q.entries[r.TaskID])
		}
	}
	q.signal()
}
