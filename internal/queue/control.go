package queue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/hooks"
	"github.com/aristath/autoqueue/internal/lifecycle"
	"github.com/aristath/autoqueue/internal/task"
)

// pendingCleanup is a cleanup callback to run outside the queue lock.
type pendingCleanup struct {
	t  *task.Task
	fn CleanupFunc
}

// Cancel stops a task from any non-terminal state. A running body has its
// context cancelled and its slot freed at once. Cancelling a broken-down task
// cancels all of its subtasks, at every depth. Hard dependents that have not
// started are blocked, or cancelled as well when CascadeCancel is set.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !lifecycle.CanTransition(e.t.Status, task.StatusCancelled) {
		q.mu.Unlock()
		return &lifecycle.TransitionError{TaskID: id, From: e.t.Status, To: task.StatusCancelled}
	}

	var cleanups []pendingCleanup
	q.cancelLocked(e, "cancelled", ErrCancelled, &cleanups)
	if e.aggregate {
		for _, sub := range q.subtasksLocked(id) {
			if !sub.t.Status.Terminal() {
				q.cancelLocked(sub, fmt.Sprintf("parent %s cancelled", id), ErrCancelled, &cleanups)
			}
		}
	}

	if q.cfg.CascadeCancel {
		for _, dep := range q.hardDependentsLocked(id) {
			if d := q.entries[dep]; d != nil && !d.t.Status.Terminal() {
				q.cancelLocked(d, fmt.Sprintf("dependency %s cancelled", id), ErrCancelled, &cleanups)
			}
		}
	} else {
		q.promoteLocked()
	}
	q.cleanups.Add(len(cleanups))
	q.mu.Unlock()

	for _, c := range cleanups {
		go func() {
			defer q.cleanups.Done()
			q.runCleanup(c)
		}()
	}
	q.signal()
	return nil
}

func (q *Queue) cancelLocked(e *entry, reason string, cause error, out *[]pendingCleanup) {
	q.releaseSlotLocked(e, cause)
	e.resume = false
	if err := q.transitionLocked(e, task.StatusCancelled, reason); err != nil {
		return
	}
	q.logger.Info("task cancelled", "task_id", e.t.ID, "reason", reason)
	if e.cleanup != nil {
		*out = append(*out, pendingCleanup{t: e.t.Clone(), fn: e.cleanup})
	}
}

// subtasksLocked returns every entry whose parent chain leads to id.
func (q *Queue) subtasksLocked(id string) []*entry {
	var out []*entry
	for _, sid := range q.order {
		e := q.entries[sid]
		for parent := e.t.ParentID; parent != ""; {
			if parent == id {
				out = append(out, e)
				break
			}
			pe, ok := q.entries[parent]
			if !ok {
				break
			}
			parent = pe.t.ParentID
		}
	}
	return out
}

// hardDependentsLocked returns every task reachable from id over hard edges,
// nearest first.
func (q *Queue) hardDependentsLocked(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	frontier := []string{id}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, d := range q.graph.Dependents(cur) {
			if seen[d] {
				continue
			}
			for _, edge := range q.graph.Prerequisites(d) {
				if edge.From == cur && edge.Strength != task.Soft {
					seen[d] = true
					out = append(out, d)
					frontier = append(frontier, d)
					break
				}
			}
		}
	}
	return out
}

// runCleanup runs one cleanup callback under CleanupTimeout. An overrun is
// reported and abandoned.
func (q *Queue) runCleanup(c pendingCleanup) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.CleanupTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		done <- c.fn(ctx, c.t)
	}()

	select {
	case err := <-done:
		if err != nil {
			q.logger.Warn("cleanup failed", "task_id", c.t.ID, "error", err)
		}
	case <-ctx.Done():
		q.logger.Warn("cleanup_timeout", "task_id", c.t.ID, "timeout", q.cfg.CleanupTimeout)
		q.publish(events.TopicTask, events.CleanupTimeoutEvent{ID: c.t.ID, Timeout: q.cfg.CleanupTimeout, Timestamp: q.clock()})
	}
}

// Retry puts a failed task back in pending with a fresh retry budget. It is
// dispatched on the next tick, without backoff delay.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if e.t.Status != task.StatusFailed {
		return &lifecycle.TransitionError{TaskID: id, From: e.t.Status, To: task.StatusPending}
	}
	e.t.RetryCount = 0
	if e.t.MaxRetries == 0 {
		e.t.MaxRetries = 1
	}
	if _, err := q.life.RetryTask(e.t); err != nil {
		return err
	}
	e.notBefore = time.Time{}
	e.enqueuedAt = q.clock()
	q.logger.Info("task retried by request", "task_id", id)
	q.signal()
	return nil
}

// Pause stops a running task and frees its slot. The body is cancelled with
// cause ErrPaused; Resume runs it again from the start, keeping its original
// start time.
func (q *Queue) Pause(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if e.t.Status != task.StatusInProgress || e.aggregate {
		return &lifecycle.TransitionError{TaskID: id, From: e.t.Status, To: task.StatusPaused}
	}
	q.releaseSlotLocked(e, ErrPaused)
	if err := q.transitionLocked(e, task.StatusPaused, "paused"); err != nil {
		return err
	}
	q.signal()
	return nil
}

// Resume makes a paused task eligible for the next free slot.
func (q *Queue) Resume(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if e.t.Status != task.StatusPaused {
		return &lifecycle.TransitionError{TaskID: id, From: e.t.Status, To: task.StatusInProgress}
	}
	e.resume = true
	q.broadcastLocked()
	q.signal()
	return nil
}

// Shutdown stops admission and dispatch, asks the notification hook for stop
// authorization, and waits for running tasks. If ctx ends first, running tasks
// are cancelled and their cleanups run before Shutdown returns ctx's error.
// Later calls wait for the first one and return its result.
func (q *Queue) Shutdown(ctx context.Context) error {
	first := false
	q.shutdownOnce.Do(func() { first = true })
	if first {
		q.shutdownErr = q.shutdown(ctx)
		close(q.closed)
		return q.shutdownErr
	}
	select {
	case <-q.closed:
		return q.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closing = true
	inFlight := q.active
	started := q.started
	now := q.clock()
	q.broadcastLocked()
	q.mu.Unlock()

	q.logger.Info("queue shutting down", "in_flight", inFlight)
	q.publish(events.TopicQueue, events.QueueShutdownEvent{InFlight: inFlight, Timestamp: now})
	_ = q.stopNotif.Notify(ctx, hooks.Notification{
		Kind: hooks.KindStopAuthorization, Timestamp: now,
		Data: map[string]any{"in_flight": inFlight},
	})

	var result error
	if err := q.waitFor(ctx, func() bool { return q.active == 0 }); err != nil {
		n := q.forceCancel()
		result = fmt.Errorf("shutdown: cancelled %d running tasks: %w", n, err)
	}

	close(q.stop)
	if started {
		<-q.done
	}

	q.cleanups.Wait()
	if q.async != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), q.cfg.CleanupTimeout)
		if err := q.async.Close(closeCtx); err != nil {
			q.logger.Warn("notifier did not drain", "error", err)
		}
		cancel()
	}
	q.logger.Info("queue stopped")
	return result
}

// forceCancel cancels every running task and runs their cleanups
// concurrently, each bounded by CleanupTimeout.
func (q *Queue) forceCancel() int {
	q.mu.Lock()
	var cleanups []pendingCleanup
	n := 0
	for _, id := range q.order {
		e := q.entries[id]
		if e.running() {
			q.cancelLocked(e, "shutdown", ErrShutdown, &cleanups)
			n++
		}
	}
	q.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, c := range cleanups {
		g.Go(func() error {
			q.runCleanup(c)
			return nil
		})
	}
	_ = g.Wait()
	return n
}

// collectLocked drops finished tasks older than RetentionWindow. A task is
// kept while a dependent that has not finished still needs it. The final
// status of a dropped task is remembered so later arrivals can still depend
// on it.
func (q *Queue) collectLocked() {
	if q.cfg.RetentionWindow <= 0 {
		return
	}
	cutoff := q.clock().Add(-q.cfg.RetentionWindow)
	var keep []string
	removed := 0
	for _, id := range q.order {
		e := q.entries[id]
		if !e.t.Status.Finished() || e.t.UpdatedAt.After(cutoff) || q.hasLiveDependentLocked(id) {
			keep = append(keep, id)
			continue
		}
		_ = q.graph.RemoveNode(id)
		q.retired[id] = e.t.Status
		q.life.Forget(id)
		q.forgottenLocked(e.t.Status)
		delete(q.entries, id)
		removed++
	}
	if removed > 0 {
		q.order = keep
		q.logger.Debug("retention", "removed", removed, "remaining", len(keep))
	}
}

func (q *Queue) hasLiveDependentLocked(id string) bool {
	for _, d := range q.graph.Dependents(id) {
		if de, ok := q.entries[d]; ok && !de.t.Status.Finished() {
			return true
		}
	}
	return false
}
