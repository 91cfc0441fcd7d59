package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/task"
)

// blockUntilDone runs until its context ends and reports the cause.
func blockUntilDone(started chan<- string, causes chan<- error) ExecuteFunc {
	return func(ctx context.Context, t *task.Task) error {
		started <- t.ID
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return ctx.Err()
	}
}

func TestCancelRunningTask(t *testing.T) {
	q := newTestQueue(t, Config{})
	started := make(chan string, 1)
	causes := make(chan error, 1)
	var cleaned atomic.Int32

	if err := q.AddTask(mkTask("a", task.PriorityHigh), blockUntilDone(started, causes)); err != nil {
		t.Fatal(err)
	}
	if err := q.RegisterCleanup("a", func(context.Context, *task.Task) error {
		cleaned.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := q.AddTask(mkTask("b", task.PriorityHigh, "a"), noop); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := q.Cancel("a"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case cause := <-causes:
		if !errors.Is(cause, ErrCancelled) {
			t.Errorf("cause = %v, want ErrCancelled", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("body was not cancelled")
	}

	waitForStatus(t, q, "a", task.StatusCancelled, time.Second)
	waitForStatus(t, q, "b", task.StatusBlocked, time.Second)

	deadline := time.Now().Add(time.Second)
	for cleaned.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cleaned.Load() != 1 {
		t.Errorf("cleanup ran %d times, want 1", cleaned.Load())
	}
	if m := q.Status(); m.ActiveTasks != 0 || m.CancelledTasks != 1 {
		t.Errorf("active=%d cancelled=%d, want 0 and 1", m.ActiveTasks, m.CancelledTasks)
	}
	if err := q.Cancel("a"); err == nil {
		t.Error("cancelling a cancelled task succeeded")
	}
	if err := q.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestCascadeCancel(t *testing.T) {
	q := newTestQueue(t, Config{CascadeCancel: true})
	for _, tk := range []*task.Task{
		mkTask("a", task.PriorityMedium),
		mkTask("b", task.PriorityMedium, "a"),
		mkTask("c", task.PriorityMedium, "b"),
	} {
		if err := q.AddTask(tk, noop); err != nil {
			t.Fatal(err)
		}
	}
	soft := mkTask("d", task.PriorityMedium)
	soft.Dependencies = []task.Dependency{{TaskID: "a", Strength: task.Soft}}
	if err := q.AddTask(soft, noop); err != nil {
		t.Fatal(err)
	}

	if err := q.Cancel("a"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		got, _ := q.TaskStatus(id)
		if got.Status != task.StatusCancelled {
			t.Errorf("%s: status %s, want cancelled", id, got.Status)
		}
	}
	runToIdle(t, q)
	if got, _ := q.TaskStatus("d"); got.Status != task.StatusCompleted {
		t.Errorf("soft dependent: status %s, want completed", got.Status)
	}
}

func TestCleanupTimeoutIsReported(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 64)

	q := newTestQueue(t, Config{CleanupTimeout: 50 * time.Millisecond}, WithBus(bus))
	if err := q.AddTask(mkTask("a", task.PriorityLow), noop); err != nil {
		t.Fatal(err)
	}
	if err := q.RegisterCleanup("a", func(ctx context.Context, _ *task.Task) error {
		time.Sleep(time.Second)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := q.Cancel("a"); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ct, ok := ev.(events.CleanupTimeoutEvent); ok {
				if ct.ID != "a" {
					t.Errorf("event for %q, want a", ct.ID)
				}
				return
			}
		case <-timeout:
			t.Fatal("no cleanup timeout event")
		}
	}
}

func TestPauseResume(t *testing.T) {
	q := newTestQueue(t, Config{})
	var runs atomic.Int32
	started := make(chan struct{}, 2)
	causes := make(chan error, 1)

	fn := func(ctx context.Context, _ *task.Task) error {
		n := runs.Add(1)
		started <- struct{}{}
		if n == 1 {
			<-ctx.Done()
			causes <- context.Cause(ctx)
			return ctx.Err()
		}
		return nil
	}
	if err := q.AddTask(mkTask("a", task.PriorityMedium), fn); err != nil {
		t.Fatal(err)
	}
	if err := q.Pause("a"); err == nil {
		t.Error("paused a task that is not running")
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started
	first, _ := q.TaskStatus("a")

	if err := q.Pause("a"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if cause := <-causes; !errors.Is(cause, ErrPaused) {
		t.Errorf("cause = %v, want ErrPaused", cause)
	}
	waitForStatus(t, q, "a", task.StatusPaused, time.Second)
	if m := q.Status(); m.PausedTasks != 1 || m.ActiveTasks != 0 {
		t.Errorf("paused=%d active=%d, want 1 and 0", m.PausedTasks, m.ActiveTasks)
	}

	if err := q.Resume("a"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	done := waitForStatus(t, q, "a", task.StatusCompleted, 2*time.Second)
	if runs.Load() != 2 {
		t.Errorf("body ran %d times, want 2", runs.Load())
	}
	if !done.StartedAt.Equal(first.StartedAt) {
		t.Errorf("StartedAt changed on resume: %v -> %v", first.StartedAt, done.StartedAt)
	}
	if err := q.Resume("a"); err == nil {
		t.Error("resumed a completed task")
	}
}

func TestShutdownWaitsForRunningTasks(t *testing.T) {
	q := newTestQueue(t, Config{})
	started := make(chan struct{})
	var finished atomic.Bool

	if err := q.AddTask(mkTask("a", task.PriorityMedium), func(context.Context, *task.Task) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !q.Status().IsRunning {
		t.Error("queue not running before Start")
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !finished.Load() {
		t.Error("Shutdown returned before the running task finished")
	}
	if got, _ := q.TaskStatus("a"); got.Status != task.StatusCompleted {
		t.Errorf("status %s, want completed", got.Status)
	}
	if _, err := q.Submit(Spec{Title: "late", Execute: noop}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit after shutdown: got %v, want ErrShuttingDown", err)
	}
	if err := q.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if q.Status().IsRunning {
		t.Error("queue still reports running")
	}
}

func TestShutdownDeadlineCancelsRunningTasks(t *testing.T) {
	q := newTestQueue(t, Config{})
	started := make(chan string, 1)
	causes := make(chan error, 1)
	var cleaned atomic.Bool

	if err := q.AddTask(mkTask("a", task.PriorityMedium), blockUntilDone(started, causes)); err != nil {
		t.Fatal(err)
	}
	if err := q.RegisterCleanup("a", func(context.Context, *task.Task) error {
		cleaned.Store(true)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown: got %v, want DeadlineExceeded", err)
	}
	if cause := <-causes; !errors.Is(cause, ErrShutdown) {
		t.Errorf("cause = %v, want ErrShutdown", cause)
	}
	got, _ := q.TaskStatus("a")
	if got.Status != task.StatusCancelled {
		t.Errorf("status %s, want cancelled", got.Status)
	}
	if !cleaned.Load() {
		t.Error("cleanup did not run before Shutdown returned")
	}
}

func TestCancelBrokenDownTaskCancelsSubtasks(t *testing.T) {
	q := newTestQueue(t, Config{BreakdownThreshold: time.Minute, MaxBreakdownParts: 2, MaxBreakdownDepth: 2})
	rec := &recorder{}
	big := mkTask("big", task.PriorityMedium)
	big.EstimatedDuration = 8 * time.Minute
	if err := q.AddTask(big, rec.fn); err != nil {
		t.Fatal(err)
	}
	if err := q.AddTask(mkTask("other", task.PriorityMedium), rec.fn); err != nil {
		t.Fatal(err)
	}

	if err := q.Cancel("big"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	runToIdle(t, q)

	if got := rec.got(); !equalOrder(got, []string{"other"}) {
		t.Errorf("ran %v, want only other", got)
	}
	for _, id := range []string{"big", "big.1", "big.2", "big.1.1", "big.1.2", "big.2.1", "big.2.2"} {
		got, err := q.TaskStatus(id)
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if got.Status != task.StatusCancelled {
			t.Errorf("%s is %s, want cancelled", id, got.Status)
		}
	}
}

func TestCancelRunningSubtaskParent(t *testing.T) {
	q := newTestQueue(t, Config{BreakdownThreshold: time.Minute})
	started := make(chan string, 4)
	causes := make(chan error, 4)
	big := mkTask("big", task.PriorityMedium)
	big.EstimatedDuration = 3 * time.Minute
	if err := q.AddTask(big, blockUntilDone(started, causes)); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if id := <-started; id != "big.1" {
		t.Fatalf("first body = %s, want big.1", id)
	}

	if err := q.Cancel("big"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case cause := <-causes:
		if !errors.Is(cause, ErrCancelled) {
			t.Errorf("cause = %v, want ErrCancelled", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("running subtask was not cancelled")
	}
	for _, id := range []string{"big.1", "big.2", "big.3"} {
		waitForStatus(t, q, id, task.StatusCancelled, time.Second)
	}
	select {
	case id := <-started:
		t.Errorf("%s started after its parent was cancelled", id)
	case <-time.After(50 * time.Millisecond):
	}
}
