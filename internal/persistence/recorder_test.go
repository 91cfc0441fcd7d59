package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/queue"
	"github.com/aristath/autoqueue/internal/task"
)

func TestRecorderJournalsTaskStates(t *testing.T) {
	store := testStore(t)
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 256)

	q := queue.New(queue.Config{TickInterval: 10 * time.Millisecond}, queue.WithBus(bus))
	rec := NewRecorder(store, q.TaskStatus, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, sub) }()

	ok := func(context.Context, *task.Task) error { return nil }
	fail := func(context.Context, *task.Task) error { return errors.New("boom") }
	none := 0
	if _, err := q.Submit(queue.Spec{ID: "good", Title: "good", Execute: ok}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(queue.Spec{ID: "bad", Title: "bad", Execute: fail, MaxRetries: &none}); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	want := map[string]task.Status{"good": task.StatusCompleted, "bad": task.StatusFailed}
	deadline := time.Now().Add(2 * time.Second)
	for {
		matched := 0
		for id, status := range want {
			if got, err := store.GetTask(ctx, id); err == nil && got.Status == status {
				matched++
			}
		}
		if matched == len(want) {
			break
		}
		if time.Now().After(deadline) {
			tasks, _ := store.ListTasks(ctx)
			for _, tk := range tasks {
				t.Logf("%s: %s", tk.ID, tk.Status)
			}
			t.Fatal("journal did not catch up with the queue")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestRecorderFallsBackToStatusUpdate(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	if err := store.SaveTask(ctx, newTask("gone", 1)); err != nil {
		t.Fatal(err)
	}

	lookup := func(id string) (*task.Task, error) { return nil, queue.ErrNotFound }
	rec := NewRecorder(store, lookup, nil)

	ev := events.TaskStateChangedEvent{ID: "gone", From: "in_progress", To: "cancelled", Reason: "user"}
	if err := rec.Record(ctx, ev); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := store.GetTask(ctx, "gone")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCancelled || got.FailureReason != "user" {
		t.Errorf("got %s %q, want cancelled by user", got.Status, got.FailureReason)
	}

	// Unknown to both the queue and the store: nothing to do.
	if err := rec.Record(ctx, events.TaskStateChangedEvent{ID: "never", To: "failed"}); err != nil {
		t.Errorf("Record of unknown task: %v", err)
	}
	if err := rec.Record(ctx, events.QueueProgressEvent{}); err != nil {
		t.Errorf("Record of queue event: %v", err)
	}
}
