package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, TaskStateChangedEvent{ID: "task-1", From: "ready", To: "in_progress", Timestamp: time.Now()})

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStateChanged {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStateChanged, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	monCh := bus.Subscribe(TopicMonitor, 10)

	bus.Publish(TopicMonitor, AlertEvent{AlertID: "a1", Metric: "pending_tasks", Level: "warning"})

	select {
	case e := <-monCh:
		if e.EventType() != EventTypeAlert {
			t.Errorf("got %s", e.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("monitor subscriber got nothing")
	}
	select {
	case e := <-taskCh:
		t.Fatalf("task subscriber received %s", e.EventType())
	default:
	}
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)
	bus.Publish(TopicTask, TaskCreatedEvent{ID: "t"})
	bus.Publish(TopicQueue, QueueProgressEvent{Total: 1})

	got := []string{}
	for range 2 {
		select {
		case e := <-all:
			got = append(got, e.EventType())
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("received only %v", got)
		}
	}
	if got[0] != EventTypeTaskCreated || got[1] != EventTypeQueueProgress {
		t.Errorf("got %v", got)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for range 10 {
			bus.Publish(TopicTask, TaskCreatedEvent{ID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("dropped = %d, want 9", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	bus.Publish(TopicTask, TaskCreatedEvent{ID: "x"})
	bus.Unsubscribe(ch)
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.SubscribeAll(1)
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	bus.Publish(TopicTask, TaskCreatedEvent{ID: "late"})

	late := bus.Subscribe(TopicTask, 1)
	if _, ok := <-late; ok {
		t.Fatal("subscribe after close should return a closed channel")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch := bus.SubscribeAll(1000)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				bus.Publish(TopicQueue, QueueProgressEvent{})
			}
		}()
	}
	wg.Wait()

	if len(ch) != 500 {
		t.Errorf("received %d events, want 500", len(ch))
	}
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(TopicTask, TaskCreatedEvent{})
}
