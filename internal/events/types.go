package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topics
const (
	TopicTask      = "task"
	TopicQueue     = "queue"
	TopicMonitor   = "monitor"
	TopicOptimizer = "optimizer"
)

// Event types
const (
	EventTypeTaskCreated        = "task.created"
	EventTypeTaskStateChanged   = "task.state_changed"
	EventTypeTaskBrokenDown     = "task.broken_down"
	EventTypeTaskRetryScheduled = "task.retry_scheduled"
	EventTypeCleanupTimeout     = "task.cleanup_timeout"
	EventTypeQueueProgress      = "queue.progress"
	EventTypeQueueShutdown      = "queue.shutdown"
	EventTypeAlert              = "monitor.alert"
	EventTypeOptimization       = "optimizer.change"
)

// TaskCreatedEvent is published when a task is admitted.
type TaskCreatedEvent struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }

// TaskStateChangedEvent is published after every lifecycle transition.
type TaskStateChangedEvent struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Forced    bool      `json:"forced,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStateChangedEvent) EventType() string { return EventTypeTaskStateChanged }
func (e TaskStateChangedEvent) TaskID() string    { return e.ID }

// TaskBrokenDownEvent is published when an oversized task is split.
type TaskBrokenDownEvent struct {
	ID        string    `json:"id"`
	Subtasks  []string  `json:"subtasks"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskBrokenDownEvent) EventType() string { return EventTypeTaskBrokenDown }
func (e TaskBrokenDownEvent) TaskID() string    { return e.ID }

// TaskRetryScheduledEvent is published when a failed task goes back to pending.
type TaskRetryScheduledEvent struct {
	ID        string        `json:"id"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskRetryScheduledEvent) EventType() string { return EventTypeTaskRetryScheduled }
func (e TaskRetryScheduledEvent) TaskID() string    { return e.ID }

// CleanupTimeoutEvent is published when a cancellation cleanup overruns.
type CleanupTimeoutEvent struct {
	ID        string        `json:"id"`
	Timeout   time.Duration `json:"timeout"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e CleanupTimeoutEvent) EventType() string { return EventTypeCleanupTimeout }
func (e CleanupTimeoutEvent) TaskID() string    { return e.ID }

// QueueProgressEvent summarizes the queue after a state change.
type QueueProgressEvent struct {
	Total     int       `json:"total"`
	Pending   int       `json:"pending"`
	Ready     int       `json:"ready"`
	Running   int       `json:"running"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Blocked   int       `json:"blocked"`
	Cancelled int       `json:"cancelled"`
	Timestamp time.Time `json:"timestamp"`
}

func (e QueueProgressEvent) EventType() string { return EventTypeQueueProgress }
func (e QueueProgressEvent) TaskID() string    { return "" }

// QueueShutdownEvent is published when the queue stops admitting work.
type QueueShutdownEvent struct {
	InFlight  int       `json:"in_flight"`
	Timestamp time.Time `json:"timestamp"`
}

func (e QueueShutdownEvent) EventType() string { return EventTypeQueueShutdown }
func (e QueueShutdownEvent) TaskID() string    { return "" }

// AlertEvent is published when a monitored metric changes alert level.
type AlertEvent struct {
	AlertID   string    `json:"alert_id"`
	QueueID   string    `json:"queue_id"`
	Metric    string    `json:"metric"`
	Level     string    `json:"level"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e AlertEvent) EventType() string { return EventTypeAlert }
func (e AlertEvent) TaskID() string    { return "" }

// OptimizationEvent is published when the optimizer applies or reverts a change.
type OptimizationEvent struct {
	RecommendationID string    `json:"recommendation_id"`
	Kind             string    `json:"kind"`
	Action           string    `json:"action"` // applied, rolled_back, kept
	Detail           string    `json:"detail,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

func (e OptimizationEvent) EventType() string { return EventTypeOptimization }
func (e OptimizationEvent) TaskID() string    { return "" }
