package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/autoqueue/internal/logging"
)

// Kind names what a notification is about.
type Kind string

const (
	KindTaskCreated       Kind = "task_created"
	KindProgress          Kind = "progress"
	KindStopAuthorization Kind = "stop_authorization"
)

// Notification is the payload handed to a Notifier.
type Notification struct {
	Kind      Kind           `json:"kind"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers notifications to an external collaborator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Safe wraps a Notifier so that errors and panics are logged and never
// returned to the caller.
type Safe struct {
	inner   Notifier
	logger  *slog.Logger
	timeout time.Duration
	failed  atomic.Uint64
}

// NewSafe wraps inner. timeout bounds each call; 0 means 10s.
func NewSafe(inner Notifier, logger *slog.Logger, timeout time.Duration) *Safe {
	if inner == nil {
		inner = Nop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Safe{inner: inner, logger: logging.Component(logger, "hooks"), timeout: timeout}
}

// Notify always returns nil.
func (s *Safe) Notify(ctx context.Context, n Notification) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.logger.Error("notifier panicked", "kind", n.Kind, "task_id", n.TaskID, "panic", fmt.Sprint(r))
			err = nil
		}
	}()

	if ierr := s.inner.Notify(ctx, n); ierr != nil {
		s.failed.Add(1)
		s.logger.Warn("notification failed", "kind", n.Kind, "task_id", n.TaskID, "error", ierr)
	}
	return nil
}

// Failures counts swallowed errors and panics.
func (s *Safe) Failures() uint64 { return s.failed.Load() }

// Async hands notifications to a single worker goroutine through a buffered
// channel, so callers never wait on the collaborator. When the buffer is full
// the notification is dropped and counted.
type Async struct {
	inner   Notifier
	ch      chan Notification
	done    chan struct{}
	logger  *slog.Logger
	dropped atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsync starts the worker. bufSize <= 0 means 128.
func NewAsync(inner Notifier, bufSize int, logger *slog.Logger) *Async {
	if bufSize <= 0 {
		bufSize = 128
	}
	a := &Async{
		inner:  NewSafe(inner, logger, 0),
		ch:     make(chan Notification, bufSize),
		done:   make(chan struct{}),
		logger: logging.Component(logger, "hooks"),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for n := range a.ch {
		_ = a.inner.Notify(context.Background(), n)
	}
}

// Notify enqueues n. It never blocks and always returns nil.
func (a *Async) Notify(_ context.Context, n Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return nil
	}
	select {
	case a.ch <- n:
	default:
		a.dropped.Add(1)
		a.logger.Debug("notification dropped, buffer full", "kind", n.Kind)
	}
	return nil
}

// Dropped counts notifications that were not delivered to the worker.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting notifications and waits for the worker to drain the
// buffer, or for ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
