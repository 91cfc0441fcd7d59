package persistence

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/logging"
	"github.com/aristath/autoqueue/internal/task"
)

// Lookup returns the current state of a task; queue.Queue.TaskStatus fits.
type Lookup func(id string) (*task.Task, error)

// Recorder journals task changes from the event bus into a Store, so the
// store always holds the latest state of every admitted task.
type Recorder struct {
	store  Store
	lookup Lookup
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil logger discards output.
func NewRecorder(store Store, lookup Lookup, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{store: store, lookup: lookup, logger: logging.Component(logger, "recorder")}
}

// Run writes every task event from sub until ctx ends or sub closes. Store
// failures are logged and do not stop the recorder.
func (r *Recorder) Run(ctx context.Context, sub <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if err := r.Record(ctx, ev); err != nil {
				r.logger.Error("journal write failed", "event", ev.EventType(), "task", ev.TaskID(), "error", err)
			}
		}
	}
}

// Record persists the task an event refers to. Events without a task are
// ignored. A task the queue no longer knows is left as last written.
func (r *Recorder) Record(ctx context.Context, ev events.Event) error {
	id := ev.TaskID()
	if id == "" {
		return nil
	}
	if sc, ok := ev.(events.TaskStateChangedEvent); ok {
		t, err := r.lookup(id)
		if err != nil {
			// Already collected by the queue; a status update is all we can do.
			err = r.store.UpdateTaskStatus(ctx, id, task.Status(sc.To), sc.Reason)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		return r.store.SaveTask(ctx, t)
	}
	t, err := r.lookup(id)
	if err != nil {
		return nil
	}
	return r.store.SaveTask(ctx, t)
}
