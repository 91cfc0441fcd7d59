package lifecycle

import (
	"errors"
	"fmt"

	"github.com/aristath/autoqueue/internal/task"
)

var (
	// ErrIllegalTransition is wrapped by every rejected transition.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrRetryLimit is returned when a task has used all its retries.
	ErrRetryLimit = errors.New("retry limit reached")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	TaskID string
	From   task.Status
	To     task.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %q: %s -> %s is not allowed", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// transitions lists every legal move. Cancellation from any non-terminal state
// is added in init. pending/ready -> blocked lets a dependency failure or
// cancellation park dependents that have not started.
var transitions = map[task.Status]map[task.Status]bool{
	task.StatusPending: {
		task.StatusReady:   true,
		task.StatusBlocked: true,
	},
	task.StatusReady: {
		task.StatusInProgress: true,
		task.StatusBlocked:    true,
	},
	task.StatusInProgress: {
		task.StatusCompleted: true,
		task.StatusFailed:    true,
		task.StatusBlocked:   true,
		task.StatusPaused:    true,
	},
	task.StatusFailed: {
		task.StatusPending: true,
	},
	task.StatusBlocked: {
		task.StatusReady: true,
	},
	task.StatusPaused: {
		task.StatusInProgress: true,
	},
	task.StatusCompleted: {},
	task.StatusCancelled: {},
}

func init() {
	for from, next := range transitions {
		if !from.Terminal() {
			next[task.StatusCancelled] = true
		}
	}
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to task.Status) bool {
	return transitions[from][to]
}

// KnownStatus reports whether s is a lifecycle state.
func KnownStatus(s task.Status) bool {
	_, ok := transitions[s]
	return ok
}

// Satisfied reports whether a dependency in status s lets its dependent start.
// A hard dependency of any type needs the prerequisite completed; the type
// only shapes calendar placement in the planner. A soft dependency needs the
// prerequisite to have stopped.
func Satisfied(dep task.Dependency, s task.Status) bool {
	if dep.Normalized().Strength == task.Soft {
		return s.Finished()
	}
	return s == task.StatusCompleted
}
