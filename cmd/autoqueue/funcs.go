package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/autoqueue/internal/command"
	"github.com/aristath/autoqueue/internal/queue"
	"github.com/aristath/autoqueue/internal/task"
)

// builtins are the task bodies task files and API submissions can name with
// func:.
//
//	noop   returns at once
//	sleep  waits metadata.duration, or the estimated duration
//	fail   fails with metadata.message
//	flaky  fails its first metadata.failures attempts (default 1)
//	shell  runs metadata.command with /bin/sh, in metadata.dir when set
func builtins(cmds *command.Manager) queue.Registry {
	return queue.Registry{
		"noop":  noopFunc,
		"sleep": sleepFunc,
		"fail":  failFunc,
		"flaky": flakyFunc,
		"shell": cmds.TaskFunc(),
	}
}

func noopFunc(context.Context, *task.Task) error { return nil }

func sleepFunc(ctx context.Context, t *task.Task) error {
	d := t.EstimatedDuration
	if s, ok := t.Metadata["duration"].(string); ok {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("sleep: %w", err)
		}
		d = parsed
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

func failFunc(_ context.Context, t *task.Task) error {
	if msg, ok := t.Metadata["message"].(string); ok && msg != "" {
		return errors.New(msg)
	}
	return fmt.Errorf("task %s failed", t.ID)
}

func flakyFunc(_ context.Context, t *task.Task) error {
	failures := 1
	switch v := t.Metadata["failures"].(type) {
	case int64:
		failures = int(v)
	case float64:
		failures = int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			failures = n
		}
	}
	if t.RetryCount < failures {
		return fmt.Errorf("task %s: attempt %d of %d planned failures", t.ID, t.RetryCount+1, failures)
	}
	return nil
}
