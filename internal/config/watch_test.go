package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "queue:\n  max_concurrent_tasks: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		cfg *Config
		err error
	}
	reloads := make(chan result, 64)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, "", path, nil, func(cfg *Config, err error) { reloads <- result{cfg, err} })
	}()

	// Rewrite until the watcher, which starts asynchronously, sees a change.
	deadline := time.Now().Add(5 * time.Second)
	var r result
	for {
		writeFile(t, path, "queue:\n  max_concurrent_tasks: 6\n")
		select {
		case r = <-reloads:
		case <-time.After(300 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("watcher never reported a change")
			}
			continue
		}
		break
	}
	if r.err != nil || r.cfg.Queue.MaxConcurrentTasks != 6 {
		t.Fatalf("reload = %+v, %v", r.cfg, r.err)
	}

	// Earlier rewrites may still be in flight; wait for the rejection.
	writeFile(t, path, "queue:\n  algorithm: random\n")
	timeout := time.After(5 * time.Second)
	for r.err == nil {
		select {
		case r = <-reloads:
		case <-timeout:
			t.Fatal("invalid config never reported")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Watch did not stop with its context")
	}
}
