package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autoqueue/internal/command"
	"github.com/aristath/autoqueue/internal/config"
	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/hooks"
	"github.com/aristath/autoqueue/internal/lifecycle"
	"github.com/aristath/autoqueue/internal/monitor"
	"github.com/aristath/autoqueue/internal/optimizer"
	"github.com/aristath/autoqueue/internal/persistence"
	"github.com/aristath/autoqueue/internal/queue"
	"github.com/aristath/autoqueue/internal/resource"
	"github.com/aristath/autoqueue/internal/task"
)

// queueID names the single queue a process runs.
const queueID = "default"

// journalBuffer absorbs bursts of task events between store writes.
const journalBuffer = 4096

// stack is one queue with everything around it: bus, monitor, optimizer,
// notifier and optional store.
type stack struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	registry  *prometheus.Registry
	queue     *queue.Queue
	monitor   *monitor.Monitor
	optimizer *optimizer.Optimizer
	store     *persistence.SQLiteStore // nil without a store path
	commands  *command.Manager
	funcs     queue.Registry

	group  *errgroup.Group
	cancel context.CancelFunc
}

// newStack builds the components from cfg. pool may be nil. An empty
// storePath falls back to the configured one; both empty means no store.
func newStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *resource.Pool, storePath string) (*stack, error) {
	s := &stack{
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewBus(),
		registry: prometheus.NewRegistry(),
		commands: command.NewManager(command.WithLogger(logger)),
	}
	s.funcs = builtins(s.commands)
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	life := lifecycle.NewManager(cfg.LifecycleOptions(),
		lifecycle.WithBus(s.bus), lifecycle.WithLogger(logger))
	opts := []queue.Option{
		queue.WithBus(s.bus),
		queue.WithLogger(logger),
		queue.WithLifecycle(life),
		queue.WithRegistry(s.funcs),
	}
	if pool != nil {
		opts = append(opts, queue.WithPool(pool))
	}
	if hc, ok := cfg.HookOptions(); ok {
		n, err := hooks.NewHTTPNotifier(hc, logger)
		if err != nil {
			s.bus.Close()
			return nil, err
		}
		opts = append(opts, queue.WithNotifier(n))
	}
	s.queue = queue.New(cfg.QueueOptions(), opts...)

	mon, err := monitor.New(cfg.MonitorOptions(),
		monitor.WithBus(s.bus), monitor.WithLogger(logger), monitor.WithRegisterer(s.registry))
	if err != nil {
		s.bus.Close()
		return nil, fmt.Errorf("monitor: %w", err)
	}
	s.monitor = mon
	s.optimizer = optimizer.New(cfg.OptimizerOptions(queueID), s.queue, mon,
		optimizer.WithBus(s.bus), optimizer.WithLogger(logger))

	if storePath == "" {
		storePath = cfg.Store.Path
	}
	if storePath != "" {
		store, err := persistence.NewSQLiteStore(ctx, storePath)
		if err != nil {
			s.bus.Close()
			return nil, err
		}
		s.store = store
	}
	return s, nil
}

// restore loads the latest stored snapshot into the queue. It must run before
// start; a store without snapshots is not an error.
func (s *stack) restore(ctx context.Context) error {
	if s.store == nil {
		return errors.New("restore needs a store")
	}
	snap, err := s.store.LoadSnapshot(ctx, queueID)
	if errors.Is(err, persistence.ErrNotFound) {
		s.logger.Info("no snapshot to restore")
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.queue.Restore(snap, s.funcs); err != nil {
		return err
	}
	s.logger.Info("snapshot restored", "tasks", len(snap.Tasks), "taken_at", snap.TakenAt)
	return nil
}

// start launches the queue and its background loops.
func (s *stack) start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	if s.store != nil && s.cfg.Store.Journal {
		// The journal runs until the bus closes so it drains the last events.
		rec := persistence.NewRecorder(s.store, s.queue.TaskStatus, s.logger)
		sub := s.bus.Subscribe(events.TopicTask, journalBuffer)
		g.Go(func() error { return rec.Run(context.WithoutCancel(gctx), sub) })
	}
	if err := s.queue.Start(ctx); err != nil {
		s.cancel()
		return err
	}

	g.Go(func() error { return s.monitor.Watch(gctx, queueID, s.queue) })
	if s.cfg.Optimizer.Enabled {
		g.Go(func() error { return s.optimizer.Run(gctx) })
	}
	if s.store != nil && s.cfg.Store.SnapshotInterval > 0 {
		g.Go(func() error { return s.snapshotLoop(gctx) })
	}
	return nil
}

func (s *stack) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Store.SnapshotInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.snapshot(ctx); err != nil {
				s.logger.Error("snapshot failed", "error", err)
			}
		}
	}
}

// snapshot stores the queue state and prunes old snapshots.
func (s *stack) snapshot(ctx context.Context) error {
	id, err := s.store.SaveSnapshot(ctx, queueID, s.queue.Snapshot())
	if err != nil {
		return err
	}
	if keep := s.cfg.Store.KeepSnapshots; keep > 0 {
		if _, err := s.store.PruneSnapshots(ctx, queueID, keep); err != nil {
			return err
		}
	}
	s.logger.Debug("snapshot saved", "id", id)
	return nil
}

// failed lists the tasks that did not complete.
func (s *stack) failed() []*task.Task {
	var out []*task.Task
	for _, t := range s.queue.AllTasks() {
		if t.Status == task.StatusFailed || t.Status == task.StatusBlocked {
			out = append(out, t)
		}
	}
	return out
}

// close drains the queue within ctx, takes a final snapshot and releases
// everything.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if err := s.queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue shutdown: %w", err))
	}
	// Commands whose task was force-cancelled may still be exiting.
	if err := s.commands.KillAll(); err != nil {
		errs = append(errs, err)
	}
	s.bus.Close()
	if s.cancel != nil {
		s.cancel()
		if err := s.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		// Background loops are stopped, so use a fresh context.
		if err := s.snapshot(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
