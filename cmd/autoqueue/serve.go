package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autoqueue/internal/config"
	"github.com/aristath/autoqueue/internal/logging"
	"github.com/aristath/autoqueue/internal/queue"
	"github.com/aristath/autoqueue/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr      string
		storePath string
		restore   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue behind the REST API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := newStack(ctx, a.cfg, a.logger, nil, storePath)
			if err != nil {
				return err
			}
			if restore {
				if err := s.restore(ctx); err != nil {
					_ = s.close(ctx)
					return err
				}
			}
			if err := s.start(ctx); err != nil {
				_ = s.close(ctx)
				return err
			}

			srv := server.New(s.queue, a.logger,
				server.WithQueueID(queueID),
				server.WithMonitor(s.monitor),
				server.WithOptimizer(s.optimizer),
				server.WithBus(s.bus),
				server.WithGatherer(s.registry),
			)
			sc := a.cfg.Server
			if addr != "" {
				sc.Addr = addr
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx, server.Config{
					Addr:            sc.Addr,
					ReadTimeout:     sc.ReadTimeout.D(),
					WriteTimeout:    sc.WriteTimeout.D(),
					ShutdownTimeout: sc.ShutdownTimeout.D(),
				})
			})
			g.Go(func() error {
				// Losing the watcher only stops hot reload.
				err := config.Watch(gctx, a.globalPath, a.projectPath, a.logger, func(cfg *config.Config, err error) {
					if err != nil {
						a.logger.Warn("config reload rejected", "error", err)
						return
					}
					a.reload(s.queue, cfg)
				})
				if err != nil {
					a.logger.Warn("config watch stopped", "error", err)
				}
				return nil
			})
			runErr := g.Wait()

			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.ShutdownTimeout.D())
			defer cancel()
			if err := s.close(closeCtx); err != nil {
				a.logger.Error("shutdown incomplete", "error", err)
				if runErr == nil {
					runErr = err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&storePath, "store", "", "SQLite file for snapshots and the task journal (overrides store.path)")
	cmd.Flags().BoolVar(&restore, "restore", false, "Restore the latest snapshot from the store on start")
	return cmd
}

// reload applies the settings that can change while the queue runs: the
// scheduling tunables and the log level. Everything else needs a restart.
func (a *app) reload(q *queue.Queue, cfg *config.Config) {
	next := q.Settings()
	next.MaxConcurrentTasks = cfg.Queue.MaxConcurrentTasks
	next.Algorithm = queue.Algorithm(cfg.Queue.Algorithm)
	next.BreakdownThreshold = cfg.Queue.BreakdownThreshold.D()
	if err := q.ApplySettings(next); err != nil {
		a.logger.Warn("config reload rejected", "error", fmt.Errorf("queue settings: %w", err))
		return
	}
	if a.logLevel == "" {
		a.level.Set(logging.ParseLevel(cfg.Log.Level))
	}
	a.cfg = cfg
	a.logger.Info("config reloaded",
		"max_concurrent_tasks", next.MaxConcurrentTasks, "algorithm", next.Algorithm)
}
