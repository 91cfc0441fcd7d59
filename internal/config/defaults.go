package config

import (
	"time"

	"github.com/aristath/autoqueue/internal/hooks"
	"github.com/aristath/autoqueue/internal/lifecycle"
	"github.com/aristath/autoqueue/internal/monitor"
	"github.com/aristath/autoqueue/internal/optimizer"
	"github.com/aristath/autoqueue/internal/queue"
)

// DefaultConfig returns the default configuration, built from each
// component's own defaults.
func DefaultConfig() *Config {
	q := queue.DefaultConfig()
	l := lifecycle.DefaultConfig()
	m := monitor.DefaultConfig()
	o := optimizer.DefaultConfig()
	return &Config{
		Queue: QueueConfig{
			MaxConcurrentTasks:      q.MaxConcurrentTasks,
			Algorithm:               string(q.Algorithm),
			BreakdownThreshold:      Duration(q.BreakdownThreshold),
			MaxBreakdownDepth:       q.MaxBreakdownDepth,
			MaxBreakdownParts:       q.MaxBreakdownParts,
			DefaultMaxExecutionTime: Duration(q.DefaultMaxExecutionTime),
			DefaultMaxRetries:       q.DefaultMaxRetries,
			CleanupTimeout:          Duration(q.CleanupTimeout),
			TickInterval:            Duration(q.TickInterval),
			CascadeCancel:           q.CascadeCancel,
			RetentionWindow:         Duration(q.RetentionWindow),
		},
		Lifecycle: LifecycleConfig{
			BaseRetryDelay: Duration(l.BaseRetryDelay),
			MaxRetryDelay:  Duration(l.MaxRetryDelay),
			StallTimeout:   Duration(l.StallTimeout),
		},
		Monitor: MonitorConfig{
			Interval:      Duration(m.Interval),
			MaxDataPoints: m.MaxDataPoints,
			MaxAlerts:     m.MaxAlerts,
			Thresholds:    m.Thresholds,
		},
		Optimizer: OptimizerConfig{
			Enabled:         false,
			AutoApply:       o.AutoApply,
			Interval:        Duration(o.Interval),
			Window:          o.Window,
			EvaluationDelay: Duration(o.EvaluationDelay),
			MinSamples:      o.MinSamples,
			MinConcurrency:  o.MinConcurrency,
			MaxConcurrency:  o.MaxConcurrency,
			MinConfidence:   o.MinConfidence,
			MaxErrorRate:    o.Targets.MaxErrorRate,
			MaxWaitTime:     Duration(o.Targets.MaxWaitTime),
		},
		Hooks: HooksConfig{
			Timeout:         Duration(5 * time.Second),
			RatePerSecond:   10,
			Burst:           5,
			MaxElapsedTime:  Duration(30 * time.Second),
			BreakerFailures: 5,
			BreakerTimeout:  Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Store: StoreConfig{
			SnapshotInterval: Duration(time.Minute),
			KeepSnapshots:    10,
			Journal:          true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// QueueOptions converts the queue section.
func (c *Config) QueueOptions() queue.Config {
	q := c.Queue
	return queue.Config{
		MaxConcurrentTasks:      q.MaxConcurrentTasks,
		Algorithm:               queue.Algorithm(q.Algorithm),
		BreakdownThreshold:      q.BreakdownThreshold.D(),
		MaxBreakdownDepth:       q.MaxBreakdownDepth,
		MaxBreakdownParts:       q.MaxBreakdownParts,
		DefaultMaxExecutionTime: q.DefaultMaxExecutionTime.D(),
		DefaultMaxRetries:       q.DefaultMaxRetries,
		CleanupTimeout:          q.CleanupTimeout.D(),
		TickInterval:            q.TickInterval.D(),
		CascadeCancel:           q.CascadeCancel,
		RetentionWindow:         q.RetentionWindow.D(),
	}
}

// LifecycleOptions converts the lifecycle section.
func (c *Config) LifecycleOptions() lifecycle.Config {
	return lifecycle.Config{
		BaseRetryDelay: c.Lifecycle.BaseRetryDelay.D(),
		MaxRetryDelay:  c.Lifecycle.MaxRetryDelay.D(),
		StallTimeout:   c.Lifecycle.StallTimeout.D(),
	}
}

// MonitorOptions converts the monitor section.
func (c *Config) MonitorOptions() monitor.Config {
	return monitor.Config{
		Interval:      c.Monitor.Interval.D(),
		MaxDataPoints: c.Monitor.MaxDataPoints,
		MaxAlerts:     c.Monitor.MaxAlerts,
		Thresholds:    c.Monitor.Thresholds,
	}
}

// OptimizerOptions converts the optimizer section for the named queue.
func (c *Config) OptimizerOptions(queueID string) optimizer.Config {
	o := c.Optimizer
	return optimizer.Config{
		QueueID:         queueID,
		Interval:        o.Interval.D(),
		Window:          o.Window,
		EvaluationDelay: o.EvaluationDelay.D(),
		MinSamples:      o.MinSamples,
		MinConcurrency:  o.MinConcurrency,
		MaxConcurrency:  o.MaxConcurrency,
		MinConfidence:   o.MinConfidence,
		AutoApply:       o.AutoApply,
		Targets: optimizer.Targets{
			MaxErrorRate: o.MaxErrorRate,
			MaxWaitTime:  o.MaxWaitTime.D(),
		},
	}
}

// HookOptions converts the hooks section. ok is false when no URL is set.
func (c *Config) HookOptions() (cfg hooks.HTTPConfig, ok bool) {
	h := c.Hooks
	if h.URL == "" {
		return hooks.HTTPConfig{}, false
	}
	return hooks.HTTPConfig{
		URL:             h.URL,
		Headers:         h.Headers,
		Timeout:         h.Timeout.D(),
		RatePerSecond:   h.RatePerSecond,
		Burst:           h.Burst,
		MaxElapsedTime:  h.MaxElapsedTime.D(),
		BreakerFailures: h.BreakerFailures,
		BreakerTimeout:  h.BreakerTimeout.D(),
	}, true
}
