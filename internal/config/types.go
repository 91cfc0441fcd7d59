package config

import (
	"fmt"
	"time"

	"github.com/aristath/autoqueue/internal/monitor"
)

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// QueueConfig configures the self-managing queue. Algorithm is one of
// priority, fifo, shortest_job_first or critical_path. A zero
// BreakdownThreshold disables breakdown and a zero RetentionWindow keeps
// finished tasks forever.
type QueueConfig struct {
	MaxConcurrentTasks      int      `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Algorithm               string   `json:"algorithm" yaml:"algorithm"`
	BreakdownThreshold      Duration `json:"breakdown_threshold" yaml:"breakdown_threshold"`
	MaxBreakdownDepth       int      `json:"max_breakdown_depth" yaml:"max_breakdown_depth"`
	MaxBreakdownParts       int      `json:"max_breakdown_parts" yaml:"max_breakdown_parts"`
	DefaultMaxExecutionTime Duration `json:"default_max_execution_time" yaml:"default_max_execution_time"`
	DefaultMaxRetries       int      `json:"default_max_retries" yaml:"default_max_retries"`
	CleanupTimeout          Duration `json:"cleanup_timeout" yaml:"cleanup_timeout"`
	TickInterval            Duration `json:"tick_interval" yaml:"tick_interval"`
	CascadeCancel           bool     `json:"cascade_cancel" yaml:"cascade_cancel"`
	RetentionWindow         Duration `json:"retention_window" yaml:"retention_window"`
}

// LifecycleConfig configures retry delays and stall detection.
type LifecycleConfig struct {
	BaseRetryDelay Duration `json:"base_retry_delay" yaml:"base_retry_delay"`
	MaxRetryDelay  Duration `json:"max_retry_delay" yaml:"max_retry_delay"`
	StallTimeout   Duration `json:"stall_timeout" yaml:"stall_timeout"`
}

// MonitorConfig configures metric sampling and alert thresholds.
type MonitorConfig struct {
	Interval      Duration            `json:"interval" yaml:"interval"`
	MaxDataPoints int                 `json:"max_data_points" yaml:"max_data_points"`
	MaxAlerts     int                 `json:"max_alerts" yaml:"max_alerts"`
	Thresholds    []monitor.Threshold `json:"thresholds" yaml:"thresholds"`
}

// OptimizerConfig configures automatic tuning.
type OptimizerConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	AutoApply       bool     `json:"auto_apply" yaml:"auto_apply"`
	Interval        Duration `json:"interval" yaml:"interval"`
	Window          int      `json:"window" yaml:"window"`
	EvaluationDelay Duration `json:"evaluation_delay" yaml:"evaluation_delay"`
	MinSamples      int      `json:"min_samples" yaml:"min_samples"`
	MinConcurrency  int      `json:"min_concurrency" yaml:"min_concurrency"`
	MaxConcurrency  int      `json:"max_concurrency" yaml:"max_concurrency"`
	MinConfidence   float64  `json:"min_confidence" yaml:"min_confidence"`
	MaxErrorRate    float64  `json:"max_error_rate" yaml:"max_error_rate"`
	MaxWaitTime     Duration `json:"max_wait_time" yaml:"max_wait_time"`
}

// HooksConfig configures the outbound notification webhook. An empty URL
// disables notifications.
type HooksConfig struct {
	URL             string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout         Duration          `json:"timeout" yaml:"timeout"`
	RatePerSecond   float64           `json:"rate_per_second" yaml:"rate_per_second"`
	Burst           int               `json:"burst" yaml:"burst"`
	MaxElapsedTime  Duration          `json:"max_elapsed_time" yaml:"max_elapsed_time"`
	BreakerFailures uint32            `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  Duration          `json:"breaker_timeout" yaml:"breaker_timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig configures SQLite persistence. An empty Path disables it.
type StoreConfig struct {
	Path             string   `json:"path,omitempty" yaml:"path,omitempty"`
	SnapshotInterval Duration `json:"snapshot_interval" yaml:"snapshot_interval"`
	KeepSnapshots    int      `json:"keep_snapshots" yaml:"keep_snapshots"`
	Journal          bool     `json:"journal" yaml:"journal"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text or json
}

// Config is the top-level configuration.
type Config struct {
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Lifecycle LifecycleConfig `json:"lifecycle" yaml:"lifecycle"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
	Optimizer OptimizerConfig `json:"optimizer" yaml:"optimizer"`
	Hooks     HooksConfig     `json:"hooks" yaml:"hooks"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Log       LogConfig       `json:"log" yaml:"log"`
}
