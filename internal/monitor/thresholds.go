package monitor

import (
	"fmt"
	"sort"

	"github.com/aristath/autoqueue/internal/queue"
)

// Metric names thresholds can watch.
const (
	MetricPendingTasks = "pending_tasks"
	MetricActiveTasks  = "active_tasks"
	MetricErrorRate    = "error_rate"
	MetricAvgWaitMS    = "avg_wait_ms"
	MetricAvgExecMS    = "avg_exec_ms"
)

// Level is the severity of a metric against its threshold.
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "ok"
	}
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ok":
		*l = LevelOK
	case "warning":
		*l = LevelWarning
	case "critical":
		*l = LevelCritical
	default:
		return fmt.Errorf("unknown alert level %q", b)
	}
	return nil
}

// Threshold raises a warning at Warning and a critical alert at Critical.
// Higher values are worse for every metric. A zero bound is disabled.
type Threshold struct {
	Metric   string  `json:"metric" yaml:"metric"`
	Warning  float64 `json:"warning" yaml:"warning"`
	Critical float64 `json:"critical" yaml:"critical"`
}

func (t Threshold) level(v float64) (Level, float64) {
	switch {
	case t.Critical > 0 && v >= t.Critical:
		return LevelCritical, t.Critical
	case t.Warning > 0 && v >= t.Warning:
		return LevelWarning, t.Warning
	default:
		return LevelOK, t.Warning
	}
}

// DefaultThresholds returns the built-in alert thresholds.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Metric: MetricPendingTasks, Warning: 100, Critical: 500},
		{Metric: MetricActiveTasks, Warning: 50, Critical: 200},
		{Metric: MetricErrorRate, Warning: 0.1, Critical: 0.25},
		{Metric: MetricAvgWaitMS, Warning: 30_000, Critical: 120_000},
		{Metric: MetricAvgExecMS, Warning: 300_000, Critical: 900_000},
	}
}

// Value extracts a named metric from a queue sample.
func Value(m queue.Metrics, metric string) (float64, bool) {
	switch metric {
	case MetricPendingTasks:
		return float64(m.PendingTasks + m.ReadyTasks), true
	case MetricActiveTasks:
		return float64(m.ActiveTasks), true
	case MetricErrorRate:
		return m.ErrorRate, true
	case MetricAvgWaitMS:
		return float64(m.AverageWaitTime.Milliseconds()), true
	case MetricAvgExecMS:
		return float64(m.AverageExecTime.Milliseconds()), true
	}
	return 0, false
}

// ValidateThresholds rejects unknown metrics and inverted bounds.
func ValidateThresholds(ts []Threshold) error {
	seen := make(map[string]bool, len(ts))
	for _, t := range ts {
		if _, ok := Value(queue.Metrics{}, t.Metric); !ok {
			return fmt.Errorf("threshold: unknown metric %q", t.Metric)
		}
		if seen[t.Metric] {
			return fmt.Errorf("threshold: %q listed twice", t.Metric)
		}
		seen[t.Metric] = true
		if t.Warning < 0 || t.Critical < 0 {
			return fmt.Errorf("threshold %q: bounds must not be negative", t.Metric)
		}
		if t.Warning > 0 && t.Critical > 0 && t.Critical < t.Warning {
			return fmt.Errorf("threshold %q: critical %v below warning %v", t.Metric, t.Critical, t.Warning)
		}
	}
	return nil
}

// MetricNames lists every metric name thresholds accept.
func MetricNames() []string {
	out := []string{MetricPendingTasks, MetricActiveTasks, MetricErrorRate, MetricAvgWaitMS, MetricAvgExecMS}
	sort.Strings(out)
	return out
}
