package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/autoqueue/internal/queue"
)

// gauges exports the latest sample of each queue.
type gauges struct {
	pending    *prometheus.GaugeVec
	active     *prometheus.GaugeVec
	blocked    *prometheus.GaugeVec
	errorRate  *prometheus.GaugeVec
	throughput *prometheus.GaugeVec
	wait       *prometheus.GaugeVec
	exec       *prometheus.GaugeVec
	processed  *prometheus.GaugeVec
	alerts     *prometheus.CounterVec
}

// newGauges registers the collectors with reg. A nil reg leaves them
// unregistered.
func newGauges(reg prometheus.Registerer) *gauges {
	f := promauto.With(reg)
	gauge := func(name, help string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autoqueue",
			Subsystem: "queue",
			Name:      name,
			Help:      help,
		}, []string{"queue"})
	}
	return &gauges{
		pending:    gauge("pending_tasks", "Tasks waiting for dependencies or a slot"),
		active:     gauge("active_tasks", "Task bodies currently running"),
		blocked:    gauge("blocked_tasks", "Tasks blocked by a failed or missing dependency"),
		errorRate:  gauge("error_rate", "Failed runs over all finished runs"),
		throughput: gauge("throughput_per_minute", "Completed tasks per minute since start"),
		wait:       gauge("average_wait_seconds", "Mean time from admission to start"),
		exec:       gauge("average_execution_seconds", "Mean body run time"),
		processed:  gauge("tasks_processed", "Tasks completed"),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoqueue",
			Subsystem: "monitor",
			Name:      "alerts_total",
			Help:      "Alert level changes by metric and level",
		}, []string{"queue", "metric", "level"}),
	}
}

func (g *gauges) observe(queueID string, m queue.Metrics) {
	g.pending.WithLabelValues(queueID).Set(float64(m.PendingTasks + m.ReadyTasks))
	g.active.WithLabelValues(queueID).Set(float64(m.ActiveTasks))
	g.blocked.WithLabelValues(queueID).Set(float64(m.BlockedTasks))
	g.errorRate.WithLabelValues(queueID).Set(m.ErrorRate)
	g.throughput.WithLabelValues(queueID).Set(m.Throughput)
	g.wait.WithLabelValues(queueID).Set(m.AverageWaitTime.Seconds())
	g.exec.WithLabelValues(queueID).Set(m.AverageExecTime.Seconds())
	g.processed.WithLabelValues(queueID).Set(float64(m.TasksProcessed))
}
