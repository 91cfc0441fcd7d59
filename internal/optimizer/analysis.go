package optimizer

import (
	"time"

	"github.com/aristath/autoqueue/internal/queue"
)

// Bottleneck kinds.
const (
	BottleneckSaturated = "saturated" // every slot busy with work waiting
	BottleneckErrors    = "errors"    // error rate above target
	BottleneckLatency   = "latency"   // tasks wait too long for a slot
	BottleneckIdle      = "idle"      // slots mostly unused
	BottleneckBlocked   = "blocked"   // work parked behind failed dependencies
)

// Bottleneck is one detected performance problem.
type Bottleneck struct {
	Kind     string  `json:"kind"`
	Severity float64 `json:"severity"` // 0..1
	Detail   string  `json:"detail"`
}

// Analysis summarizes a window of queue samples.
type Analysis struct {
	Samples     int           `json:"samples"`
	From        time.Time     `json:"from"`
	To          time.Time     `json:"to"`
	Score       float64       `json:"score"` // 0..100, higher is better
	Throughput  float64       `json:"throughput"`
	ErrorRate   float64       `json:"error_rate"`
	AvgWait     time.Duration `json:"avg_wait"`
	AvgExec     time.Duration `json:"avg_exec"`
	Utilization float64       `json:"utilization"`
	Backlog     float64       `json:"backlog"`
	Blocked     float64       `json:"blocked"`
	Bottlenecks []Bottleneck  `json:"bottlenecks,omitempty"`
}

// Has reports whether the analysis found a bottleneck of the given kind.
func (a Analysis) Has(kind string) (Bottleneck, bool) {
	for _, b := range a.Bottlenecks {
		if b.Kind == kind {
			return b, true
		}
	}
	return Bottleneck{}, false
}

// Value returns a criterion metric from the analysis.
func (a Analysis) Value(metric string) (float64, bool) {
	switch metric {
	case MetricThroughput:
		return a.Throughput, true
	case MetricErrorRate:
		return a.ErrorRate, true
	case MetricAvgWaitMS:
		return float64(a.AvgWait.Milliseconds()), true
	case MetricUtilization:
		return a.Utilization, true
	case MetricScore:
		return a.Score, true
	}
	return 0, false
}

// Analyze scores a window of samples, oldest first. Throughput and error rate
// come from the counter deltas across the window, so they describe the window
// rather than the queue's whole life. A single sample falls back to the
// queue's own cumulative figures.
func (o *Optimizer) Analyze(samples []queue.Metrics) Analysis {
	a := Analysis{Samples: len(samples)}
	if len(samples) == 0 {
		return a
	}
	first, last := samples[0], samples[len(samples)-1]
	a.From, a.To = first.Timestamp, last.Timestamp
	a.AvgWait = last.AverageWaitTime
	a.AvgExec = last.AverageExecTime

	if len(samples) > 1 && last.Timestamp.After(first.Timestamp) {
		done := last.TasksProcessed - first.TasksProcessed
		failed := last.FailedTasks - first.FailedTasks
		a.Throughput = float64(done) / last.Timestamp.Sub(first.Timestamp).Minutes()
		if done+failed > 0 {
			a.ErrorRate = float64(failed) / float64(done+failed)
		}
	} else {
		a.Throughput = last.Throughput
		a.ErrorRate = last.ErrorRate
	}

	var util, backlog, blocked float64
	for _, s := range samples {
		if s.MaxConcurrentTasks > 0 {
			util += float64(s.ActiveTasks) / float64(s.MaxConcurrentTasks)
		}
		backlog += float64(s.PendingTasks + s.ReadyTasks)
		blocked += float64(s.BlockedTasks)
	}
	n := float64(len(samples))
	a.Utilization = min(util/n, 1)
	a.Backlog = backlog / n
	a.Blocked = blocked / n

	t := o.cfg.Targets
	if a.Utilization >= 0.9 && a.Backlog >= 1 {
		a.Bottlenecks = append(a.Bottlenecks, Bottleneck{
			Kind: BottleneckSaturated, Severity: min(a.Backlog/float64(max(last.MaxConcurrentTasks, 1))/2, 1),
			Detail: "all slots busy with work waiting",
		})
	}
	if t.MaxErrorRate > 0 && a.ErrorRate > t.MaxErrorRate {
		a.Bottlenecks = append(a.Bottlenecks, Bottleneck{
			Kind: BottleneckErrors, Severity: min(a.ErrorRate/(2*t.MaxErrorRate), 1),
			Detail: "error rate above target",
		})
	}
	if t.MaxWaitTime > 0 && a.AvgWait > t.MaxWaitTime {
		a.Bottlenecks = append(a.Bottlenecks, Bottleneck{
			Kind: BottleneckLatency, Severity: min(float64(a.AvgWait)/float64(2*t.MaxWaitTime), 1),
			Detail: "average wait above target",
		})
	}
	if a.Utilization < 0.3 && a.Backlog < 1 && last.MaxConcurrentTasks > o.cfg.MinConcurrency {
		a.Bottlenecks = append(a.Bottlenecks, Bottleneck{
			Kind: BottleneckIdle, Severity: 1 - a.Utilization/0.3,
			Detail: "most slots idle",
		})
	}
	if a.Blocked >= 1 {
		a.Bottlenecks = append(a.Bottlenecks, Bottleneck{
			Kind: BottleneckBlocked, Severity: min(a.Blocked/10, 1),
			Detail: "tasks blocked behind failed dependencies",
		})
	}

	a.Score = score(a, t)
	return a
}

// score starts at 100 and takes off weighted penalties for errors, waiting
// and imbalance between load and capacity.
func score(a Analysis, t Targets) float64 {
	s := 100.0
	if t.MaxErrorRate > 0 {
		s -= 40 * min(a.ErrorRate/t.MaxErrorRate/2, 1)
	}
	if t.MaxWaitTime > 0 {
		s -= 30 * min(float64(a.AvgWait)/float64(t.MaxWaitTime)/2, 1)
	}
	if b, ok := a.Has(BottleneckSaturated); ok {
		s -= 20 * b.Severity
	}
	if b, ok := a.Has(BottleneckIdle); ok {
		s -= 10 * b.Severity
	}
	return min(max(s, 0), 100)
}
