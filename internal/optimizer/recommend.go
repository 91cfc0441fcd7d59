package optimizer

import (
	"fmt"
	"time"

	"github.com/aristath/autoqueue/internal/queue"
)

// Recommendation kinds.
const (
	KindIncreaseConcurrency = "increase_concurrency"
	KindDecreaseConcurrency = "decrease_concurrency"
	KindSwitchAlgorithm     = "switch_algorithm"
)

// Criterion metrics.
const (
	MetricThroughput  = "throughput"
	MetricErrorRate   = "error_rate"
	MetricAvgWaitMS   = "avg_wait_ms"
	MetricUtilization = "utilization"
	MetricScore       = "score"
)

// Criterion is a measurable condition a change must meet to be kept.
type Criterion struct {
	Metric string  `json:"metric"`
	Op     string  `json:"op"` // ">=" or "<="
	Value  float64 `json:"value"`
}

func (c Criterion) met(a Analysis) (float64, bool) {
	v, ok := a.Value(c.Metric)
	if !ok {
		return 0, false
	}
	if c.Op == "<=" {
		return v, v <= c.Value
	}
	return v, v >= c.Value
}

func (c Criterion) String() string {
	return fmt.Sprintf("%s %s %g", c.Metric, c.Op, c.Value)
}

// Recommendation is a proposed settings change with everything needed to
// judge and revert it.
type Recommendation struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`   // higher first
	Confidence  float64        `json:"confidence"` // 0..1
	Settings    queue.Settings `json:"settings"`
	Rollback    queue.Settings `json:"rollback"`
	Criteria    []Criterion    `json:"success_criteria"`
	Baseline    Analysis       `json:"baseline"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Recommend proposes changes to cur that address the bottlenecks in a,
// best first. Every recommendation carries cur as its rollback settings.
func (o *Optimizer) Recommend(a Analysis, cur queue.Settings) []Recommendation {
	if a.Samples == 0 {
		return nil
	}
	now := o.clock()
	// More evidence means more confidence, up to a full window.
	evidence := min(float64(a.Samples)/float64(o.cfg.Window), 1)

	var recs []Recommendation
	add := func(kind, desc string, prio int, severity float64, next queue.Settings, criteria ...Criterion) {
		recs = append(recs, Recommendation{
			ID:          newID(),
			Kind:        kind,
			Description: desc,
			Priority:    prio,
			Confidence:  min(0.5+0.5*severity, 1) * (0.5 + 0.5*evidence),
			Settings:    next,
			Rollback:    cur,
			Criteria:    criteria,
			Baseline:    a,
			CreatedAt:   now,
		})
	}

	errs, hasErrs := a.Has(BottleneckErrors)
	if sat, ok := a.Has(BottleneckSaturated); ok && !hasErrs && cur.MaxConcurrentTasks < o.cfg.MaxConcurrency {
		next := cur
		next.MaxConcurrentTasks = min(cur.MaxConcurrentTasks+max(cur.MaxConcurrentTasks/2, 1), o.cfg.MaxConcurrency)
		add(KindIncreaseConcurrency,
			fmt.Sprintf("raise concurrency %d -> %d: all slots busy with %.1f tasks waiting", cur.MaxConcurrentTasks, next.MaxConcurrentTasks, a.Backlog),
			3, sat.Severity, next,
			Criterion{Metric: MetricThroughput, Op: ">=", Value: a.Throughput},
			Criterion{Metric: MetricErrorRate, Op: "<=", Value: max(a.ErrorRate, o.cfg.Targets.MaxErrorRate)},
		)
	}

	if hasErrs && cur.MaxConcurrentTasks > o.cfg.MinConcurrency {
		next := cur
		next.MaxConcurrentTasks = max(cur.MaxConcurrentTasks/2, o.cfg.MinConcurrency)
		add(KindDecreaseConcurrency,
			fmt.Sprintf("lower concurrency %d -> %d: error rate %.2f above %.2f", cur.MaxConcurrentTasks, next.MaxConcurrentTasks, a.ErrorRate, o.cfg.Targets.MaxErrorRate),
			4, errs.Severity, next,
			Criterion{Metric: MetricErrorRate, Op: "<=", Value: a.ErrorRate},
		)
	}

	if idle, ok := a.Has(BottleneckIdle); ok && !hasErrs {
		next := cur
		next.MaxConcurrentTasks = max(cur.MaxConcurrentTasks*3/4, o.cfg.MinConcurrency)
		if next.MaxConcurrentTasks < cur.MaxConcurrentTasks {
			add(KindDecreaseConcurrency,
				fmt.Sprintf("lower concurrency %d -> %d: utilization %.2f with no backlog", cur.MaxConcurrentTasks, next.MaxConcurrentTasks, a.Utilization),
				1, idle.Severity*0.6, next,
				Criterion{Metric: MetricThroughput, Op: ">=", Value: a.Throughput * 0.9},
			)
		}
	}

	if lat, ok := a.Has(BottleneckLatency); ok && cur.Algorithm != queue.AlgorithmShortestJob {
		next := cur
		next.Algorithm = queue.AlgorithmShortestJob
		add(KindSwitchAlgorithm,
			fmt.Sprintf("switch %s -> %s: average wait %s above %s", cur.Algorithm, next.Algorithm, a.AvgWait, o.cfg.Targets.MaxWaitTime),
			2, lat.Severity*0.8, next,
			Criterion{Metric: MetricAvgWaitMS, Op: "<=", Value: float64(a.AvgWait.Milliseconds())},
		)
	}

	if b, ok := a.Has(BottleneckBlocked); ok && cur.Algorithm != queue.AlgorithmCriticalPath && !hasErrs {
		next := cur
		next.Algorithm = queue.AlgorithmCriticalPath
		add(KindSwitchAlgorithm,
			fmt.Sprintf("switch %s -> %s: %.1f tasks waiting on dependencies", cur.Algorithm, next.Algorithm, a.Blocked),
			1, b.Severity*0.5, next,
			Criterion{Metric: MetricScore, Op: ">=", Value: a.Score},
		)
	}

	rank(recs)
	return recs
}

// Evaluation is the verdict on an applied change.
type Evaluation struct {
	Met      bool               `json:"met"`
	Observed map[string]float64 `json:"observed"`
	Failed   []string           `json:"failed,omitempty"`
	After    Analysis           `json:"after"`
}

// Evaluate judges a change against the samples taken since it was applied.
// Samples from before the change are ignored. A change that meets its
// criteria is marked kept.
func (o *Optimizer) Evaluate(id string, samples []queue.Metrics) (Evaluation, error) {
	o.mu.Lock()
	c, ok := o.changes[id]
	if !ok {
		o.mu.Unlock()
		return Evaluation{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if c.State != StateApplied {
		o.mu.Unlock()
		return Evaluation{}, fmt.Errorf("%w: %q is %s", ErrNotApplied, id, c.State)
	}
	rec, since := c.Recommendation, c.AppliedAt
	o.mu.Unlock()

	var after []queue.Metrics
	for _, s := range samples {
		if !s.Timestamp.Before(since) {
			after = append(after, s)
		}
	}
	if len(after) < o.cfg.MinSamples {
		return Evaluation{}, fmt.Errorf("%w: %d of %d since %s", ErrInsufficientData, len(after), o.cfg.MinSamples, since.Format(time.RFC3339))
	}

	ev := Evaluation{Met: true, Observed: make(map[string]float64), After: o.Analyze(after)}
	for _, cr := range rec.Criteria {
		v, ok := cr.met(ev.After)
		ev.Observed[cr.Metric] = v
		if !ok {
			ev.Met = false
			ev.Failed = append(ev.Failed, cr.String())
		}
	}

	now := o.clock()
	o.mu.Lock()
	c.Evaluation = &ev
	if ev.Met && c.State == StateApplied {
		c.State = StateKept
		c.SettledAt = now
	}
	o.mu.Unlock()

	if ev.Met {
		o.logger.Info("optimization kept", "id", id, "kind", rec.Kind, "observed", ev.Observed)
		o.publish(rec, StateKept, "success criteria met", now)
	} else {
		o.logger.Warn("optimization missed criteria", "id", id, "kind", rec.Kind, "failed", ev.Failed)
	}
	return ev, nil
}
