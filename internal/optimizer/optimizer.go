// Package optimizer tunes a running queue from its recorded metrics. It
// proposes setting changes, applies them one at a time and reverts any change
// that misses its success criteria.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/logging"
	"github.com/aristath/autoqueue/internal/queue"
)

var (
	ErrNotFound         = errors.New("optimization not found")
	ErrNotApplied       = errors.New("optimization is not applied")
	ErrInsufficientData = errors.New("not enough samples")
)

// Target is the queue being tuned; *queue.Queue implements it.
type Target interface {
	Settings() queue.Settings
	ApplySettings(queue.Settings) error
}

// History supplies recent samples, oldest first; *monitor.Monitor implements it.
type History interface {
	History(queueID string, n int) []queue.Metrics
}

// Targets are the service levels the optimizer steers towards. Zero disables
// a target.
type Targets struct {
	MaxErrorRate float64       `json:"max_error_rate" yaml:"max_error_rate"`
	MaxWaitTime  time.Duration `json:"max_wait_time" yaml:"max_wait_time"`
}

// Config holds the optimizer tunables.
type Config struct {
	QueueID         string
	Interval        time.Duration // between Run steps
	Window          int           // samples per analysis
	EvaluationDelay time.Duration // how long a change runs before it is judged
	MinSamples      int           // samples after a change needed to judge it
	MinConcurrency  int
	MaxConcurrency  int
	MinConfidence   float64 // Run applies only recommendations at or above this
	AutoApply       bool
	Targets         Targets
}

// DefaultConfig returns the default optimizer settings.
func DefaultConfig() Config {
	return Config{
		QueueID:         "default",
		Interval:        time.Minute,
		Window:          20,
		EvaluationDelay: 2 * time.Minute,
		MinSamples:      3,
		MinConcurrency:  1,
		MaxConcurrency:  64,
		MinConfidence:   0.6,
		AutoApply:       true,
		Targets:         Targets{MaxErrorRate: 0.1, MaxWaitTime: 30 * time.Second},
	}
}

// Change states.
const (
	StateApplied    = "applied"
	StateKept       = "kept"
	StateRolledBack = "rolled_back"
)

// Change is an applied recommendation and its outcome.
type Change struct {
	Recommendation Recommendation `json:"recommendation"`
	State          string         `json:"state"`
	AppliedAt      time.Time      `json:"applied_at"`
	SettledAt      time.Time      `json:"settled_at,omitzero"`
	Evaluation     *Evaluation    `json:"evaluation,omitempty"`
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	cfg     Config
	target  Target
	history History
	bus     *events.Bus
	logger  *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	changes map[string]*Change
	order   []string
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithBus publishes applied and reverted changes on events.TopicOptimizer.
func WithBus(b *events.Bus) Option {
	return func(o *Optimizer) { o.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.logger = logging.Component(l, "optimizer") }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) { o.clock = now }
}

// New creates an Optimizer for target, reading samples from history. Zero
// config fields take their defaults.
func New(cfg Config, target Target, history History, opts ...Option) *Optimizer {
	def := DefaultConfig()
	if cfg.QueueID == "" {
		cfg.QueueID = def.QueueID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 1 {
		cfg.Window = def.Window
	}
	if cfg.EvaluationDelay < 0 {
		cfg.EvaluationDelay = 0
	}
	if cfg.MinSamples <= 1 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = def.MinConcurrency
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		cfg.MaxConcurrency = max(def.MaxConcurrency, cfg.MinConcurrency)
	}
	o := &Optimizer{
		cfg:     cfg,
		target:  target,
		history: history,
		logger:  logging.Discard(),
		clock:   time.Now,
		changes: make(map[string]*Change),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Apply pushes a recommendation's settings to the target and records the
// change so it can be evaluated and rolled back.
func (o *Optimizer) Apply(rec Recommendation) error {
	if err := o.target.ApplySettings(rec.Settings); err != nil {
		return fmt.Errorf("apply %s: %w", rec.Kind, err)
	}
	now := o.clock()

	o.mu.Lock()
	if _, ok := o.changes[rec.ID]; !ok {
		o.order = append(o.order, rec.ID)
	}
	o.changes[rec.ID] = &Change{Recommendation: rec, State: StateApplied, AppliedAt: now}
	o.mu.Unlock()

	o.logger.Info("optimization applied", "id", rec.ID, "kind", rec.Kind,
		"max_concurrent", rec.Settings.MaxConcurrentTasks, "algorithm", rec.Settings.Algorithm)
	o.publish(rec, StateApplied, rec.Description, now)
	return nil
}

// Rollback restores the settings a change replaced.
func (o *Optimizer) Rollback(id string) error {
	o.mu.Lock()
	c, ok := o.changes[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if c.State != StateApplied && c.State != StateKept {
		o.mu.Unlock()
		return fmt.Errorf("%w: %q is %s", ErrNotApplied, id, c.State)
	}
	rec := c.Recommendation
	o.mu.Unlock()

	if err := o.target.ApplySettings(rec.Rollback); err != nil {
		return fmt.Errorf("rollback %s: %w", rec.Kind, err)
	}
	now := o.clock()
	o.mu.Lock()
	c.State = StateRolledBack
	c.SettledAt = now
	o.mu.Unlock()

	o.logger.Warn("optimization rolled back", "id", id, "kind", rec.Kind)
	o.publish(rec, StateRolledBack, "restored previous settings", now)
	return nil
}

// Changes lists every recorded change, oldest first.
func (o *Optimizer) Changes() []Change {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Change, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.changes[id])
	}
	return out
}

// inFlight returns the change still waiting for evaluation, if any.
func (o *Optimizer) inFlight() (Change, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.order) - 1; i >= 0; i-- {
		if c := o.changes[o.order[i]]; c.State == StateApplied {
			return *c, true
		}
	}
	return Change{}, false
}

// Run analyzes the queue every Interval until ctx ends. With one change in
// flight it only evaluates it, keeping it or rolling it back; otherwise it
// applies the best recommendation when AutoApply is set.
func (o *Optimizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Step()
		}
	}
}

// Step runs one optimization round and returns the analysis it acted on.
func (o *Optimizer) Step() Analysis {
	samples := o.history.History(o.cfg.QueueID, o.cfg.Window)
	now := o.clock()

	if c, ok := o.inFlight(); ok {
		if now.Sub(c.AppliedAt) < o.cfg.EvaluationDelay {
			return o.Analyze(samples)
		}
		ev, err := o.Evaluate(c.Recommendation.ID, samples)
		if errors.Is(err, ErrInsufficientData) {
			return o.Analyze(samples)
		}
		if err != nil {
			o.logger.Error("evaluation failed", "id", c.Recommendation.ID, "error", err)
			return o.Analyze(samples)
		}
		if !ev.Met {
			if err := o.Rollback(c.Recommendation.ID); err != nil {
				o.logger.Error("rollback failed", "id", c.Recommendation.ID, "error", err)
			}
		}
		return ev.After
	}

	a := o.Analyze(samples)
	if !o.cfg.AutoApply || a.Samples < o.cfg.MinSamples {
		return a
	}
	recs := o.Recommend(a, o.target.Settings())
	if len(recs) == 0 || recs[0].Confidence < o.cfg.MinConfidence {
		return a
	}
	if err := o.Apply(recs[0]); err != nil {
		o.logger.Error("apply failed", "id", recs[0].ID, "error", err)
	}
	return a
}

func (o *Optimizer) publish(rec Recommendation, action, detail string, at time.Time) {
	o.bus.Publish(events.TopicOptimizer, events.OptimizationEvent{
		RecommendationID: rec.ID,
		Kind:             rec.Kind,
		Action:           action,
		Detail:           detail,
		Timestamp:        at,
	})
}

// rank orders recommendations by priority, then confidence.
func rank(recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		return recs[i].Confidence > recs[j].Confidence
	})
}

func newID() string { return uuid.NewString() }
