// Package monitor samples queue metrics, keeps a bounded history per queue
// and raises alerts when a metric changes threshold level.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/logging"
	"github.com/aristath/autoqueue/internal/queue"
)

// Source is anything that reports queue metrics; *queue.Queue is one.
type Source interface {
	Status() queue.Metrics
}

// SourceFunc adapts a function to Source.
type SourceFunc func() queue.Metrics

func (f SourceFunc) Status() queue.Metrics { return f() }

// Alert is one change of level for a metric. A change back to LevelOK is
// reported as well, so handlers see the resolution.
type Alert struct {
	ID        string    `json:"id"`
	QueueID   string    `json:"queue_id"`
	Metric    string    `json:"metric"`
	Level     Level     `json:"level"`
	Previous  Level     `json:"previous"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the monitor tunables.
type Config struct {
	MaxDataPoints int
	Interval      time.Duration
	MaxAlerts     int
	Thresholds    []Threshold
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		MaxDataPoints: 1000,
		Interval:      5 * time.Second,
		MaxAlerts:     200,
		Thresholds:    DefaultThresholds(),
	}
}

type levelKey struct {
	queueID, metric string
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	clock  func() time.Time
	gauges *gauges

	mu       sync.Mutex
	history  map[string][]queue.Metrics
	levels   map[levelKey]Alert
	alerts   []Alert
	handlers []func(Alert)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBus publishes alerts on events.TopicMonitor.
func WithBus(b *events.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logging.Component(l, "monitor") }
}

// WithRegisterer exports the latest samples as Prometheus gauges.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) { m.gauges = newGauges(reg) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.clock = now }
}

// New creates a Monitor. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	def := DefaultConfig()
	if cfg.MaxDataPoints <= 0 {
		cfg.MaxDataPoints = def.MaxDataPoints
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = def.MaxAlerts
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = def.Thresholds
	}
	if err := ValidateThresholds(cfg.Thresholds); err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:     cfg,
		logger:  logging.Discard(),
		clock:   time.Now,
		history: make(map[string][]queue.Metrics),
		levels:  make(map[levelKey]Alert),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// OnAlert registers a handler called for every alert, in order, after the
// monitor's lock is released.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Record stores a sample and returns the alerts it raised.
func (m *Monitor) Record(queueID string, s queue.Metrics) []Alert {
	if s.Timestamp.IsZero() {
		s.Timestamp = m.clock()
	}

	m.mu.Lock()
	h := append(m.history[queueID], s)
	if over := len(h) - m.cfg.MaxDataPoints; over > 0 {
		h = append(h[:0:0], h[over:]...)
	}
	m.history[queueID] = h

	var raised []Alert
	for _, th := range m.cfg.Thresholds {
		v, _ := Value(s, th.Metric)
		level, bound := th.level(v)
		key := levelKey{queueID, th.Metric}
		prev := m.levels[key]
		if level == prev.Level {
			continue
		}
		a := Alert{
			ID:        uuid.NewString(),
			QueueID:   queueID,
			Metric:    th.Metric,
			Level:     level,
			Previous:  prev.Level,
			Value:     v,
			Threshold: bound,
			Timestamp: s.Timestamp,
		}
		if level == LevelOK {
			a.Message = fmt.Sprintf("%s back to normal at %g", th.Metric, v)
		} else {
			a.Message = fmt.Sprintf("%s is %s: %g >= %g", th.Metric, level, v, bound)
		}
		m.levels[key] = a
		raised = append(raised, a)
	}
	m.alerts = append(m.alerts, raised...)
	if over := len(m.alerts) - m.cfg.MaxAlerts; over > 0 {
		m.alerts = append(m.alerts[:0:0], m.alerts[over:]...)
	}
	handlers := append([](func(Alert))(nil), m.handlers...)
	m.mu.Unlock()

	if m.gauges != nil {
		m.gauges.observe(queueID, s)
	}
	for _, a := range raised {
		m.deliver(a, handlers)
	}
	return raised
}

func (m *Monitor) deliver(a Alert, handlers []func(Alert)) {
	if a.Level == LevelOK {
		m.logger.Info("alert resolved", "queue", a.QueueID, "metric", a.Metric, "value", a.Value)
	} else {
		m.logger.Warn("alert", "queue", a.QueueID, "metric", a.Metric, "level", a.Level, "value", a.Value, "threshold", a.Threshold)
	}
	if m.gauges != nil {
		m.gauges.alerts.WithLabelValues(a.QueueID, a.Metric, a.Level.String()).Inc()
	}
	m.bus.Publish(events.TopicMonitor, events.AlertEvent{
		AlertID:   a.ID,
		QueueID:   a.QueueID,
		Metric:    a.Metric,
		Level:     a.Level.String(),
		Value:     a.Value,
		Threshold: a.Threshold,
		Message:   a.Message,
		Timestamp: a.Timestamp,
	})
	for _, fn := range handlers {
		m.safeCall(fn, a)
	}
}

func (m *Monitor) safeCall(fn func(Alert), a Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert handler panicked", "alert_id", a.ID, "panic", r)
		}
	}()
	fn(a)
}

// Watch samples src every Interval until ctx ends.
func (m *Monitor) Watch(ctx context.Context, queueID string, src Source) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Record(queueID, src.Status())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Record(queueID, src.Status())
		}
	}
}

// WatchAll watches every source concurrently until ctx ends.
func (m *Monitor) WatchAll(ctx context.Context, sources map[string]Source) error {
	g, ctx := errgroup.WithContext(ctx)
	for id, src := range sources {
		g.Go(func() error { return m.Watch(ctx, id, src) })
	}
	return g.Wait()
}

// History returns up to the last n samples of a queue, oldest first. n <= 0
// returns the whole history.
func (m *Monitor) History(queueID string, n int) []queue.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[queueID]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]queue.Metrics(nil), h...)
}

// Latest returns the most recent sample of a queue.
func (m *Monitor) Latest(queueID string) (queue.Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[queueID]
	if len(h) == 0 {
		return queue.Metrics{}, false
	}
	return h[len(h)-1], true
}

// Alerts returns the retained alert log, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// Active returns the alerts whose metric is still above its warning level.
func (m *Monitor) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if cur := m.levels[levelKey{a.QueueID, a.Metric}]; cur.ID == a.ID && a.Level != LevelOK {
			out = append(out, a)
		}
	}
	return out
}

// Reset forgets a queue's history and alert levels.
func (m *Monitor) Reset(queueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, queueID)
	for k := range m.levels {
		if k.queueID == queueID {
			delete(m.levels, k)
		}
	}
}
