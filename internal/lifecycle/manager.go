package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/logging"
	"github.com/aristath/autoqueue/internal/task"
)

const maxAuditEntries = 256

// Config tunes retries and stall recovery.
type Config struct {
	BaseRetryDelay time.Duration // first retry delay (default 1s)
	MaxRetryDelay  time.Duration // cap on the exponential delay (default 5m)
	StallTimeout   time.Duration // in_progress limit for tasks without MaxExecutionTime (default 30m)
}

// DefaultConfig returns the default lifecycle settings.
func DefaultConfig() Config {
	return Config{
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  5 * time.Minute,
		StallTimeout:   30 * time.Minute,
	}
}

// Listener observes transitions. Calls are synchronous, made after the task
// has been updated, by the goroutine that requested the transition.
type Listener interface {
	OnStateChange(t *task.Task, from, to task.Status, reason string)
	OnCompleted(t *task.Task)
	OnError(t *task.Task, reason string)
}

// Funcs adapts plain functions to Listener. Nil fields are skipped.
type Funcs struct {
	StateChange func(t *task.Task, from, to task.Status, reason string)
	Completed   func(t *task.Task)
	Error       func(t *task.Task, reason string)
}

func (f Funcs) OnStateChange(t *task.Task, from, to task.Status, reason string) {
	if f.StateChange != nil {
		f.StateChange(t, from, to, reason)
	}
}

func (f Funcs) OnCompleted(t *task.Task) {
	if f.Completed != nil {
		f.Completed(t)
	}
}

func (f Funcs) OnError(t *task.Task, reason string) {
	if f.Error != nil {
		f.Error(t, reason)
	}
}

// DependencyLookup returns the current status of a task by ID.
type DependencyLookup func(id string) (task.Status, bool)

// AuditEntry records one transition.
type AuditEntry struct {
	From   task.Status `json:"from"`
	To     task.Status `json:"to"`
	At     time.Time   `json:"at"`
	Reason string      `json:"reason,omitempty"`
	Forced bool        `json:"forced,omitempty"`
}

// Manager applies lifecycle transitions to tasks. It does not own the tasks:
// callers serialize access to each task themselves.
type Manager struct {
	cfg    Config
	clock  func() time.Time
	lookup DependencyLookup
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	listeners []Listener
	audit     map[string][]AuditEntry
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// WithDependencyLookup lets ValidateState check dependencies.
func WithDependencyLookup(fn DependencyLookup) Option {
	return func(m *Manager) { m.lookup = fn }
}

// WithBus publishes a TaskStateChangedEvent per transition.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Component(l, "lifecycle") }
}

// WithListener registers a listener at construction.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// NewManager creates a Manager. Zero config fields take their defaults.
func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	m := &Manager{
		cfg:    cfg,
		clock:  time.Now,
		logger: logging.Discard(),
		audit:  make(map[string][]AuditEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers a listener.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// TransitionTo moves t to the given state. Illegal moves return a
// *TransitionError and leave t untouched.
func (m *Manager) TransitionTo(t *task.Task, to task.Status, reason string) error {
	if t == nil {
		return fmt.Errorf("transition to %s: nil task", to)
	}
	from := t.Status
	if from == "" {
		from = task.StatusPending
	}
	if !CanTransition(from, to) {
		return &TransitionError{TaskID: t.ID, From: from, To: to}
	}
	m.apply(t, from, to, reason, false)
	return nil
}

// apply performs a transition without checking legality. Forced transitions
// are still audited and announced.
func (m *Manager) apply(t *task.Task, from, to task.Status, reason string, forced bool) {
	now := m.clock()

	if to == task.StatusInProgress {
		if from != task.StatusPaused || t.StartedAt.IsZero() {
			t.StartedAt = now
		}
		t.EndedAt = time.Time{}
	}
	if from == task.StatusInProgress {
		t.EndedAt = now
	}
	switch to {
	case task.StatusCompleted:
		if !t.StartedAt.IsZero() {
			t.ActualDuration = t.EndedAt.Sub(t.StartedAt)
		}
		t.RetryCount = 0
		t.FailureReason = ""
	case task.StatusFailed:
		t.FailureReason = reason
	}
	t.Status = to
	t.UpdatedAt = now

	m.mu.Lock()
	trail := append(m.audit[t.ID], AuditEntry{From: from, To: to, At: now, Reason: reason, Forced: forced})
	if len(trail) > maxAuditEntries {
		trail = trail[len(trail)-maxAuditEntries:]
	}
	m.audit[t.ID] = trail
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Debug("transition", "task_id", t.ID, "from", from, "to", to, "reason", reason, "forced", forced)

	for _, l := range listeners {
		m.notify(t, func() { l.OnStateChange(t, from, to, reason) })
		switch to {
		case task.StatusCompleted:
			m.notify(t, func() { l.OnCompleted(t) })
		case task.StatusFailed:
			m.notify(t, func() { l.OnError(t, reason) })
		}
	}

	m.bus.Publish(events.TopicTask, events.TaskStateChangedEvent{
		ID: t.ID, From: string(from), To: string(to), Reason: reason, Forced: forced, Timestamp: now,
	})
}

// notify runs one listener callback; a panicking listener is logged, not propagated.
func (m *Manager) notify(t *task.Task, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panicked", "task_id", t.ID, "panic", r)
		}
	}()
	fn()
}

// StateReport lists the problems ValidateState found.
type StateReport struct {
	IsValid bool     `json:"is_valid"`
	Issues  []string `json:"issues,omitempty"`
}

// ValidateState checks that t is consistent with its status. It reports
// issues instead of failing.
func (m *Manager) ValidateState(t *task.Task) StateReport {
	if t == nil {
		return StateReport{Issues: []string{"task is nil"}}
	}
	var issues []string
	if err := t.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	if !KnownStatus(t.Status) {
		issues = append(issues, fmt.Sprintf("unknown status %q", t.Status))
	}

	switch t.Status {
	case task.StatusInProgress, task.StatusPaused:
		if t.StartedAt.IsZero() {
			issues = append(issues, fmt.Sprintf("%s without a start time", t.Status))
		}
	case task.StatusCompleted:
		if !t.StartedAt.IsZero() && t.EndedAt.Before(t.StartedAt) {
			issues = append(issues, "end time precedes start time")
		}
	case task.StatusFailed:
		if t.FailureReason == "" {
			issues = append(issues, "failed without a recorded reason")
		}
	case task.StatusReady:
		issues = append(issues, m.unmetDependencies(t)...)
	}
	if t.MaxRetries > 0 && t.RetryCount > t.MaxRetries {
		issues = append(issues, fmt.Sprintf("retry count %d exceeds max %d", t.RetryCount, t.MaxRetries))
	}

	return StateReport{IsValid: len(issues) == 0, Issues: issues}
}

func (m *Manager) unmetDependencies(t *task.Task) []string {
	if m.lookup == nil {
		return nil
	}
	var issues []string
	for _, dep := range t.Dependencies {
		dep = dep.Normalized()
		if dep.Strength != task.Hard {
			continue
		}
		status, ok := m.lookup(dep.TaskID)
		if !ok {
			issues = append(issues, fmt.Sprintf("dependency %q does not exist", dep.TaskID))
			continue
		}
		if !Satisfied(dep, status) {
			issues = append(issues, fmt.Sprintf("ready but dependency %q is %s", dep.TaskID, status))
		}
	}
	return issues
}

// RetryResult is the outcome of RetryTask.
type RetryResult struct {
	Success bool          `json:"success"`
	Delay   time.Duration `json:"delay"`
	Attempt int           `json:"attempt"`
}

// RetryTask moves a failed task back to pending and returns how long to wait
// before dispatching it again. Past MaxRetries it returns ErrRetryLimit and
// the task stays failed.
func (m *Manager) RetryTask(t *task.Task) (RetryResult, error) {
	if t == nil {
		return RetryResult{}, fmt.Errorf("retry: nil task")
	}
	if t.Status != task.StatusFailed {
		return RetryResult{}, &TransitionError{TaskID: t.ID, From: t.Status, To: task.StatusPending}
	}
	if t.RetryCount >= t.MaxRetries {
		return RetryResult{}, fmt.Errorf("task %q after %d retries: %w", t.ID, t.RetryCount, ErrRetryLimit)
	}

	delay := m.RetryDelay(t.RetryCount)
	t.RetryCount++
	m.apply(t, task.StatusFailed, task.StatusPending, fmt.Sprintf("retry %d/%d in %s", t.RetryCount, t.MaxRetries, delay), false)
	return RetryResult{Success: true, Delay: delay, Attempt: t.RetryCount}, nil
}

// RetryDelay returns BaseRetryDelay * 2^retryCount, capped at MaxRetryDelay.
func (m *Manager) RetryDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseRetryDelay
	b.MaxInterval = m.cfg.MaxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for range retryCount {
		d = b.NextBackOff()
	}
	return d
}

// Recovery describes one stalled task put back in order.
type Recovery struct {
	TaskID string      `json:"task_id"`
	From   task.Status `json:"from"`
	To     task.Status `json:"to"`
	Cause  string      `json:"cause"`
}

// RecoverStalled fails in-progress tasks that ran past their timeout, or
// returns them to ready if they never recorded a start.
func (m *Manager) RecoverStalled(tasks []*task.Task) []Recovery {
	now := m.clock()
	var out []Recovery
	for _, t := range tasks {
		if t == nil || t.Status != task.StatusInProgress {
			continue
		}
		timeout := m.cfg.StallTimeout
		if t.MaxExecutionTime > 0 {
			timeout = t.MaxExecutionTime
		}
		ref, started := t.StartedAt, true
		if ref.IsZero() {
			ref, started = t.UpdatedAt, false
		}
		if ref.IsZero() || now.Sub(ref) <= timeout {
			continue
		}

		elapsed := now.Sub(ref).Round(time.Millisecond)
		if started {
			cause := fmt.Sprintf("stalled: in progress for %s, timeout %s", elapsed, timeout)
			m.apply(t, task.StatusInProgress, task.StatusFailed, cause, false)
			out = append(out, Recovery{TaskID: t.ID, From: task.StatusInProgress, To: task.StatusFailed, Cause: cause})
			continue
		}
		cause := fmt.Sprintf("stalled: never started, idle for %s", elapsed)
		m.apply(t, task.StatusInProgress, task.StatusReady, cause, true)
		out = append(out, Recovery{TaskID: t.ID, From: task.StatusInProgress, To: task.StatusReady, Cause: cause})
	}
	return out
}

// BatchItem is one requested transition.
type BatchItem struct {
	Task   *task.Task
	To     task.Status
	Reason string
}

// BatchFailure is one item that did not go through.
type BatchFailure struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// BatchResult partitions batch items by outcome.
type BatchResult struct {
	Successful []string       `json:"successful"`
	Failed     []BatchFailure `json:"failed"`
}

// BatchTransition applies each item independently, in order.
func (m *Manager) BatchTransition(items []BatchItem) BatchResult {
	var res BatchResult
	for _, it := range items {
		id := ""
		if it.Task != nil {
			id = it.Task.ID
		}
		if err := m.TransitionTo(it.Task, it.To, it.Reason); err != nil {
			res.Failed = append(res.Failed, BatchFailure{TaskID: id, Error: err.Error()})
			continue
		}
		res.Successful = append(res.Successful, id)
	}
	return res
}

// BatchValidation validates tasks concurrently. Results keep input order.
func (m *Manager) BatchValidation(ctx context.Context, tasks []*task.Task) BatchResult {
	reports := make([]StateReport, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, t := range tasks {
		g.Go(func() error {
			if ctx.Err() != nil {
				reports[i] = StateReport{Issues: []string{ctx.Err().Error()}}
				return nil
			}
			reports[i] = m.ValidateState(t)
			return nil
		})
	}
	_ = g.Wait()

	var res BatchResult
	for i, r := range reports {
		id := ""
		if tasks[i] != nil {
			id = tasks[i].ID
		}
		if r.IsValid {
			res.Successful = append(res.Successful, id)
			continue
		}
		res.Failed = append(res.Failed, BatchFailure{TaskID: id, Error: strings.Join(r.Issues, "; ")})
	}
	return res
}

// AuditTrail returns the recorded transitions of a task, oldest first.
func (m *Manager) AuditTrail(taskID string) []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit[taskID]...)
}

// Forget drops the audit trail of a task removed from memory.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.audit, taskID)
}
