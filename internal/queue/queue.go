package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/graph"
	"github.com/aristath/autoqueue/internal/hooks"
	"github.com/aristath/autoqueue/internal/lifecycle"
	"github.com/aristath/autoqueue/internal/logging"
	"github.com/aristath/autoqueue/internal/resource"
	"github.com/aristath/autoqueue/internal/task"
)

var (
	ErrNilExecute       = errors.New("execute function is nil")
	ErrShuttingDown     = errors.New("queue is shutting down")
	ErrNotFound         = errors.New("task not found")
	ErrAlreadyStarted   = errors.New("queue already started")
	ErrUnknownAlgorithm = errors.New("unknown scheduling algorithm")

	// Causes attached to a body's context when the queue stops it.
	ErrExecutionTimeout = errors.New("execution_timeout")
	ErrCancelled        = errors.New("task cancelled")
	ErrPaused           = errors.New("task paused")
	ErrShutdown         = errors.New("queue shut down")
	ErrPanic            = errors.New("task panicked")
)

// ExecuteFunc is the body of a task. It receives a copy of the task and must
// return when ctx is done; the queue stops waiting for it either way.
type ExecuteFunc func(ctx context.Context, t *task.Task) error

// CleanupFunc runs after a task is cancelled.
type CleanupFunc func(ctx context.Context, t *task.Task) error

// Registry resolves task bodies by name, for submissions that name a function
// and for restoring snapshots.
type Registry map[string]ExecuteFunc

// Config holds the queue tunables. Zero fields take the DefaultConfig value.
type Config struct {
	MaxConcurrentTasks      int
	Algorithm               Algorithm
	BreakdownThreshold      time.Duration // 0 disables breakdown
	MaxBreakdownDepth       int
	MaxBreakdownParts       int
	DefaultMaxExecutionTime time.Duration
	DefaultMaxRetries       int
	CleanupTimeout          time.Duration
	TickInterval            time.Duration
	CascadeCancel           bool
	RetentionWindow         time.Duration // 0 keeps finished tasks forever
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:      4,
		Algorithm:               AlgorithmPriority,
		MaxBreakdownDepth:       2,
		MaxBreakdownParts:       8,
		DefaultMaxExecutionTime: 5 * time.Minute,
		DefaultMaxRetries:       3,
		CleanupTimeout:          5 * time.Second,
		TickInterval:            time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if c.Algorithm == "" {
		c.Algorithm = def.Algorithm
	}
	if c.MaxBreakdownDepth <= 0 {
		c.MaxBreakdownDepth = def.MaxBreakdownDepth
	}
	if c.MaxBreakdownParts < 2 {
		c.MaxBreakdownParts = def.MaxBreakdownParts
	}
	if c.DefaultMaxExecutionTime <= 0 {
		c.DefaultMaxExecutionTime = def.DefaultMaxExecutionTime
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = def.CleanupTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
}

// entry is the queue's record of one task. All fields are guarded by Queue.mu.
type entry struct {
	t         *task.Task
	fn        ExecuteFunc
	cleanup   CleanupFunc
	aggregate bool // broken-down parent, completes with its last subtask

	notBefore  time.Time // earliest dispatch after a retry
	enqueuedAt time.Time // start of the current wait, for wait-time metrics
	resume     bool      // paused task waiting for a slot

	runID  uint64
	cancel context.CancelCauseFunc // set while the body runs
}

func (e *entry) running() bool { return e.cancel != nil }

// Queue is the self-managing task queue. One dispatcher goroutine picks ready
// tasks; bodies run in their own goroutines, at most MaxConcurrentTasks at a time.
type Queue struct {
	cfg      Config
	graph    *graph.Graph
	life     *lifecycle.Manager
	pool     *resource.Pool
	bus      *events.Bus
	registry Registry
	logger   *slog.Logger
	clock    func() time.Time

	notifier  hooks.Notifier
	async     *hooks.Async
	stopNotif hooks.Notifier

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	retired  map[string]task.Status // final status of tasks dropped by retention
	seq      uint64
	active   int
	started  bool
	closing  bool
	startAt  time.Time
	baseCtx  context.Context
	stats    stats
	changed  chan struct{}
	cleanups sync.WaitGroup

	wake         chan struct{}
	stop         chan struct{}
	done         chan struct{}
	closed       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Queue.
type Option func(*Queue)

// WithGraph shares a dependency graph. The queue is its only writer.
func WithGraph(g *graph.Graph) Option {
	return func(q *Queue) { q.graph = g }
}

// WithLifecycle injects the lifecycle manager. It must not be used for tasks
// outside this queue, because the queue's listener assumes the queue lock.
func WithLifecycle(m *lifecycle.Manager) Option {
	return func(q *Queue) { q.life = m }
}

// WithPool sets the resource pool task requirements are allocated from.
func WithPool(p *resource.Pool) Option {
	return func(q *Queue) { q.pool = p }
}

// WithBus publishes task and queue events.
func WithBus(b *events.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithNotifier sends task_created, progress and stop_authorization
// notifications. Failures are logged and never reach the queue.
func WithNotifier(n hooks.Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithRegistry resolves named bodies for Submit and Restore.
func WithRegistry(r Registry) Option {
	return func(q *Queue) { q.registry = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.clock = now }
}

// New creates a queue. Missing collaborators get private defaults.
func New(cfg Config, opts ...Option) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		cfg:      cfg,
		registry: Registry{},
		clock:    time.Now,
		entries:  make(map[string]*entry),
		retired:  make(map[string]task.Status),
		changed:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.stats.counts = make(map[task.Status]int)
	base := q.logger
	q.logger = logging.Component(base, "queue")

	if q.graph == nil {
		q.graph = graph.NewEmpty()
	}
	if q.pool == nil {
		q.pool = resource.NewPool()
	}
	if q.life == nil {
		q.life = lifecycle.NewManager(lifecycle.DefaultConfig(),
			lifecycle.WithClock(q.clock), lifecycle.WithBus(q.bus), lifecycle.WithLogger(base))
	}
	q.life.AddListener(lifecycle.Funcs{StateChange: q.onStateChange})

	if q.notifier != nil {
		q.async = hooks.NewAsync(q.notifier, 0, base)
		q.stopNotif = hooks.NewSafe(q.notifier, base, cfg.CleanupTimeout)
	} else {
		q.stopNotif = hooks.Nop{}
	}
	return q
}

// Graph returns the dependency graph the queue schedules over.
func (q *Queue) Graph() *graph.Graph { return q.graph }

// Lifecycle returns the lifecycle manager, for audit trails.
func (q *Queue) Lifecycle() *lifecycle.Manager { return q.life }

// Pool returns the resource pool.
func (q *Queue) Pool() *resource.Pool { return q.pool }

// Start launches the dispatcher and returns. Cancelling ctx stops dispatching
// and cancels running bodies; Shutdown is the graceful stop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return ErrShuttingDown
	}
	if q.started {
		return ErrAlreadyStarted
	}
	q.started = true
	q.startAt = q.clock()
	q.baseCtx = ctx
	q.logger.Info("queue started", "max_concurrent", q.cfg.MaxConcurrentTasks, "algorithm", q.cfg.Algorithm)
	go q.run(ctx)
	return nil
}

// TaskStatus returns a copy of the task.
func (q *Queue) TaskStatus(id string) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e.t.Clone(), nil
}

// AllTasks returns copies of every task in admission order.
func (q *Queue) AllTasks() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task.Task, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id].t.Clone())
	}
	return out
}

// signal wakes the dispatcher without blocking.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// broadcastLocked releases everyone blocked in waitFor.
func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// waitFor blocks until cond, evaluated under the lock, holds or ctx is done.
func (q *Queue) waitFor(ctx context.Context, cond func() bool) error {
	for {
		q.mu.Lock()
		if cond() {
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until no task can make progress: nothing runs, nothing is ready
// and no retry is pending. Tasks blocked on missing or failed dependencies do
// not hold it up.
func (q *Queue) Wait(ctx context.Context) error {
	return q.waitFor(ctx, q.quiescentLocked)
}

func (q *Queue) quiescentLocked() bool {
	if q.active > 0 {
		return false
	}
	for _, id := range q.order {
		e := q.entries[id]
		switch e.t.Status {
		case task.StatusReady, task.StatusInProgress:
			return false
		case task.StatusPaused:
			if e.resume {
				return false
			}
		case task.StatusPending, task.StatusBlocked:
			if !e.notBefore.IsZero() {
				return false
			}
			// Either state still has a transition due on the next tick.
			state, _ := q.dependencyStateLocked(e)
			if state == depsMet || (state == depsBroken && e.t.Status == task.StatusPending) {
				return false
			}
		}
	}
	return true
}

func (q *Queue) publish(topic string, ev events.Event) {
	q.bus.Publish(topic, ev)
}

func (q *Queue) notify(kind hooks.Kind, taskID string, data map[string]any) {
	if q.async == nil {
		return
	}
	_ = q.async.Notify(context.Background(), hooks.Notification{
		Kind: kind, TaskID: taskID, Data: data, Timestamp: q.clock(),
	})
}
