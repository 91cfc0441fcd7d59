// Package command runs shell commands as task bodies. Every command gets its
// own process group so cancelling a task kills the whole tree it started.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aristath/autoqueue/internal/logging"
	"github.com/aristath/autoqueue/internal/task"
)

// DefaultMaxOutput is how much of each stream Run keeps.
const DefaultMaxOutput = 64 << 10

// ErrNoCommand is returned by the task body when metadata.command is empty.
var ErrNoCommand = errors.New("metadata.command is required")

// Spec is one command line, run through the shell.
type Spec struct {
	Command   string
	Dir       string
	Env       []string // appended to the process environment
	MaxOutput int      // bytes kept per stream; <= 0 means DefaultMaxOutput
}

// Result is what a finished command produced. Stdout and Stderr hold the
// tail of each stream.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Manager starts commands and tracks the running ones so they can all be
// killed on shutdown.
type Manager struct {
	mu     sync.Mutex
	procs  map[int]*exec.Cmd
	shell  string
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Component(l, "command") }
}

// WithShell replaces /bin/sh. The shell is called as `shell -c command`.
func WithShell(path string) Option {
	return func(m *Manager) { m.shell = path }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		procs:  make(map[int]*exec.Cmd),
		shell:  "/bin/sh",
		logger: logging.Discard(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// newCommand builds a command in a new process group. Cancelling ctx kills the
// group, not just the shell.
func (m *Manager) newCommand(ctx context.Context, s Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, m.shell, "-c", s.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	// Grandchildren that keep the pipes open must not hold Wait forever.
	cmd.WaitDelay = time.Second
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	return cmd
}

// Run executes s and waits for it. A non-zero exit is an error that carries
// the tail of stderr; the Result is filled in either way.
func (m *Manager) Run(ctx context.Context, s Spec) (Result, error) {
	if strings.TrimSpace(s.Command) == "" {
		return Result{}, ErrNoCommand
	}
	limit := s.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	stdout, stderr := &tailBuffer{limit: limit}, &tailBuffer{limit: limit}

	cmd := m.newCommand(ctx, s)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start command: %w", err)
	}
	m.track(cmd)
	waitErr := cmd.Wait()
	m.untrack(cmd)

	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}
	m.logger.Debug("command finished", "command", s.Command, "exit_code", res.ExitCode, "duration", res.Duration)

	if waitErr != nil {
		if ctx.Err() != nil {
			return res, context.Cause(ctx)
		}
		if msg := strings.TrimSpace(string(res.Stderr)); msg != "" {
			return res, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, lastLine(msg))
		}
		return res, fmt.Errorf("command failed: %w", waitErr)
	}
	return res, nil
}

// TaskFunc is a task body that runs metadata.command, in metadata.dir when set.
func (m *Manager) TaskFunc() func(context.Context, *task.Task) error {
	return func(ctx context.Context, t *task.Task) error {
		line, _ := t.Metadata["command"].(string)
		if line == "" {
			return ErrNoCommand
		}
		dir, _ := t.Metadata["dir"].(string)
		res, err := m.Run(ctx, Spec{
			Command: line,
			Dir:     dir,
			Env:     []string{"AUTOQUEUE_TASK_ID=" + t.ID, fmt.Sprintf("AUTOQUEUE_ATTEMPT=%d", t.RetryCount+1)},
		})
		if err == nil && len(res.Stdout) > 0 {
			m.logger.Info("command output", "task_id", t.ID, "stdout", lastLine(string(res.Stdout)))
		}
		return err
	}
}

func (m *Manager) track(cmd *exec.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[cmd.Process.Pid] = cmd
}

func (m *Manager) untrack(cmd *exec.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, cmd.Process.Pid)
}

// KillAll kills every running command's process group.
func (m *Manager) KillAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for pid, cmd := range m.procs {
		if err := killProcessGroup(cmd); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("kill process %d: %w", pid, err))
		}
	}
	if len(m.procs) > 0 {
		m.logger.Warn("killed running commands", "count", len(m.procs))
	}
	return errors.Join(errs...)
}

// Count returns the number of running commands.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// killProcessGroup sends SIGKILL to the command's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}
