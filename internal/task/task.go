package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxIDLength bounds task identifiers.
const MaxIDLength = 128

// ErrInvalidTask is wrapped by every validation failure.
var ErrInvalidTask = errors.New("invalid task")

// Priority orders tasks for dispatch. Higher values run first.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"background", "low", "medium", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityBackground || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the declared priorities.
func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}

// ParsePriority converts a name ("high") into a Priority.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is a lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
	StatusPaused     Status = "paused"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Finished reports whether the task has stopped running for good or for now
// (completed, failed or cancelled). Used for retention and soft dependencies.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DependencyType constrains how a dependency gates its dependent.
type DependencyType string

const (
	FinishToStart  DependencyType = "finish_to_start"
	StartToStart   DependencyType = "start_to_start"
	FinishToFinish DependencyType = "finish_to_finish"
	StartToFinish  DependencyType = "start_to_finish"
)

// Strength decides whether an unmet dependency blocks the dependent.
type Strength string

const (
	Hard Strength = "hard"
	Soft Strength = "soft"
)

// Dependency names a task this task waits on.
type Dependency struct {
	TaskID   string         `json:"task_id" yaml:"task_id"`
	Type     DependencyType `json:"type,omitempty" yaml:"type,omitempty"`
	Strength Strength       `json:"strength,omitempty" yaml:"strength,omitempty"`
}

// Normalized fills in the default type and strength.
func (d Dependency) Normalized() Dependency {
	if d.Type == "" {
		d.Type = FinishToStart
	}
	if d.Strength == "" {
		d.Strength = Hard
	}
	return d
}

// ResourceRequirement asks for a quantity of a pooled resource while the task runs.
type ResourceRequirement struct {
	ResourceID string `json:"resource_id" yaml:"resource_id"`
	Quantity   int    `json:"quantity" yaml:"quantity"`
	Exclusive  bool   `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
}

// Task is a unit of schedulable work.
type Task struct {
	ID                string                `json:"id"`
	Title             string                `json:"title"`
	Description       string                `json:"description,omitempty"`
	Category          string                `json:"category,omitempty"`
	Priority          Priority              `json:"priority"`
	Status            Status                `json:"status"`
	EstimatedDuration time.Duration         `json:"estimated_duration"`
	ActualDuration    time.Duration         `json:"actual_duration,omitempty"`
	MaxExecutionTime  time.Duration         `json:"max_execution_time,omitempty"`
	Dependencies      []Dependency          `json:"dependencies,omitempty"`
	RetryCount        int                   `json:"retry_count"`
	MaxRetries        int                   `json:"max_retries"`
	Resources         []ResourceRequirement `json:"resources,omitempty"`
	Metadata          Metadata              `json:"metadata,omitempty"`
	FailureReason     string                `json:"failure_reason,omitempty"`
	FuncName          string                `json:"func_name,omitempty"`
	ParentID          string                `json:"parent_id,omitempty"`
	BreakdownDepth    int                   `json:"breakdown_depth,omitempty"`
	Seq               uint64                `json:"seq"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	StartedAt         time.Time             `json:"started_at,omitzero"`
	EndedAt           time.Time             `json:"ended_at,omitzero"`
}

// ValidationError describes why a task was rejected.
type ValidationError struct {
	TaskID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid task %q: %s %s", e.TaskID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidTask }

// Validate checks the structural invariants of a task.
func (t *Task) Validate() error {
	if t == nil {
		return &ValidationError{Field: "task", Reason: "is nil"}
	}
	if t.ID == "" {
		return &ValidationError{Field: "id", Reason: "is empty"}
	}
	if len(t.ID) > MaxIDLength {
		return &ValidationError{TaskID: t.ID[:16] + "...", Field: "id", Reason: fmt.Sprintf("exceeds %d bytes", MaxIDLength)}
	}
	if strings.TrimSpace(t.Title) == "" {
		return &ValidationError{TaskID: t.ID, Field: "title", Reason: "is empty"}
	}
	if !t.Priority.Valid() {
		return &ValidationError{TaskID: t.ID, Field: "priority", Reason: fmt.Sprintf("%d out of range", int(t.Priority))}
	}
	if t.EstimatedDuration < 0 {
		return &ValidationError{TaskID: t.ID, Field: "estimated_duration", Reason: "is negative"}
	}
	if t.MaxExecutionTime < 0 {
		return &ValidationError{TaskID: t.ID, Field: "max_execution_time", Reason: "is negative"}
	}
	if t.MaxRetries < 0 {
		return &ValidationError{TaskID: t.ID, Field: "max_retries", Reason: "is negative"}
	}
	for _, dep := range t.Dependencies {
		if dep.TaskID == "" {
			return &ValidationError{TaskID: t.ID, Field: "dependencies", Reason: "contains an empty task id"}
		}
		switch dep.Normalized().Type {
		case FinishToStart, StartToStart, FinishToFinish, StartToFinish:
		default:
			return &ValidationError{TaskID: t.ID, Field: "dependencies", Reason: fmt.Sprintf("unknown type %q", dep.Type)}
		}
		switch dep.Normalized().Strength {
		case Hard, Soft:
		default:
			return &ValidationError{TaskID: t.ID, Field: "dependencies", Reason: fmt.Sprintf("unknown strength %q", dep.Strength)}
		}
	}
	for _, req := range t.Resources {
		if req.ResourceID == "" {
			return &ValidationError{TaskID: t.ID, Field: "resources", Reason: "contains an empty resource id"}
		}
		if req.Quantity <= 0 && !req.Exclusive {
			return &ValidationError{TaskID: t.ID, Field: "resources", Reason: fmt.Sprintf("quantity for %q must be positive", req.ResourceID)}
		}
	}
	return nil
}

// DependsOn returns the IDs of all declared dependencies.
func (t *Task) DependsOn() []string {
	ids := make([]string, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		ids = append(ids, d.TaskID)
	}
	return ids
}

// DependencyOn returns the normalized declaration of the dependency on id, or
// a default hard finish-to-start one when t does not declare it.
func (t *Task) DependencyOn(id string) Dependency {
	for _, d := range t.Dependencies {
		if d.TaskID == id {
			return d.Normalized()
		}
	}
	return Dependency{TaskID: id}.Normalized()
}

// Clone returns a deep copy safe to hand to callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]Dependency(nil), t.Dependencies...)
	}
	if t.Resources != nil {
		cp.Resources = append([]ResourceRequirement(nil), t.Resources...)
	}
	cp.Metadata = t.Metadata.Clone()
	return &cp
}
