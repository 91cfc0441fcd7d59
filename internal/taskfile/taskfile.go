// Package taskfile reads task batches from YAML or JSON files for the CLI.
// JSON is parsed as YAML, so both formats share one schema.
package taskfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/autoqueue/internal/graph"
	"github.com/aristath/autoqueue/internal/planner"
	"github.com/aristath/autoqueue/internal/queue"
	"github.com/aristath/autoqueue/internal/resource"
	"github.com/aristath/autoqueue/internal/task"
)

// File is a task batch with the resources it needs.
type File struct {
	Name      string              `yaml:"name,omitempty"`
	Resources []resource.Resource `yaml:"resources,omitempty"`
	Tasks     []Task              `yaml:"tasks"`
	Calendar  *Calendar           `yaml:"calendar,omitempty"`
}

// Task is one entry in a task file. DependsOn is shorthand for hard
// finish-to-start dependencies; an unset priority means medium.
type Task struct {
	ID                string                     `yaml:"id"`
	Title             string                     `yaml:"title,omitempty"`
	Description       string                     `yaml:"description,omitempty"`
	Category          string                     `yaml:"category,omitempty"`
	Priority          *task.Priority             `yaml:"priority,omitempty"`
	DependsOn         []string                   `yaml:"depends_on,omitempty"`
	Dependencies      []task.Dependency          `yaml:"dependencies,omitempty"`
	Resources         []task.ResourceRequirement `yaml:"resources,omitempty"`
	EstimatedDuration time.Duration              `yaml:"estimated_duration,omitempty"`
	MaxExecutionTime  time.Duration              `yaml:"max_execution_time,omitempty"`
	MaxRetries        *int                       `yaml:"max_retries,omitempty"`
	Metadata          map[string]any             `yaml:"metadata,omitempty"`
	Func              string                     `yaml:"func,omitempty"`
}

// Calendar constrains planned start times.
type Calendar struct {
	Start     time.Time        `yaml:"start,omitempty"`
	Timezone  string           `yaml:"timezone,omitempty"`
	Hours     string           `yaml:"hours,omitempty"` // "09:00-17:00"
	Days      []string         `yaml:"days,omitempty"`  // "mon", "tuesday", ...
	Blackouts []planner.Window `yaml:"blackouts,omitempty"`
}

// Load reads and parses a task file.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	defer f.Close()
	tf, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tf, nil
}

// Parse decodes a task file and checks it for structural errors. Unknown keys
// are rejected.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var tf File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("task file is empty")
		}
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	if err := tf.validate(); err != nil {
		return nil, err
	}
	return &tf, nil
}

// ParseTask decodes a single task entry, such as an API request body.
func ParseTask(r io.Reader) (Task, error) {
	var t Task
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		if errors.Is(err, io.EOF) {
			return Task{}, errors.New("empty task")
		}
		return Task{}, fmt.Errorf("parse task: %w", err)
	}
	if t.ID == "" && t.Title == "" {
		return Task{}, errors.New("task needs an id or a title")
	}
	return t, nil
}

func (tf *File) validate() error {
	var errs []error
	if len(tf.Tasks) == 0 {
		errs = append(errs, errors.New("no tasks"))
	}
	seen := make(map[string]bool, len(tf.Tasks))
	for i, t := range tf.Tasks {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("tasks[%d]: missing id", i))
		case seen[t.ID]:
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = true
	}
	res := make(map[string]bool, len(tf.Resources))
	for _, r := range tf.Resources {
		res[r.ID] = true
	}
	for _, t := range tf.Tasks {
		for _, rr := range t.Resources {
			if !res[rr.ResourceID] {
				errs = append(errs, fmt.Errorf("task %q: unknown resource %q", t.ID, rr.ResourceID))
			}
		}
	}
	if tf.Calendar != nil {
		if _, err := tf.Calendar.WorkingHours(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Spec converts the entry to a queue submission.
func (t Task) Spec() queue.Spec {
	prio := task.PriorityMedium
	if t.Priority != nil {
		prio = *t.Priority
	}
	title := t.Title
	if title == "" {
		title = t.ID
	}
	return queue.Spec{
		ID:                t.ID,
		Title:             title,
		Description:       t.Description,
		Category:          t.Category,
		Priority:          prio,
		Dependencies:      t.dependencies(),
		Resources:         t.Resources,
		EstimatedDuration: t.EstimatedDuration,
		MaxExecutionTime:  t.MaxExecutionTime,
		MaxRetries:        t.MaxRetries,
		Metadata:          t.Metadata,
		Func:              t.Func,
	}
}

// dependencies merges DependsOn into Dependencies, keeping the first
// declaration of each prerequisite.
func (t Task) dependencies() []task.Dependency {
	if len(t.DependsOn) == 0 {
		return t.Dependencies
	}
	out := append([]task.Dependency(nil), t.Dependencies...)
	have := make(map[string]bool, len(out))
	for _, d := range out {
		have[d.TaskID] = true
	}
	for _, id := range t.DependsOn {
		if !have[id] {
			out = append(out, task.Dependency{TaskID: id})
			have[id] = true
		}
	}
	return out
}

// Specs converts every task, in file order.
func (tf *File) Specs() []queue.Spec {
	out := make([]queue.Spec, 0, len(tf.Tasks))
	for _, t := range tf.Tasks {
		out = append(out, t.Spec())
	}
	return out
}

// Pool builds a resource pool from the file's resources.
func (tf *File) Pool() (*resource.Pool, error) {
	p := resource.NewPool()
	for _, r := range tf.Resources {
		if err := p.AddResource(r); err != nil {
			return nil, fmt.Errorf("resource %q: %w", r.ID, err)
		}
	}
	return p, nil
}

// Graph builds the dependency graph of the file's tasks. Cycles are kept so
// the caller can report them through Validate or DetectCycles.
func (tf *File) Graph() (*graph.Graph, error) {
	tasks := make([]*task.Task, 0, len(tf.Tasks))
	for i, t := range tf.Tasks {
		s := t.Spec()
		meta, err := task.SanitizeMetadata(s.Metadata)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", t.ID, err)
		}
		tasks = append(tasks, &task.Task{
			ID:                s.ID,
			Title:             s.Title,
			Description:       s.Description,
			Category:          s.Category,
			Priority:          s.Priority,
			Status:            task.StatusPending,
			EstimatedDuration: s.EstimatedDuration,
			MaxExecutionTime:  s.MaxExecutionTime,
			Dependencies:      s.Dependencies,
			Resources:         s.Resources,
			Metadata:          meta,
			FuncName:          s.Func,
			Seq:               uint64(i + 1),
		})
	}
	return graph.New(tasks)
}

// Context builds the planner context starting at now unless the calendar
// names a start.
func (tf *File) Context(now time.Time) (planner.Context, error) {
	pool, err := tf.Pool()
	if err != nil {
		return planner.Context{}, err
	}
	c := planner.Context{Start: now, Pool: pool}
	if tf.Calendar == nil {
		return c, nil
	}
	if !tf.Calendar.Start.IsZero() {
		c.Start = tf.Calendar.Start
	}
	if c.WorkingHours, err = tf.Calendar.WorkingHours(); err != nil {
		return planner.Context{}, err
	}
	if loc := c.WorkingHours.Location; loc != nil {
		c.Start = c.Start.In(loc)
	}
	c.Blackouts = tf.Calendar.Blackouts
	return c, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// WorkingHours parses the calendar's hours, days and timezone.
func (c *Calendar) WorkingHours() (planner.WorkingHours, error) {
	var w planner.WorkingHours
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return w, fmt.Errorf("calendar timezone: %w", err)
		}
		w.Location = loc
	}
	if c.Hours != "" {
		from, to, ok := strings.Cut(c.Hours, "-")
		if !ok {
			return w, fmt.Errorf("calendar hours %q: want HH:MM-HH:MM", c.Hours)
		}
		var err error
		if w.Start, err = clock(from); err != nil {
			return w, fmt.Errorf("calendar hours: %w", err)
		}
		if w.End, err = clock(to); err != nil {
			return w, fmt.Errorf("calendar hours: %w", err)
		}
		if w.End <= w.Start {
			return w, fmt.Errorf("calendar hours %q: end must be after start", c.Hours)
		}
	}
	for _, d := range c.Days {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdays[key]
		if !ok {
			return w, fmt.Errorf("calendar day %q: unknown weekday", d)
		}
		w.Days = append(w.Days, wd)
	}
	return w, nil
}

// clock parses "HH:MM" as an offset from midnight.
func clock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
