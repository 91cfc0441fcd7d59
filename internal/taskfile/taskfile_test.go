package taskfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/autoqueue/internal/planner"
	"github.com/aristath/autoqueue/internal/task"
)

const release = `
name: release
resources:
  - id: runner
    capacity: 2
  - id: staging
    capacity: 1
tasks:
  - id: build
    priority: high
    estimated_duration: 10m
    func: sleep
    resources:
      - resource_id: runner
        quantity: 1
  - id: test
    title: Run tests
    depends_on: [build]
    estimated_duration: 20m
    max_retries: 1
  - id: deploy
    depends_on: [test, build]
    dependencies:
      - task_id: test
        type: finish_to_start
        strength: soft
    resources:
      - resource_id: staging
        exclusive: true
    metadata:
      env: staging
calendar:
  start: 2026-10-12T08:00:00Z
  timezone: UTC
  hours: "09:00-17:00"
  days: [mon, tuesday, Wed, thu, fri]
  blackouts:
    - start: 2026-10-12T12:00:00Z
      end: 2026-10-12T13:00:00Z
`

func TestParse(t *testing.T) {
	tf, err := Parse(strings.NewReader(release))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tf.Name != "release" || len(tf.Tasks) != 3 || len(tf.Resources) != 2 {
		t.Fatalf("parsed %+v", tf)
	}

	specs := tf.Specs()
	if specs[0].Priority != task.PriorityHigh || specs[0].EstimatedDuration != 10*time.Minute {
		t.Errorf("build spec = %+v", specs[0])
	}
	if specs[1].Priority != task.PriorityMedium {
		t.Errorf("unset priority = %v, want medium", specs[1].Priority)
	}
	if specs[1].Title != "Run tests" || specs[2].Title != "deploy" {
		t.Errorf("titles = %q, %q", specs[1].Title, specs[2].Title)
	}
	if specs[1].MaxRetries == nil || *specs[1].MaxRetries != 1 {
		t.Errorf("max_retries = %v", specs[1].MaxRetries)
	}

	// The explicit soft dependency on test wins over the depends_on shorthand.
	deps := specs[2].Dependencies
	if len(deps) != 2 {
		t.Fatalf("deploy dependencies = %+v", deps)
	}
	if deps[0].TaskID != "test" || deps[0].Strength != task.Soft {
		t.Errorf("deps[0] = %+v", deps[0])
	}
	if deps[1].TaskID != "build" {
		t.Errorf("deps[1] = %+v", deps[1])
	}
	if specs[2].Metadata["env"] != "staging" {
		t.Errorf("metadata = %v", specs[2].Metadata)
	}
}

func TestParseJSON(t *testing.T) {
	const doc = `{"tasks": [{"id": "a", "priority": "critical", "estimated_duration": "90s"}, {"id": "b", "depends_on": ["a"]}]}`
	tf, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s := tf.Specs()
	if s[0].Priority != task.PriorityCritical || s[0].EstimatedDuration != 90*time.Second {
		t.Errorf("a = %+v", s[0])
	}
	if len(s[1].Dependencies) != 1 || s[1].Dependencies[0].TaskID != "a" {
		t.Errorf("b dependencies = %+v", s[1].Dependencies)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name, doc, want string
	}{
		{"empty", "", "empty"},
		{"no tasks", "name: x\n", "no tasks"},
		{"missing id", "tasks:\n  - title: nameless\n", "missing id"},
		{"duplicate id", "tasks:\n  - id: a\n  - id: a\n", "duplicate id"},
		{"unknown key", "tasks:\n  - id: a\n    owner: me\n", "owner"},
		{"unknown resource", "tasks:\n  - id: a\n    resources:\n      - resource_id: gpu\n", "unknown resource"},
		{"bad priority", "tasks:\n  - id: a\n    priority: urgent\n", "urgent"},
		{"bad hours", "tasks:\n  - id: a\ncalendar:\n  hours: \"17:00-09:00\"\n", "end must be after start"},
		{"bad day", "tasks:\n  - id: a\ncalendar:\n  days: [someday]\n", "unknown weekday"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestGraphAndContext(t *testing.T) {
	tf, err := Parse(strings.NewReader(release))
	if err != nil {
		t.Fatal(err)
	}
	g, err := tf.Graph()
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	if !g.LastValidation().IsValid {
		t.Fatalf("graph invalid: %+v", g.LastValidation())
	}
	if got := g.Dependents("build"); len(got) != 2 {
		t.Errorf("dependents of build = %v", got)
	}

	c, err := tf.Context(time.Now())
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if !c.Start.Equal(time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v", c.Start)
	}
	if c.WorkingHours.Start != 9*time.Hour || c.WorkingHours.End != 17*time.Hour || len(c.WorkingHours.Days) != 5 {
		t.Errorf("WorkingHours = %+v", c.WorkingHours)
	}
	if len(c.Blackouts) != 1 || len(c.Pool.Resources()) != 2 {
		t.Errorf("blackouts %d, resources %d", len(c.Blackouts), len(c.Pool.Resources()))
	}

	res := planner.Schedule(g, g.Analyze(), c)
	if !res.Success {
		t.Fatalf("schedule failed: %v", res.Errors)
	}
	// Monday 08:00 start: the first task waits for the 09:00 opening.
	if first := res.Schedule[0]; first.TaskID != "build" || first.Start.Hour() != 9 {
		t.Errorf("first entry = %+v", first)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte(release), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestParseTask(t *testing.T) {
	tk, err := ParseTask(strings.NewReader(`{"title": "adhoc", "priority": "low", "max_execution_time": "30s"}`))
	if err != nil {
		t.Fatalf("ParseTask: %v", err)
	}
	s := tk.Spec()
	if s.ID != "" || s.Title != "adhoc" || s.Priority != task.PriorityLow || s.MaxExecutionTime != 30*time.Second {
		t.Errorf("spec = %+v", s)
	}
	if _, err := ParseTask(strings.NewReader(`{"priority": "low"}`)); err == nil {
		t.Error("task without id or title accepted")
	}
	if _, err := ParseTask(strings.NewReader(`{"title": "x", "retries": 2}`)); err == nil {
		t.Error("unknown field accepted")
	}
}
