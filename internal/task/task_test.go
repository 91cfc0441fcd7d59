package task

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    *Task
		wantErr bool
		field   string
	}{
		{
			name: "valid task",
			task: &Task{ID: "a", Title: "A", Priority: PriorityHigh, EstimatedDuration: time.Minute},
		},
		{
			name:    "nil task",
			task:    nil,
			wantErr: true,
			field:   "task",
		},
		{
			name:    "empty id",
			task:    &Task{Title: "A"},
			wantErr: true,
			field:   "id",
		},
		{
			name:    "id too long",
			task:    &Task{ID: strings.Repeat("x", MaxIDLength+1), Title: "A"},
			wantErr: true,
			field:   "id",
		},
		{
			name:    "blank title",
			task:    &Task{ID: "a", Title: "   "},
			wantErr: true,
			field:   "title",
		},
		{
			name:    "priority out of range",
			task:    &Task{ID: "a", Title: "A", Priority: Priority(42)},
			wantErr: true,
			field:   "priority",
		},
		{
			name:    "negative duration",
			task:    &Task{ID: "a", Title: "A", EstimatedDuration: -time.Second},
			wantErr: true,
			field:   "estimated_duration",
		},
		{
			name:    "empty dependency id",
			task:    &Task{ID: "a", Title: "A", Dependencies: []Dependency{{}}},
			wantErr: true,
			field:   "dependencies",
		},
		{
			name:    "unknown dependency type",
			task:    &Task{ID: "a", Title: "A", Dependencies: []Dependency{{TaskID: "b", Type: "sideways"}}},
			wantErr: true,
			field:   "dependencies",
		},
		{
			name:    "zero resource quantity",
			task:    &Task{ID: "a", Title: "A", Resources: []ResourceRequirement{{ResourceID: "cpu"}}},
			wantErr: true,
			field:   "resources",
		},
		{
			name: "exclusive resource without quantity",
			task: &Task{ID: "a", Title: "A", Resources: []ResourceRequirement{{ResourceID: "gpu", Exclusive: true}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrInvalidTask) {
				t.Errorf("expected ErrInvalidTask, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestPriorityOrderingAndText(t *testing.T) {
	if !(PriorityBackground < PriorityLow && PriorityLow < PriorityMedium &&
		PriorityMedium < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Fatal("priorities are not strictly ordered")
	}

	data, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityCritical})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"p":"critical"}` {
		t.Errorf("got %s", data)
	}

	var decoded struct {
		P Priority `json:"p"`
	}
	if err := json.Unmarshal([]byte(`{"p":"LOW"}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.P != PriorityLow {
		t.Errorf("got %v, want low", decoded.P)
	}

	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusReady, StatusInProgress, StatusFailed, StatusBlocked, StatusPaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !StatusFailed.Finished() || StatusBlocked.Finished() {
		t.Error("Finished() mismatch")
	}
}

func TestDependencyNormalized(t *testing.T) {
	d := Dependency{TaskID: "x"}.Normalized()
	if d.Type != FinishToStart || d.Strength != Hard {
		t.Errorf("got %+v", d)
	}
	d = Dependency{TaskID: "x", Type: StartToStart, Strength: Soft}.Normalized()
	if d.Type != StartToStart || d.Strength != Soft {
		t.Errorf("explicit values overwritten: %+v", d)
	}
}

func TestDependencyOn(t *testing.T) {
	tk := &Task{ID: "a", Dependencies: []Dependency{{TaskID: "x", Strength: Soft}}}
	if d := tk.DependencyOn("x"); d.Strength != Soft || d.Type != FinishToStart {
		t.Errorf("declared = %+v", d)
	}
	if d := tk.DependencyOn("y"); d.TaskID != "y" || d.Strength != Hard {
		t.Errorf("undeclared = %+v", d)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:           "a",
		Title:        "A",
		Dependencies: []Dependency{{TaskID: "b"}},
		Resources:    []ResourceRequirement{{ResourceID: "cpu", Quantity: 1}},
		Metadata:     Metadata{"tags": []any{"x"}, "nested": map[string]any{"k": "v"}},
	}
	cp := orig.Clone()
	cp.Dependencies[0].TaskID = "changed"
	cp.Resources[0].Quantity = 9
	cp.Metadata["tags"].([]any)[0] = "y"
	cp.Metadata["nested"].(map[string]any)["k"] = "w"

	if orig.Dependencies[0].TaskID != "b" {
		t.Error("dependencies shared")
	}
	if orig.Resources[0].Quantity != 1 {
		t.Error("resources shared")
	}
	if orig.Metadata["tags"].([]any)[0] != "x" {
		t.Error("metadata list shared")
	}
	if orig.Metadata["nested"].(map[string]any)["k"] != "v" {
		t.Error("metadata map shared")
	}
}
