package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/autoqueue/internal/queue"
	"github.com/aristath/autoqueue/internal/task"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTask(id string, seq uint64, deps ...task.Dependency) *task.Task {
	now := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	return &task.Task{
		ID:                id,
		Title:             "Task " + id,
		Priority:          task.PriorityMedium,
		Status:            task.StatusPending,
		EstimatedDuration: 90 * time.Second,
		Dependencies:      deps,
		MaxRetries:        3,
		Seq:               seq,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk := newTask("task-1", 3,
		task.Dependency{TaskID: "dep-1"},
		task.Dependency{TaskID: "dep-2", Type: task.StartToStart, Strength: task.Soft},
	)
	tk.Resources = []task.ResourceRequirement{{ResourceID: "db", Exclusive: true}}
	tk.Metadata = task.Metadata{"team": "infra"}
	tk.FuncName = "sleep"

	// Dependencies need not be stored first.
	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Title != tk.Title || got.Priority != tk.Priority || got.Status != tk.Status {
		t.Errorf("got %q/%v/%v, want %q/%v/%v", got.Title, got.Priority, got.Status, tk.Title, tk.Priority, tk.Status)
	}
	if got.EstimatedDuration != tk.EstimatedDuration || got.Seq != 3 || got.FuncName != "sleep" {
		t.Errorf("scalar fields not preserved: %+v", got)
	}
	if !got.CreatedAt.Equal(tk.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, tk.CreatedAt)
	}
	if len(got.Resources) != 1 || !got.Resources[0].Exclusive {
		t.Errorf("Resources = %+v", got.Resources)
	}
	if got.Metadata["team"] != "infra" {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	want := []task.Dependency{
		{TaskID: "dep-1", Type: task.FinishToStart, Strength: task.Hard},
		{TaskID: "dep-2", Type: task.StartToStart, Strength: task.Soft},
	}
	if len(got.Dependencies) != len(want) {
		t.Fatalf("Dependencies = %+v, want %+v", got.Dependencies, want)
	}
	for i := range want {
		if got.Dependencies[i] != want[i] {
			t.Errorf("Dependencies[%d] = %+v, want %+v", i, got.Dependencies[i], want[i])
		}
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetTask(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveTaskIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk := newTask("task-idempotent", 1, task.Dependency{TaskID: "a"}, task.Dependency{TaskID: "b"})
	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	tk.Status = task.StatusCompleted
	tk.Dependencies = tk.Dependencies[:1]
	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("failed to save task second time: %v", err)
	}

	got, err := store.GetTask(ctx, "task-idempotent")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0].TaskID != "a" {
		t.Errorf("Dependencies = %+v, want only a", got.Dependencies)
	}

	all, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListTasks returned %d tasks, want 1", len(all))
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, newTask("task-status", 1)); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	if err := store.UpdateTaskStatus(ctx, "task-status", task.StatusInProgress, ""); err != nil {
		t.Fatalf("failed to update to in_progress: %v", err)
	}
	got, err := store.GetTask(ctx, "task-status")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != task.StatusInProgress {
		t.Errorf("Status = %v, want in_progress", got.Status)
	}

	if err := store.UpdateTaskStatus(ctx, "task-status", task.StatusFailed, "exit status 1"); err != nil {
		t.Fatalf("failed to update to failed: %v", err)
	}
	got, err = store.GetTask(ctx, "task-status")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != task.StatusFailed || got.FailureReason != "exit status 1" {
		t.Errorf("got %v %q, want failed with reason", got.Status, got.FailureReason)
	}

	err = store.UpdateTaskStatus(ctx, "missing", task.StatusCompleted, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("update of missing task: err = %v, want ErrNotFound", err)
	}
}

func TestListTasksInAdmissionOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, tk := range []*task.Task{
		newTask("c", 3, task.Dependency{TaskID: "b"}),
		newTask("a", 1),
		newTask("b", 2, task.Dependency{TaskID: "a"}),
	} {
		if err := store.SaveTask(ctx, tk); err != nil {
			t.Fatalf("save %s: %v", tk.ID, err)
		}
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	for i, want := range []string{"a", "b", "c"} {
		if tasks[i].ID != want {
			t.Errorf("tasks[%d] = %s, want %s", i, tasks[i].ID, want)
		}
	}
	if len(tasks[2].Dependencies) != 1 || tasks[2].Dependencies[0].TaskID != "b" {
		t.Errorf("c dependencies = %+v", tasks[2].Dependencies)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, newTask("x", 1, task.Dependency{TaskID: "y"})); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteTask(ctx, "x"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := store.DeleteTask(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}

	var n int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM task_dependencies`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d dependency rows left after delete", n)
	}
}

func testSnapshot(t *testing.T) queue.Snapshot {
	t.Helper()
	q := queue.New(queue.Config{}, queue.WithRegistry(queue.Registry{
		"noop": func(context.Context, *task.Task) error { return nil },
	}))
	t.Cleanup(func() { q.Shutdown(context.Background()) })

	for _, s := range []queue.Spec{
		{ID: "fetch", Title: "fetch", Priority: task.PriorityHigh, Func: "noop"},
		{ID: "build", Title: "build", Func: "noop", Dependencies: []task.Dependency{{TaskID: "fetch"}},
			Metadata: map[string]any{"env": "prod"}},
	} {
		if _, err := q.Submit(s); err != nil {
			t.Fatalf("submit %s: %v", s.ID, err)
		}
	}
	return q.Snapshot()
}

func TestSnapshotSaveLoad(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.LoadSnapshot(ctx, "main"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load before save: err = %v, want ErrNotFound", err)
	}

	snap := testSnapshot(t)
	first, err := store.SaveSnapshot(ctx, "main", snap)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	snap.Metadata["note"] = "second"
	second, err := store.SaveSnapshot(ctx, "main", snap)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if second <= first {
		t.Errorf("snapshot ids %d then %d, want increasing", first, second)
	}

	got, err := store.LoadSnapshot(ctx, "main")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.Metadata["note"] != "second" {
		t.Errorf("LoadSnapshot returned an older snapshot: %v", got.Metadata)
	}
	if len(got.Tasks) != 2 || len(got.Dependencies) != 1 {
		t.Fatalf("loaded %d tasks, %d edges", len(got.Tasks), len(got.Dependencies))
	}

	// The loaded snapshot restores into a fresh queue.
	q := queue.New(queue.Config{}, queue.WithRegistry(queue.Registry{
		"noop": func(context.Context, *task.Task) error { return nil },
	}))
	defer q.Shutdown(ctx)
	if err := q.Restore(got, nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := q.TaskStatus("build"); err != nil {
		t.Errorf("build missing after restore: %v", err)
	}

	infos, err := store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != second || infos[0].Tasks != 2 {
		t.Errorf("ListSnapshots = %+v", infos)
	}

	n, err := store.PruneSnapshots(ctx, "main", 1)
	if err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if infos, _ = store.ListSnapshots(ctx); len(infos) != 1 || infos[0].ID != second {
		t.Errorf("after prune: %+v", infos)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "autoqueue.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.SaveTask(ctx, newTask("kept", 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	if _, err := store.GetTask(ctx, "kept"); err != nil {
		t.Errorf("task lost across reopen: %v", err)
	}
}
