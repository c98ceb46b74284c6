package taskstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_CreateAndGetTask(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	created, err := store.CreateTask(ctx, domain.TaskSpec{
		ID:         "T-1",
		Title:      "Build the thing",
		Type:       domain.TaskTypeTask,
		Complexity: 3,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if created.Status != domain.StatusPending {
		t.Fatalf("expected new task to be pending, got %s", created.Status)
	}

	got, err := store.GetTask(ctx, "T-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "Build the thing" {
		t.Fatalf("unexpected title: %q", got.Title)
	}
}

func TestSQLiteStore_GetTask_NotFound(t *testing.T) {
	store := newTestSQLiteStore(t)
	_, err := store.GetTask(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected not found error")
	}
}

func TestSQLiteStore_TransitionMergesMetadata(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := store.CreateTask(ctx, domain.TaskSpec{
		ID:       "T-2",
		Metadata: map[string]any{"a": "1"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	err = store.Transition(ctx, "T-2", domain.StatusInProgress, map[string]any{"b": "2"}, "corr-1", "tester")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	got, err := store.GetTask(ctx, "T-2")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
	if got.Metadata["a"] != "1" || got.Metadata["b"] != "2" {
		t.Fatalf("expected merged metadata, got %v", got.Metadata)
	}
	if got.CorrelationID != "corr-1" {
		t.Fatalf("expected correlation id to persist, got %q", got.CorrelationID)
	}
}

func TestSQLiteStore_TransitionPromotesWellKnownMetaOntoTypedFields(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := store.CreateTask(ctx, domain.TaskSpec{ID: "T-3"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	attempt := time.Now().Add(-1 * time.Minute)
	meta := map[string]any{
		"last_attempt_time": attempt,
		"last_error":        "exit status 1",
		"failure_count":     3,
	}
	if err := store.Transition(ctx, "T-3", domain.StatusFailed, meta, "corr-2", "tester"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	got, err := store.GetTask(ctx, "T-3")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.FailureCount != 3 {
		t.Fatalf("expected failure count 3, got %d", got.FailureCount)
	}
	if got.LastError != "exit status 1" {
		t.Fatalf("expected last error to be set, got %q", got.LastError)
	}
	if !got.LastAttemptTime.Truncate(time.Second).Equal(attempt.Truncate(time.Second)) {
		t.Fatalf("expected last attempt time %v, got %v", attempt, got.LastAttemptTime)
	}
}

func TestSQLiteStore_GetDependencies(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, domain.TaskSpec{ID: "DEP-1"}); err != nil {
		t.Fatalf("create dep: %v", err)
	}
	if _, err := store.CreateTask(ctx, domain.TaskSpec{ID: "T-3", Dependencies: []string{"DEP-1"}}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	deps, err := store.GetDependencies(ctx, "T-3")
	if err != nil {
		t.Fatalf("get dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0].ID != "DEP-1" {
		t.Fatalf("expected [DEP-1], got %v", deps)
	}
}

func TestSQLiteStore_AssignTask(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, domain.TaskSpec{ID: "T-4"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.AssignTask(ctx, "T-4", "agent-1", "corr-2"); err != nil {
		t.Fatalf("assign task: %v", err)
	}

	got, err := store.GetTask(ctx, "T-4")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Metadata["assigned_agent"] != "agent-1" {
		t.Fatalf("expected assigned_agent metadata, got %v", got.Metadata)
	}
}

func TestSQLiteStore_GetTasksFiltersByStatus(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	store.CreateTask(ctx, domain.TaskSpec{ID: "A"})
	store.CreateTask(ctx, domain.TaskSpec{ID: "B"})
	store.Transition(ctx, "B", domain.StatusDone, nil, "", "")

	done, err := store.GetTasks(ctx, domain.Filter{Status: []domain.TaskStatus{domain.StatusDone}})
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(done) != 1 || done[0].ID != "B" {
		t.Fatalf("expected only B, got %v", done)
	}
}
