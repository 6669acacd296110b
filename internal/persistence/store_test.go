package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
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

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	submitted := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := TaskRecord{
		ID:          "task-1",
		Priority:    2,
		Status:      "completed",
		Result:      "42",
		StallCount:  1,
		SubmittedAt: submitted,
		StartedAt:   submitted.Add(time.Second),
		EndedAt:     submitted.Add(3 * time.Second),
	}

	if err := store.SaveTask(ctx, rec); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.ID != rec.ID || got.Priority != rec.Priority || got.Status != rec.Status {
		t.Errorf("retrieved task mismatch: got %+v, want %+v", got, rec)
	}
	if got.Result != "42" || got.StallCount != 1 {
		t.Errorf("result/stall mismatch: got %+v", got)
	}
	if !got.SubmittedAt.Equal(rec.SubmittedAt) || !got.EndedAt.Equal(rec.EndedAt) {
		t.Errorf("timestamps did not round-trip: got %+v", got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	if _, err := store.GetTask(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing task")
	}
}

func TestSaveTaskUpsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := TaskRecord{ID: "task-1", Priority: 1, Status: "running"}
	if err := store.SaveTask(ctx, rec); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	rec.Status = "failed"
	rec.Error = "boom"
	if err := store.SaveTask(ctx, rec); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != "failed" || got.Error != "boom" {
		t.Errorf("upsert did not apply: got %+v", got)
	}

	all, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 task after upsert, got %d", len(all))
	}
}

func TestListTasksOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 3; i >= 1; i-- {
		rec := TaskRecord{
			ID:          fmt.Sprintf("task-%d", i),
			Status:      "completed",
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveTask(ctx, rec); err != nil {
			t.Fatalf("failed to save task %d: %v", i, err)
		}
	}

	all, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	for i, rec := range all {
		want := fmt.Sprintf("task-%d", i+1)
		if rec.ID != want {
			t.Errorf("position %d: got %s, want %s", i, rec.ID, want)
		}
	}
}

func TestSaveAndListOperations(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := OperationRecord{
		ID:          "op-1",
		Type:        "bug_processing",
		Status:      "completed",
		Percentage:  100,
		TotalSteps:  100,
		CurrentStep: 100,
		CreatedAt:   created,
		EndedAt:     created.Add(time.Minute),
	}
	if err := store.SaveOperation(ctx, rec); err != nil {
		t.Fatalf("failed to save operation: %v", err)
	}

	rec2 := OperationRecord{
		ID:        "op-2",
		Type:      "bug_processing",
		ParentID:  "op-1",
		Status:    "failed",
		Reason:    "step error",
		CreatedAt: created.Add(time.Hour),
	}
	if err := store.SaveOperation(ctx, rec2); err != nil {
		t.Fatalf("failed to save operation: %v", err)
	}

	all, err := store.ListOperations(ctx)
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(all))
	}
	if all[0].ID != "op-1" || all[1].ID != "op-2" {
		t.Errorf("unexpected order: %s, %s", all[0].ID, all[1].ID)
	}
	if all[1].ParentID != "op-1" || all[1].Reason != "step error" {
		t.Errorf("operation fields mismatch: %+v", all[1])
	}
	if !all[0].CreatedAt.Equal(created) {
		t.Errorf("created_at did not round-trip: got %v", all[0].CreatedAt)
	}
}

func TestFileBackedStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	defer store.Close()

	if err := store.SaveTask(ctx, TaskRecord{ID: "task-1", Status: "completed"}); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}
	if _, err := store.GetTask(ctx, "task-1"); err != nil {
		t.Fatalf("failed to read back task: %v", err)
	}
}
