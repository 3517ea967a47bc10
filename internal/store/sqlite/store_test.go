package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"conductor/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestUpsertTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	task := domain.Task{
		ID:             "t1",
		Description:    "wire the payment flow",
		Specialization: domain.SpecializationBackend,
		Priority:       domain.PriorityHigh,
		Dependencies:   []string{"t0"},
		Checkable:      true,
		GroupID:        "t1",
		Status:         domain.TaskStatusRunning,
		Attempt:        1,
		StartedAt:      &started,
		CreatedAt:      started,
		UpdatedAt:      started,
	}
	if err := store.UpsertTask(ctx, task); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.ID != "t1" || got.Status != domain.TaskStatusRunning || got.Attempt != 1 {
		t.Fatalf("unexpected task %+v", got)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "t0" {
		t.Fatalf("dependencies did not survive, got %v", got.Dependencies)
	}
	if !got.Checkable || got.GroupID != "t1" {
		t.Fatalf("check fields did not survive, got %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("started_at did not survive, got %v", got.StartedAt)
	}
	if got.EndedAt != nil {
		t.Fatalf("ended_at must stay null, got %v", got.EndedAt)
	}
}

func TestUpsertTaskUpdatesExistingRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	task := domain.Task{
		ID:             "t1",
		Description:    "run the checks",
		Specialization: domain.SpecializationTester,
		Priority:       domain.PriorityMedium,
		Status:         domain.TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.UpsertTask(ctx, task); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	ended := now.Add(time.Minute)
	task.Status = domain.TaskStatusCompleted
	task.Result = `{"passed":3,"failed":0}`
	task.StartedAt = &now
	task.EndedAt = &ended
	task.UpdatedAt = ended
	if err := store.UpsertTask(ctx, task); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("upsert must not duplicate rows, got %d", len(tasks))
	}
	if tasks[0].Status != domain.TaskStatusCompleted || tasks[0].Result == "" {
		t.Fatalf("update did not stick, got %+v", tasks[0])
	}
	if tasks[0].EndedAt == nil || !tasks[0].EndedAt.Equal(ended) {
		t.Fatalf("ended_at did not stick, got %v", tasks[0].EndedAt)
	}
}

func TestTransitionsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	steps := []domain.TransitionRecord{
		{TaskID: "t1", From: domain.TaskStatusPending, To: domain.TaskStatusReady, CreatedAt: base},
		{TaskID: "t1", From: domain.TaskStatusReady, To: domain.TaskStatusDispatched, CreatedAt: base.Add(time.Second)},
		{TaskID: "t1", From: domain.TaskStatusDispatched, To: domain.TaskStatusRunning, Detail: "lane accepted", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, rec := range steps {
		if err := store.RecordTransition(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	out, err := store.ListTransitions(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("limit not honored, got %d rows", len(out))
	}
	if out[0].To != domain.TaskStatusRunning || out[0].Detail != "lane accepted" {
		t.Fatalf("expected newest transition first, got %+v", out[0])
	}
	if out[1].To != domain.TaskStatusDispatched {
		t.Fatalf("unexpected second row %+v", out[1])
	}
}

func TestConvergenceIterationsByGroup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	iterations := []domain.ConvergenceIteration{
		{
			GroupID:   "alpha",
			TaskID:    "chk-1",
			Iteration: 1,
			Report: domain.CheckReport{
				Passed: 2,
				Failed: 1,
				Failures: []domain.CheckFailure{
					{ID: "t-a", Diagnostic: "assertion failed"},
				},
			},
		},
		{
			GroupID:   "alpha",
			TaskID:    "chk-2",
			Iteration: 2,
			Report:    domain.CheckReport{Passed: 3},
		},
		{
			GroupID:   "beta",
			TaskID:    "chk-3",
			Iteration: 1,
			Report:    domain.CheckReport{Passed: 1},
		},
	}
	for _, it := range iterations {
		if err := store.RecordConvergence(ctx, it); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	alpha, err := store.ListConvergence(ctx, "alpha")
	if err != nil {
		t.Fatalf("list alpha: %v", err)
	}
	if len(alpha) != 2 || alpha[0].Iteration != 1 || alpha[1].Iteration != 2 {
		t.Fatalf("unexpected alpha iterations %+v", alpha)
	}
	if len(alpha[0].Report.Failures) != 1 || alpha[0].Report.Failures[0].ID != "t-a" {
		t.Fatalf("failures did not survive, got %+v", alpha[0].Report.Failures)
	}

	all, err := store.ListConvergence(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("empty group must list everything, got %d rows", len(all))
	}
}
