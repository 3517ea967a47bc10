package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"conductor/internal/domain"
)

func TestWriteAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tasks.json")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	tasks := []domain.Task{
		{
			ID:             "a",
			Description:    "build the parser",
			Specialization: domain.SpecializationDeveloper,
			Priority:       domain.PriorityHigh,
			Status:         domain.TaskStatusRunning,
			StartedAt:      &started,
		},
		{
			ID:             "b",
			Description:    "verify the parser",
			Specialization: domain.SpecializationTester,
			Priority:       domain.PriorityMedium,
			Dependencies:   []string{"a"},
			Checkable:      true,
			GroupID:        "b",
			Status:         domain.TaskStatusPending,
		},
	}
	if err := w.Write(tasks); err != nil {
		t.Fatalf("write: %v", err)
	}

	doc, err := Load(w.Path())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.WrittenAt.IsZero() {
		t.Fatal("written_at must be set")
	}
	if len(doc.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(doc.Tasks))
	}
	if doc.Tasks[0].ID != "a" || doc.Tasks[0].Status != domain.TaskStatusRunning {
		t.Fatalf("unexpected first task %+v", doc.Tasks[0])
	}
	if doc.Tasks[0].StartedAt == nil || !doc.Tasks[0].StartedAt.Equal(started) {
		t.Fatalf("started_at did not survive the round trip: %+v", doc.Tasks[0].StartedAt)
	}
	if !doc.Tasks[1].Checkable || doc.Tasks[1].GroupID != "b" {
		t.Fatalf("unexpected second task %+v", doc.Tasks[1])
	}
}

func TestWriteOverwritesWholeDocument(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Write([]domain.Task{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.Write([]domain.Task{{ID: "c"}}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	doc, err := Load(w.Path())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.Tasks) != 1 || doc.Tasks[0].ID != "c" {
		t.Fatalf("snapshot must hold only the latest list, got %+v", doc.Tasks)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}
