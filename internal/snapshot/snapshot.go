package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conductor/internal/domain"
)

// Document is the persisted task log: a point-in-time mirror of the whole
// task list, overwritten on every mutation.
type Document struct {
	WrittenAt time.Time     `json:"written_at"`
	Tasks     []domain.Task `json:"tasks"`
}

// Writer mirrors the task list to a single JSON file. Writes go through a
// temp file and rename so readers never observe a torn document.
type Writer struct {
	mu   sync.Mutex
	path string
}

func NewWriter(path string) (*Writer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &Writer{path: abs}, nil
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) Write(tasks []domain.Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc := Document{
		WrittenAt: time.Now().UTC(),
		Tasks:     tasks,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot document back from disk.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read snapshot: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc, nil
}
