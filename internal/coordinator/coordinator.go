package coordinator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"conductor/internal/domain"
	"conductor/internal/graph"
)

// History receives the audit trail of every task mutation.
type History interface {
	UpsertTask(ctx context.Context, task domain.Task) error
	RecordTransition(ctx context.Context, rec domain.TransitionRecord) error
}

// Mirror receives the full task list after every mutation.
type Mirror interface {
	Write(tasks []domain.Task) error
}

// Coordinator owns the task lifecycle: it is the single writer applying
// status transitions to the graph, and it mirrors every mutation to the
// snapshot file and the history store before returning.
type Coordinator struct {
	mu      sync.Mutex
	graph   *graph.Graph
	history History
	mirror  Mirror
	logger  *log.Logger
}

func New(g *graph.Graph, history History, mirror Mirror, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		graph:   g,
		history: history,
		mirror:  mirror,
		logger:  logger,
	}
}

// Insert adds new tasks to the graph and persists them. Validation errors
// reject the whole batch; persistence failures come back as a warning
// wrapping domain.ErrPersistence with the tasks already inserted.
func (c *Coordinator) Insert(ctx context.Context, tasks ...domain.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.graph.AddBatch(tasks); err != nil {
		return err
	}

	var warnings []string
	if c.history != nil {
		for _, task := range tasks {
			inserted, err := c.graph.Get(task.ID)
			if err != nil {
				continue
			}
			if err := c.history.UpsertTask(ctx, inserted); err != nil {
				warnings = append(warnings, err.Error())
			}
		}
	}
	warnings = append(warnings, c.writeMirror()...)
	return warningOrNil(warnings)
}

// Transition applies one legal status change and persists the result. The
// in-memory state always advances first; a failed log write surfaces as a
// warning wrapping domain.ErrPersistence, never as a rollback.
func (c *Coordinator) Transition(ctx context.Context, id string, to domain.TaskStatus, update domain.StatusUpdate) (domain.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before, err := c.graph.Get(id)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := c.graph.UpdateStatus(id, to, update)
	if err != nil {
		return domain.Task{}, err
	}

	var warnings []string
	if c.history != nil {
		if err := c.history.UpsertTask(ctx, task); err != nil {
			warnings = append(warnings, err.Error())
		}
		rec := domain.TransitionRecord{
			TaskID:    id,
			From:      before.Status,
			To:        to,
			Detail:    transitionDetail(update),
			CreatedAt: time.Now().UTC(),
		}
		if err := c.history.RecordTransition(ctx, rec); err != nil {
			warnings = append(warnings, err.Error())
		}
	}
	warnings = append(warnings, c.writeMirror()...)
	return task, warningOrNil(warnings)
}

func (c *Coordinator) writeMirror() []string {
	if c.mirror == nil {
		return nil
	}
	if err := c.mirror.Write(c.graph.All()); err != nil {
		c.logger.Printf("snapshot write failed: %v", err)
		return []string{err.Error()}
	}
	return nil
}

func warningOrNil(warnings []string) error {
	if len(warnings) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrPersistence, strings.Join(warnings, "; "))
}

func transitionDetail(update domain.StatusUpdate) string {
	if update.Error != "" {
		return update.Error
	}
	if update.Result == "" {
		return ""
	}
	detail := strings.TrimSpace(update.Result)
	// Truncate on rune boundaries; agent output is not guaranteed ASCII.
	if runes := []rune(detail); len(runes) > 160 {
		detail = string(runes[:157]) + "..."
	}
	return detail
}
