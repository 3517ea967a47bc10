package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"conductor/internal/domain"
)

// Graph holds the task records and their dependency edges. All mutation goes
// through Add/AddBatch/UpdateStatus; accessors return copies, never live
// pointers.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*domain.Task
	order      map[string]int
	dependents map[string][]string
	seq        int
}

func New() *Graph {
	return &Graph{
		tasks:      make(map[string]*domain.Task),
		order:      make(map[string]int),
		dependents: make(map[string][]string),
	}
}

// Add inserts a single task whose dependencies must already exist.
func (g *Graph) Add(task domain.Task) error {
	return g.AddBatch([]domain.Task{task})
}

// AddBatch inserts a set of tasks atomically. Dependencies may point at
// already-inserted tasks or at other tasks of the same batch. Nothing is
// mutated unless the whole batch validates: duplicate ids, unknown
// dependencies and dependency cycles all reject the batch.
func (g *Graph) AddBatch(tasks []domain.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Normalize ids and dependency references up front so validation,
	// storage and later lookups all agree on the same form.
	normalized := make([]domain.Task, len(tasks))
	for i, task := range tasks {
		task.ID = strings.TrimSpace(task.ID)
		if task.ID == "" {
			return fmt.Errorf("task id is required")
		}
		if len(task.Dependencies) > 0 {
			deps := make([]string, len(task.Dependencies))
			for j, dep := range task.Dependencies {
				deps[j] = strings.TrimSpace(dep)
			}
			task.Dependencies = deps
		}
		normalized[i] = task
	}

	incoming := make(map[string][]string, len(normalized))
	for _, task := range normalized {
		if _, exists := g.tasks[task.ID]; exists {
			return fmt.Errorf("task %s: %w", task.ID, domain.ErrDuplicateID)
		}
		if _, exists := incoming[task.ID]; exists {
			return fmt.Errorf("task %s: %w", task.ID, domain.ErrDuplicateID)
		}
		incoming[task.ID] = task.Dependencies
	}
	for id, deps := range incoming {
		for _, dep := range deps {
			if _, inBatch := incoming[dep]; inBatch {
				continue
			}
			if _, exists := g.tasks[dep]; !exists {
				return fmt.Errorf("task %s dependency %s: %w", id, dep, domain.ErrUnknownTask)
			}
		}
	}
	if cycle := g.findCycle(incoming); cycle != "" {
		return fmt.Errorf("task %s: %w", cycle, domain.ErrCyclicDependency)
	}

	now := time.Now().UTC()
	for _, task := range normalized {
		t := task
		t.Status = domain.TaskStatusPending
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = t.CreatedAt
		g.tasks[t.ID] = &t
		g.order[t.ID] = g.seq
		g.seq++
		for _, dep := range t.Dependencies {
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	return nil
}

// findCycle walks from every new task back through its dependencies,
// including edges of the existing graph, and returns the id of a task that
// can reach itself.
func (g *Graph) findCycle(incoming map[string][]string) string {
	depsOf := func(id string) []string {
		if deps, ok := incoming[id]; ok {
			return deps
		}
		if task, ok := g.tasks[id]; ok {
			return task.Dependencies
		}
		return nil
	}

	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if visiting[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visiting[id] = true
		for _, dep := range depsOf(id) {
			if dfs(dep) {
				return true
			}
		}
		visiting[id] = false
		visited[id] = true
		return false
	}

	ids := make([]string, 0, len(incoming))
	for id := range incoming {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if dfs(id) {
			return id
		}
	}
	return ""
}

// UpdateStatus applies one legal transition and the fields that travel with
// it. It returns the updated task snapshot.
func (g *Graph) UpdateStatus(id string, to domain.TaskStatus, update domain.StatusUpdate) (domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrUnknownTask)
	}
	if !domain.CanTransition(task.Status, to) {
		return domain.Task{}, fmt.Errorf("task %s %s -> %s: %w", id, task.Status, to, domain.ErrIllegalTransition)
	}

	task.Status = to
	if update.Result != "" {
		task.Result = update.Result
	}
	if update.Error != "" {
		task.Error = update.Error
	}
	if update.StartedAt != nil {
		task.StartedAt = update.StartedAt
	}
	if update.EndedAt != nil {
		task.EndedAt = update.EndedAt
	}
	task.UpdatedAt = time.Now().UTC()
	return *task, nil
}

func (g *Graph) Get(id string) (domain.Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	task, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrUnknownTask)
	}
	return *task, nil
}

// Ready returns a snapshot of every pending task whose dependencies are all
// completed, ordered by priority (high first) then insertion order.
func (g *Graph) Ready() []domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := make([]domain.Task, 0)
	for _, task := range g.tasks {
		if task.Status != domain.TaskStatusPending {
			continue
		}
		if !g.depsCompleted(task) {
			continue
		}
		ready = append(ready, *task)
	}
	sort.Slice(ready, func(i, j int) bool {
		ri, rj := ready[i].Priority.Rank(), ready[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return g.order[ready[i].ID] < g.order[ready[j].ID]
	})
	return ready
}

func (g *Graph) depsCompleted(task *domain.Task) bool {
	for _, dep := range task.Dependencies {
		depTask, ok := g.tasks[dep]
		if !ok || depTask.Status != domain.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Settled reports whether no task remains in a pre-terminal state.
func (g *Graph) Settled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, task := range g.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// Blocked returns the pending tasks that can never become ready because a
// direct or transitive dependency failed or timed out.
func (g *Graph) Blocked() []domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	memo := make(map[string]bool)
	var blocked func(id string) bool
	blocked = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		memo[id] = false
		task, ok := g.tasks[id]
		if !ok {
			return false
		}
		for _, dep := range task.Dependencies {
			depTask, ok := g.tasks[dep]
			if !ok {
				continue
			}
			if depTask.Status == domain.TaskStatusFailed ||
				depTask.Status == domain.TaskStatusTimedOut ||
				blocked(dep) {
				memo[id] = true
				break
			}
		}
		return memo[id]
	}

	out := make([]domain.Task, 0)
	for id, task := range g.tasks {
		if task.Status == domain.TaskStatusPending && blocked(id) {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return g.order[out[i].ID] < g.order[out[j].ID]
	})
	return out
}

// Dependents returns the ids of tasks that depend on the given task.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	deps := g.dependents[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// All returns every task in insertion order.
func (g *Graph) All() []domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		return g.order[out[i].ID] < g.order[out[j].ID]
	})
	return out
}

// Len returns the number of tasks held.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}
