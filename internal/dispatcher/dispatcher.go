package dispatcher

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/agent"
	"conductor/internal/converge"
	"conductor/internal/coordinator"
	"conductor/internal/domain"
	"conductor/internal/graph"
	"conductor/internal/lane"
	"conductor/internal/policy"
)

type Config struct {
	QueueBuffer int
}

func (c Config) withDefaults() Config {
	if c.QueueBuffer <= 0 {
		c.QueueBuffer = 32
	}
	return c
}

// Dispatcher runs the task graph to quiescence: it repeatedly snapshots the
// ready set, partitions it by specialization and feeds each partition to
// that specialization's lane, with partitions running concurrently. Task
// failures never abort the run; they only block their dependents.
type Dispatcher struct {
	graph   *graph.Graph
	coord   *coordinator.Coordinator
	loop    *converge.Loop
	rules   *policy.Rules
	factory agent.Factory
	cfg     Config
	logger  *log.Logger

	mu    sync.Mutex
	lanes map[domain.Specialization]*lane.Lane
}

func New(
	g *graph.Graph,
	coord *coordinator.Coordinator,
	loop *converge.Loop,
	rules *policy.Rules,
	factory agent.Factory,
	cfg Config,
	logger *log.Logger,
) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		graph:   g,
		coord:   coord,
		loop:    loop,
		rules:   rules,
		factory: factory,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		lanes:   make(map[domain.Specialization]*lane.Lane),
	}
}

// Run drives rounds of dispatch until no task is ready and none is in
// flight, then reports what happened. Between rounds the convergence loop
// may have inserted fix and re-run tasks, which the next round picks up.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	defer d.closeLanes()

	for {
		if err := ctx.Err(); err != nil {
			return d.summarize(), err
		}
		ready := d.graph.Ready()
		if len(ready) == 0 {
			break
		}
		if err := d.runRound(ctx, ready); err != nil {
			return d.summarize(), err
		}
	}
	return d.summarize(), nil
}

func (d *Dispatcher) runRound(ctx context.Context, ready []domain.Task) error {
	for _, task := range ready {
		if _, err := d.transition(ctx, task.ID, domain.TaskStatusReady, domain.StatusUpdate{}); err != nil {
			return err
		}
	}

	specs, parts := partition(ready)
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		tasks := parts[spec]
		ln := d.laneFor(ctx, spec)
		g.Go(func() error {
			for _, task := range tasks {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := d.execute(gctx, ln, task); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// execute walks one task through its lane and routes the outcome back into
// the graph. Only caller bugs and context cancellation bubble up.
func (d *Dispatcher) execute(ctx context.Context, ln *lane.Lane, task domain.Task) error {
	if _, err := d.transition(ctx, task.ID, domain.TaskStatusDispatched, domain.StatusUpdate{}); err != nil {
		return err
	}

	outcome, err := ln.Submit(ctx, task, func() {
		now := time.Now().UTC()
		if _, err := d.transition(ctx, task.ID, domain.TaskStatusRunning, domain.StatusUpdate{StartedAt: &now}); err != nil {
			d.logger.Printf("mark running failed task=%s: %v", task.ID, err)
		}
	})
	if err != nil {
		return err
	}

	// The run start callback never fired if the service rejected the
	// submission outright; bring the task to running before closing it out.
	if current, err := d.graph.Get(task.ID); err == nil && current.Status == domain.TaskStatusDispatched {
		if _, err := d.transition(ctx, task.ID, domain.TaskStatusRunning, domain.StatusUpdate{StartedAt: &outcome.StartedAt}); err != nil {
			return err
		}
	}

	update := domain.StatusUpdate{EndedAt: &outcome.EndedAt}
	var to domain.TaskStatus
	switch outcome.Status {
	case domain.OutcomeCompleted:
		to = domain.TaskStatusCompleted
		update.Result = outcome.Result
	case domain.OutcomeTimedOut:
		to = domain.TaskStatusTimedOut
		update.Error = outcome.Err
	default:
		to = domain.TaskStatusFailed
		update.Error = outcome.Err
	}
	updated, err := d.transition(ctx, task.ID, to, update)
	if err != nil {
		return err
	}
	if to != domain.TaskStatusCompleted {
		if waiting := d.graph.Dependents(task.ID); len(waiting) > 0 {
			d.logger.Printf("task %s %s blocks %s", task.ID, to, strings.Join(waiting, ", "))
		}
	}

	if task.Checkable {
		if err := d.loop.HandleCheckOutcome(ctx, updated); err != nil {
			if errors.Is(err, domain.ErrConvergenceExhausted) {
				d.logger.Printf("convergence gave up: %v", err)
			} else {
				d.logger.Printf("convergence handling failed task=%s: %v", task.ID, err)
			}
		}
	}
	return nil
}

// transition routes a status change through the coordinator, downgrading
// persistence warnings to log lines so scheduling never stalls on them.
func (d *Dispatcher) transition(ctx context.Context, id string, to domain.TaskStatus, update domain.StatusUpdate) (domain.Task, error) {
	task, err := d.coord.Transition(ctx, id, to, update)
	if err != nil && errors.Is(err, domain.ErrPersistence) {
		d.logger.Printf("persistence warning task=%s: %v", id, err)
		return task, nil
	}
	return task, err
}

func (d *Dispatcher) laneFor(ctx context.Context, spec domain.Specialization) *lane.Lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ln, ok := d.lanes[spec]; ok {
		return ln
	}
	ln := lane.New(spec, d.factory(spec), d.rules, d.cfg.QueueBuffer, d.logger)
	ln.Start(ctx)
	d.lanes[spec] = ln
	return ln
}

func (d *Dispatcher) closeLanes() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for spec, ln := range d.lanes {
		ln.Close()
		delete(d.lanes, spec)
	}
}

// partition groups the ready set by specialization, preserving the ready
// ordering inside each group and the order groups first appear.
func partition(ready []domain.Task) ([]domain.Specialization, map[domain.Specialization][]domain.Task) {
	specs := make([]domain.Specialization, 0)
	parts := make(map[domain.Specialization][]domain.Task)
	for _, task := range ready {
		if _, ok := parts[task.Specialization]; !ok {
			specs = append(specs, task.Specialization)
		}
		parts[task.Specialization] = append(parts[task.Specialization], task)
	}
	return specs, parts
}

func (d *Dispatcher) summarize() Summary {
	s := Summary{Convergence: d.loop.Records()}
	for _, task := range d.graph.All() {
		s.Total++
		switch task.Status {
		case domain.TaskStatusCompleted:
			s.Completed = append(s.Completed, task)
		case domain.TaskStatusFailed:
			s.Failed = append(s.Failed, task)
		case domain.TaskStatusTimedOut:
			s.TimedOut = append(s.TimedOut, task)
		}
	}
	s.Blocked = d.graph.Blocked()
	return s
}

// Summary is the terminal report of one dispatcher run. Blocked, failed and
// timed-out tasks are listed separately from completed ones so partial
// progress is never mistaken for success.
type Summary struct {
	Total       int
	Completed   []domain.Task
	Failed      []domain.Task
	TimedOut    []domain.Task
	Blocked     []domain.Task
	Convergence []domain.ConvergenceRecord
}

// Success reports full convergence: nothing blocked, every checkable group
// converged, and no failure outside a group that eventually converged.
func (s Summary) Success() bool {
	converged := make(map[string]bool, len(s.Convergence))
	for _, rec := range s.Convergence {
		if !rec.Converged {
			return false
		}
		converged[rec.GroupID] = true
	}
	if len(s.Blocked) > 0 {
		return false
	}
	for _, task := range s.Failed {
		if task.GroupID == "" || !converged[task.GroupID] {
			return false
		}
	}
	for _, task := range s.TimedOut {
		if task.GroupID == "" || !converged[task.GroupID] {
			return false
		}
	}
	return true
}
