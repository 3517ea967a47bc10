package lane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"conductor/internal/agent"
	"conductor/internal/domain"
)

var ErrClosed = errors.New("lane is closed")

// Timeouts picks the per-task deadline for a submitted task.
type Timeouts interface {
	TimeoutFor(task domain.Task) time.Duration
}

type request struct {
	task    domain.Task
	onStart func()
	reply   chan domain.Outcome
}

// Lane is the serialized pipe between one specialization and its execution
// service session. At most one task is in flight at a time; further submits
// queue in arrival order.
type Lane struct {
	specialization domain.Specialization
	service        agent.Service
	timeouts       Timeouts
	requests       chan request
	logger         *log.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

func New(spec domain.Specialization, service agent.Service, timeouts Timeouts, buffer int, logger *log.Logger) *Lane {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Lane{
		specialization: spec,
		service:        service,
		timeouts:       timeouts,
		requests:       make(chan request, buffer),
		logger:         logger,
	}
}

func (l *Lane) Specialization() domain.Specialization {
	return l.specialization
}

// Start launches the single worker goroutine. It processes queued requests
// one at a time until the context is canceled.
func (l *Lane) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req, ok := <-l.requests:
					if !ok {
						return
					}
					req.reply <- l.run(ctx, req)
				}
			}
		}()
	})
}

// Close stops accepting new submissions and waits for the worker to drain.
func (l *Lane) Close() {
	close(l.requests)
	l.wg.Wait()
}

// Submit queues a task and blocks until its outcome arrives or the context
// is canceled. onStart fires when the service has accepted the task and the
// run begins.
func (l *Lane) Submit(ctx context.Context, task domain.Task, onStart func()) (domain.Outcome, error) {
	req := request{
		task:    task,
		onStart: onStart,
		reply:   make(chan domain.Outcome, 1),
	}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return domain.Outcome{}, ctx.Err()
	}
	select {
	case outcome := <-req.reply:
		return outcome, nil
	case <-ctx.Done():
		return domain.Outcome{}, ctx.Err()
	}
}

func (l *Lane) run(ctx context.Context, req request) domain.Outcome {
	timeout := l.timeouts.TimeoutFor(req.task)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now().UTC()
	events, err := l.service.Submit(runCtx, req.task.Description)
	if err != nil {
		return domain.Outcome{
			Status:    domain.OutcomeFailed,
			Err:       fmt.Sprintf("%v: %v", domain.ErrAgentError, err),
			StartedAt: started,
			EndedAt:   time.Now().UTC(),
		}
	}
	if req.onStart != nil {
		req.onStart()
	}

	var result strings.Builder
	for {
		select {
		case <-runCtx.Done():
			ended := time.Now().UTC()
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				l.logger.Printf("lane %s task %s timed out after %s", l.specialization, req.task.ID, timeout)
				return domain.Outcome{
					Status:    domain.OutcomeTimedOut,
					Err:       fmt.Sprintf("%v after %s", domain.ErrChannelTimeout, timeout),
					StartedAt: started,
					EndedAt:   ended,
				}
			}
			return domain.Outcome{
				Status:    domain.OutcomeFailed,
				Err:       "run canceled",
				StartedAt: started,
				EndedAt:   ended,
			}
		case event, ok := <-events:
			if !ok {
				return domain.Outcome{
					Status:    domain.OutcomeFailed,
					Err:       "event stream closed without terminal event",
					StartedAt: started,
					EndedAt:   time.Now().UTC(),
				}
			}
			switch event.Kind {
			case domain.EventMessage:
				result.WriteString(event.Content)
			case domain.EventToolStart:
				l.logger.Printf("lane %s task %s tool %s", l.specialization, req.task.ID, event.Content)
			case domain.EventIdle:
				return domain.Outcome{
					Status:    domain.OutcomeCompleted,
					Result:    result.String(),
					StartedAt: started,
					EndedAt:   time.Now().UTC(),
				}
			case domain.EventError:
				return domain.Outcome{
					Status:    domain.OutcomeFailed,
					Err:       fmt.Sprintf("%v: %s", domain.ErrAgentError, event.Content),
					StartedAt: started,
					EndedAt:   time.Now().UTC(),
				}
			}
		}
	}
}
