package domain

import (
	"time"
)

type Specialization string

const (
	SpecializationDeveloper Specialization = "developer"
	SpecializationTester    Specialization = "tester"
	SpecializationFrontend  Specialization = "frontend"
	SpecializationBackend   Specialization = "backend"
	SpecializationDatabase  Specialization = "database"
)

func KnownSpecializations() []Specialization {
	return []Specialization{
		SpecializationDeveloper,
		SpecializationTester,
		SpecializationFrontend,
		SpecializationBackend,
		SpecializationDatabase,
	}
}

func (s Specialization) Known() bool {
	for _, known := range KnownSpecializations() {
		if s == known {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for scheduling; lower sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusTimedOut   TaskStatus = "timed_out"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusTimedOut
}

var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusReady},
	TaskStatusReady:      {TaskStatusDispatched},
	TaskStatusDispatched: {TaskStatusRunning},
	TaskStatusRunning:    {TaskStatusCompleted, TaskStatusFailed, TaskStatusTimedOut},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses have no outgoing transitions; retries are new tasks.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Task struct {
	ID             string         `json:"id"`
	Description    string         `json:"description"`
	Specialization Specialization `json:"specialization"`
	Priority       Priority       `json:"priority"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	Checkable      bool           `json:"checkable,omitempty"`
	GroupID        string         `json:"group_id,omitempty"`
	Status         TaskStatus     `json:"status"`
	Attempt        int            `json:"attempt"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (t Task) Duration() time.Duration {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(*t.StartedAt)
}

// StatusUpdate carries the fields a status transition may set.
type StatusUpdate struct {
	Result    string
	Error     string
	StartedAt *time.Time
	EndedAt   *time.Time
}

type EventKind string

const (
	EventMessage   EventKind = "message"
	EventToolStart EventKind = "tool_start"
	EventIdle      EventKind = "idle"
	EventError     EventKind = "error"
)

func (k EventKind) Terminal() bool {
	return k == EventIdle || k == EventError
}

// Event is one item of an execution session's output stream. A session emits
// exactly one terminal event (idle or error) and nothing after it.
type Event struct {
	Kind    EventKind `json:"kind"`
	Content string    `json:"content,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
)

// Outcome is the terminal result of submitting a task to an execution lane.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	Result    string        `json:"result,omitempty"`
	Err       string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}

type CheckFailure struct {
	ID         string `json:"id"`
	Diagnostic string `json:"diagnostic"`
}

// CheckReport is the structured result of a checkable task run.
type CheckReport struct {
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Failures []CheckFailure `json:"failures,omitempty"`
}

// ConvergenceRecord tracks the fix/retest progress of one checkable group.
type ConvergenceRecord struct {
	GroupID   string         `json:"group_id"`
	TaskID    string         `json:"task_id"`
	Iteration int            `json:"iteration"`
	Bound     int            `json:"bound"`
	History   []CheckReport  `json:"history,omitempty"`
	Converged bool           `json:"converged"`
	Exhausted bool           `json:"exhausted"`
	Remaining []CheckFailure `json:"remaining,omitempty"`
}

// TransitionRecord is one appended row of the task history log.
type TransitionRecord struct {
	TaskID    string     `json:"task_id"`
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ConvergenceIteration is one recorded check run of a convergence group.
type ConvergenceIteration struct {
	GroupID   string      `json:"group_id"`
	TaskID    string      `json:"task_id"`
	Iteration int         `json:"iteration"`
	Report    CheckReport `json:"report"`
	CreatedAt time.Time   `json:"created_at"`
}
