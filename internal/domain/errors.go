package domain

import "errors"

var (
	ErrDuplicateID          = errors.New("task id already exists")
	ErrCyclicDependency     = errors.New("dependency cycle detected")
	ErrUnknownTask          = errors.New("unknown task")
	ErrIllegalTransition    = errors.New("illegal status transition")
	ErrChannelTimeout       = errors.New("task execution timed out")
	ErrAgentError           = errors.New("agent reported an error")
	ErrConvergenceExhausted = errors.New("check iterations exhausted")

	// ErrPersistence marks a failed task-log write. The in-memory state has
	// already advanced when it is returned; callers log it and move on.
	ErrPersistence = errors.New("task log persistence failed")
)
