package policy

import (
	"fmt"
	"time"

	"conductor/internal/domain"
)

const (
	DefaultTaskTimeout  = 5 * time.Minute
	DefaultCheckTimeout = 10 * time.Minute
)

// Rules decides which lane class a task belongs to: how long it may run and
// which specialization remediates its failures.
type Rules struct {
	taskTimeout  time.Duration
	checkTimeout time.Duration
	fixer        domain.Specialization
}

func New(taskTimeout, checkTimeout time.Duration, fixer domain.Specialization) *Rules {
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	if checkTimeout <= 0 {
		checkTimeout = DefaultCheckTimeout
	}
	if fixer == "" {
		fixer = domain.SpecializationDeveloper
	}
	return &Rules{
		taskTimeout:  taskTimeout,
		checkTimeout: checkTimeout,
		fixer:        fixer,
	}
}

func (r *Rules) ValidateSpecialization(s domain.Specialization) error {
	if !s.Known() {
		return fmt.Errorf("unknown specialization %q", s)
	}
	return nil
}

// TimeoutFor returns the per-task deadline: checkable runs get the longer
// tier because they execute a whole suite.
func (r *Rules) TimeoutFor(task domain.Task) time.Duration {
	if task.Checkable {
		return r.checkTimeout
	}
	return r.taskTimeout
}

// Fixer is the specialization synthesized fix tasks are routed to.
func (r *Rules) Fixer() domain.Specialization {
	return r.fixer
}
