package converge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/domain"
)

// Inserter adds synthesized tasks into the task graph.
type Inserter interface {
	Insert(ctx context.Context, tasks ...domain.Task) error
}

// History records one row per check iteration.
type History interface {
	RecordConvergence(ctx context.Context, it domain.ConvergenceIteration) error
}

// Roles supplies the specialization that remediates check failures.
type Roles interface {
	Fixer() domain.Specialization
}

// Loop drives the fix/retest cycle of checkable task groups: each check run
// is classified, distinct failures become fix tasks, and a fresh re-run task
// depending on every fix of the iteration closes the barrier. The loop gives
// up once a group reaches its iteration bound.
type Loop struct {
	inserter Inserter
	history  History
	roles    Roles
	bound    int
	logger   *log.Logger

	mu      sync.Mutex
	records map[string]*domain.ConvergenceRecord
}

const DefaultBound = 3

func New(inserter Inserter, history History, roles Roles, bound int, logger *log.Logger) *Loop {
	if bound <= 0 {
		bound = DefaultBound
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		inserter: inserter,
		history:  history,
		roles:    roles,
		bound:    bound,
		logger:   logger,
		records:  make(map[string]*domain.ConvergenceRecord),
	}
}

// HandleCheckOutcome consumes one terminal checkable task. On remaining
// failures it inserts the next fix cycle's fix and re-run tasks; once the
// bound's worth of fix cycles has run and a re-run still fails, it returns an
// error wrapping domain.ErrConvergenceExhausted with the group marked
// accordingly.
func (l *Loop) HandleCheckOutcome(ctx context.Context, task domain.Task) error {
	group := task.GroupID
	if group == "" {
		group = task.ID
	}
	report := reportFor(task)

	l.mu.Lock()
	rec, ok := l.records[group]
	if !ok {
		rec = &domain.ConvergenceRecord{GroupID: group, Bound: l.bound}
		l.records[group] = rec
	}
	rec.TaskID = task.ID
	rec.Iteration++
	rec.History = append(rec.History, report)
	iteration := rec.Iteration

	if report.Failed == 0 {
		rec.Converged = true
		rec.Remaining = nil
	} else if iteration > rec.Bound {
		// The initial run is iteration 1 and always gets a fix cycle; the
		// bound counts fix cycles, so giving up takes bound+1 failing runs.
		rec.Exhausted = true
		rec.Remaining = report.Failures
	}
	converged := rec.Converged
	exhausted := rec.Exhausted
	l.mu.Unlock()

	l.recordIteration(ctx, group, task.ID, iteration, report)

	if converged {
		l.logger.Printf("group %s converged after %d iteration(s)", group, iteration)
		return nil
	}
	if exhausted {
		return fmt.Errorf("group %s with %d remaining failure(s): %w",
			group, report.Failed, domain.ErrConvergenceExhausted)
	}

	next := l.nextIteration(task, group, report)
	if err := l.inserter.Insert(ctx, next...); err != nil {
		if !errors.Is(err, domain.ErrPersistence) {
			return fmt.Errorf("insert iteration %d tasks for group %s: %w", iteration+1, group, err)
		}
		l.logger.Printf("group %s iteration tasks persisted with warning: %v", group, err)
	}
	l.logger.Printf("group %s iteration %d: %d failure(s), %d fix task(s) queued",
		group, iteration, report.Failed, len(next)-1)
	return nil
}

// nextIteration synthesizes one fix task per distinct failure plus the
// re-run of the check, which depends on every fix so the retest waits for
// all of them.
func (l *Loop) nextIteration(task domain.Task, group string, report domain.CheckReport) []domain.Task {
	seen := make(map[string]bool, len(report.Failures))
	fixes := make([]domain.Task, 0, len(report.Failures))
	fixIDs := make([]string, 0, len(report.Failures))
	for _, failure := range report.Failures {
		key := failure.ID
		if key == "" {
			key = failure.Diagnostic
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		fix := domain.Task{
			ID:             uuid.NewString(),
			Description:    fixDescription(failure),
			Specialization: l.roles.Fixer(),
			Priority:       domain.PriorityHigh,
			GroupID:        group,
		}
		fixes = append(fixes, fix)
		fixIDs = append(fixIDs, fix.ID)
	}
	sort.Strings(fixIDs)

	rerun := domain.Task{
		ID:             uuid.NewString(),
		Description:    task.Description,
		Specialization: task.Specialization,
		Priority:       task.Priority,
		Dependencies:   fixIDs,
		Checkable:      true,
		GroupID:        group,
		Attempt:        task.Attempt + 1,
	}
	return append(fixes, rerun)
}

// Record returns the convergence record of one group, if any.
func (l *Loop) Record(group string) (domain.ConvergenceRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[group]
	if !ok {
		return domain.ConvergenceRecord{}, false
	}
	return *rec, true
}

// Records returns every group's convergence record, ordered by group id.
func (l *Loop) Records() []domain.ConvergenceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ConvergenceRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GroupID < out[j].GroupID
	})
	return out
}

func (l *Loop) recordIteration(ctx context.Context, group, taskID string, iteration int, report domain.CheckReport) {
	if l.history == nil {
		return
	}
	err := l.history.RecordConvergence(ctx, domain.ConvergenceIteration{
		GroupID:   group,
		TaskID:    taskID,
		Iteration: iteration,
		Report:    report,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		l.logger.Printf("record convergence iteration failed group=%s: %v", group, err)
	}
}

// reportFor extracts the structured check report from a terminal task. A
// run that failed or timed out before producing a report counts as a single
// failed check so the loop still reacts to it.
func reportFor(task domain.Task) domain.CheckReport {
	if task.Status == domain.TaskStatusCompleted {
		report, err := ParseCheckReport(task.Result)
		if err == nil {
			return report
		}
		return domain.CheckReport{
			Failed: 1,
			Failures: []domain.CheckFailure{{
				ID:         "check-report",
				Diagnostic: fmt.Sprintf("unreadable check report: %v", err),
			}},
		}
	}
	return domain.CheckReport{
		Failed: 1,
		Failures: []domain.CheckFailure{{
			ID:         "check-run",
			Diagnostic: fmt.Sprintf("check run did not complete: %s", task.Error),
		}},
	}
}

// ParseCheckReport decodes the JSON report a check run prints, tolerating
// markdown fences around it.
func ParseCheckReport(result string) (domain.CheckReport, error) {
	text := strings.TrimSpace(result)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var report domain.CheckReport
	if err := json.Unmarshal([]byte(text), &report); err != nil {
		return domain.CheckReport{}, fmt.Errorf("decode check report: %w", err)
	}
	if report.Failed != len(report.Failures) && len(report.Failures) > 0 {
		report.Failed = len(report.Failures)
	}
	return report, nil
}

func fixDescription(failure domain.CheckFailure) string {
	var b strings.Builder
	b.WriteString("Fix the failing check ")
	b.WriteString(failure.ID)
	b.WriteString(".\n\nDiagnostic:\n")
	b.WriteString(failure.Diagnostic)
	return b.String()
}
