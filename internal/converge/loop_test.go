package converge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"conductor/internal/domain"
)

type captureInserter struct {
	batches [][]domain.Task
	err     error
}

func (c *captureInserter) Insert(_ context.Context, tasks ...domain.Task) error {
	c.batches = append(c.batches, tasks)
	return c.err
}

type captureHistory struct {
	iterations []domain.ConvergenceIteration
}

func (c *captureHistory) RecordConvergence(_ context.Context, it domain.ConvergenceIteration) error {
	c.iterations = append(c.iterations, it)
	return nil
}

type fixedRoles struct{}

func (fixedRoles) Fixer() domain.Specialization {
	return domain.SpecializationDeveloper
}

func checkTask(id, result string) domain.Task {
	return domain.Task{
		ID:             id,
		Description:    "run the acceptance checks",
		Specialization: domain.SpecializationTester,
		Priority:       domain.PriorityMedium,
		Checkable:      true,
		GroupID:        "grp",
		Status:         domain.TaskStatusCompleted,
		Result:         result,
	}
}

func TestParseCheckReportTrimsFences(t *testing.T) {
	raw := "```json\n{\"passed\":4,\"failed\":1,\"failures\":[{\"id\":\"t-auth\",\"diagnostic\":\"401 expected\"}]}\n```"
	report, err := ParseCheckReport(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if report.Passed != 4 || report.Failed != 1 {
		t.Fatalf("unexpected counts %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].ID != "t-auth" {
		t.Fatalf("unexpected failures %+v", report.Failures)
	}
}

func TestParseCheckReportReconcilesFailedCount(t *testing.T) {
	raw := `{"passed":1,"failed":0,"failures":[{"id":"a","diagnostic":"x"},{"id":"b","diagnostic":"y"}]}`
	report, err := ParseCheckReport(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if report.Failed != 2 {
		t.Fatalf("failed count must follow failures, got %d", report.Failed)
	}
}

func TestHandleCheckOutcomeConvergesOnCleanReport(t *testing.T) {
	inserter := &captureInserter{}
	history := &captureHistory{}
	loop := New(inserter, history, fixedRoles{}, 3, nil)

	task := checkTask("chk-1", `{"passed":5,"failed":0}`)
	if err := loop.HandleCheckOutcome(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(inserter.batches) != 0 {
		t.Fatalf("converged group must not synthesize tasks, got %d batches", len(inserter.batches))
	}
	rec, ok := loop.Record("grp")
	if !ok || !rec.Converged || rec.Iteration != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(history.iterations) != 1 || history.iterations[0].GroupID != "grp" {
		t.Fatalf("expected one recorded iteration, got %+v", history.iterations)
	}
}

func TestHandleCheckOutcomeSynthesizesFixesAndRerun(t *testing.T) {
	inserter := &captureInserter{}
	loop := New(inserter, &captureHistory{}, fixedRoles{}, 3, nil)

	report := `{"passed":2,"failed":3,"failures":[` +
		`{"id":"t-a","diagnostic":"assert a"},` +
		`{"id":"t-b","diagnostic":"assert b"},` +
		`{"id":"t-a","diagnostic":"assert a again"},` +
		`{"id":"t-c","diagnostic":"assert c"}]}`
	task := checkTask("chk-1", report)
	if err := loop.HandleCheckOutcome(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(inserter.batches) != 1 {
		t.Fatalf("expected one inserted batch, got %d", len(inserter.batches))
	}
	batch := inserter.batches[0]
	if len(batch) != 4 {
		t.Fatalf("expected 3 deduplicated fixes plus rerun, got %d tasks", len(batch))
	}

	rerun := batch[len(batch)-1]
	if !rerun.Checkable || rerun.GroupID != "grp" || rerun.Attempt != 1 {
		t.Fatalf("unexpected rerun task %+v", rerun)
	}
	if rerun.Description != task.Description || rerun.Specialization != task.Specialization {
		t.Fatalf("rerun must repeat the check, got %+v", rerun)
	}
	if len(rerun.Dependencies) != 3 {
		t.Fatalf("rerun must depend on every fix, got %v", rerun.Dependencies)
	}
	deps := make(map[string]bool, len(rerun.Dependencies))
	for _, dep := range rerun.Dependencies {
		deps[dep] = true
	}
	for _, fix := range batch[:len(batch)-1] {
		if fix.Specialization != domain.SpecializationDeveloper {
			t.Fatalf("fix task must go to the fixer role, got %s", fix.Specialization)
		}
		if fix.Priority != domain.PriorityHigh {
			t.Fatalf("fix task must be high priority, got %s", fix.Priority)
		}
		if fix.GroupID != "grp" {
			t.Fatalf("fix task must join the group, got %q", fix.GroupID)
		}
		if !deps[fix.ID] {
			t.Fatalf("rerun does not depend on fix %s", fix.ID)
		}
		if !strings.Contains(fix.Description, "Diagnostic:") {
			t.Fatalf("fix description must carry the diagnostic, got %q", fix.Description)
		}
	}
}

func TestHandleCheckOutcomeExhaustsAfterBound(t *testing.T) {
	inserter := &captureInserter{}
	loop := New(inserter, &captureHistory{}, fixedRoles{}, 1, nil)

	failing := `{"passed":0,"failed":1,"failures":[{"id":"t-a","diagnostic":"still broken"}]}`
	if err := loop.HandleCheckOutcome(context.Background(), checkTask("chk-1", failing)); err != nil {
		t.Fatalf("initial run: %v", err)
	}
	// Even the smallest bound buys one full fix cycle before giving up.
	if len(inserter.batches) != 1 {
		t.Fatalf("initial failing run must queue a fix cycle, got %d batches", len(inserter.batches))
	}
	if len(inserter.batches[0]) != 2 {
		t.Fatalf("expected a fix plus rerun, got %d tasks", len(inserter.batches[0]))
	}

	err := loop.HandleCheckOutcome(context.Background(), checkTask("chk-2", failing))
	if !errors.Is(err, domain.ErrConvergenceExhausted) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if len(inserter.batches) != 1 {
		t.Fatalf("exhausted group must not queue more work, got %d batches", len(inserter.batches))
	}

	rec, ok := loop.Record("grp")
	if !ok || !rec.Exhausted || rec.Converged {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Iteration != 2 || len(rec.Remaining) != 1 || rec.Remaining[0].ID != "t-a" {
		t.Fatalf("exhausted record must list remaining failures, got %+v", rec)
	}
}

func TestHandleCheckOutcomeTreatsFailedRunAsFailure(t *testing.T) {
	inserter := &captureInserter{}
	loop := New(inserter, &captureHistory{}, fixedRoles{}, 3, nil)

	task := checkTask("chk-1", "")
	task.Status = domain.TaskStatusFailed
	task.Error = "agent crashed"
	if err := loop.HandleCheckOutcome(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(inserter.batches) != 1 {
		t.Fatalf("expected one inserted batch, got %d", len(inserter.batches))
	}
	batch := inserter.batches[0]
	if len(batch) != 2 {
		t.Fatalf("expected one fix plus rerun, got %d tasks", len(batch))
	}
	if !strings.Contains(batch[0].Description, "agent crashed") {
		t.Fatalf("fix description must carry the run error, got %q", batch[0].Description)
	}
}

func TestHandleCheckOutcomeTreatsGarbageReportAsFailure(t *testing.T) {
	inserter := &captureInserter{}
	loop := New(inserter, &captureHistory{}, fixedRoles{}, 3, nil)

	if err := loop.HandleCheckOutcome(context.Background(), checkTask("chk-1", "all good, trust me")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	rec, ok := loop.Record("grp")
	if !ok || rec.Converged {
		t.Fatalf("unreadable report must not converge, got %+v", rec)
	}
	if len(inserter.batches) != 1 {
		t.Fatalf("expected a fix iteration, got %d batches", len(inserter.batches))
	}
}

func TestRecordsSortedByGroup(t *testing.T) {
	loop := New(&captureInserter{}, &captureHistory{}, fixedRoles{}, 3, nil)

	clean := `{"passed":1,"failed":0}`
	b := checkTask("chk-b", clean)
	b.GroupID = "beta"
	a := checkTask("chk-a", clean)
	a.GroupID = "alpha"
	if err := loop.HandleCheckOutcome(context.Background(), b); err != nil {
		t.Fatalf("handle beta: %v", err)
	}
	if err := loop.HandleCheckOutcome(context.Background(), a); err != nil {
		t.Fatalf("handle alpha: %v", err)
	}

	records := loop.Records()
	if len(records) != 2 || records[0].GroupID != "alpha" || records[1].GroupID != "beta" {
		t.Fatalf("unexpected record order %+v", records)
	}
}
