package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"conductor/internal/agent"
	"conductor/internal/config"
	"conductor/internal/converge"
	"conductor/internal/coordinator"
	"conductor/internal/dispatcher"
	"conductor/internal/domain"
	"conductor/internal/graph"
	"conductor/internal/policy"
	"conductor/internal/snapshot"
	sqlitestore "conductor/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.conductor/config.toml)")
	objective := flag.String("objective", "", "inline objective, executed as a single developer task")
	objectiveFile := flag.String("objective-file", "", "path to a JSON task plan")
	snapshotFlag := flag.String("snapshot", "", "task log snapshot path override")
	dbFlag := flag.String("db", "", "sqlite history database path override")
	codexBinFlag := flag.String("codex-bin", "", "agent binary override")
	workdirFlag := flag.String("workdir", "", "agent working directory override")
	maxIterations := flag.Int("max-iterations", 0, "fix/retest iteration bound override")
	flag.Parse()

	if err := run(*configPath, *objective, *objectiveFile, *snapshotFlag, *dbFlag, *codexBinFlag, *workdirFlag, *maxIterations); err != nil {
		log.Printf("conductor failed: %v", err)
		os.Exit(1)
	}
}

func run(configPath, objective, objectiveFile, snapshotPath, dbPath, codexBin, workdir string, maxIterations int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	snapshotPath = firstNonEmpty(snapshotPath, cfg.Conductor.SnapshotPath, "data/tasks.json")
	dbPath = firstNonEmpty(dbPath, cfg.Conductor.DBPath, "data/conductor.db")
	codexBin = firstNonEmpty(codexBin, cfg.CodexBinary, "codex")
	workdir = firstNonEmpty(workdir, cfg.CodexWorkdir, ".")
	bound := firstPositive(maxIterations, cfg.Conductor.MaxCheckIterations, converge.DefaultBound)

	tasks, err := loadPlan(objective, objectiveFile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filepath.Clean(dbPath)), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	mirror, err := snapshot.NewWriter(snapshotPath)
	if err != nil {
		return fmt.Errorf("create snapshot writer: %w", err)
	}

	rules := policy.New(
		durationMS(cfg.Conductor.TaskTimeoutMS, policy.DefaultTaskTimeout),
		durationMS(cfg.Conductor.CheckTimeoutMS, policy.DefaultCheckTimeout),
		domain.Specialization(cfg.Conductor.FixerRole),
	)
	for _, task := range tasks {
		if err := rules.ValidateSpecialization(task.Specialization); err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
	}

	g := graph.New()
	coord := coordinator.New(g, store, mirror, log.Default())
	loop := converge.New(coord, store, rules, bound, log.Default())
	factory := agent.Factory(func(spec domain.Specialization) agent.Service {
		return agent.NewCodexService(codexBin, workdir, spec, log.Default())
	})
	disp := dispatcher.New(g, coord, loop, rules, factory, dispatcher.Config{
		QueueBuffer: cfg.Conductor.QueueBuffer,
	}, log.Default())

	if err := coord.Insert(ctx, tasks...); err != nil && !isWarning(err) {
		return fmt.Errorf("load task plan: %w", err)
	}

	log.Printf("conductor started tasks=%d db=%s snapshot=%s bound=%d", len(tasks), dbPath, snapshotPath, bound)
	summary, err := disp.Run(ctx)
	printSummary(summary)
	if err != nil {
		return fmt.Errorf("dispatch run: %w", err)
	}
	if !summary.Success() {
		return fmt.Errorf("run finished without full convergence")
	}
	return nil
}

type planTask struct {
	ID             string   `json:"id"`
	Description    string   `json:"description"`
	Specialization string   `json:"specialization"`
	Priority       string   `json:"priority"`
	Dependencies   []string `json:"dependencies"`
	Checkable      bool     `json:"checkable"`
}

type planFile struct {
	Tasks []planTask `json:"tasks"`
}

func loadPlan(objective, objectiveFile string) ([]domain.Task, error) {
	objective = strings.TrimSpace(objective)
	if objective == "" && objectiveFile == "" {
		return nil, fmt.Errorf("either -objective or -objective-file is required")
	}
	if objective != "" && objectiveFile != "" {
		return nil, fmt.Errorf("-objective and -objective-file are mutually exclusive")
	}

	if objective != "" {
		return []domain.Task{{
			ID:             uuid.NewString(),
			Description:    objective,
			Specialization: domain.SpecializationDeveloper,
			Priority:       domain.PriorityMedium,
		}}, nil
	}

	raw, err := os.ReadFile(objectiveFile)
	if err != nil {
		return nil, fmt.Errorf("read objective file: %w", err)
	}
	var plan planFile
	if err := json.Unmarshal(raw, &plan); err != nil || len(plan.Tasks) == 0 {
		// A bare array is accepted too.
		if arrErr := json.Unmarshal(raw, &plan.Tasks); arrErr != nil {
			return nil, fmt.Errorf("decode objective file: %w", arrErr)
		}
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("objective file contains no tasks")
	}

	tasks := make([]domain.Task, 0, len(plan.Tasks))
	for _, item := range plan.Tasks {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = uuid.NewString()
		}
		priority := domain.Priority(item.Priority)
		if priority == "" {
			priority = domain.PriorityMedium
		}
		task := domain.Task{
			ID:             id,
			Description:    item.Description,
			Specialization: domain.Specialization(item.Specialization),
			Priority:       priority,
			Dependencies:   item.Dependencies,
			Checkable:      item.Checkable,
		}
		if task.Checkable {
			task.GroupID = task.ID
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func printSummary(s dispatcher.Summary) {
	log.Printf("run summary: total=%d completed=%d failed=%d timed_out=%d blocked=%d",
		s.Total, len(s.Completed), len(s.Failed), len(s.TimedOut), len(s.Blocked))
	for _, task := range s.Completed {
		log.Printf("  completed %s [%s] in %s", task.ID, task.Specialization, task.Duration())
	}
	for _, task := range s.Failed {
		log.Printf("  failed    %s [%s]: %s", task.ID, task.Specialization, task.Error)
	}
	for _, task := range s.TimedOut {
		log.Printf("  timed out %s [%s]: %s", task.ID, task.Specialization, task.Error)
	}
	for _, task := range s.Blocked {
		log.Printf("  blocked   %s [%s] waiting on %s", task.ID, task.Specialization, strings.Join(task.Dependencies, ", "))
	}
	for _, rec := range s.Convergence {
		switch {
		case rec.Converged:
			log.Printf("  group %s converged after %d iteration(s)", rec.GroupID, rec.Iteration)
		case rec.Exhausted:
			log.Printf("  group %s exhausted %d iteration(s), %d failure(s) remain", rec.GroupID, rec.Iteration, len(rec.Remaining))
			for _, failure := range rec.Remaining {
				log.Printf("    remaining %s: %s", failure.ID, failure.Diagnostic)
			}
		default:
			log.Printf("  group %s stopped at iteration %d", rec.GroupID, rec.Iteration)
		}
	}
}

func isWarning(err error) bool {
	return errors.Is(err, domain.ErrPersistence)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
