package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"conductor/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	specialization TEXT NOT NULL,
	priority TEXT NOT NULL,
	dependencies TEXT NOT NULL DEFAULT '[]',
	checkable INTEGER NOT NULL DEFAULT 0,
	group_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NULL,
	ended_at INTEGER NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_transitions_task ON task_transitions(task_id, created_at);

CREATE TABLE IF NOT EXISTS convergence_iterations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	passed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	failures TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_convergence_group ON convergence_iterations(group_id, iteration);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// UpsertTask mirrors the latest task record into the history store.
func (s *Store) UpsertTask(ctx context.Context, task domain.Task) error {
	deps, err := json.Marshal(task.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO tasks(
			id, description, specialization, priority, dependencies, checkable,
			group_id, status, attempt, result, error, started_at, ended_at,
			created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			attempt=excluded.attempt,
			result=excluded.result,
			error=excluded.error,
			started_at=excluded.started_at,
			ended_at=excluded.ended_at,
			updated_at=excluded.updated_at`,
		task.ID, task.Description, string(task.Specialization), string(task.Priority),
		string(deps), boolToInt(task.Checkable), task.GroupID, string(task.Status),
		task.Attempt, task.Result, task.Error,
		nullableUnix(task.StartedAt), nullableUnix(task.EndedAt),
		task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, description, specialization, priority, dependencies, checkable,
			group_id, status, attempt, result, error, started_at, ended_at,
			created_at, updated_at
		FROM tasks ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks rows: %w", err)
	}
	return out, nil
}

func (s *Store) RecordTransition(ctx context.Context, rec domain.TransitionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO task_transitions(task_id, from_status, to_status, detail, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		rec.TaskID, string(rec.From), string(rec.To), rec.Detail, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func (s *Store) ListTransitions(ctx context.Context, limit int) ([]domain.TransitionRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT task_id, from_status, to_status, detail, created_at
		FROM task_transitions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var from, to string
		var created int64
		if err := rows.Scan(&rec.TaskID, &from, &to, &rec.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.From = domain.TaskStatus(from)
		rec.To = domain.TaskStatus(to)
		rec.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions rows: %w", err)
	}
	return out, nil
}

func (s *Store) RecordConvergence(ctx context.Context, it domain.ConvergenceIteration) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	failures, err := json.Marshal(it.Report.Failures)
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO convergence_iterations(
			group_id, task_id, iteration, passed, failed, skipped, failures, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		it.GroupID, it.TaskID, it.Iteration,
		it.Report.Passed, it.Report.Failed, it.Report.Skipped,
		string(failures), it.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record convergence iteration: %w", err)
	}
	return nil
}

func (s *Store) ListConvergence(ctx context.Context, groupID string) ([]domain.ConvergenceIteration, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT group_id, task_id, iteration, passed, failed, skipped, failures, created_at
		FROM convergence_iterations WHERE group_id = ? OR ? = '' ORDER BY group_id, iteration`,
		groupID, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list convergence iterations: %w", err)
	}
	defer rows.Close()

	var out []domain.ConvergenceIteration
	for rows.Next() {
		var it domain.ConvergenceIteration
		var failures string
		var created int64
		if err := rows.Scan(
			&it.GroupID, &it.TaskID, &it.Iteration,
			&it.Report.Passed, &it.Report.Failed, &it.Report.Skipped,
			&failures, &created,
		); err != nil {
			return nil, fmt.Errorf("scan convergence iteration: %w", err)
		}
		if err := json.Unmarshal([]byte(failures), &it.Report.Failures); err != nil {
			return nil, fmt.Errorf("decode failures: %w", err)
		}
		it.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list convergence rows: %w", err)
	}
	return out, nil
}

func scanTask(rows *sql.Rows) (domain.Task, error) {
	var t domain.Task
	var spec, priority, status, deps string
	var checkable int
	var started, ended sql.NullInt64
	var created, updated int64
	if err := rows.Scan(
		&t.ID, &t.Description, &spec, &priority, &deps, &checkable,
		&t.GroupID, &status, &t.Attempt, &t.Result, &t.Error,
		&started, &ended, &created, &updated,
	); err != nil {
		return domain.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Specialization = domain.Specialization(spec)
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	t.Checkable = checkable != 0
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return domain.Task{}, fmt.Errorf("decode dependencies: %w", err)
	}
	if started.Valid {
		v := time.Unix(started.Int64, 0).UTC()
		t.StartedAt = &v
	}
	if ended.Valid {
		v := time.Unix(ended.Int64, 0).UTC()
		t.EndedAt = &v
	}
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return t, nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
