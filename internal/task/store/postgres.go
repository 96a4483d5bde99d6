package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/kandev/taskforge/internal/common/errors"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL,
	mode TEXT NOT NULL,
	priority TEXT NOT NULL,
	depends_on JSONB NOT NULL DEFAULT '[]',
	repo_path TEXT NOT NULL DEFAULT '',
	tags JSONB NOT NULL DEFAULT '[]',
	branch TEXT NOT NULL DEFAULT '',
	work_dir TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	input_tokens BIGINT,
	output_tokens BIGINT,
	cost DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority_created ON tasks(priority, created_at);

CREATE TABLE IF NOT EXISTS task_logs (
	id BIGSERIAL PRIMARY KEY,
	task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	timestamp TIMESTAMPTZ NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	raw TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
`

// PostgresStore is an alternative Task Store backend for deployments that
// already run Postgres for other services; it implements the identical
// Store contract as SQLiteStore over the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens the Postgres-backed Task Store at dsn.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	s := &PostgresStore{db: db}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateTask(ctx context.Context, in v1.NewTaskInput) (*v1.Task, error) {
	if err := validateNewTask(in); err != nil {
		return nil, err
	}
	in = defaultedNewTask(in)

	for _, dep := range in.DependsOn {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = $1`, dep).Scan(&exists); err == sql.ErrNoRows {
			return nil, apperrors.ValidationErr("depends_on references nonexistent task")
		} else if err != nil {
			return nil, apperrors.Internal("checking depends_on", err)
		}
	}

	dependsOn, _ := json.Marshal(in.DependsOn)
	tags, _ := json.Marshal(in.Tags)
	now := time.Now().UTC()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (title, prompt, status, mode, priority, depends_on, repo_path, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id
	`, in.Title, in.Prompt, v1.StatusPending, in.Mode, in.Priority, string(dependsOn), in.RepoPath, string(tags), now).Scan(&id)
	if err != nil {
		return nil, apperrors.Internal("creating task", err)
	}
	return s.GetTask(ctx, id)
}

// CreateTasksBatch answers create_tasks_batch (§10.5) inside a single
// *sql.Tx, mirroring SQLiteStore's all-or-nothing semantics.
func (s *PostgresStore) CreateTasksBatch(ctx context.Context, inputs []v1.NewTaskInput) ([]*v1.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("beginning batch create transaction", err)
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(inputs))
	for _, in := range inputs {
		if err := validateNewTask(in); err != nil {
			return nil, err
		}
		in = defaultedNewTask(in)

		for _, dep := range in.DependsOn {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = $1`, dep).Scan(&exists)
			if err == sql.ErrNoRows {
				return nil, apperrors.ValidationErr("depends_on references nonexistent task")
			} else if err != nil {
				return nil, apperrors.Internal("checking depends_on", err)
			}
		}

		dependsOn, _ := json.Marshal(in.DependsOn)
		tags, _ := json.Marshal(in.Tags)
		now := time.Now().UTC()

		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tasks (title, prompt, status, mode, priority, depends_on, repo_path, tags, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id
		`, in.Title, in.Prompt, v1.StatusPending, in.Mode, in.Priority, string(dependsOn), in.RepoPath, string(tags), now).Scan(&id)
		if err != nil {
			return nil, apperrors.Internal("creating task", err)
		}
		ids = append(ids, id)
	}

	out := make([]*v1.Task, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
		task, err := scanTask(row)
		if err != nil {
			return nil, apperrors.Internal("reading created task", err)
		}
		out = append(out, task)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("committing batch create", err)
	}
	return out, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*v1.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, apperrors.Internal("reading task", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, status *v1.Status) ([]*v1.Task, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at ASC, id ASC`, *status)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	}
	if err != nil {
		return nil, apperrors.Internal("listing tasks", err)
	}
	defer rows.Close()

	var out []*v1.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.Internal("scanning task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountTasks(ctx context.Context, status v1.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, apperrors.Internal("counting tasks", err)
	}
	return n, nil
}

func (s *PostgresStore) GetNextPendingTask(ctx context.Context) (*v1.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY
		CASE priority WHEN 'URGENT' THEN 3 WHEN 'HIGH' THEN 2 WHEN 'MEDIUM' THEN 1 ELSE 0 END DESC,
		created_at ASC, id ASC LIMIT 1`, v1.StatusPending)
	if err != nil {
		return nil, apperrors.Internal("ranking pending tasks", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	return scanTask(rows)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id int64, patch v1.TaskUpdate) (*v1.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && *patch.Status != task.Status {
		if !canTransition(task.Status, *patch.Status) {
			return nil, apperrors.StateConflict(string(task.Status) + " -> " + string(*patch.Status) + " is not allowed")
		}
		applyStatusSideEffects(task, *patch.Status)
		task.Status = *patch.Status
	}
	applyFieldPatch(task, patch)

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, mode = $2, branch = $3, work_dir = $4, output = $5, plan = $6, error = $7,
			exit_code = $8, input_tokens = $9, output_tokens = $10, cost = $11, started_at = $12, completed_at = $13
		WHERE id = $14
	`, task.Status, task.Mode, task.Branch, task.WorkDir, task.Output, task.Plan, task.Error,
		task.ExitCode, task.InputTokens, task.OutTokens, task.Cost, task.StartedAt, task.CompletedAt, id)
	if err != nil {
		return nil, apperrors.Internal("updating task", err)
	}
	return task, nil
}

func (s *PostgresStore) AddLog(ctx context.Context, taskID int64, severity v1.Severity, message, raw string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = $1`, taskID).Scan(&exists); err == sql.ErrNoRows {
		return apperrors.NotFound("task", taskID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, timestamp, severity, message, raw) VALUES ($1, $2, $3, $4, $5)
	`, taskID, time.Now().UTC(), severity, message, raw)
	if err != nil {
		return apperrors.Internal("appending log", err)
	}
	return nil
}

func (s *PostgresStore) GetTaskLogs(ctx context.Context, taskID int64) ([]*v1.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, timestamp, severity, message, raw FROM task_logs
		WHERE task_id = $1 ORDER BY timestamp ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, apperrors.Internal("reading task logs", err)
	}
	defer rows.Close()

	var out []*v1.LogEntry
	for rows.Next() {
		var e v1.LogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Timestamp, &e.Severity, &e.Message, &e.Raw); err != nil {
			return nil, apperrors.Internal("scanning log entry", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return apperrors.Internal("deleting task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

func (s *PostgresStore) Recover(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = $1, started_at = NULL WHERE status = $2`,
		v1.StatusPending, v1.StatusInProgress)
	if err != nil {
		return 0, apperrors.Internal("recovering tasks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("reading recovery count", err)
	}
	return int(n), nil
}
