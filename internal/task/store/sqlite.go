package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/kandev/taskforge/internal/common/errors"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL,
	mode TEXT NOT NULL,
	priority TEXT NOT NULL,
	depends_on TEXT NOT NULL DEFAULT '[]',
	repo_path TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	branch TEXT NOT NULL DEFAULT '',
	work_dir TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	input_tokens INTEGER,
	output_tokens INTEGER,
	cost REAL,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority_created ON tasks(priority, created_at);

CREATE TABLE IF NOT EXISTS task_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	timestamp DATETIME NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	raw TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
`

// SQLiteStore is the default Task Store backend: a single-writer SQLite
// database (§5's "Task Store is the only mutable shared state").
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if necessary creates) the SQLite-backed Task
// Store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite supports exactly one writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateTask(ctx context.Context, in v1.NewTaskInput) (*v1.Task, error) {
	if err := validateNewTask(in); err != nil {
		return nil, err
	}
	in = defaultedNewTask(in)

	for _, dep := range in.DependsOn {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&exists); err == sql.ErrNoRows {
			return nil, apperrors.ValidationErr("depends_on references nonexistent task")
		} else if err != nil {
			return nil, apperrors.Internal("checking depends_on", err)
		}
	}

	dependsOn, _ := json.Marshal(in.DependsOn)
	tags, _ := json.Marshal(in.Tags)
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (title, prompt, status, mode, priority, depends_on, repo_path, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.Title, in.Prompt, v1.StatusPending, in.Mode, in.Priority, string(dependsOn), in.RepoPath, string(tags), now)
	if err != nil {
		return nil, apperrors.Internal("creating task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Internal("reading inserted task id", err)
	}
	return s.GetTask(ctx, id)
}

// CreateTasksBatch answers create_tasks_batch (§10.5) inside a single
// *sql.Tx: every depends_on check and insert happens against the same
// transaction, so a failure partway through rolls every prior insert in
// the batch back instead of leaving partial rows committed.
func (s *SQLiteStore) CreateTasksBatch(ctx context.Context, inputs []v1.NewTaskInput) ([]*v1.Task, error) {
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
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&exists)
			if err == sql.ErrNoRows {
				return nil, apperrors.ValidationErr("depends_on references nonexistent task")
			} else if err != nil {
				return nil, apperrors.Internal("checking depends_on", err)
			}
		}

		dependsOn, _ := json.Marshal(in.DependsOn)
		tags, _ := json.Marshal(in.Tags)
		now := time.Now().UTC()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (title, prompt, status, mode, priority, depends_on, repo_path, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, in.Title, in.Prompt, v1.StatusPending, in.Mode, in.Priority, string(dependsOn), in.RepoPath, string(tags), now)
		if err != nil {
			return nil, apperrors.Internal("creating task", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, apperrors.Internal("reading inserted task id", err)
		}
		ids = append(ids, id)
	}

	out := make([]*v1.Task, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
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

const taskColumns = `id, title, prompt, status, mode, priority, depends_on, repo_path, tags, branch, work_dir,
	output, plan, error, exit_code, input_tokens, output_tokens, cost, created_at, started_at, completed_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*v1.Task, error) {
	var t v1.Task
	var dependsOn, tags string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Title, &t.Prompt, &t.Status, &t.Mode, &t.Priority, &dependsOn, &t.RepoPath, &tags,
		&t.Branch, &t.WorkDir, &t.Output, &t.Plan, &t.Error, &t.ExitCode, &t.InputTokens, &t.OutTokens, &t.Cost,
		&t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(dependsOn), &t.DependsOn)
	_ = json.Unmarshal([]byte(tags), &t.Tags)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*v1.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, apperrors.Internal("reading task", err)
	}
	return task, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, status *v1.Status) ([]*v1.Task, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`, *status)
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

func (s *SQLiteStore) CountTasks(ctx context.Context, status v1.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, apperrors.Internal("counting tasks", err)
	}
	return n, nil
}

// GetNextPendingTask implements §4.5's ranking directly as an ORDER BY: the
// scheduler's hot query becomes a single indexed read.
func (s *SQLiteStore) GetNextPendingTask(ctx context.Context) (*v1.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY
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

func (s *SQLiteStore) UpdateTask(ctx context.Context, id int64, patch v1.TaskUpdate) (*v1.Task, error) {
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
		UPDATE tasks SET status = ?, mode = ?, branch = ?, work_dir = ?, output = ?, plan = ?, error = ?,
			exit_code = ?, input_tokens = ?, output_tokens = ?, cost = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`, task.Status, task.Mode, task.Branch, task.WorkDir, task.Output, task.Plan, task.Error,
		task.ExitCode, task.InputTokens, task.OutTokens, task.Cost, task.StartedAt, task.CompletedAt, id)
	if err != nil {
		return nil, apperrors.Internal("updating task", err)
	}
	return task, nil
}

func (s *SQLiteStore) AddLog(ctx context.Context, taskID int64, severity v1.Severity, message, raw string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists); err == sql.ErrNoRows {
		return apperrors.NotFound("task", taskID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, timestamp, severity, message, raw) VALUES (?, ?, ?, ?, ?)
	`, taskID, time.Now().UTC(), severity, message, raw)
	if err != nil {
		return apperrors.Internal("appending log", err)
	}
	return nil
}

func (s *SQLiteStore) GetTaskLogs(ctx context.Context, taskID int64) ([]*v1.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, timestamp, severity, message, raw FROM task_logs
		WHERE task_id = ? ORDER BY timestamp ASC, id ASC
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

func (s *SQLiteStore) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return apperrors.Internal("deleting task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", id)
	}
	// Foreign key cascade handles task_logs when _foreign_keys=on; belt and
	// braces for databases opened before that pragma existed.
	_, _ = s.db.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = ?`, id)
	return nil
}

func (s *SQLiteStore) Recover(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = NULL WHERE status = ?`,
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
