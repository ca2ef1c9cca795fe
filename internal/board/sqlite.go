package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/db"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

const schema = `
CREATE TABLE IF NOT EXISTS boards (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	owner      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	board_id      TEXT NOT NULL REFERENCES boards(id),
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	project       TEXT NOT NULL DEFAULT '~',
	owner         TEXT NOT NULL,
	assigned_to   TEXT NOT NULL,
	status        TEXT NOT NULL,
	status_reason TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_blockers (
	task_id TEXT NOT NULL REFERENCES tasks(id),
	idx     INTEGER NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (task_id, idx)
);

CREATE TABLE IF NOT EXISTS task_artifacts (
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	idx        INTEGER NOT NULL,
	content    TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (task_id, idx)
);

CREATE TABLE IF NOT EXISTS task_worklog (
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	idx        INTEGER NOT NULL,
	content    TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (task_id, idx)
);
`

type boardRow struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	Owner     string    `db:"owner"`
	CreatedAt time.Time `db:"created_at"`
}

type taskRow struct {
	ID           string    `db:"id"`
	BoardID      string    `db:"board_id"`
	Title        string    `db:"title"`
	Description  string    `db:"description"`
	Project      string    `db:"project"`
	Owner        string    `db:"owner"`
	AssignedTo   string    `db:"assigned_to"`
	Status       string    `db:"status"`
	StatusReason string    `db:"status_reason"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type noteRow struct {
	TaskID    string    `db:"task_id"`
	Idx       int       `db:"idx"`
	Content   string    `db:"content"`
	CreatedBy string    `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
}

// SQLRepository stores boards and tasks in SQLite or Postgres through a
// db.Pool. Queries are written with ? bindvars and rebound per driver.
type SQLRepository struct {
	pool  *db.Pool
	clock clock.Clock
}

// NewSQLRepository runs migrations and returns the repository.
func NewSQLRepository(pool *db.Pool, clk clock.Clock) (*SQLRepository, error) {
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to run board migrations: %w", err)
	}
	return &SQLRepository{pool: pool, clock: clk}, nil
}

func (r *SQLRepository) Close() error { return r.pool.Close() }

func (r *SQLRepository) CreateBoard(ctx context.Context, b *v1.Board) error {
	query := r.pool.Writer().Rebind(
		`INSERT INTO boards (id, title, owner, created_at) VALUES (?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query, b.ID, b.Title, b.Owner, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create board: %w", err)
	}
	return nil
}

func (r *SQLRepository) UpdateBoard(ctx context.Context, b *v1.Board) error {
	query := r.pool.Writer().Rebind(`UPDATE boards SET title = ? WHERE id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, b.Title, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update board: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBoardNotFound
	}
	return nil
}

func (r *SQLRepository) GetBoard(ctx context.Context, id string) (*v1.Board, error) {
	var row boardRow
	query := r.pool.Reader().Rebind(`SELECT * FROM boards WHERE id = ?`)
	if err := r.pool.Reader().GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBoardNotFound
		}
		return nil, fmt.Errorf("failed to get board: %w", err)
	}
	return boardFromRow(row), nil
}

func (r *SQLRepository) ListBoards(ctx context.Context, ownerFilter string) ([]*v1.Board, error) {
	var rows []boardRow
	var err error
	if ownerFilter != "" {
		query := r.pool.Reader().Rebind(`SELECT * FROM boards WHERE owner = ? ORDER BY created_at`)
		err = r.pool.Reader().SelectContext(ctx, &rows, query, ownerFilter)
	} else {
		err = r.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM boards ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list boards: %w", err)
	}
	boards := make([]*v1.Board, 0, len(rows))
	for _, row := range rows {
		boards = append(boards, boardFromRow(row))
	}
	return boards, nil
}

func (r *SQLRepository) CreateTask(ctx context.Context, t *v1.Task) error {
	query := r.pool.Writer().Rebind(`
		INSERT INTO tasks (id, board_id, title, description, project, owner, assigned_to, status, status_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		t.ID, t.BoardID, t.Title, t.Description, t.Project, t.Owner,
		t.AssignedTo, string(t.Status), t.StatusReason, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (r *SQLRepository) UpdateTaskStatus(ctx context.Context, taskID string, status v1.TaskStatus, reason string) error {
	query := r.pool.Writer().Rebind(
		`UPDATE tasks SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, string(status), reason, r.clock.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *SQLRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	var row taskRow
	query := r.pool.Reader().Rebind(`SELECT * FROM tasks WHERE id = ?`)
	if err := r.pool.Reader().GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	task := taskFromRow(row)
	if err := r.loadNotes(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (r *SQLRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*v1.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	var args []any
	if filter.BoardID != "" {
		query += ` AND board_id = ?`
		args = append(args, filter.BoardID)
	}
	if filter.Assignee != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.Assignee)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []taskRow
	if err := r.pool.Reader().SelectContext(ctx, &rows, r.pool.Reader().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*v1.Task, 0, len(rows))
	for _, row := range rows {
		task := taskFromRow(row)
		if err := r.loadNotes(ctx, task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (r *SQLRepository) AddBlocker(ctx context.Context, taskID, content string) error {
	return r.appendIndexed(ctx, "task_blockers", taskID, func(tx *sqlx.Tx, idx int) error {
		query := tx.Rebind(`INSERT INTO task_blockers (task_id, idx, content) VALUES (?, ?, ?)`)
		_, err := tx.ExecContext(ctx, query, taskID, idx, content)
		return err
	})
}

func (r *SQLRepository) AddArtifact(ctx context.Context, taskID string, note v1.TaskNote) error {
	return r.appendIndexed(ctx, "task_artifacts", taskID, func(tx *sqlx.Tx, idx int) error {
		query := tx.Rebind(`INSERT INTO task_artifacts (task_id, idx, content, created_by, created_at) VALUES (?, ?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, query, taskID, idx, note.Content, note.CreatedBy, note.CreatedAt)
		return err
	})
}

func (r *SQLRepository) AddWorklog(ctx context.Context, taskID string, note v1.TaskNote) error {
	return r.appendIndexed(ctx, "task_worklog", taskID, func(tx *sqlx.Tx, idx int) error {
		query := tx.Rebind(`INSERT INTO task_worklog (task_id, idx, content, created_by, created_at) VALUES (?, ?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, query, taskID, idx, note.Content, note.CreatedBy, note.CreatedAt)
		return err
	})
}

// appendIndexed computes the next idx inside a write transaction so
// concurrent appends never collide.
func (r *SQLRepository) appendIndexed(ctx context.Context, table, taskID string, insert func(tx *sqlx.Tx, idx int) error) error {
	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(1) FROM tasks WHERE id = ?`), taskID); err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if exists == 0 {
		return ErrTaskNotFound
	}

	var next int
	query := tx.Rebind(fmt.Sprintf(`SELECT COALESCE(MAX(idx), -1) + 1 FROM %s WHERE task_id = ?`, table))
	if err := tx.GetContext(ctx, &next, query, taskID); err != nil {
		return fmt.Errorf("failed to compute next index: %w", err)
	}
	if err := insert(tx, next); err != nil {
		return fmt.Errorf("failed to append to %s: %w", table, err)
	}
	touch := tx.Rebind(`UPDATE tasks SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touch, r.clock.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("failed to touch task: %w", err)
	}
	return tx.Commit()
}

func (r *SQLRepository) loadNotes(ctx context.Context, task *v1.Task) error {
	var blockers []struct {
		Content string `db:"content"`
	}
	query := r.pool.Reader().Rebind(`SELECT content FROM task_blockers WHERE task_id = ? ORDER BY idx`)
	if err := r.pool.Reader().SelectContext(ctx, &blockers, query, task.ID); err != nil {
		return fmt.Errorf("failed to load blockers: %w", err)
	}
	for _, b := range blockers {
		task.Blockers = append(task.Blockers, b.Content)
	}

	load := func(table string, dst *[]v1.TaskNote) error {
		var rows []noteRow
		query := r.pool.Reader().Rebind(
			fmt.Sprintf(`SELECT task_id, idx, content, created_by, created_at FROM %s WHERE task_id = ? ORDER BY idx`, table))
		if err := r.pool.Reader().SelectContext(ctx, &rows, query, task.ID); err != nil {
			return fmt.Errorf("failed to load %s: %w", table, err)
		}
		for _, row := range rows {
			*dst = append(*dst, v1.TaskNote{Content: row.Content, CreatedBy: row.CreatedBy, CreatedAt: row.CreatedAt})
		}
		return nil
	}
	if err := load("task_artifacts", &task.Artifacts); err != nil {
		return err
	}
	return load("task_worklog", &task.Worklog)
}

func boardFromRow(row boardRow) *v1.Board {
	return &v1.Board{ID: row.ID, Title: row.Title, Owner: row.Owner, CreatedAt: row.CreatedAt}
}

func taskFromRow(row taskRow) *v1.Task {
	return &v1.Task{
		ID:           row.ID,
		BoardID:      row.BoardID,
		Title:        row.Title,
		Description:  row.Description,
		Project:      row.Project,
		Owner:        row.Owner,
		AssignedTo:   row.AssignedTo,
		Status:       v1.TaskStatus(row.Status),
		StatusReason: row.StatusReason,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}
