package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, execution_id, step_id, customer_id, title, assignee, priority, status, due_at, created_at`

// CreateTask inserts task unless (execution_id, step_id) already has one, in
// which case the existing task is returned with created=false.
func (s *SQLStore) CreateTask(ctx context.Context, task *Task) (*Task, bool, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskStatusOpen
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	res, err := s.exec(ctx, s.db,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (execution_id, step_id) DO NOTHING`,
		task.ID, task.ExecutionID, task.StepID, task.CustomerID, task.Title, nullStr(task.Assignee),
		task.Priority, task.Status, nullTime(task.DueAt), formatTime(task.CreatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return task, true, nil
	}

	row := s.queryRow(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE execution_id = ? AND step_id = ?`, task.ExecutionID, task.StepID)
	existing, err := scanTask(row)
	if err != nil {
		return nil, false, fmt.Errorf("load existing task: %w", err)
	}
	return existing, false, nil
}

// ListTasks returns tasks, newest first.
func (s *SQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var where []string
	var args []any
	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC" + limitClause(filter.Limit, 0)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var assignee, dueAt sql.NullString
	var createdAt string
	if err := row.Scan(&t.ID, &t.ExecutionID, &t.StepID, &t.CustomerID, &t.Title, &assignee,
		&t.Priority, &t.Status, &dueAt, &createdAt); err != nil {
		return nil, err
	}
	t.Assignee = assignee.String
	t.DueAt = parseNullTime(dueAt)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}
