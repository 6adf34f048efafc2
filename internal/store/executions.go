package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/playbook/pkg/schema"
)

const executionColumns = `id, playbook_id, playbook_version, customer_id, owner, status, context,
	results, error_logs, metrics, completed_steps, created_at, started_at, completed_at`

// CreateExecution inserts a new execution and returns its id. A fresh id is
// assigned when exec.ID is empty; an existing id yields CONFLICT.
func (s *SQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) (string, error) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Owner == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "execution owner is required")
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	cols, err := encodeExecution(exec)
	if err != nil {
		return "", err
	}

	var exists int
	err = s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM executions WHERE id = ?`, exec.ID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("check execution id: %w", err)
	}
	if exists > 0 {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}

	now := formatTime(time.Now())
	_, err = s.exec(ctx, s.db,
		`INSERT INTO executions (`+executionColumns+`, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.PlaybookID, exec.PlaybookVersion, exec.CustomerID, exec.Owner, string(exec.Status),
		cols.context, cols.results, cols.errorLogs, cols.metrics, cols.completedSteps,
		formatTime(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), now,
	)
	if err != nil {
		return "", fmt.Errorf("insert execution: %w", err)
	}
	return exec.ID, nil
}

// UpdateExecution applies update to a non-terminal execution owned by update.Owner.
func (s *SQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Results != nil {
		v, err := marshalText(update.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		sets = append(sets, "results = ?")
		args = append(args, v)
	}
	if update.ErrorLogs != nil {
		v, err := marshalText(update.ErrorLogs)
		if err != nil {
			return fmt.Errorf("marshal error_logs: %w", err)
		}
		sets = append(sets, "error_logs = ?")
		args = append(args, v)
	}
	if update.Metrics != nil {
		v, err := marshalText(update.Metrics)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
		sets = append(sets, "metrics = ?")
		args = append(args, v)
	}
	if update.CompletedSteps != nil {
		v, err := marshalText(update.CompletedSteps)
		if err != nil {
			return fmt.Errorf("marshal completed_steps: %w", err)
		}
		sets = append(sets, "completed_steps = ?")
		args = append(args, v)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*update.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), id, update.Owner)

	query := fmt.Sprintf(
		`UPDATE executions SET %s WHERE id = ? AND owner = ? AND status NOT IN ('completed', 'failed')`,
		strings.Join(sets, ", "))
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: tell missing rows apart from foreign or sealed ones.
	var owner, status string
	err = s.queryRow(ctx, s.db, `SELECT owner, status FROM executions WHERE id = ?`, id).Scan(&owner, &status)
	if err == sql.ErrNoRows {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	if owner != update.Owner {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is owned by another orchestrator", id)
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s and can no longer change", id, status)
}

// GetExecution loads one execution.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns one page of executions, newest first, and the total
// number of executions matching the filter.
func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, int, error) {
	var where []string
	var args []any

	if filter.PlaybookID != "" {
		where = append(where, "playbook_id = ?")
		args = append(args, filter.PlaybookID)
	}
	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM executions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + clause +
		` ORDER BY created_at DESC, id ASC` + limitClause(filter.Limit, filter.Offset)
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, exec)
	}
	return out, total, rows.Err()
}

type executionColumnsText struct {
	context        any
	results        string
	errorLogs      string
	metrics        string
	completedSteps string
}

func encodeExecution(exec *schema.Execution) (*executionColumnsText, error) {
	var c executionColumnsText
	var err error
	if c.context, err = marshalMapOrNil(exec.Context); err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	results := exec.Results
	if results == nil {
		results = map[string]*schema.StepResult{}
	}
	if c.results, err = marshalText(results); err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	logs := exec.ErrorLogs
	if logs == nil {
		logs = []schema.ErrorLogEntry{}
	}
	if c.errorLogs, err = marshalText(logs); err != nil {
		return nil, fmt.Errorf("marshal error_logs: %w", err)
	}
	if c.metrics, err = marshalText(exec.Metrics); err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	steps := exec.CompletedSteps
	if steps == nil {
		steps = []string{}
	}
	if c.completedSteps, err = marshalText(steps); err != nil {
		return nil, fmt.Errorf("marshal completed_steps: %w", err)
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	e := &schema.Execution{}
	var (
		status, createdAt                           string
		results, errorLogs, metrics, completedSteps string
		execCtx, startedAt, completedAt             sql.NullString
	)
	err := row.Scan(&e.ID, &e.PlaybookID, &e.PlaybookVersion, &e.CustomerID, &e.Owner, &status, &execCtx,
		&results, &errorLogs, &metrics, &completedSteps, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.CreatedAt = parseTime(createdAt)
	e.StartedAt = parseNullTime(startedAt)
	e.CompletedAt = parseNullTime(completedAt)

	if e.Context, err = unmarshalNullMap(execCtx); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &e.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	if err := json.Unmarshal([]byte(errorLogs), &e.ErrorLogs); err != nil {
		return nil, fmt.Errorf("unmarshal error_logs: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &e.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(completedSteps), &e.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed_steps: %w", err)
	}
	return e, nil
}
