package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const triggerColumns = `id, playbook_id, customer_id, cron_expression, context, enabled,
	last_run_at, next_run_at, last_run_status, last_execution_id, created_at, updated_at`

// CreateTrigger stores a scheduled trigger.
func (s *SQLStore) CreateTrigger(ctx context.Context, trig *ScheduledTrigger) error {
	if trig.ID == "" {
		trig.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if trig.CreatedAt.IsZero() {
		trig.CreatedAt = now
	}
	trig.UpdatedAt = now

	execCtx, err := marshalMapOrNil(trig.Context)
	if err != nil {
		return fmt.Errorf("marshal trigger context: %w", err)
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO scheduled_triggers (`+triggerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trig.ID, trig.PlaybookID, trig.CustomerID, trig.CronExpression, execCtx, boolInt(trig.Enabled),
		nullTime(trig.LastRunAt), nullTime(trig.NextRunAt), nullStr(trig.LastRunStatus), nullStr(trig.LastExecutionID),
		formatTime(trig.CreatedAt), formatTime(trig.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// GetTrigger loads one trigger.
func (s *SQLStore) GetTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+triggerColumns+` FROM scheduled_triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger", id)
	}
	return t, err
}

// UpdateTrigger applies the non-nil fields of update.
func (s *SQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, formatTime(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, formatTime(*update.NextRunAt))
	}
	if update.LastRunStatus != nil {
		sets = append(sets, "last_run_status = ?")
		args = append(args, *update.LastRunStatus)
	}
	if update.LastExecutionID != nil {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, *update.LastExecutionID)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), id)

	res, err := s.exec(ctx, s.db,
		fmt.Sprintf(`UPDATE scheduled_triggers SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	return checkRowsAffected(res, "trigger", id)
}

// DeleteTrigger removes a trigger.
func (s *SQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

// ListTriggers returns triggers ordered by next run.
func (s *SQLStore) ListTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM scheduled_triggers`
	var args []any
	if enabledOnly {
		query += ` WHERE enabled = ?`
		args = append(args, 1)
	}
	query += ` ORDER BY next_run_at ASC, id ASC`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrigger(row rowScanner) (*ScheduledTrigger, error) {
	t := &ScheduledTrigger{}
	var (
		execCtx, lastRun, nextRun, lastStatus, lastExec sql.NullString
		enabled                                         int
		createdAt, updatedAt                            string
	)
	if err := row.Scan(&t.ID, &t.PlaybookID, &t.CustomerID, &t.CronExpression, &execCtx, &enabled,
		&lastRun, &nextRun, &lastStatus, &lastExec, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Context, err = unmarshalNullMap(execCtx); err != nil {
		return nil, fmt.Errorf("unmarshal trigger context: %w", err)
	}
	t.Enabled = enabled != 0
	t.LastRunAt = parseNullTime(lastRun)
	t.NextRunAt = parseNullTime(nextRun)
	t.LastRunStatus = lastStatus.String
	t.LastExecutionID = lastExec.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}
