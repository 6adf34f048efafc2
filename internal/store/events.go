package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = s.queryRow(ctx, tx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.exec(ctx, tx,
		`INSERT INTO events (execution_id, sequence, step_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, seq, nullStr(event.StepID), event.Type, nullRaw(event.Payload), formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, in order.
func (s *SQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT execution_id, sequence, step_id, event_type, payload, timestamp
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns the most recent events of one type.
func (s *SQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	query := `SELECT execution_id, sequence, step_id, event_type, payload, timestamp FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC" + limitClause(filter.Limit, 0)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		var ts string
		if err := rows.Scan(&e.ExecutionID, &e.Sequence, &stepID, &e.Type, &payload, &ts); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}
