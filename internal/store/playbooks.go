package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

const playbookColumns = `id, version, status, digest, definition, created_at, updated_at`

// CreatePlaybook stores a new definition version. (id, version) must be unused.
func (s *SQLStore) CreatePlaybook(ctx context.Context, def *schema.PlaybookDefinition) error {
	if def.ID == "" || def.Version <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "playbook id and positive version are required")
	}
	if def.Status == "" {
		def.Status = schema.PlaybookStatusDraft
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	var exists int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM playbooks WHERE id = ? AND version = ?`,
		def.ID, def.Version).Scan(&exists); err != nil {
		return fmt.Errorf("check playbook version: %w", err)
	}
	if exists > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "playbook %q version %d already exists", def.ID, def.Version)
	}

	_, err = s.exec(ctx, s.db,
		`INSERT INTO playbooks (id, version, name, status, trigger_type, digest, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.Name, string(def.Status), nullStr(def.TriggerType), nullStr(def.Digest),
		string(body), formatTime(def.CreatedAt), formatTime(def.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert playbook: %w", err)
	}
	return nil
}

// GetPlaybook loads a specific version.
func (s *SQLStore) GetPlaybook(ctx context.Context, id string, version int) (*schema.PlaybookDefinition, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+playbookColumns+` FROM playbooks WHERE id = ? AND version = ?`, id, version)
	def, err := scanPlaybook(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("playbook", fmt.Sprintf("%s@%d", id, version))
	}
	return def, err
}

// GetActivePlaybook loads the single active version of a playbook.
func (s *SQLStore) GetActivePlaybook(ctx context.Context, id string) (*schema.PlaybookDefinition, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+playbookColumns+` FROM playbooks WHERE id = ? AND status = 'active'`, id)
	def, err := scanPlaybook(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active playbook", id)
	}
	return def, err
}

// LatestVersion returns the highest stored version, or 0 when none exist.
func (s *SQLStore) LatestVersion(ctx context.Context, id string) (int, error) {
	var v int
	err := s.queryRow(ctx, s.db, `SELECT COALESCE(MAX(version), 0) FROM playbooks WHERE id = ?`, id).Scan(&v)
	return v, err
}

// ActivatePlaybook promotes a draft to active in one transaction, archiving
// whichever version was active before.
func (s *SQLStore) ActivatePlaybook(ctx context.Context, id string, version int, digest string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	status, err := s.playbookStatus(ctx, tx, id, version)
	if err != nil {
		return err
	}
	if status != schema.PlaybookStatusDraft {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"playbook %q version %d is %s, only drafts can be activated", id, version, status)
	}

	now := formatTime(time.Now())
	if _, err := s.exec(ctx, tx,
		`UPDATE playbooks SET status = 'archived', updated_at = ? WHERE id = ? AND status = 'active'`,
		now, id); err != nil {
		return fmt.Errorf("archive previous version: %w", err)
	}
	if _, err := s.exec(ctx, tx,
		`UPDATE playbooks SET status = 'active', digest = ?, updated_at = ? WHERE id = ? AND version = ?`,
		nullStr(digest), now, id, version); err != nil {
		return fmt.Errorf("activate playbook: %w", err)
	}
	return tx.Commit()
}

// ArchivePlaybook moves a draft or active version to the terminal archived state.
func (s *SQLStore) ArchivePlaybook(ctx context.Context, id string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	status, err := s.playbookStatus(ctx, tx, id, version)
	if err != nil {
		return err
	}
	if status == schema.PlaybookStatusArchived {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "playbook %q version %d is already archived", id, version)
	}
	if _, err := s.exec(ctx, tx,
		`UPDATE playbooks SET status = 'archived', updated_at = ? WHERE id = ? AND version = ?`,
		formatTime(time.Now()), id, version); err != nil {
		return fmt.Errorf("archive playbook: %w", err)
	}
	return tx.Commit()
}

// ListPlaybooks returns definitions ordered by id and descending version.
func (s *SQLStore) ListPlaybooks(ctx context.Context, filter PlaybookFilter) ([]*schema.PlaybookDefinition, error) {
	var where []string
	var args []any
	if filter.ID != "" {
		where = append(where, "id = ?")
		args = append(args, filter.ID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + playbookColumns + ` FROM playbooks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC, version DESC" + limitClause(filter.Limit, 0)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.PlaybookDefinition
	for rows.Next() {
		def, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLStore) playbookStatus(ctx context.Context, q execer, id string, version int) (schema.PlaybookStatus, error) {
	var status string
	err := s.queryRow(ctx, q, `SELECT status FROM playbooks WHERE id = ? AND version = ?`, id, version).Scan(&status)
	if err == sql.ErrNoRows {
		return "", storeNotFound("playbook", fmt.Sprintf("%s@%d", id, version))
	}
	if err != nil {
		return "", err
	}
	return schema.PlaybookStatus(status), nil
}

// scanPlaybook decodes the stored definition and overlays the lifecycle
// columns, which are authoritative.
func scanPlaybook(row rowScanner) (*schema.PlaybookDefinition, error) {
	var (
		id, status, body, createdAt, updatedAt string
		version                                int
		digest                                 sql.NullString
	)
	if err := row.Scan(&id, &version, &status, &digest, &body, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	def := &schema.PlaybookDefinition{}
	if err := json.Unmarshal([]byte(body), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s@%d: %w", id, version, err)
	}
	def.ID = id
	def.Version = version
	def.Status = schema.PlaybookStatus(status)
	def.Digest = digest.String
	def.CreatedAt = parseTime(createdAt)
	def.UpdatedAt = parseTime(updatedAt)
	return def, nil
}
