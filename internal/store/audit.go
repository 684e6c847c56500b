// ABOUTME: Append-only auth audit log for login attempts and liveness evictions

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordAuth appends an authentication or liveness decision to the audit log.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) RecordAuth(ctx context.Context, audit *AuthAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO auth_audit (id, ai_id, ai_name, project, success, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		audit.ID,
		audit.AIID,
		audit.AIName,
		audit.Project,
		boolToInt(audit.Success),
		audit.Details,
		formatTime(audit.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting auth audit: %w", err)
	}

	s.logger.Debug("recorded auth audit",
		"ai_id", audit.AIID,
		"success", audit.Success,
		"details", audit.Details,
	)
	return nil
}

// ListAuthAudit returns the most recent audit rows for an agent, newest first.
func (s *SQLiteStore) ListAuthAudit(ctx context.Context, aiID int64, limit int) ([]*AuthAudit, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, ai_id, ai_name, project, success, details, created_at
		FROM auth_audit
		WHERE ai_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, aiID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying auth audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuthAudit
	for rows.Next() {
		var a AuthAudit
		var success int
		var createdAt string

		if err := rows.Scan(&a.ID, &a.AIID, &a.AIName, &a.Project, &success, &a.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		a.Success = success != 0
		a.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return entries, nil
}
