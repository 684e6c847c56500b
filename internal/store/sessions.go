// ABOUTME: Persisted session records mirroring the hub's in-memory registry
// ABOUTME: Flushed inactive on clean shutdown; inactive rows are garbage-collected

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSessionRecord persists a new session row.
// Generates ID and timestamps if not set.
func (s *SQLiteStore) CreateSessionRecord(ctx context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = now
	}
	if rec.LastActive.IsZero() {
		rec.LastActive = rec.ConnectedAt
	}
	if rec.SessionType == "" {
		rec.SessionType = "stream"
	}

	metadataJSON, err := marshalMapping(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, ai_id, identifier, session_type, project, metadata, connected_at, last_active, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.AIID,
		rec.Identifier,
		rec.SessionType,
		rec.Project,
		metadataJSON,
		formatTime(rec.ConnectedAt),
		formatTime(rec.LastActive),
	)
	if err != nil {
		return fmt.Errorf("inserting session record: %w", err)
	}
	rec.IsActive = true

	s.logger.Debug("created session record", "id", rec.ID, "ai_id", rec.AIID, "identifier", rec.Identifier)
	return nil
}

// GetSessionRecord retrieves a session row by id.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetSessionRecord(ctx context.Context, id string) (*SessionRecord, error) {
	query := `
		SELECT id, ai_id, identifier, session_type, project, metadata, connected_at, last_active, is_active
		FROM sessions
		WHERE id = ?
	`

	var rec SessionRecord
	var active int
	var metadataJSON, connectedAt, lastActive string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.AIID, &rec.Identifier, &rec.SessionType, &rec.Project,
		&metadataJSON, &connectedAt, &lastActive, &active,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session record: %w", err)
	}

	rec.IsActive = active != 0
	if rec.Metadata, err = unmarshalMapping(metadataJSON); err != nil {
		return nil, err
	}
	if rec.ConnectedAt, err = parseTime(connectedAt); err != nil {
		return nil, fmt.Errorf("parsing connected_at: %w", err)
	}
	if rec.LastActive, err = parseTime(lastActive); err != nil {
		return nil, fmt.Errorf("parsing last_active: %w", err)
	}
	return &rec, nil
}

// TouchSessionRecord updates last_active on an active session row.
func (s *SQLiteStore) TouchSessionRecord(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active = ? WHERE id = ? AND is_active = 1`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching session record: %w", err)
	}
	return nil
}

// EndSessionRecord marks a session row inactive.
// Returns ErrNotFound if the row doesn't exist.
func (s *SQLiteStore) EndSessionRecord(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ending session record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("ended session record", "id", id)
	return nil
}

// MarkAllSessionsInactive flips every active session row inactive.
// Called on clean shutdown so presence rows don't outlive the process.
func (s *SQLiteStore) MarkAllSessionsInactive(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE is_active = 1`)
	if err != nil {
		return 0, fmt.Errorf("flushing session records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Info("flushed session records", "count", rows)
	}
	return rows, nil
}

// DeleteInactiveSessionRecords removes inactive rows older than the cutoff.
// Returns the number of rows removed.
func (s *SQLiteStore) DeleteInactiveSessionRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE is_active = 0 AND last_active < ?`,
		formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("deleting inactive session records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Debug("deleted inactive session records", "count", rows)
	}
	return rows, nil
}
