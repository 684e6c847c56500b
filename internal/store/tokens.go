// ABOUTME: Token pair persistence with monotonic revocation and expiry sweep
// ABOUTME: Only the token authority writes to this table

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveTokenPair persists a newly issued token pair.
func (s *SQLiteStore) SaveTokenPair(ctx context.Context, pair *TokenPair) error {
	if pair.ID == "" {
		pair.ID = uuid.New().String()
	}

	query := `
		INSERT INTO tokens (id, access, refresh, ai_id, issued_at, access_expires_at, refresh_expires_at, is_revoked, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL)
	`

	_, err := s.db.ExecContext(ctx, query,
		pair.ID,
		pair.Access,
		pair.Refresh,
		pair.AIID,
		formatTime(pair.IssuedAt),
		formatTime(pair.AccessExpiresAt),
		formatTime(pair.RefreshExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting token pair: %w", err)
	}

	s.logger.Debug("saved token pair", "id", pair.ID, "ai_id", pair.AIID)
	return nil
}

// FindTokenPair looks up a pair by either its access or refresh token.
// Returns ErrNotFound when no row matches.
func (s *SQLiteStore) FindTokenPair(ctx context.Context, token string) (*TokenPair, error) {
	query := `
		SELECT id, access, refresh, ai_id, issued_at, access_expires_at, refresh_expires_at, is_revoked, revoked_at
		FROM tokens
		WHERE access = ? OR refresh = ?
	`

	var p TokenPair
	var revoked int
	var issuedAt, accessExp, refreshExp string
	var revokedAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, token, token).Scan(
		&p.ID, &p.Access, &p.Refresh, &p.AIID,
		&issuedAt, &accessExp, &refreshExp, &revoked, &revokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token pair: %w", err)
	}

	p.IsRevoked = revoked != 0
	if p.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	if p.AccessExpiresAt, err = parseTime(accessExp); err != nil {
		return nil, fmt.Errorf("parsing access_expires_at: %w", err)
	}
	if p.RefreshExpiresAt, err = parseTime(refreshExp); err != nil {
		return nil, fmt.Errorf("parsing refresh_expires_at: %w", err)
	}
	if revokedAt.Valid {
		t, err := parseTime(revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing revoked_at: %w", err)
		}
		p.RevokedAt = &t
	}
	return &p, nil
}

// RotateAccessToken replaces the access half of a pair after a refresh.
// The refresh token and its expiry are untouched.
func (s *SQLiteStore) RotateAccessToken(ctx context.Context, pairID, newAccess string, expiresAt time.Time) error {
	query := `
		UPDATE tokens
		SET access = ?, access_expires_at = ?
		WHERE id = ? AND is_revoked = 0
	`

	result, err := s.db.ExecContext(ctx, query, newAccess, formatTime(expiresAt), pairID)
	if err != nil {
		return fmt.Errorf("rotating access token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("rotated access token", "pair_id", pairID)
	return nil
}

// RevokeToken marks the pair holding the given token as revoked.
// Idempotent: an already-revoked pair keeps its original revoked_at, and
// revoking an unknown token is not an error.
func (s *SQLiteStore) RevokeToken(ctx context.Context, token string) error {
	query := `
		UPDATE tokens
		SET is_revoked = 1, revoked_at = ?
		WHERE (access = ? OR refresh = ?) AND is_revoked = 0
	`

	result, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), token, token)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		s.logger.Info("revoked token pair")
	}
	return nil
}

// RevokeAllTokens revokes every unrevoked pair for an agent.
// Returns the number of pairs newly revoked.
func (s *SQLiteStore) RevokeAllTokens(ctx context.Context, aiID int64) (int64, error) {
	query := `
		UPDATE tokens
		SET is_revoked = 1, revoked_at = ?
		WHERE ai_id = ? AND is_revoked = 0
	`

	result, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), aiID)
	if err != nil {
		return 0, fmt.Errorf("revoking tokens for agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Info("revoked all tokens", "ai_id", aiID, "count", rows)
	}
	return rows, nil
}

// SweepExpiredTokens removes pairs whose access AND refresh expiries are
// both in the past. Returns the number of rows removed.
func (s *SQLiteStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM tokens
		WHERE access_expires_at <= ? AND refresh_expires_at <= ?
	`

	ts := formatTime(now)
	result, err := s.db.ExecContext(ctx, query, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Debug("swept expired tokens", "count", rows)
	}
	return rows, nil
}
