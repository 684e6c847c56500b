// ABOUTME: Per-project permission rows mapping (agent, project) to a role

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GrantPermission creates or updates the role for (ai_id, project).
// Re-granting replaces the existing role and records the new grantor.
func (s *SQLiteStore) GrantPermission(ctx context.Context, perm *Permission) error {
	if !ValidRole(perm.Role) {
		return fmt.Errorf("unknown role %q", perm.Role)
	}
	if perm.GrantedAt.IsZero() {
		perm.GrantedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO permissions (ai_id, project, role, granted_by, granted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ai_id, project) DO UPDATE SET
			role = excluded.role,
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at
	`

	_, err := s.db.ExecContext(ctx, query,
		perm.AIID,
		perm.Project,
		string(perm.Role),
		perm.GrantedBy,
		formatTime(perm.GrantedAt),
	)
	if err != nil {
		return fmt.Errorf("granting permission: %w", err)
	}

	s.logger.Debug("granted permission", "ai_id", perm.AIID, "project", perm.Project, "role", perm.Role)
	return nil
}

// GetPermission retrieves the permission row for (ai_id, project).
// Returns ErrNotFound when no role has been granted.
func (s *SQLiteStore) GetPermission(ctx context.Context, aiID int64, project string) (*Permission, error) {
	query := `
		SELECT ai_id, project, role, granted_by, granted_at
		FROM permissions
		WHERE ai_id = ? AND project = ?
	`

	var p Permission
	var role, grantedAt string

	err := s.db.QueryRowContext(ctx, query, aiID, project).Scan(
		&p.AIID, &p.Project, &role, &p.GrantedBy, &grantedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying permission: %w", err)
	}

	p.Role = Role(role)
	p.GrantedAt, err = parseTime(grantedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing granted_at: %w", err)
	}
	return &p, nil
}
