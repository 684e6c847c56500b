// ABOUTME: Per-project permission checks backed by stored role grants
// ABOUTME: No grant means no access; roles are ordered admin down to viewer

package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/synaptiq/synapse-hub/internal/store"
)

// ErrDenied is returned by Require when the agent's role is insufficient.
var ErrDenied = errors.New("permission denied")

// Service answers role questions for (agent, project) pairs.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a permission service backed by the given store.
func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.With("component", "permission"),
	}
}

// Check reports whether the agent has any grant for the project, and which
// role it holds. An absent grant is (false, "") with no error.
func (s *Service) Check(ctx context.Context, aiID int64, project string) (bool, store.Role, error) {
	perm, err := s.store.GetPermission(ctx, aiID, project)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("checking permission: %w", err)
	}
	return true, perm.Role, nil
}

// Require returns ErrDenied unless the agent holds at least the given role
// on the project.
func (s *Service) Require(ctx context.Context, aiID int64, project string, minimum store.Role) error {
	ok, role, err := s.Check(ctx, aiID, project)
	if err != nil {
		return err
	}
	if !ok || !role.AtLeast(minimum) {
		s.logger.Debug("permission denied", "ai_id", aiID, "project", project, "have", role, "want", minimum)
		return fmt.Errorf("%w: %s on %s requires %s", ErrDenied, role, project, minimum)
	}
	return nil
}

// Grant records or replaces the agent's role on a project.
func (s *Service) Grant(ctx context.Context, aiID int64, project string, role store.Role, grantedBy int64) error {
	if !store.ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	return s.store.GrantPermission(ctx, &store.Permission{
		AIID:      aiID,
		Project:   project,
		Role:      role,
		GrantedBy: grantedBy,
	})
}
