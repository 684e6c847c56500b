// ABOUTME: Agent profile persistence methods for the SQLite store
// ABOUTME: Registration, lookup, update, deactivation, and paged listing

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateAgent registers a new agent profile.
// Returns ErrDuplicateAgent if the id is already taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO agents (id, name, nickname, expertise, version, project, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.Nickname,
		agent.Expertise,
		agent.Version,
		agent.Project,
		boolToInt(agent.IsActive),
		formatTime(agent.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "ai_id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgent retrieves an agent profile by id.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	query := `
		SELECT id, name, nickname, expertise, version, project, is_active, created_at
		FROM agents
		WHERE id = ?
	`
	return s.scanAgent(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var active int
	var createdAt string

	err := row.Scan(&a.ID, &a.Name, &a.Nickname, &a.Expertise, &a.Version, &a.Project, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.IsActive = active != 0
	a.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}

// UpdateAgent updates a registered agent's mutable profile fields.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	query := `
		UPDATE agents
		SET name = ?, nickname = ?, expertise = ?, version = ?, project = ?, is_active = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		agent.Name,
		agent.Nickname,
		agent.Expertise,
		agent.Version,
		agent.Project,
		boolToInt(agent.IsActive),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated agent", "ai_id", agent.ID)
	return nil
}

// DeactivateAgent flips an agent's is_active flag off. Profiles are never
// deleted; deactivation is the only lifecycle end.
func (s *SQLiteStore) DeactivateAgent(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agents SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Info("deactivated agent", "ai_id", id)
	return nil
}

// ListAgents returns agent profiles ordered by id.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListAgents(ctx context.Context, limit, offset int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, name, nickname, expertise, version, project, is_active, created_at
		FROM agents
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var active int
		var createdAt string

		if err := rows.Scan(&a.ID, &a.Name, &a.Nickname, &a.Expertise, &a.Version, &a.Project, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		a.IsActive = active != 0
		a.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		agents = append(agents, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
