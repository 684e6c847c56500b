// ABOUTME: Collaboration requests between agents

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCollabRequest persists a new collaboration request.
// Returns ErrUnknownSender when the requester is not a registered agent.
func (s *SQLiteStore) CreateCollabRequest(ctx context.Context, req *CollabRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = "pending"
	}

	query := `
		INSERT INTO collab_requests (id, requester_id, target_id, type, title, description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		req.ID,
		req.RequesterID,
		req.TargetID,
		req.Type,
		req.Title,
		req.Description,
		req.Status,
		formatTime(req.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrUnknownSender
		}
		return fmt.Errorf("inserting collab request: %w", err)
	}

	s.logger.Debug("created collab request", "id", req.ID, "requester", req.RequesterID, "target", req.TargetID)
	return nil
}

// ListCollabRequests returns requests involving an agent (as requester or
// target), newest first.
func (s *SQLiteStore) ListCollabRequests(ctx context.Context, aiID int64, limit int) ([]*CollabRequest, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, requester_id, target_id, type, title, description, status, created_at
		FROM collab_requests
		WHERE requester_id = ? OR target_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, aiID, aiID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying collab requests: %w", err)
	}
	defer rows.Close()

	var reqs []*CollabRequest
	for rows.Next() {
		var r CollabRequest
		var createdAt string
		if err := rows.Scan(&r.ID, &r.RequesterID, &r.TargetID, &r.Type, &r.Title, &r.Description, &r.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning collab row: %w", err)
		}
		r.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		reqs = append(reqs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating collab rows: %w", err)
	}
	return reqs, nil
}
