// ABOUTME: Message persistence with content/metadata normalization
// ABOUTME: Inserts are immutable; listing is filtered and ordered by created_at descending

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NormalizeContent converts a caller-supplied content value to its stored
// text form. Strings and byte slices pass through; any other well-formed
// value is serialized to canonical JSON.
func NormalizeContent(v any) (string, error) {
	switch c := v.(type) {
	case nil:
		return "", fmt.Errorf("content is required")
	case string:
		return c, nil
	case []byte:
		return string(c), nil
	case json.RawMessage:
		return string(c), nil
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return "", fmt.Errorf("serializing content: %w", err)
		}
		return string(data), nil
	}
}

// NormalizeMetadata coerces a caller-supplied metadata value to a mapping.
// Absent or scalar values become an empty mapping; raw JSON objects are
// decoded, anything else non-mapping is discarded.
func NormalizeMetadata(v any) map[string]any {
	switch m := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		if m == nil {
			return map[string]any{}
		}
		return m
	case json.RawMessage:
		var decoded map[string]any
		if err := json.Unmarshal(m, &decoded); err != nil || decoded == nil {
			return map[string]any{}
		}
		return decoded
	case []byte:
		var decoded map[string]any
		if err := json.Unmarshal(m, &decoded); err != nil || decoded == nil {
			return map[string]any{}
		}
		return decoded
	default:
		return map[string]any{}
	}
}

// InsertMessage normalizes and stores a message, assigning the id and the
// server-side created_at timestamp. Returns ErrUnknownSender when the
// sender is not a registered agent.
func (s *SQLiteStore) InsertMessage(ctx context.Context, params InsertMessageParams) (*Message, error) {
	content, err := NormalizeContent(params.Content)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("content must be at least one byte")
	}

	msgType := params.Type
	if msgType == "" {
		msgType = MessageTypeMessage
	}
	if !ValidMessageType(msgType) {
		return nil, fmt.Errorf("unknown message type %q", msgType)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		TargetID:       params.TargetID,
		Type:           msgType,
		Content:        content,
		Metadata:       NormalizeMetadata(params.Metadata),
		Project:        params.Project,
		CreatedAt:      time.Now().UTC(),
	}

	metadataJSON, err := marshalMapping(msg.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, target_id, message_type, content, metadata, project, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		nullString(msg.ConversationID),
		msg.SenderID,
		nullInt64(msg.TargetID),
		msg.Type,
		msg.Content,
		metadataJSON,
		msg.Project,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrUnknownSender
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "sender_id", msg.SenderID, "type", msg.Type)
	return msg, nil
}

// ListMessages retrieves messages matching the filter, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	var conds []string
	var args []any

	if filter.SenderID != nil {
		conds = append(conds, "sender_id = ?")
		args = append(args, *filter.SenderID)
	}
	if filter.Type != "" {
		conds = append(conds, "message_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Search != "" {
		conds = append(conds, "content LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}

	query := `
		SELECT id, conversation_id, sender_id, target_id, message_type, content, metadata, project, created_at
		FROM messages
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	return s.queryMessages(ctx, query, args...)
}

// Inbox returns the most recent messages addressed directly to an agent.
func (s *SQLiteStore) Inbox(ctx context.Context, aiID int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, conversation_id, sender_id, target_id, message_type, content, metadata, project, created_at
		FROM messages
		WHERE target_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	return s.queryMessages(ctx, query, aiID, limit)
}

// Sent returns the most recent messages an agent has sent.
func (s *SQLiteStore) Sent(ctx context.Context, aiID int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, conversation_id, sender_id, target_id, message_type, content, metadata, project, created_at
		FROM messages
		WHERE sender_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	return s.queryMessages(ctx, query, aiID, limit)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var convID *string
		var targetID *int64
		var metadataJSON, createdAt string

		if err := rows.Scan(&msg.ID, &convID, &msg.SenderID, &targetID, &msg.Type, &msg.Content, &metadataJSON, &msg.Project, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if convID != nil {
			msg.ConversationID = *convID
		}
		if targetID != nil {
			msg.TargetID = *targetID
		}
		msg.Metadata, err = unmarshalMapping(metadataJSON)
		if err != nil {
			return nil, err
		}
		msg.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullInt64 returns nil for zero, otherwise the value
func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
