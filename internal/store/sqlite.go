// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema, and holds shared scan helpers

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			nickname TEXT NOT NULL DEFAULT '',
			expertise TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			project_context TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,

			CHECK (status IN ('active', 'archived', 'completed'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			sender_id INTEGER NOT NULL REFERENCES agents(id),
			target_id INTEGER,
			message_type TEXT NOT NULL DEFAULT 'message',
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			project TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_sender_created
			ON messages(sender_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_target_created
			ON messages(target_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id);

		CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			access TEXT NOT NULL UNIQUE,
			refresh TEXT NOT NULL UNIQUE,
			ai_id INTEGER NOT NULL,
			issued_at TEXT NOT NULL,
			access_expires_at TEXT NOT NULL,
			refresh_expires_at TEXT NOT NULL,
			is_revoked INTEGER NOT NULL DEFAULT 0,
			revoked_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_ai ON tokens(ai_id);

		CREATE TABLE IF NOT EXISTS permissions (
			ai_id INTEGER NOT NULL,
			project TEXT NOT NULL,
			role TEXT NOT NULL,
			granted_by INTEGER NOT NULL,
			granted_at TEXT NOT NULL,

			PRIMARY KEY (ai_id, project),
			CHECK (role IN ('admin', 'contributor', 'member', 'viewer'))
		);

		CREATE INDEX IF NOT EXISTS idx_permissions_lookup ON permissions(ai_id, project);

		CREATE TABLE IF NOT EXISTS auth_audit (
			id TEXT PRIMARY KEY,
			ai_id INTEGER NOT NULL,
			ai_name TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_auth_audit_ai ON auth_audit(ai_id, created_at);

		CREATE TABLE IF NOT EXISTS brain_states (
			ai_id INTEGER PRIMARY KEY,
			current_task TEXT NOT NULL DEFAULT '',
			last_thought TEXT NOT NULL DEFAULT '',
			last_insight TEXT NOT NULL DEFAULT '',
			current_cycle TEXT NOT NULL DEFAULT '',
			cycle_count INTEGER NOT NULL DEFAULT 0,
			last_activity TEXT NOT NULL,
			checkpoint_data TEXT NOT NULL DEFAULT '{}',
			session_identifier TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			ai_id INTEGER NOT NULL,
			identifier TEXT NOT NULL DEFAULT '',
			session_type TEXT NOT NULL DEFAULT 'stream',
			project TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			connected_at TEXT NOT NULL,
			last_active TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_ai ON sessions(ai_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(is_active);

		CREATE TABLE IF NOT EXISTS collab_requests (
			id TEXT PRIMARY KEY,
			requester_id INTEGER NOT NULL REFERENCES agents(id),
			target_id INTEGER NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_collab_requester ON collab_requests(requester_id);
		CREATE INDEX IF NOT EXISTS idx_collab_target ON collab_requests(target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// formatTime renders a timestamp in the canonical stored form. The
// fractional second is fixed-width: RFC3339Nano trims trailing zeros,
// which breaks lexicographic ordering in SQL comparisons.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// parseTime parses a stored timestamp, tolerating second precision.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

// marshalMapping serializes a metadata mapping, treating nil as empty.
func marshalMapping(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling mapping: %w", err)
	}
	return string(data), nil
}

// unmarshalMapping deserializes a stored metadata column.
func unmarshalMapping(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling mapping: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
