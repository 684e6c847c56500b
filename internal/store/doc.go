// Package store provides persistent storage for the hub using SQLite.
//
// # Architecture
//
// A single Store interface covers every entity the hub persists; SQLiteStore
// is the only implementation. The interface exists so the hub, the token
// authority, and the HTTP API can be exercised against persistence without
// caring about the backend.
//
// # Data Models
//
// Core models:
//
//   - Agent: Registered AI identity with caller-assigned numeric ID
//   - Message: Immutable hub message with typed content and JSON metadata
//   - Conversation: Optional grouping for threaded discussion
//   - CollabRequest: Cross-agent collaboration request
//
// Auth models:
//
//   - TokenPair: Access/refresh token pair with monotonic revocation
//   - Permission: Per-project role grant (admin > contributor > member > viewer)
//   - AuthAudit: Append-only log of auth and liveness decisions
//
// Presence models:
//
//   - BrainState: Per-agent cognitive checkpoint, one row per agent
//   - SessionRecord: Persisted mirror of a live registry session
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 text in UTC. Message metadata and brain
// checkpoint data are stored as JSON text; absent mappings are stored as "{}".
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateAgent: Agent ID already registered
//   - ErrUnknownSender: Message or request references an unregistered agent
//
// All errors wrap underlying SQLite errors with context using fmt.Errorf
// and %w for error chain inspection.
//
// # Testing
//
// Tests create stores against a temporary file per test via setupTestStore,
// giving each test an isolated schema with no shared state.
package store
