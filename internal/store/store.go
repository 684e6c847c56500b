// ABOUTME: Store interface and data types for synapse-hub persistence
// ABOUTME: Defines Agent, Message, BrainState structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when trying to register an agent id that already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrUnknownSender is returned when inserting a message whose sender is not a registered agent
var ErrUnknownSender = errors.New("unknown sender")

// MessageType constants for the message taxonomy
const (
	MessageTypeMessage        = "message"
	MessageTypeQuestion       = "question"
	MessageTypeResponse       = "response"
	MessageTypeInsight        = "insight"
	MessageTypeDecision       = "decision"
	MessageTypeSuggestion     = "suggestion"
	MessageTypeNotification   = "notification"
	MessageTypeInstruction    = "instruction"
	MessageTypeTaskAssignment = "task_assignment"
	MessageTypeCommunication  = "communication"
	MessageTypeUpdate         = "update"
	MessageTypeReference      = "reference"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeMessage, MessageTypeQuestion, MessageTypeResponse,
		MessageTypeInsight, MessageTypeDecision, MessageTypeSuggestion,
		MessageTypeNotification, MessageTypeInstruction, MessageTypeTaskAssignment,
		MessageTypeCommunication, MessageTypeUpdate, MessageTypeReference:
		return true
	}
	return false
}

// Agent represents a registered agent profile.
// The id is stable and caller-assigned at registration; names need not be unique.
type Agent struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Nickname  string    `json:"nickname,omitempty"`
	Expertise string    `json:"expertise,omitempty"`
	Version   string    `json:"version,omitempty"`
	Project   string    `json:"project,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation groups messages under a title and project context.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Category       string    `json:"category,omitempty"`
	ProjectContext string    `json:"project_context,omitempty"`
	Status         string    `json:"status"` // active, archived, completed
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation status constants
const (
	ConversationActive    = "active"
	ConversationArchived  = "archived"
	ConversationCompleted = "completed"
)

// Message represents a single persisted message. Content is always stored
// as text; structured payloads are serialized to canonical JSON before
// insert. Metadata is always a mapping, never a scalar.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id,omitempty"` // empty when not tied to a conversation
	SenderID       int64          `json:"sender_id"`
	TargetID       int64          `json:"target_id,omitempty"` // 0 for broadcast messages without a direct recipient
	Type           string         `json:"message_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	Project        string         `json:"project,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MessageFilter specifies filtering options for listing messages.
type MessageFilter struct {
	SenderID *int64
	Type     string
	Search   string // substring match on content
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// TokenPair is a persisted access/refresh token pair for one agent.
// Revocation is monotonic: once revoked a pair is never un-revoked.
type TokenPair struct {
	ID               string
	Access           string
	Refresh          string
	AIID             int64
	IssuedAt         time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	IsRevoked        bool
	RevokedAt        *time.Time
}

// Role is a per-project permission level.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleContributor Role = "contributor"
	RoleMember      Role = "member"
	RoleViewer      Role = "viewer"
)

// roleRank orders roles for precedence checks: admin > contributor > member > viewer.
func roleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleContributor:
		return 3
	case RoleMember:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r grants at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank(r) >= roleRank(other)
}

// ValidRole reports whether r is one of the four known roles.
func ValidRole(r Role) bool {
	return roleRank(r) > 0
}

// Permission maps an agent to a role within one project.
// At most one row per (ai_id, project); re-grant updates the role.
type Permission struct {
	AIID      int64
	Project   string
	Role      Role
	GrantedBy int64
	GrantedAt time.Time
}

// AuthAudit is an append-only record of an authentication or liveness decision.
type AuthAudit struct {
	ID        string
	AIID      int64
	AIName    string
	Project   string
	Success   bool
	Details   string
	CreatedAt time.Time
}

// BrainState is the per-agent singleton checkpoint record that lets an
// agent resume its work after a disconnect or crash.
type BrainState struct {
	AIID              int64          `json:"ai_id"`
	CurrentTask       string         `json:"current_task,omitempty"`
	LastThought       string         `json:"last_thought,omitempty"`
	LastInsight       string         `json:"last_insight,omitempty"`
	CurrentCycle      string         `json:"current_cycle,omitempty"`
	CycleCount        int64          `json:"cycle_count"`
	LastActivity      time.Time      `json:"last_activity"`
	CheckpointData    map[string]any `json:"checkpoint_data"`
	SessionIdentifier string         `json:"session_identifier,omitempty"`
}

// SessionRecord is the persisted mirror of a live registry session.
// The in-memory registry is authoritative while the hub runs; these rows
// exist so presence can be inspected and flushed across restarts.
type SessionRecord struct {
	ID          string         `json:"id"`
	AIID        int64          `json:"ai_id"`
	Identifier  string         `json:"identifier,omitempty"`
	SessionType string         `json:"session_type"`
	Project     string         `json:"project,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ConnectedAt time.Time      `json:"connected_at"`
	LastActive  time.Time      `json:"last_active"`
	IsActive    bool           `json:"is_active"`
}

// CollabRequest is a collaboration request from one agent to another.
type CollabRequest struct {
	ID          string    `json:"id"`
	RequesterID int64     `json:"requester_id"`
	TargetID    int64     `json:"target_id"`
	Type        string    `json:"type,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"` // pending, accepted, declined
	CreatedAt   time.Time `json:"created_at"`
}

// InsertMessageParams carries the raw caller-supplied fields for a message
// insert. Content may be any well-formed value; non-string content is
// normalized to its canonical JSON text. Metadata that is absent or not a
// mapping is replaced by an empty mapping.
type InsertMessageParams struct {
	SenderID       int64
	TargetID       int64
	ConversationID string
	Type           string
	Content        any
	Metadata       any
	Project        string
}

// Store defines the interface for synapse-hub persistence.
// SQLiteStore is the only implementation; the interface exists so the hub
// and API can be exercised without caring about the backend.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id int64) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeactivateAgent(ctx context.Context, id int64) error
	ListAgents(ctx context.Context, limit, offset int) ([]*Agent, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, status string, limit int) ([]*Conversation, error)

	// Messages
	InsertMessage(ctx context.Context, params InsertMessageParams) (*Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)
	Inbox(ctx context.Context, aiID int64, limit int) ([]*Message, error)
	Sent(ctx context.Context, aiID int64, limit int) ([]*Message, error)

	// Tokens
	SaveTokenPair(ctx context.Context, pair *TokenPair) error
	FindTokenPair(ctx context.Context, token string) (*TokenPair, error)
	RotateAccessToken(ctx context.Context, pairID, newAccess string, expiresAt time.Time) error
	RevokeToken(ctx context.Context, token string) error
	RevokeAllTokens(ctx context.Context, aiID int64) (int64, error)
	SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// Permissions
	GrantPermission(ctx context.Context, perm *Permission) error
	GetPermission(ctx context.Context, aiID int64, project string) (*Permission, error)

	// Audit
	RecordAuth(ctx context.Context, audit *AuthAudit) error
	ListAuthAudit(ctx context.Context, aiID int64, limit int) ([]*AuthAudit, error)

	// Brain state
	UpsertBrainState(ctx context.Context, state *BrainState) error
	LoadBrainState(ctx context.Context, aiID int64) (*BrainState, error)

	// Session records
	CreateSessionRecord(ctx context.Context, rec *SessionRecord) error
	GetSessionRecord(ctx context.Context, id string) (*SessionRecord, error)
	TouchSessionRecord(ctx context.Context, id string, at time.Time) error
	EndSessionRecord(ctx context.Context, id string) error
	MarkAllSessionsInactive(ctx context.Context) (int64, error)
	DeleteInactiveSessionRecords(ctx context.Context, olderThan time.Time) (int64, error)

	// Collaboration
	CreateCollabRequest(ctx context.Context, req *CollabRequest) error
	ListCollabRequests(ctx context.Context, aiID int64, limit int) ([]*CollabRequest, error)

	// Close releases any resources held by the store
	Close() error
}
