// ABOUTME: In-memory registry of live agent sessions, one per agent
// ABOUTME: Registering over an existing session supersedes and closes the old one

package session

import (
	"log/slog"
	"sync"
	"time"
)

// ReasonSuperseded is the close reason sent to a connection displaced by a
// newer one for the same agent.
const ReasonSuperseded = "superseded"

// Info is a point-in-time view of one session for listings.
type Info struct {
	AIID         int64     `json:"ai_id"`
	Name         string    `json:"name"`
	Nickname     string    `json:"nickname,omitempty"`
	Project      string    `json:"project,omitempty"`
	Identifier   string    `json:"session_id"`
	State        State     `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Registry tracks the live session for each agent. At most one session per
// agent exists at a time; a new registration supersedes the old connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	logger   *slog.Logger

	// OnEvict, when set, is called after a session is removed for any
	// reason other than supersession. Used by the hub for audit rows.
	OnEvict func(sess *Session, reason string)
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[int64]*Session),
		logger:   logger.With("component", "registry"),
	}
}

// Register installs a session as the live one for its agent and starts its
// writer. An existing session for the same agent is closed with
// ReasonSuperseded. Returns true when a previous session was displaced.
func (r *Registry) Register(sess *Session) bool {
	r.mu.Lock()
	old := r.sessions[sess.AIID]
	r.sessions[sess.AIID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	superseded := old != nil
	if superseded {
		old.close(ReasonSuperseded)
	}

	go r.writeLoop(sess)

	r.logger.Info("session registered",
		"ai_id", sess.AIID,
		"name", sess.Name,
		"session_id", sess.Identifier,
		"superseded", superseded,
		"total_sessions", count,
	)
	return superseded
}

// writeLoop drains the session's send queue into its sink, preserving
// enqueue order. A failed write evicts the session.
func (r *Registry) writeLoop(sess *Session) {
	for {
		select {
		case <-sess.done:
			return
		case v := <-sess.send:
			if err := sess.sink.Send(v); err != nil {
				r.logger.Warn("send failed, evicting session",
					"ai_id", sess.AIID,
					"session_id", sess.Identifier,
					"error", err,
				)
				r.Evict(sess, "send failed")
				return
			}
		}
	}
}

// Get returns the live session for an agent.
func (r *Registry) Get(aiID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[aiID]
	return sess, ok
}

// Evict removes and closes a session. The registry entry is removed only if
// this exact session is still the live one, so evicting a superseded
// connection never tears down its replacement.
func (r *Registry) Evict(sess *Session, reason string) {
	r.mu.Lock()
	current, ok := r.sessions[sess.AIID]
	removed := ok && current == sess
	if removed {
		delete(r.sessions, sess.AIID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	sess.close(reason)

	if removed {
		r.logger.Info("session evicted",
			"ai_id", sess.AIID,
			"session_id", sess.Identifier,
			"reason", reason,
			"total_sessions", count,
		)
		if r.OnEvict != nil {
			r.OnEvict(sess, reason)
		}
	}
}

// TouchFrame records stream activity for an agent's live session.
func (r *Registry) TouchFrame(aiID int64, at time.Time) {
	if sess, ok := r.Get(aiID); ok {
		sess.TouchFrame(at)
	}
}

// TouchStore records store-channel activity for an agent's live session.
// Called from HTTP write paths so API activity counts toward liveness.
func (r *Registry) TouchStore(aiID int64, at time.Time) {
	if sess, ok := r.Get(aiID); ok {
		sess.TouchStore(at)
	}
}

// All returns the live sessions in no particular order.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Snapshot returns listing views of every live session.
func (r *Registry) Snapshot() []Info {
	sessions := r.All()
	out := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, Info{
			AIID:         sess.AIID,
			Name:         sess.Name,
			Nickname:     sess.Nickname,
			Project:      sess.Project,
			Identifier:   sess.Identifier,
			State:        sess.State(),
			ConnectedAt:  sess.ConnectedAt,
			LastActivity: sess.LastActivity(),
		})
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
