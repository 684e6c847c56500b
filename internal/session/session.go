// ABOUTME: Live session state for one connected agent
// ABOUTME: Outbound frames are serialized through a single writer goroutine

package session

import (
	"errors"
	"sync"
	"time"
)

// Session liveness states.
type State string

const (
	// StateActive is a session with recent activity on either channel.
	StateActive State = "active"
	// StateChallenged is a session that was sent an activity challenge and
	// has not yet answered.
	StateChallenged State = "challenged"
	// StateSleeping is a session that declared itself dormant. Sleeping
	// sessions are exempt from idle eviction until the sleep cap.
	StateSleeping State = "sleeping"
)

// ErrSessionClosed is returned by Enqueue after a session is closed.
var ErrSessionClosed = errors.New("session closed")

// sendBufferSize is the outbound frame buffer per session.
const sendBufferSize = 64

// Sink is the transport half of a session. The hub's websocket connection
// is the only production implementation.
type Sink interface {
	// Send writes one frame. Sends are serialized by the session writer.
	Send(v any) error
	// Close tears down the transport, telling the peer why.
	Close(reason string) error
}

// Session is one live agent connection and its presence bookkeeping.
// All mutable fields are guarded; a Session is safe for concurrent use.
type Session struct {
	Identifier  string
	AIID        int64
	Name        string
	Nickname    string
	Project     string
	ConnectedAt time.Time

	sink Sink
	send chan any
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	state         State
	challengedAt  time.Time
	sleepSince    time.Time
	sleepFor      time.Duration
	lastFrame     time.Time
	lastStore     time.Time
	subscriptions map[string]struct{}
}

// New creates a session for a connected agent. The caller registers it with
// a Registry, which starts the writer.
func New(aiID int64, name, nickname, project string, sink Sink) *Session {
	now := time.Now().UTC()
	return &Session{
		Identifier:    NewIdentifier(aiID, project, now),
		AIID:          aiID,
		Name:          name,
		Nickname:      nickname,
		Project:       project,
		ConnectedAt:   now,
		sink:          sink,
		send:          make(chan any, sendBufferSize),
		done:          make(chan struct{}),
		state:         StateActive,
		lastFrame:     now,
		lastStore:     now,
		subscriptions: make(map[string]struct{}),
	}
}

// Enqueue queues a frame for delivery. Frames to one session are delivered
// in enqueue order. Returns ErrSessionClosed once the session is torn down;
// a full buffer also counts as closed-worthy backpressure and surfaces as
// an error so the caller can evict.
func (s *Session) Enqueue(v any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- v:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return errors.New("send buffer full")
	}
}

// close stops the writer and closes the sink. Safe to call more than once.
func (s *Session) close(reason string) {
	s.once.Do(func() {
		close(s.done)
		s.sink.Close(reason)
	})
}

// TouchFrame records activity on the stream channel.
func (s *Session) TouchFrame(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastFrame) {
		s.lastFrame = at
	}
	if s.state == StateChallenged {
		s.state = StateActive
		s.challengedAt = time.Time{}
	}
}

// TouchStore records activity on the store channel (HTTP writes, brain
// checkpoints). Either channel proves the agent is alive, so store
// activity answers an open challenge the same way a frame does.
func (s *Session) TouchStore(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastStore) {
		s.lastStore = at
	}
	if s.state == StateChallenged {
		s.state = StateActive
		s.challengedAt = time.Time{}
	}
}

// LastActivity is the newer of the two activity channels.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFrame.After(s.lastStore) {
		return s.lastFrame
	}
	return s.lastStore
}

// State returns the current liveness state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Challenge marks the session as challenged if it is currently active.
// Returns false when the session is sleeping or already challenged.
func (s *Session) Challenge(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.state = StateChallenged
	s.challengedAt = at
	return true
}

// ChallengedAt returns when the open challenge was issued, if any.
func (s *Session) ChallengedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateChallenged {
		return time.Time{}, false
	}
	return s.challengedAt, true
}

// Sleep declares the session dormant for up to d. Sleeping clears any open
// challenge.
func (s *Session) Sleep(at time.Time, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateSleeping
	s.sleepSince = at
	s.sleepFor = d
	s.challengedAt = time.Time{}
}

// Wake returns a sleeping session to active.
func (s *Session) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSleeping {
		s.state = StateActive
		s.sleepSince = time.Time{}
		s.sleepFor = 0
	}
}

// SleepDeadline returns the instant the declared sleep runs out.
// The second return is false when the session is not sleeping.
func (s *Session) SleepDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSleeping {
		return time.Time{}, false
	}
	return s.sleepSince.Add(s.sleepFor), true
}

// Subscribe adds a conversation subscription.
func (s *Session) Subscribe(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[conversationID] = struct{}{}
}

// Unsubscribe removes a conversation subscription.
func (s *Session) Unsubscribe(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, conversationID)
}

// SubscribedTo reports whether the session follows a conversation.
func (s *Session) SubscribedTo(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[conversationID]
	return ok
}
