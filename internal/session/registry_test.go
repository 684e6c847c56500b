package session

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records sent frames and close reasons for assertions.
type fakeSink struct {
	mu      sync.Mutex
	sent    []any
	closed  bool
	reason  string
	sendErr error
}

func (f *fakeSink) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSink) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.reason = reason
	}
	return nil
}

func (f *fakeSink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSink) closeReason() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

func newTestSession(aiID int64, sink Sink) *Session {
	return New(aiID, "Ada", "ada", "alpha", sink)
}

func TestNewIdentifier(t *testing.T) {
	now := time.Now()
	id := NewIdentifier(10, "alpha", now)
	assert.Len(t, id, 7)

	// Same inputs still differ thanks to entropy
	assert.NotEqual(t, id, NewIdentifier(10, "alpha", now))
}

func TestRegistry_RegisterSupersedes(t *testing.T) {
	reg := NewRegistry(slog.Default())

	oldSink := &fakeSink{}
	oldSess := newTestSession(10, oldSink)
	assert.False(t, reg.Register(oldSess))

	newSink := &fakeSink{}
	newSess := newTestSession(10, newSink)
	assert.True(t, reg.Register(newSess))

	closed, reason := oldSink.closeReason()
	assert.True(t, closed)
	assert.Equal(t, ReasonSuperseded, reason)

	// The replacement is the live session
	live, ok := reg.Get(10)
	require.True(t, ok)
	assert.Same(t, newSess, live)
	assert.Equal(t, 1, reg.Count())

	// Evicting the superseded session must not remove the replacement
	reg.Evict(oldSess, "late cleanup")
	_, ok = reg.Get(10)
	assert.True(t, ok)
}

func TestRegistry_WriteLoopPreservesOrder(t *testing.T) {
	reg := NewRegistry(slog.Default())
	sink := &fakeSink{}
	sess := newTestSession(10, sink)
	reg.Register(sess)

	for i := 0; i < 10; i++ {
		require.NoError(t, sess.Enqueue(i))
	}

	require.Eventually(t, func() bool {
		return sink.sentCount() == 10
	}, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, v := range sink.sent {
		assert.Equal(t, i, v)
	}
}

func TestRegistry_SendFailureEvicts(t *testing.T) {
	reg := NewRegistry(slog.Default())

	var evictedReason string
	evicted := make(chan struct{})
	reg.OnEvict = func(sess *Session, reason string) {
		evictedReason = reason
		close(evicted)
	}

	sink := &fakeSink{sendErr: errors.New("broken pipe")}
	sess := newTestSession(10, sink)
	reg.Register(sess)

	require.NoError(t, sess.Enqueue("frame"))

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("session was not evicted")
	}

	assert.Equal(t, "send failed", evictedReason)
	assert.Equal(t, 0, reg.Count())
	assert.ErrorIs(t, sess.Enqueue("late"), ErrSessionClosed)
}

func TestSession_DualChannelActivity(t *testing.T) {
	sess := newTestSession(10, &fakeSink{})
	base := sess.LastActivity()

	frameAt := base.Add(time.Minute)
	sess.TouchFrame(frameAt)
	assert.Equal(t, frameAt, sess.LastActivity())

	// Store activity further ahead wins
	storeAt := base.Add(2 * time.Minute)
	sess.TouchStore(storeAt)
	assert.Equal(t, storeAt, sess.LastActivity())

	// Stale touches never move time backward
	sess.TouchFrame(base.Add(-time.Hour))
	assert.Equal(t, storeAt, sess.LastActivity())
}

func TestSession_ChallengeLifecycle(t *testing.T) {
	sess := newTestSession(10, &fakeSink{})
	now := time.Now().UTC()

	require.True(t, sess.Challenge(now))
	assert.Equal(t, StateChallenged, sess.State())

	// A second challenge while one is open is refused
	assert.False(t, sess.Challenge(now.Add(time.Second)))

	at, open := sess.ChallengedAt()
	require.True(t, open)
	assert.Equal(t, now, at)

	// Frame activity answers the challenge
	sess.TouchFrame(now.Add(time.Second))
	assert.Equal(t, StateActive, sess.State())
	_, open = sess.ChallengedAt()
	assert.False(t, open)

	// Store activity answers it too: either channel proves liveness
	require.True(t, sess.Challenge(now.Add(2*time.Second)))
	sess.TouchStore(now.Add(3 * time.Second))
	assert.Equal(t, StateActive, sess.State())
	_, open = sess.ChallengedAt()
	assert.False(t, open)

	// And a cleared challenge can be reissued on the next idle cycle
	assert.True(t, sess.Challenge(now.Add(4*time.Second)))
}

func TestSession_SleepLifecycle(t *testing.T) {
	sess := newTestSession(10, &fakeSink{})
	now := time.Now().UTC()

	sess.Sleep(now, 10*time.Minute)
	assert.Equal(t, StateSleeping, sess.State())

	deadline, ok := sess.SleepDeadline()
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Minute), deadline)

	// Sleeping sessions cannot be challenged
	assert.False(t, sess.Challenge(now))

	sess.Wake()
	assert.Equal(t, StateActive, sess.State())
	_, ok = sess.SleepDeadline()
	assert.False(t, ok)
}

func TestSession_Subscriptions(t *testing.T) {
	sess := newTestSession(10, &fakeSink{})

	assert.False(t, sess.SubscribedTo("conv-1"))
	sess.Subscribe("conv-1")
	assert.True(t, sess.SubscribedTo("conv-1"))
	sess.Unsubscribe("conv-1")
	assert.False(t, sess.SubscribedTo("conv-1"))
}

func TestRegistry_Snapshot(t *testing.T) {
	reg := NewRegistry(slog.Default())
	reg.Register(newTestSession(10, &fakeSink{}))
	reg.Register(newTestSession(11, &fakeSink{}))

	infos := reg.Snapshot()
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, StateActive, info.State)
		assert.Len(t, info.Identifier, 7)
		assert.False(t, info.ConnectedAt.IsZero())
	}
}
