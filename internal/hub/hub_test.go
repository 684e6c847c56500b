package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptiq/synapse-hub/internal/session"
	"github.com/synaptiq/synapse-hub/internal/store"
	"github.com/synaptiq/synapse-hub/internal/token"
)

type hubFixture struct {
	store     *store.SQLiteStore
	authority *token.Authority
	registry  *session.Registry
	hub       *Hub
	server    *httptest.Server
}

func setupHub(t *testing.T) *hubFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	authority, err := token.NewAuthority(st, token.Config{MasterSecret: []byte("test-secret")}, slog.Default())
	require.NoError(t, err)

	registry := session.NewRegistry(slog.Default())
	h := New(st, authority, registry, 30*time.Minute, slog.Default())

	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	return &hubFixture{store: st, authority: authority, registry: registry, hub: h, server: server}
}

func (f *hubFixture) createAgent(t *testing.T, id int64, name string) *store.TokenPair {
	t.Helper()
	err := f.store.CreateAgent(context.Background(), &store.Agent{
		ID: id, Name: name, Nickname: strings.ToLower(name), Project: "alpha", IsActive: true,
	})
	require.NoError(t, err)

	pair, err := f.authority.Issue(context.Background(), id)
	require.NoError(t, err)
	return pair
}

func (f *hubFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// dial connects with the token as a query parameter and consumes the
// welcome frame.
func (f *hubFixture) dial(t *testing.T, accessToken string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+accessToken, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := readFrame(t, conn)
	require.Equal(t, FrameWelcome, welcome.Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func TestHub_ConnectWithBearerHeader(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")

	header := http.Header{"Authorization": {"Bearer " + pair.Access}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readFrame(t, conn)
	assert.Equal(t, FrameWelcome, welcome.Type)
	assert.Equal(t, int64(10), welcome.AIID)

	var profile map[string]any
	require.NoError(t, json.Unmarshal(welcome.Payload, &profile))
	assert.Equal(t, "Ada", profile["name"])
	assert.Len(t, profile["session_id"], 7)
}

func TestHub_ConnectRejectsBadTokens(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")

	require.NoError(t, f.authority.Revoke(context.Background(), pair.Access))

	tests := []struct {
		name     string
		token    string
		wantCode string
	}{
		{name: "garbage token", token: "garbage", wantCode: CodeInvalidToken},
		{name: "missing token", token: "", wantCode: CodeInvalidToken},
		{name: "revoked token", token: pair.Access, wantCode: CodeRevokedToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := f.wsURL()
			if tt.token != "" {
				url += "?token=" + tt.token
			}
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			require.NoError(t, err)
			defer conn.Close()

			frame := readFrame(t, conn)
			assert.Equal(t, FrameError, frame.Type)
			assert.Equal(t, tt.wantCode, frame.Error)

			// The hub closes the channel after the error frame
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = conn.ReadMessage()
			assert.Error(t, err)
		})
	}
}

func TestHub_HeartbeatAck(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")
	conn := f.dial(t, pair.Access)

	writeFrame(t, conn, Frame{Type: FrameHeartbeat, AIID: 10, Timestamp: wireTime(time.Now())})

	ack := readFrame(t, conn)
	assert.Equal(t, FrameHeartbeatAck, ack.Type)
	assert.NotEmpty(t, ack.Timestamp)
}

func TestHub_MessagePersistedAndBroadcast(t *testing.T) {
	f := setupHub(t)
	adaPair := f.createAgent(t, 10, "Ada")
	beaPair := f.createAgent(t, 11, "Bea")

	ada := f.dial(t, adaPair.Access)
	bea := f.dial(t, beaPair.Access)

	writeFrame(t, ada, Frame{
		Type:          FrameMessage,
		Content:       json.RawMessage(`"found something odd in the data"`),
		Metadata:      map[string]any{"urgent": true},
		CorrelationID: "corr-1",
	})

	// Sender gets the ack with the stored id
	ack := readFrame(t, ada)
	require.Equal(t, FrameMessageAck, ack.Type)
	assert.Equal(t, "corr-1", ack.CorrelationID)
	assert.NotEmpty(t, ack.ID)

	// The other session gets the broadcast; the sender does not
	broadcast := readFrame(t, bea)
	require.Equal(t, FrameNewMessage, broadcast.Type)
	assert.Equal(t, ack.ID, broadcast.ID)
	assert.Equal(t, int64(10), broadcast.SenderID)
	assert.Equal(t, "Ada", broadcast.SenderName)
	assert.Equal(t, store.MessageTypeMessage, broadcast.MessageType)

	var content string
	require.NoError(t, json.Unmarshal(broadcast.Content, &content))
	assert.Equal(t, "found something odd in the data", content)

	// And the row is on disk
	msgs, err := f.store.ListMessages(context.Background(), store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "found something odd in the data", msgs[0].Content)
}

func TestHub_InsightForcesType(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")
	conn := f.dial(t, pair.Access)

	writeFrame(t, conn, Frame{Type: FrameInsight, Content: json.RawMessage(`"the cache is cold"`)})

	ack := readFrame(t, conn)
	require.Equal(t, FrameMessageAck, ack.Type)

	msgs, err := f.store.ListMessages(context.Background(), store.MessageFilter{Type: store.MessageTypeInsight})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestHub_RejectedMessageIsNotBroadcast(t *testing.T) {
	f := setupHub(t)
	adaPair := f.createAgent(t, 10, "Ada")
	beaPair := f.createAgent(t, 11, "Bea")

	ada := f.dial(t, adaPair.Access)
	bea := f.dial(t, beaPair.Access)

	// Empty content is rejected
	writeFrame(t, ada, Frame{Type: FrameMessage, CorrelationID: "corr-2"})

	errFrame := readFrame(t, ada)
	require.Equal(t, FrameError, errFrame.Type)
	assert.Equal(t, "corr-2", errFrame.CorrelationID)

	// Nothing arrives at the other session
	bea.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := bea.ReadMessage()
	assert.Error(t, err)
}

func TestHub_UnknownFrameType(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")
	conn := f.dial(t, pair.Access)

	writeFrame(t, conn, Frame{Type: "telepathy", CorrelationID: "corr-3"})

	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, CodeUnknownFrameType, frame.Error)
	assert.Equal(t, "corr-3", frame.CorrelationID)
}

func TestHub_WhoAmI(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")
	conn := f.dial(t, pair.Access)

	writeFrame(t, conn, Frame{Type: FrameRequest, RequestType: "who_am_i", CorrelationID: "req-1"})

	resp := readFrame(t, conn)
	require.Equal(t, FrameResponse, resp.Type)
	assert.Equal(t, "req-1", resp.CorrelationID)
	assert.Equal(t, "who_am_i", resp.RequestType)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload, &payload))
	assert.Equal(t, float64(10), payload["ai_id"])
	assert.Equal(t, "Ada", payload["name"])
	assert.Equal(t, string(session.StateActive), payload["state"])
}

func TestHub_ListOnlineAIs(t *testing.T) {
	f := setupHub(t)
	adaPair := f.createAgent(t, 10, "Ada")
	beaPair := f.createAgent(t, 11, "Bea")

	ada := f.dial(t, adaPair.Access)
	f.dial(t, beaPair.Access)

	writeFrame(t, ada, Frame{Type: FrameRequest, RequestType: "list_online_ais", CorrelationID: "req-2"})

	resp := readFrame(t, ada)
	require.Equal(t, FrameResponse, resp.Type)

	var online []session.Info
	require.NoError(t, json.Unmarshal(resp.Payload, &online))
	assert.Len(t, online, 2)
}

func TestHub_SleepRequest(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")
	conn := f.dial(t, pair.Access)

	payload, _ := json.Marshal(map[string]string{"reason": "long analysis", "duration": "5m"})
	writeFrame(t, conn, Frame{Type: FrameRequest, RequestType: "sleep", Payload: payload, CorrelationID: "req-3"})

	notif := readFrame(t, conn)
	require.Equal(t, FrameSleepNotification, notif.Type)
	assert.Equal(t, "long analysis", notif.Reason)

	sess, ok := f.registry.Get(10)
	require.True(t, ok)
	assert.Equal(t, session.StateSleeping, sess.State())

	// Any inbound frame wakes it up
	writeFrame(t, conn, Frame{Type: FrameHeartbeat, AIID: 10, Timestamp: wireTime(time.Now())})
	readFrame(t, conn)
	assert.Equal(t, session.StateActive, sess.State())
}

func TestHub_ReconnectSupersedes(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")

	first := f.dial(t, pair.Access)
	firstSess, ok := f.registry.Get(10)
	require.True(t, ok)

	second := f.dial(t, pair.Access)
	defer second.Close()

	// The first connection is closed with "superseded"
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, session.ReasonSuperseded, closeErr.Text)
	}

	// The registry holds exactly the replacement
	require.Eventually(t, func() bool {
		sess, ok := f.registry.Get(10)
		return ok && sess != firstSess
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.registry.Count())
}

func TestHub_ConversationSubscription(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")
	conn := f.dial(t, pair.Access)

	conv := &store.Conversation{Title: "planning"}
	require.NoError(t, f.store.CreateConversation(context.Background(), conv))

	writeFrame(t, conn, Frame{Type: FrameSubscribe, ConversationID: conv.ID})

	sess, ok := f.registry.Get(10)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return sess.SubscribedTo(conv.ID)
	}, time.Second, 10*time.Millisecond)

	writeFrame(t, conn, Frame{Type: FrameUnsubscribe, ConversationID: conv.ID})
	require.Eventually(t, func() bool {
		return !sess.SubscribedTo(conv.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestHub_DisconnectAuditsAndEndsRecord(t *testing.T) {
	f := setupHub(t)
	pair := f.createAgent(t, 10, "Ada")
	conn := f.dial(t, pair.Access)

	conn.Close()

	require.Eventually(t, func() bool {
		return f.registry.Count() == 0
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := f.store.ListAuthAudit(context.Background(), 10, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "disconnected", entries[0].Details)
	assert.True(t, entries[0].Success)
}

func TestFrame_NewMessageAlwaysCarriesMetadata(t *testing.T) {
	frame := Frame{Type: FrameNewMessage, ID: "m1"}
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	// The key is on the wire even when no metadata was stored
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	_, ok := wire["metadata"]
	assert.True(t, ok)
}
