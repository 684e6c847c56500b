package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptiq/synapse-hub/internal/hub"
	"github.com/synaptiq/synapse-hub/internal/permission"
	"github.com/synaptiq/synapse-hub/internal/session"
	"github.com/synaptiq/synapse-hub/internal/store"
	"github.com/synaptiq/synapse-hub/internal/token"
)

type apiFixture struct {
	store     *store.SQLiteStore
	authority *token.Authority
	registry  *session.Registry
	server    *httptest.Server
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	authority, err := token.NewAuthority(st, token.Config{MasterSecret: []byte("test-secret")}, slog.Default())
	require.NoError(t, err)

	registry := session.NewRegistry(slog.Default())
	perms := permission.NewService(st, slog.Default())

	a := New(st, authority, perms, registry, slog.Default())
	server := httptest.NewServer(a.Routes())
	t.Cleanup(server.Close)

	return &apiFixture{store: st, authority: authority, registry: registry, server: server}
}

// request performs a JSON request and decodes the response body into out
// (when non-nil). Set bearer to authenticate.
func (f *apiFixture) request(t *testing.T, method, path, bearer string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// registerAndLogin registers an agent and returns a live token pair.
func (f *apiFixture) registerAndLogin(t *testing.T, id int64, name string) tokenPairResponse {
	t.Helper()

	status := f.request(t, http.MethodPost, "/api/agents", "", map[string]any{
		"ai_id": id, "name": name, "project": "alpha",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var pair tokenPairResponse
	status = f.request(t, http.MethodPost, "/api/auth/login", "", map[string]any{"ai_id": id}, &pair)
	require.Equal(t, http.StatusOK, status)
	return pair
}

func TestAPI_RegisterAgent(t *testing.T) {
	f := setupAPI(t)

	var created store.Agent
	status := f.request(t, http.MethodPost, "/api/agents", "", map[string]any{
		"ai_id": 10, "name": "Ada", "expertise": "analysis",
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int64(10), created.ID)
	assert.True(t, created.IsActive)

	// Duplicate registration conflicts
	status = f.request(t, http.MethodPost, "/api/agents", "", map[string]any{
		"ai_id": 10, "name": "Other",
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Missing fields are rejected
	status = f.request(t, http.MethodPost, "/api/agents", "", map[string]any{"name": "NoID"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_LoginRefreshVerify(t *testing.T) {
	f := setupAPI(t)
	pair := f.registerAndLogin(t, 10, "Ada")
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	// Verify the access token
	var verified map[string]any
	status := f.request(t, http.MethodPost, "/api/auth/verify", "", map[string]any{"token": pair.AccessToken}, &verified)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, verified["valid"])
	assert.Equal(t, float64(10), verified["ai_id"])

	// Refresh yields a usable access token
	var refreshed tokenPairResponse
	status = f.request(t, http.MethodPost, "/api/auth/refresh", "", map[string]any{"refresh_token": pair.RefreshToken}, &refreshed)
	require.Equal(t, http.StatusOK, status)

	status = f.request(t, http.MethodGet, "/api/agents/10", refreshed.AccessToken, nil, nil)
	assert.Equal(t, http.StatusOK, status)

	// Login for an unknown agent fails
	status = f.request(t, http.MethodPost, "/api/auth/login", "", map[string]any{"ai_id": 999}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_VerifyRejectsGarbage(t *testing.T) {
	f := setupAPI(t)

	var verified map[string]any
	status := f.request(t, http.MethodPost, "/api/auth/verify", "", map[string]any{"token": "garbage"}, &verified)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, verified["valid"])
}

func TestAPI_AuthRequired(t *testing.T) {
	f := setupAPI(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/agents"},
		{http.MethodGet, "/api/sessions"},
		{http.MethodGet, "/api/messages/inbox"},
		{http.MethodGet, "/api/brain-state"},
		{http.MethodPost, "/api/messages/send"},
	}
	for _, tt := range tests {
		status := f.request(t, tt.method, tt.path, "", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, status, "%s %s", tt.method, tt.path)
	}
}

func TestAPI_LogoutRevokes(t *testing.T) {
	f := setupAPI(t)
	pair := f.registerAndLogin(t, 10, "Ada")

	status := f.request(t, http.MethodPost, "/api/auth/logout", pair.AccessToken, nil, nil)
	require.Equal(t, http.StatusOK, status)

	// The token no longer works
	status = f.request(t, http.MethodGet, "/api/agents", pair.AccessToken, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_LogoutAll(t *testing.T) {
	f := setupAPI(t)
	first := f.registerAndLogin(t, 10, "Ada")

	var second tokenPairResponse
	status := f.request(t, http.MethodPost, "/api/auth/login", "", map[string]any{"ai_id": 10}, &second)
	require.Equal(t, http.StatusOK, status)

	var result map[string]any
	status = f.request(t, http.MethodPost, "/api/auth/logout", second.AccessToken, map[string]any{"all": true}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), result["revoked"])

	for _, tok := range []string{first.AccessToken, second.AccessToken} {
		status = f.request(t, http.MethodGet, "/api/agents", tok, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	}
}

func TestAPI_SendMessage(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")
	f.registerAndLogin(t, 11, "Bea")

	var msg store.Message
	status := f.request(t, http.MethodPost, "/api/messages/send", ada.AccessToken, map[string]any{
		"target_id": 11,
		"content":   "direct note",
		"metadata":  map[string]any{"k": "v"},
	}, &msg)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int64(10), msg.SenderID)
	assert.Equal(t, "direct note", msg.Content)

	// Structured content is stored as canonical JSON text
	status = f.request(t, http.MethodPost, "/api/messages/send", ada.AccessToken, map[string]any{
		"content": map[string]any{"finding": "anomaly"},
	}, &msg)
	require.Equal(t, http.StatusCreated, status)
	assert.JSONEq(t, `{"finding":"anomaly"}`, msg.Content)

	// Empty content is a validation error
	status = f.request(t, http.MethodPost, "/api/messages/send", ada.AccessToken, map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_InboxAndSent(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")
	bea := f.registerAndLogin(t, 11, "Bea")

	status := f.request(t, http.MethodPost, "/api/messages/send", ada.AccessToken, map[string]any{
		"target_id": 11, "content": "for bea",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var inbox struct {
		Messages []store.Message `json:"messages"`
	}
	status = f.request(t, http.MethodGet, "/api/messages/inbox", bea.AccessToken, nil, &inbox)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, "for bea", inbox.Messages[0].Content)

	var sent struct {
		Messages []store.Message `json:"messages"`
	}
	status = f.request(t, http.MethodGet, "/api/messages/sent", ada.AccessToken, nil, &sent)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, sent.Messages, 1)
}

func TestAPI_WriteTouchesLiveSession(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")

	// Simulate a live streaming session for the same agent
	sess := session.New(10, "Ada", "ada", "alpha", nopSink{})
	f.registry.Register(sess)
	before := sess.LastActivity()

	time.Sleep(5 * time.Millisecond)
	status := f.request(t, http.MethodPost, "/api/messages/send", ada.AccessToken, map[string]any{
		"content": "still here",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	assert.True(t, sess.LastActivity().After(before),
		"API write should count as store-channel liveness")
}

type nopSink struct{}

func (nopSink) Send(any) error     { return nil }
func (nopSink) Close(string) error { return nil }

func TestAPI_BrainState(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")

	// Nothing saved yet
	status := f.request(t, http.MethodGet, "/api/brain-state", ada.AccessToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	var saved store.BrainState
	status = f.request(t, http.MethodPost, "/api/brain-state", ada.AccessToken, map[string]any{
		"ai_id":        999, // ignored: the bearer is the principal
		"current_task": "reviewing",
		"cycle_count":  4,
		"checkpoint_data": map[string]any{
			"open_files": []string{"a.go"},
		},
	}, &saved)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(10), saved.AIID)
	assert.Equal(t, "reviewing", saved.CurrentTask)
	assert.Equal(t, int64(4), saved.CycleCount)

	var loaded store.BrainState
	status = f.request(t, http.MethodGet, "/api/brain-state", ada.AccessToken, nil, &loaded)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "reviewing", loaded.CurrentTask)
}

func TestAPI_Collab(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")
	bea := f.registerAndLogin(t, 11, "Bea")

	var created store.CollabRequest
	status := f.request(t, http.MethodPost, "/api/collab", ada.AccessToken, map[string]any{
		"target_id": 11, "title": "pair on the parser", "type": "pairing",
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", created.Status)

	var listed struct {
		Requests []store.CollabRequest `json:"requests"`
	}
	status = f.request(t, http.MethodGet, "/api/collab", bea.AccessToken, nil, &listed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listed.Requests, 1)
	assert.Equal(t, int64(10), listed.Requests[0].RequesterID)
}

func TestAPI_AgentsCRUD(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")
	f.registerAndLogin(t, 11, "Bea")

	var listed struct {
		Agents []store.Agent `json:"agents"`
	}
	status := f.request(t, http.MethodGet, "/api/agents", ada.AccessToken, nil, &listed)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, listed.Agents, 2)

	var updated store.Agent
	status = f.request(t, http.MethodPut, "/api/agents/10", ada.AccessToken, map[string]any{
		"expertise": "distributed systems",
	}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "distributed systems", updated.Expertise)

	// Touching another agent's profile needs an admin grant on its project.
	status = f.request(t, http.MethodDelete, "/api/agents/11", ada.AccessToken, nil, nil)
	require.Equal(t, http.StatusForbidden, status)

	require.NoError(t, f.store.GrantPermission(context.Background(), &store.Permission{
		AIID: 10, Project: "alpha", Role: store.RoleAdmin, GrantedBy: 10,
	}))
	status = f.request(t, http.MethodDelete, "/api/agents/11", ada.AccessToken, nil, nil)
	require.Equal(t, http.StatusOK, status)

	var bea store.Agent
	status = f.request(t, http.MethodGet, "/api/agents/11", ada.AccessToken, nil, &bea)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, bea.IsActive)

	status = f.request(t, http.MethodGet, "/api/agents/999", ada.AccessToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_Sessions(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")

	f.registry.Register(session.New(10, "Ada", "ada", "alpha", nopSink{}))

	var listed struct {
		Sessions []session.Info `json:"sessions"`
	}
	status := f.request(t, http.MethodGet, "/api/sessions", ada.AccessToken, nil, &listed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, int64(10), listed.Sessions[0].AIID)
}

func TestAPI_Health(t *testing.T) {
	f := setupAPI(t)

	status := f.request(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	var ready map[string]any
	status = f.request(t, http.MethodGet, "/health/ready", "", nil, &ready)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", ready["status"])
}

func TestAPI_LoginAudited(t *testing.T) {
	f := setupAPI(t)
	f.registerAndLogin(t, 10, "Ada")

	entries, err := f.store.ListAuthAudit(context.Background(), 10, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "login", entries[0].Details)
	assert.True(t, entries[0].Success)
}

func TestAPI_ListMessagesFilter(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")

	for i := 0; i < 3; i++ {
		status := f.request(t, http.MethodPost, "/api/messages/send", ada.AccessToken, map[string]any{
			"content": fmt.Sprintf("note %d", i),
		}, nil)
		require.Equal(t, http.StatusCreated, status)
	}

	var listed struct {
		Messages []store.Message `json:"messages"`
	}
	status := f.request(t, http.MethodGet, "/api/messages?limit=2", ada.AccessToken, nil, &listed)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, listed.Messages, 2)

	status = f.request(t, http.MethodGet, "/api/messages?search=note+2", ada.AccessToken, nil, &listed)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, listed.Messages, 1)
}

func TestAPI_SessionRecords(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")

	var rec store.SessionRecord
	status := f.request(t, http.MethodPost, "/api/sessions", ada.AccessToken, map[string]any{
		"session_type": "script",
		"project":      "alpha",
		"metadata":     map[string]any{"purpose": "backfill"},
	}, &rec)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(10), rec.AIID)
	assert.True(t, rec.IsActive)

	var fetched store.SessionRecord
	status = f.request(t, http.MethodGet, "/api/sessions/"+rec.ID, ada.AccessToken, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "script", fetched.SessionType)
	assert.Equal(t, "backfill", fetched.Metadata["purpose"])

	status = f.request(t, http.MethodDelete, "/api/sessions/"+rec.ID, ada.AccessToken, nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = f.request(t, http.MethodGet, "/api/sessions/"+rec.ID, ada.AccessToken, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, fetched.IsActive)

	status = f.request(t, http.MethodGet, "/api/sessions/nope", ada.AccessToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// recordSink captures enqueued frames for assertions.
type recordSink struct {
	frames chan any
}

func (s *recordSink) Send(v any) error   { s.frames <- v; return nil }
func (s *recordSink) Close(string) error { return nil }

func TestAPI_SendPushesToOnlineTarget(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")
	f.registerAndLogin(t, 11, "Bea")

	sink := &recordSink{frames: make(chan any, 8)}
	f.registry.Register(session.New(11, "Bea", "bea", "alpha", sink))

	var msg store.Message
	status := f.request(t, http.MethodPost, "/api/messages/send", ada.AccessToken, map[string]any{
		"target_id": 11, "content": "ping", "message_type": "message",
	}, &msg)
	require.Equal(t, http.StatusCreated, status)

	select {
	case v := <-sink.frames:
		frame, ok := v.(hub.Frame)
		require.True(t, ok, "expected a hub frame, got %T", v)
		assert.Equal(t, hub.FrameNewMessage, frame.Type)
		assert.Equal(t, msg.ID, frame.ID)
		assert.Equal(t, int64(10), frame.SenderID)
		assert.Equal(t, "Ada", frame.SenderName)
	case <-time.After(time.Second):
		t.Fatal("target session never received the push")
	}
}

func TestAPI_Conversations(t *testing.T) {
	f := setupAPI(t)
	ada := f.registerAndLogin(t, 10, "Ada")

	var conv store.Conversation
	status := f.request(t, http.MethodPost, "/api/conversations", ada.AccessToken, map[string]any{
		"title": "parser design", "category": "engineering",
	}, &conv)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, conv.ID)
	assert.Equal(t, store.ConversationActive, conv.Status)

	var fetched store.Conversation
	status = f.request(t, http.MethodGet, "/api/conversations/"+conv.ID, ada.AccessToken, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "parser design", fetched.Title)

	var listed struct {
		Conversations []store.Conversation `json:"conversations"`
	}
	status = f.request(t, http.MethodGet, "/api/conversations?status=active", ada.AccessToken, nil, &listed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listed.Conversations, 1)

	status = f.request(t, http.MethodPost, "/api/conversations", ada.AccessToken, map[string]any{
		"category": "untitled",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_RegistrationGrantsProjectRole(t *testing.T) {
	f := setupAPI(t)
	f.registerAndLogin(t, 10, "Ada")

	perm, err := f.store.GetPermission(context.Background(), 10, "alpha")
	require.NoError(t, err)
	assert.Equal(t, store.RoleMember, perm.Role)
}
