// ABOUTME: Agent, session, message, collaboration, and brain-state endpoints
// ABOUTME: The bearer's ai_id is the acting principal for every write

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/synaptiq/synapse-hub/internal/hub"
	"github.com/synaptiq/synapse-hub/internal/store"
)

func (a *API) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AIID      int64  `json:"ai_id"`
		Name      string `json:"name"`
		Nickname  string `json:"nickname"`
		Expertise string `json:"expertise"`
		Version   string `json:"version"`
		Project   string `json:"project"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AIID == 0 || req.Name == "" {
		a.writeError(w, http.StatusBadRequest, "ai_id and name are required")
		return
	}

	agent := &store.Agent{
		ID:        req.AIID,
		Name:      req.Name,
		Nickname:  req.Nickname,
		Expertise: req.Expertise,
		Version:   req.Version,
		Project:   req.Project,
		IsActive:  true,
	}
	if err := a.store.CreateAgent(r.Context(), agent); err != nil {
		a.writeStoreError(w, err)
		return
	}

	// A project named at registration comes with a member grant, so the
	// agent can act on it without a separate admin step.
	if agent.Project != "" {
		if err := a.permissions.Grant(r.Context(), agent.ID, agent.Project, store.RoleMember, agent.ID); err != nil {
			a.logger.Warn("failed to grant registration role", "ai_id", agent.ID, "project", agent.Project, "error", err)
		}
	}

	a.writeJSON(w, http.StatusCreated, agent)
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	agents, err := a.store.ListAgents(r.Context(), limit, offset)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	agent, err := a.store.GetAgent(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	agent, err := a.store.GetAgent(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	// Agents manage their own profile; touching someone else's requires
	// an admin grant on that agent's project.
	if identity, ok := identityFrom(r.Context()); ok && identity.AIID != id {
		if err := a.permissions.Require(r.Context(), identity.AIID, agent.Project, store.RoleAdmin); err != nil {
			a.writeStoreError(w, err)
			return
		}
	}

	var req struct {
		Nickname  *string `json:"nickname"`
		Expertise *string `json:"expertise"`
		Version   *string `json:"version"`
		Project   *string `json:"project"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Nickname != nil {
		agent.Nickname = *req.Nickname
	}
	if req.Expertise != nil {
		agent.Expertise = *req.Expertise
	}
	if req.Version != nil {
		agent.Version = *req.Version
	}
	if req.Project != nil {
		agent.Project = *req.Project
	}

	if err := a.store.UpdateAgent(r.Context(), agent); err != nil {
		a.writeStoreError(w, err)
		return
	}

	if identity, ok := identityFrom(r.Context()); ok {
		a.touchStore(identity.AIID)
	}
	a.writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	agent, err := a.store.GetAgent(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if identity, ok := identityFrom(r.Context()); ok && identity.AIID != id {
		if err := a.permissions.Require(r.Context(), identity.AIID, agent.Project, store.RoleAdmin); err != nil {
			a.writeStoreError(w, err)
			return
		}
	}

	if err := a.store.DeactivateAgent(r.Context(), id); err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"deactivated": id})
}

func (a *API) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"sessions": a.registry.Snapshot()})
}

// handleCreateSession records an API-side session. Stream sessions get
// their rows from the hub; this path serves agents working offline.
func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var req struct {
		SessionType string         `json:"session_type"`
		Project     string         `json:"project"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionType == "" {
		req.SessionType = "api"
	}

	rec := &store.SessionRecord{
		AIID:        identity.AIID,
		SessionType: req.SessionType,
		Project:     req.Project,
		Metadata:    req.Metadata,
	}
	if err := a.store.CreateSessionRecord(r.Context(), rec); err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.touchStore(identity.AIID)
	a.writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetSessionRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	if err := a.store.EndSessionRecord(r.Context(), r.PathValue("id")); err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.touchStore(identity.AIID)
	a.writeJSON(w, http.StatusOK, map[string]any{"ended": true})
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		a.writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req struct {
		TargetID       int64           `json:"target_id"`
		ConversationID string          `json:"conversation_id"`
		MessageType    string          `json:"message_type"`
		Content        json.RawMessage `json:"content"`
		Metadata       map[string]any  `json:"metadata"`
		Project        string          `json:"project"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var content any
	if len(req.Content) > 0 {
		var s string
		if err := json.Unmarshal(req.Content, &s); err == nil {
			content = s
		} else {
			content = req.Content
		}
	}

	msg, err := a.store.InsertMessage(r.Context(), store.InsertMessageParams{
		SenderID:       identity.AIID,
		TargetID:       req.TargetID,
		ConversationID: req.ConversationID,
		Type:           req.MessageType,
		Content:        content,
		Metadata:       req.Metadata,
		Project:        req.Project,
	})
	if err != nil {
		if isValidationError(err) {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.writeStoreError(w, err)
		return
	}

	a.touchStore(identity.AIID)
	a.pushToTarget(identity.Name, req.TargetID, msg)
	a.writeJSON(w, http.StatusCreated, msg)
}

// pushToTarget delivers a stored message to the target's live stream, if
// any. Best-effort: a failed enqueue evicts that session, and an offline
// target is simply not pushed to — the row is already persisted.
func (a *API) pushToTarget(senderName string, targetID int64, msg *store.Message) {
	if targetID == 0 {
		return
	}
	recipient, ok := a.registry.Get(targetID)
	if !ok {
		return
	}

	content, _ := json.Marshal(msg.Content)
	frame := hub.Frame{
		Type:           hub.FrameNewMessage,
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		SenderName:     senderName,
		MessageType:    msg.Type,
		Content:        content,
		Metadata:       msg.Metadata,
		ConversationID: msg.ConversationID,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := recipient.Enqueue(frame); err != nil {
		a.registry.Evict(recipient, "push failed")
	}
}

// isValidationError picks out InsertMessage's own rejections, which carry
// no sentinel.
func isValidationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "content") || strings.Contains(msg, "unknown message type")
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := store.MessageFilter{
		Type:   r.URL.Query().Get("message_type"),
		Search: r.URL.Query().Get("search"),
		Limit:  limit,
		Offset: offset,
	}
	if s := r.URL.Query().Get("sender_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid sender_id")
			return
		}
		filter.SenderID = &id
	}
	if s := r.URL.Query().Get("since"); s != "" {
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &at
	}
	if s := r.URL.Query().Get("until"); s != "" {
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		filter.Until = &at
	}

	msgs, err := a.store.ListMessages(r.Context(), filter)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (a *API) handleInbox(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())
	limit, _ := pagination(r)

	msgs, err := a.store.Inbox(r.Context(), identity.AIID, limit)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (a *API) handleSent(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())
	limit, _ := pagination(r)

	msgs, err := a.store.Sent(r.Context(), identity.AIID, limit)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (a *API) handleCreateCollab(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var req struct {
		TargetID    int64  `json:"target_id"`
		Type        string `json:"type"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetID == 0 || req.Title == "" {
		a.writeError(w, http.StatusBadRequest, "target_id and title are required")
		return
	}

	collab := &store.CollabRequest{
		RequesterID: identity.AIID,
		TargetID:    req.TargetID,
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
	}
	if err := a.store.CreateCollabRequest(r.Context(), collab); err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.touchStore(identity.AIID)
	a.writeJSON(w, http.StatusCreated, collab)
}

func (a *API) handleListCollab(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())
	limit, _ := pagination(r)

	requests, err := a.store.ListCollabRequests(r.Context(), identity.AIID, limit)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var req struct {
		Title          string `json:"title"`
		Category       string `json:"category"`
		ProjectContext string `json:"project_context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		a.writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	conv := &store.Conversation{
		Title:          req.Title,
		Category:       req.Category,
		ProjectContext: req.ProjectContext,
	}
	if err := a.store.CreateConversation(r.Context(), conv); err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.touchStore(identity.AIID)
	a.writeJSON(w, http.StatusCreated, conv)
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	convs, err := a.store.ListConversations(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, conv)
}

func (a *API) handleGetBrainState(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	state, err := a.store.LoadBrainState(r.Context(), identity.AIID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, state)
}

func (a *API) handleSaveBrainState(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var state store.BrainState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The bearer's identity wins over whatever the body claims.
	state.AIID = identity.AIID
	if state.LastActivity.IsZero() {
		state.LastActivity = time.Now().UTC()
	}

	if err := a.store.UpsertBrainState(r.Context(), &state); err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.touchStore(identity.AIID)

	saved, err := a.store.LoadBrainState(r.Context(), identity.AIID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, saved)
}

// pathID parses the {id} path segment, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, `{"error":"invalid agent id"}`, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
