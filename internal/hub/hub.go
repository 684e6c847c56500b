// ABOUTME: Streaming hub accepting authenticated websocket sessions
// ABOUTME: Dispatches inbound frames, fans out broadcasts, owns eviction audit

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synaptiq/synapse-hub/internal/session"
	"github.com/synaptiq/synapse-hub/internal/store"
	"github.com/synaptiq/synapse-hub/internal/token"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub accepts streaming connections, authenticates them against the token
// authority, and keeps the session registry current.
type Hub struct {
	store     store.Store
	authority *token.Authority
	registry  *session.Registry
	maxSleep  time.Duration
	logger    *slog.Logger
}

// New creates a hub. The registry's eviction hook is claimed by the hub to
// write audit rows and flush session records.
func New(st store.Store, authority *token.Authority, registry *session.Registry, maxSleep time.Duration, logger *slog.Logger) *Hub {
	h := &Hub{
		store:     st,
		authority: authority,
		registry:  registry,
		maxSleep:  maxSleep,
		logger:    logger.With("component", "hub"),
	}
	registry.OnEvict = h.recordEviction
	return h
}

// Registry exposes the session registry for the API layer's presence
// touches and listings.
func (h *Hub) Registry() *session.Registry {
	return h.registry
}

// ServeHTTP upgrades the connection, authenticates it, and runs the
// session's read loop until disconnect or eviction.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sink := newWSSink(conn)

	identity, code := h.authenticate(r)
	if code != "" {
		// Reject over the upgraded channel so the client learns why.
		sink.Send(errorFrame(code, ""))
		sink.Close(code)
		return
	}

	agent, err := h.store.GetAgent(r.Context(), identity.AIID)
	if err != nil {
		sink.Send(errorFrame(CodeUnknownAgent, ""))
		sink.Close(CodeUnknownAgent)
		return
	}

	sess := session.New(agent.ID, agent.Name, agent.Nickname, agent.Project, sink)
	h.registry.Register(sess)

	record := &store.SessionRecord{
		AIID:        agent.ID,
		Identifier:  sess.Identifier,
		SessionType: "stream",
		Project:     agent.Project,
		ConnectedAt: sess.ConnectedAt,
	}
	if err := h.store.CreateSessionRecord(context.Background(), record); err != nil {
		h.logger.Warn("failed to persist session record", "ai_id", agent.ID, "error", err)
	}

	h.sendWelcome(sess, agent)
	h.readLoop(sess, conn, record.ID)
}

// authenticate extracts and verifies the access token from the Bearer
// header or the token query parameter. Returns a stable error code on
// failure.
func (h *Hub) authenticate(r *http.Request) (*token.Identity, string) {
	tokenString := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		tokenString = strings.TrimPrefix(auth, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		tokenString = q
	}
	if tokenString == "" {
		return nil, CodeInvalidToken
	}

	identity, err := h.authority.Verify(r.Context(), tokenString)
	if err != nil {
		return nil, authErrorCode(err)
	}
	return identity, ""
}

func authErrorCode(err error) string {
	switch {
	case errors.Is(err, token.ErrExpiredToken):
		return CodeExpiredToken
	case errors.Is(err, token.ErrRevokedToken):
		return CodeRevokedToken
	case errors.Is(err, token.ErrUnknownAgent):
		return CodeUnknownAgent
	default:
		return CodeInvalidToken
	}
}

func (h *Hub) sendWelcome(sess *session.Session, agent *store.Agent) {
	payload, _ := json.Marshal(map[string]any{
		"ai_id":      agent.ID,
		"name":       agent.Name,
		"nickname":   agent.Nickname,
		"expertise":  agent.Expertise,
		"version":    agent.Version,
		"project":    agent.Project,
		"session_id": sess.Identifier,
	})
	h.send(sess, Frame{Type: FrameWelcome, AIID: agent.ID, Payload: payload})
}

// readLoop consumes frames until the connection dies. Every inbound frame
// counts as liveness and wakes a sleeping session.
func (h *Hub) readLoop(sess *session.Session, conn *websocket.Conn, recordID string) {
	defer func() {
		h.registry.Evict(sess, "disconnected")
		if recordID != "" {
			if err := h.store.EndSessionRecord(context.Background(), recordID); err != nil {
				h.logger.Debug("failed to end session record", "error", err)
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "ai_id", sess.AIID, "session_id", sess.Identifier, "error", err)
			}
			return
		}

		now := time.Now().UTC()
		sess.Wake()
		sess.TouchFrame(now)
		if recordID != "" {
			if err := h.store.TouchSessionRecord(context.Background(), recordID, now); err != nil {
				h.logger.Debug("failed to touch session record", "error", err)
			}
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.send(sess, errorFrame(CodeInvalidFrame, ""))
			continue
		}

		h.dispatch(sess, frame)
	}
}

// dispatch routes one inbound frame. Errors are answered on the stream and
// never tear the session down.
func (h *Hub) dispatch(sess *session.Session, frame Frame) {
	ctx := context.Background()

	switch frame.Type {
	case FrameHeartbeat:
		h.send(sess, Frame{Type: FrameHeartbeatAck, Timestamp: wireTime(time.Now())})

	case FrameMessage:
		h.handleMessage(ctx, sess, frame, frame.MessageType)

	case FrameInsight:
		h.handleMessage(ctx, sess, frame, store.MessageTypeInsight)

	case FrameSubscribe:
		if frame.ConversationID == "" {
			h.send(sess, errorFrame(CodeInvalidFrame, frame.CorrelationID))
			return
		}
		sess.Subscribe(frame.ConversationID)

	case FrameUnsubscribe:
		if frame.ConversationID == "" {
			h.send(sess, errorFrame(CodeInvalidFrame, frame.CorrelationID))
			return
		}
		sess.Unsubscribe(frame.ConversationID)

	case FrameActivityConfirmation:
		// TouchFrame in the read loop already cleared the challenge.
		h.logger.Debug("activity confirmed", "ai_id", sess.AIID, "session_id", sess.Identifier)

	case FrameRequest:
		h.handleRequest(sess, frame)

	default:
		h.logger.Debug("unknown frame type", "ai_id", sess.AIID, "frame_type", frame.Type)
		h.send(sess, errorFrame(CodeUnknownFrameType, frame.CorrelationID))
	}
}

// handleMessage persists a message or insight, acks the sender, and fans
// the stored row out to every other session.
func (h *Hub) handleMessage(ctx context.Context, sess *session.Session, frame Frame, messageType string) {
	msg, err := h.store.InsertMessage(ctx, store.InsertMessageParams{
		SenderID:       sess.AIID,
		ConversationID: frame.ConversationID,
		Type:           messageType,
		Content:        frameContent(frame.Content),
		Metadata:       frame.Metadata,
		Project:        sess.Project,
	})
	if err != nil {
		h.logger.Warn("message rejected",
			"ai_id", sess.AIID,
			"session_id", sess.Identifier,
			"frame_type", frame.Type,
			"correlation_id", frame.CorrelationID,
			"error", err,
		)
		code := CodeStoreError
		if errors.Is(err, store.ErrUnknownSender) {
			code = CodeUnknownAgent
		} else if !isStoreFailure(err) {
			code = CodeInvalidFrame
		}
		h.send(sess, errorFrame(code, frame.CorrelationID))
		return
	}

	h.send(sess, Frame{
		Type:          FrameMessageAck,
		ID:            msg.ID,
		CreatedAt:     wireTime(msg.CreatedAt),
		CorrelationID: frame.CorrelationID,
	})

	h.broadcast(sess, msg)
}

// isStoreFailure distinguishes infrastructure failures from validation
// rejections coming out of InsertMessage.
func isStoreFailure(err error) bool {
	return strings.Contains(err.Error(), "inserting message")
}

// broadcast fans a stored message out to every session except the sender.
// Delivery is best-effort per recipient: a failed enqueue evicts that one
// session and nobody else. Per-receiver ordering holds because each
// sender's frames are broadcast from its own read loop, and each
// receiver's writes are serialized by its session writer.
func (h *Hub) broadcast(from *session.Session, msg *store.Message) {
	content, _ := json.Marshal(msg.Content)
	frame := Frame{
		Type:           FrameNewMessage,
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		SenderName:     from.Name,
		MessageType:    msg.Type,
		Content:        content,
		Metadata:       msg.Metadata,
		ConversationID: msg.ConversationID,
		CreatedAt:      wireTime(msg.CreatedAt),
	}

	for _, recipient := range h.registry.All() {
		if recipient.AIID == from.AIID {
			continue
		}
		if err := recipient.Enqueue(frame); err != nil {
			h.registry.Evict(recipient, "broadcast failed")
		}
	}
}

// handleRequest answers an out-of-band RPC on the same stream.
func (h *Hub) handleRequest(sess *session.Session, frame Frame) {
	switch frame.RequestType {
	case "who_am_i":
		h.send(sess, responseFrame(frame.CorrelationID, frame.RequestType, map[string]any{
			"ai_id":      sess.AIID,
			"name":       sess.Name,
			"nickname":   sess.Nickname,
			"project":    sess.Project,
			"session_id": sess.Identifier,
			"state":      sess.State(),
		}))

	case "list_online_ais":
		h.send(sess, responseFrame(frame.CorrelationID, frame.RequestType, h.registry.Snapshot()))

	case "sleep":
		var params struct {
			Reason   string `json:"reason"`
			Duration string `json:"duration"`
		}
		if len(frame.Payload) > 0 {
			json.Unmarshal(frame.Payload, &params)
		}
		d := h.maxSleep
		if params.Duration != "" {
			if parsed, err := time.ParseDuration(params.Duration); err == nil && parsed > 0 && parsed < d {
				d = parsed
			}
		}
		sess.Sleep(time.Now().UTC(), d)
		h.send(sess, Frame{Type: FrameSleepNotification, Reason: params.Reason, CorrelationID: frame.CorrelationID})
		h.logger.Info("session sleeping", "ai_id", sess.AIID, "session_id", sess.Identifier, "reason", params.Reason, "duration", d)

	default:
		h.send(sess, errorFrame(CodeUnknownRequest, frame.CorrelationID))
	}
}

// send enqueues a frame for one session, evicting it on backpressure.
func (h *Hub) send(sess *session.Session, frame Frame) {
	if err := sess.Enqueue(frame); err != nil {
		h.registry.Evict(sess, "send failed")
	}
}

// recordEviction writes the audit row for a session removed from the
// registry. Plain disconnects are recorded as successes; idle evictions
// and send failures are not.
func (h *Hub) recordEviction(sess *session.Session, reason string) {
	success := reason == "disconnected"
	details := reason
	if !success {
		details = fmt.Sprintf("evicted:%s", reason)
	}

	err := h.store.RecordAuth(context.Background(), &store.AuthAudit{
		AIID:    sess.AIID,
		AIName:  sess.Name,
		Project: sess.Project,
		Success: success,
		Details: details,
	})
	if err != nil {
		h.logger.Warn("failed to record eviction", "ai_id", sess.AIID, "error", err)
	}
}
