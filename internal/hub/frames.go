// ABOUTME: Wire frame envelope and error codes for the streaming hub
// ABOUTME: Every frame is one flat JSON object with a mandatory type field

package hub

import (
	"encoding/json"
	"time"
)

// Frame types accepted from clients.
const (
	FrameHeartbeat            = "heartbeat"
	FrameMessage              = "message"
	FrameInsight              = "insight"
	FrameSubscribe            = "subscribe"
	FrameUnsubscribe          = "unsubscribe"
	FrameActivityConfirmation = "activity_confirmation"
	FrameRequest              = "request"
)

// Frame types sent to clients.
const (
	FrameWelcome              = "welcome"
	FrameHeartbeatAck         = "heartbeat_ack"
	FrameNewMessage           = "new_message"
	FrameMessageAck           = "message_ack"
	FrameActivityVerification = "activity_verification"
	FrameSleepNotification    = "sleep_notification"
	FrameResponse             = "response"
	FrameError                = "error"
)

// Stable error codes carried in error frames.
const (
	CodeInvalidToken     = "invalid_token"
	CodeExpiredToken     = "expired_token"
	CodeRevokedToken     = "revoked_token"
	CodeUnknownAgent     = "unknown_agent"
	CodeInvalidFrame     = "invalid_frame"
	CodeUnknownFrameType = "unknown_frame_type"
	CodeUnknownRequest   = "unknown_request"
	CodeStoreError       = "store_error"
)

// Frame is the envelope for every message on the stream. Fields are a
// union across frame types; unused ones are omitted on the wire.
type Frame struct {
	Type string `json:"type"`

	// heartbeat / activity_confirmation
	AIID      int64  `json:"ai_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// message / insight / new_message. Metadata has no omitempty:
	// new_message frames carry the key even when the stored map is empty.
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageType    string          `json:"message_type,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Metadata       map[string]any  `json:"metadata"`
	SenderID       int64           `json:"sender_id,omitempty"`
	SenderName     string          `json:"sender_name,omitempty"`
	CreatedAt      string          `json:"created_at,omitempty"`

	// activity_verification / sleep_notification
	Urgent bool   `json:"urgent,omitempty"`
	Reason string `json:"reason,omitempty"`

	// request / response / error
	CorrelationID string          `json:"correlation_id,omitempty"`
	RequestType   string          `json:"request_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// errorFrame builds an error frame with a stable code, preserving the
// correlation id of the frame being rejected.
func errorFrame(code, correlationID string) Frame {
	return Frame{
		Type:          FrameError,
		Error:         code,
		CorrelationID: correlationID,
	}
}

// responseFrame answers a request frame, echoing its correlation id.
func responseFrame(correlationID, requestType string, payload any) Frame {
	data, _ := json.Marshal(payload)
	return Frame{
		Type:          FrameResponse,
		CorrelationID: correlationID,
		RequestType:   requestType,
		Payload:       data,
	}
}

// wireTime formats timestamps the way frames carry them.
func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// frameContent extracts a content value for storage. A JSON string becomes
// the bare string; any other JSON value is stored in its serialized form.
func frameContent(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return raw
}
