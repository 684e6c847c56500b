// ABOUTME: Hub client with login, reconnect backoff, heartbeats, and challenges
// ABOUTME: Brain state is checkpointed to the hub and to a local shadow file

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synaptiq/synapse-hub/internal/hub"
	"github.com/synaptiq/synapse-hub/internal/store"
)

// ErrAuthFailed is returned when login or refresh is rejected by the hub.
var ErrAuthFailed = errors.New("authentication failed")

// Client maintains an authenticated streaming session with the hub,
// reconnecting with jittered backoff when the connection drops.
type Client struct {
	cfg    *Config
	logger *slog.Logger
	http   *http.Client
	brain  *BrainFile
	rng    *rand.Rand

	// OnMessage, when set, receives every new_message frame.
	OnMessage func(frame hub.Frame)

	mu        sync.Mutex
	access    string
	refresh   string
	sessionID string
	sleeping  bool
	state     *store.BrainState
}

// NewClient creates a hub client from an agent config.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "agent", "ai_id", cfg.Agent.AIID),
		http:   &http.Client{Timeout: 15 * time.Second},
		brain:  NewBrainFile(cfg.State.BrainPath),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Login exchanges the configured ai_id for a token pair.
func (c *Client) Login(ctx context.Context) error {
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	err := c.postJSON(ctx, "/api/auth/login", "", map[string]any{"ai_id": c.cfg.Agent.AIID}, &resp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	c.mu.Lock()
	c.access = resp.AccessToken
	c.refresh = resp.RefreshToken
	c.mu.Unlock()

	c.logger.Info("logged in")
	return nil
}

// refreshAccess trades the refresh token for a new access token, falling
// back to a full login when the refresh token itself is rejected.
func (c *Client) refreshAccess(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refresh
	c.mu.Unlock()

	if refresh == "" {
		return c.Login(ctx)
	}

	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	err := c.postJSON(ctx, "/api/auth/refresh", "", map[string]any{"refresh_token": refresh}, &resp)
	if err != nil {
		c.logger.Warn("refresh rejected, logging in again", "error", err)
		return c.Login(ctx)
	}

	c.mu.Lock()
	c.access = resp.AccessToken
	c.refresh = resp.RefreshToken
	c.mu.Unlock()
	return nil
}

// Run connects and stays connected until the context is cancelled. Each
// drop triggers a reconnect after a jittered exponential delay; a
// successful session resets the attempt counter.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Login(ctx); err != nil {
		return err
	}

	attempts := 0
	for {
		connected, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempts = 0
		}

		if errors.Is(err, ErrAuthFailed) {
			if err := c.refreshAccess(ctx); err != nil {
				c.logger.Error("re-authentication failed", "error", err)
			}
		}

		delay := reconnectDelay(attempts, c.cfg.Hub.ReconnectBase, c.cfg.Hub.ReconnectMax, c.rng)
		attempts++
		c.logger.Info("reconnecting", "attempt", attempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runSession runs one connection from dial to disconnect. The connected
// return reports whether the welcome handshake completed; that counts as
// success even if the stream later drops.
func (c *Client) runSession(ctx context.Context) (connected bool, err error) {
	c.mu.Lock()
	access := c.access
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.Hub.StreamURL+"?token="+access, nil)
	if err != nil {
		return false, fmt.Errorf("dialing hub: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeFrame := func(frame hub.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(frame)
	}

	// First frame decides the session's fate.
	first, err := readHubFrame(conn, 10*time.Second)
	if err != nil {
		return false, fmt.Errorf("reading handshake: %w", err)
	}
	switch first.Type {
	case hub.FrameWelcome:
		// continue below
	case hub.FrameError:
		switch first.Error {
		case hub.CodeExpiredToken, hub.CodeInvalidToken, hub.CodeRevokedToken:
			return false, fmt.Errorf("%w: %s", ErrAuthFailed, first.Error)
		}
		return false, fmt.Errorf("hub rejected connection: %s", first.Error)
	default:
		return false, fmt.Errorf("unexpected handshake frame %q", first.Type)
	}

	var profile struct {
		SessionID string `json:"session_id"`
	}
	json.Unmarshal(first.Payload, &profile)

	c.mu.Lock()
	c.sessionID = profile.SessionID
	c.sleeping = false
	c.mu.Unlock()

	c.logger.Info("connected", "session_id", profile.SessionID)

	// Reconnects checkpoint immediately so the hub always has a state
	// carrying the live session identifier.
	c.checkpointOnConnect(ctx)

	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeatLoop(writeFrame, stop)

	go func() {
		select {
		case <-ctx.Done():
			writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			writeMu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	for {
		frame, err := readHubFrame(conn, 0)
		if err != nil {
			c.flushState(context.Background())
			return true, fmt.Errorf("stream closed: %w", err)
		}
		c.handleFrame(frame, writeFrame)
	}
}

// handleFrame processes one inbound frame. Activity challenges are
// answered before anything else happens.
func (c *Client) handleFrame(frame hub.Frame, writeFrame func(hub.Frame) error) {
	switch frame.Type {
	case hub.FrameActivityVerification:
		content, _ := json.Marshal("alive")
		if err := writeFrame(hub.Frame{
			Type:      hub.FrameActivityConfirmation,
			AIID:      c.cfg.Agent.AIID,
			Content:   content,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}); err != nil {
			c.logger.Warn("failed to answer challenge", "error", err)
		}

	case hub.FrameSleepNotification:
		c.mu.Lock()
		c.sleeping = true
		c.mu.Unlock()
		c.logger.Info("marked sleeping by hub", "reason", frame.Reason)

	case hub.FrameNewMessage:
		if c.OnMessage != nil {
			c.OnMessage(frame)
		}

	case hub.FrameHeartbeatAck:
		// expected, nothing to do

	case hub.FrameError:
		c.logger.Warn("hub rejected a frame", "code", frame.Error, "correlation_id", frame.CorrelationID)

	default:
		c.logger.Debug("unhandled frame", "frame_type", frame.Type)
	}
}

func (c *Client) heartbeatLoop(writeFrame func(hub.Frame) error, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Hub.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := writeFrame(hub.Frame{
				Type:      hub.FrameHeartbeat,
				AIID:      c.cfg.Agent.AIID,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				return
			}
		}
	}
}

// SaveBrainState checkpoints to the hub and the local file. The local copy
// is written even when the hub is unreachable.
func (c *Client) SaveBrainState(ctx context.Context, state *store.BrainState) error {
	state.AIID = c.cfg.Agent.AIID
	if state.LastActivity.IsZero() {
		state.LastActivity = time.Now().UTC()
	}
	c.mu.Lock()
	state.SessionIdentifier = c.sessionID
	c.state = state
	access := c.access
	c.mu.Unlock()

	localErr := c.brain.Save(state)
	remoteErr := c.postJSON(ctx, "/api/brain-state", access, state, nil)

	if remoteErr != nil {
		c.logger.Warn("brain state not saved to hub", "error", remoteErr)
	}
	if localErr != nil {
		return fmt.Errorf("saving local brain state: %w", localErr)
	}
	return remoteErr
}

// LoadBrainState returns the freshest checkpoint across the hub and the
// local files. Returns nil when no checkpoint exists anywhere.
func (c *Client) LoadBrainState(ctx context.Context) *store.BrainState {
	c.mu.Lock()
	access := c.access
	c.mu.Unlock()

	var remote *store.BrainState
	var fetched store.BrainState
	if err := c.getJSON(ctx, "/api/brain-state", access, &fetched); err == nil {
		remote = &fetched
	}
	return c.brain.Newest(remote)
}

// checkpointOnConnect re-saves the current state so the stored checkpoint
// picks up the new session identifier.
func (c *Client) checkpointOnConnect(ctx context.Context) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == nil {
		state = c.LoadBrainState(ctx)
	}
	if state == nil {
		state = &store.BrainState{AIID: c.cfg.Agent.AIID}
	}
	state.LastActivity = time.Now().UTC()

	if err := c.SaveBrainState(ctx, state); err != nil {
		c.logger.Warn("reconnect checkpoint failed", "error", err)
	}
}

// flushState writes the last known state locally during teardown.
func (c *Client) flushState(ctx context.Context) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == nil {
		return
	}
	state.LastActivity = time.Now().UTC()
	if err := c.SaveBrainState(ctx, state); err != nil {
		c.logger.Warn("final brain state flush failed", "error", err)
	}
}

// Sleeping reports whether the hub marked this client sleeping.
func (c *Client) Sleeping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeping
}

func readHubFrame(conn *websocket.Conn, timeout time.Duration) (hub.Frame, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	var frame hub.Frame
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, fmt.Errorf("decoding frame: %w", err)
	}
	return frame, nil
}

func (c *Client) postJSON(ctx context.Context, path, bearer string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Hub.APIURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Hub.APIURL+path, nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
