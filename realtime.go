package wanas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Hub method names. They are part of the wire contract.
const (
	MethodJoinChatGroup  = "JoinChatGroup"
	MethodLeaveChatGroup = "LeaveChatGroup"
	MethodSendMessage    = "SendMessage"
	MethodStartTyping    = "StartTyping"
	MethodStopTyping     = "StopTyping"

	TargetConnected         = "Connected"
	TargetReceiveMessage    = "ReceiveMessage"
	TargetUserJoinedChat    = "UserJoinedChat"
	TargetUserLeftChat      = "UserLeftChat"
	TargetUserDisconnected  = "UserDisconnected"
	TargetUserTyping        = "UserTyping"
	TargetUserStoppedTyping = "UserStoppedTyping"
	TargetMessagesRead      = "MessagesRead"
	TargetUserStatusChanged = "UserStatusChanged"
)

// ============================================================================
// Configuration
// ============================================================================

// TokenSource returns the bearer token for a negotiation attempt. It is
// called on every attempt so a refreshed token is always used.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Backoff is the delay schedule between negotiation attempts. Attempt n
// waits Backoff[n]; attempts past the end repeat the final interval.
type Backoff []time.Duration

// DefaultBackoff retries immediately, then after 2s, 5s, 10s and every 30s.
var DefaultBackoff = Backoff{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	switch {
	case len(b) == 0:
		return 0
	case attempt < len(b):
		return b[attempt]
	}
	return b[len(b)-1]
}

// RealtimeConfig configures the ConnectionManager.
type RealtimeConfig struct {
	HubURL            string
	TokenSource       TokenSource
	Backoff           Backoff
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Metrics           *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.HubURL == "" {
		c.HubURL = DefaultHubURL
	}
	if c.TokenSource == nil {
		c.TokenSource = StaticToken("")
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	c.Logger = loggerOr(c.Logger)
}

// RetryEvent is emitted before a delayed negotiation attempt.
type RetryEvent struct {
	Attempt int
	Delay   time.Duration
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the push channel: negotiation, the state machine,
// automatic reconnection and event fan-out. One instance is meant to be
// shared by every component of a session.
//
// Event handlers run synchronously on the read goroutine in arrival order,
// so they should not block on network I/O.
type ConnectionManager struct {
	config RealtimeConfig
	log    *slog.Logger

	mu      sync.Mutex
	state   ConnectionState
	conn    *websocket.Conn
	running bool
	gen     uint64
	cancel  context.CancelFunc

	stateChanges Stream[ConnectionState]
	retries      Stream[RetryEvent]
	connected    Stream[string]
	messages     Stream[Message]
	joined       Stream[GroupEvent]
	left         Stream[GroupEvent]
	disconnected Stream[ID]
	typing       Stream[TypingEvent]
	readReceipts Stream[ReadReceiptEvent]
	presence     Stream[PresenceEvent]
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(config RealtimeConfig) *ConnectionManager {
	cfg := config
	cfg.defaults()
	cfg.Metrics.setState(StateDisconnected)
	return &ConnectionManager{
		config: cfg,
		log:    cfg.Logger.With("component", "connection"),
		state:  StateDisconnected,
	}
}

// OnStateChange registers a handler for connection state transitions.
func (c *ConnectionManager) OnStateChange(h func(ConnectionState)) (unsubscribe func()) {
	return c.stateChanges.Subscribe(h)
}

// OnRetry registers a handler called before each delayed negotiation attempt.
func (c *ConnectionManager) OnRetry(h func(RetryEvent)) (unsubscribe func()) {
	return c.retries.Subscribe(h)
}

// OnConnected registers a handler for the hub's Connected greeting.
func (c *ConnectionManager) OnConnected(h func(message string)) (unsubscribe func()) {
	return c.connected.Subscribe(h)
}

// OnMessageReceived registers a handler for ReceiveMessage.
func (c *ConnectionManager) OnMessageReceived(h func(Message)) (unsubscribe func()) {
	return c.messages.Subscribe(h)
}

// OnUserJoinedChat registers a handler for UserJoinedChat.
func (c *ConnectionManager) OnUserJoinedChat(h func(GroupEvent)) (unsubscribe func()) {
	return c.joined.Subscribe(h)
}

// OnUserLeftChat registers a handler for UserLeftChat.
func (c *ConnectionManager) OnUserLeftChat(h func(GroupEvent)) (unsubscribe func()) {
	return c.left.Subscribe(h)
}

// OnUserDisconnected registers a handler for UserDisconnected.
func (c *ConnectionManager) OnUserDisconnected(h func(userID ID)) (unsubscribe func()) {
	return c.disconnected.Subscribe(h)
}

// OnTyping registers a handler for typing and stopped-typing events.
func (c *ConnectionManager) OnTyping(h func(TypingEvent)) (unsubscribe func()) {
	return c.typing.Subscribe(h)
}

// OnReadReceipt registers a handler for MessagesRead.
func (c *ConnectionManager) OnReadReceipt(h func(ReadReceiptEvent)) (unsubscribe func()) {
	return c.readReceipts.Subscribe(h)
}

// OnPresenceChanged registers a handler for UserStatusChanged.
func (c *ConnectionManager) OnPresenceChanged(h func(PresenceEvent)) (unsubscribe func()) {
	return c.presence.Subscribe(h)
}

// State returns the current connection state.
func (c *ConnectionManager) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitForState blocks until the manager reaches want or ctx is done.
func (c *ConnectionManager) WaitForState(ctx context.Context, want ConnectionState) error {
	reached := make(chan struct{}, 1)
	unsubscribe := c.stateChanges.Subscribe(func(s ConnectionState) {
		if s == want {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if c.State() == want {
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins negotiating the push channel in the background. It is a
// no-op while a session is already running. Failures are retried on the
// backoff schedule until Stop; they are reported only through state changes.
func (c *ConnectionManager) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.gen++
	gen := c.gen
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(gen, StateConnecting)
	go c.run(runCtx, gen)
}

// Stop tears down the channel, cancels pending retries and moves to
// Disconnected. It is idempotent.
func (c *ConnectionManager) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.gen++
	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn = nil, nil
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if changed {
		c.config.Metrics.setState(StateDisconnected)
		c.log.Info("chat connection state", "state", StateDisconnected)
		c.stateChanges.emit(StateDisconnected)
	}
}

// Invoke calls a hub method. While not Connected the call is dropped with
// a warning and ErrNotConnected is returned; nothing is queued.
func (c *ConnectionManager) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		c.log.Warn("dropping hub invocation", "method", method, "state", state)
		c.config.Metrics.droppedInvocation(method)
		return ErrNotConnected
	}

	data, err := encodeInvocation(method, args...)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	c.log.Debug("hub invocation", "method", method)
	return nil
}

// JoinChatGroup subscribes this connection to a chat's events.
func (c *ConnectionManager) JoinChatGroup(ctx context.Context, chatID ID) error {
	return c.Invoke(ctx, MethodJoinChatGroup, chatID)
}

// LeaveChatGroup unsubscribes this connection from a chat's events.
func (c *ConnectionManager) LeaveChatGroup(ctx context.Context, chatID ID) error {
	return c.Invoke(ctx, MethodLeaveChatGroup, chatID)
}

// SendMessage sends through the hub. REST is the normal send path; this
// exists as a real-time fallback.
func (c *ConnectionManager) SendMessage(ctx context.Context, chatID, senderID ID, content string) error {
	return c.Invoke(ctx, MethodSendMessage, map[string]string{
		"chatId":   string(chatID),
		"senderId": string(senderID),
		"content":  content,
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

func (c *ConnectionManager) setState(gen uint64, s ConnectionState) bool {
	c.mu.Lock()
	if gen != c.gen || !c.running {
		c.mu.Unlock()
		return false
	}
	if c.state == s {
		c.mu.Unlock()
		return true
	}
	c.state = s
	c.mu.Unlock()

	c.config.Metrics.setState(s)
	c.log.Info("chat connection state", "state", s)
	c.stateChanges.emit(s)
	return true
}

func (c *ConnectionManager) run(ctx context.Context, gen uint64) {
	defer c.finish(gen)

	waiting := StateConnecting
	for {
		conn, pending, ok := c.negotiate(ctx, waiting)
		if !ok {
			return
		}
		if !c.attach(gen, conn) {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}

		err := c.serve(ctx, conn, pending)
		c.detach(gen, conn)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("push channel dropped", "err", err)
		c.config.Metrics.reconnect()

		waiting = StateReconnecting
		if !c.setState(gen, StateReconnecting) {
			return
		}
	}
}

// finish moves to Disconnected when the run loop exits without Stop, i.e.
// when the parent context was cancelled.
func (c *ConnectionManager) finish(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Stop()
}

func (c *ConnectionManager) negotiate(ctx context.Context, waiting ConnectionState) (*websocket.Conn, [][]byte, bool) {
	for attempt := 0; ; attempt++ {
		if delay := c.config.Backoff.Delay(attempt); delay > 0 {
			c.retries.emit(RetryEvent{Attempt: attempt, Delay: delay})
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, nil, false
			case <-t.C:
			}
		}

		conn, pending, err := c.dial(ctx)
		c.config.Metrics.attempt(err == nil)
		if err == nil {
			return conn, pending, true
		}
		if ctx.Err() != nil {
			return nil, nil, false
		}
		c.log.Warn("push channel negotiation failed", "attempt", attempt+1, "state", waiting, "err", err)
	}
}

// dial opens the websocket and performs the protocol handshake. Records
// that arrived in the same message as the handshake reply are returned so
// they are processed before anything else.
func (c *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, [][]byte, error) {
	token, err := c.config.TokenSource(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("access token: %w", err)
	}
	u, err := hubURL(c.config.HubURL, token)
	if err != nil {
		return nil, nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("websocket dial: %w", err)
	}

	// The read below uses ctx so the connection outlives this call; the
	// timer bounds the handshake instead.
	timer := time.AfterFunc(c.config.HandshakeTimeout, func() {
		conn.Close(websocket.StatusPolicyViolation, "handshake timeout")
	})
	defer timer.Stop()

	hs, err := encodeRecord(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, hs); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, nil, fmt.Errorf("write handshake: %w", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, nil, fmt.Errorf("read handshake: %w", err)
	}

	records := splitRecords(data)
	if len(records) == 0 {
		conn.Close(websocket.StatusProtocolError, "empty handshake")
		return nil, nil, errors.New("empty handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad handshake")
		return nil, nil, fmt.Errorf("decode handshake: %w", err)
	}
	if resp.Error != "" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil, fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return conn, records[1:], nil
}

func hubURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("hub url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// attach publishes conn and enters Connected. State handlers run before the
// read loop starts, so anything they invoke (group rejoin) precedes the
// first push processed on this connection.
func (c *ConnectionManager) attach(gen uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	if gen != c.gen || !c.running {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.mu.Unlock()
	return c.setState(gen, StateConnected)
}

func (c *ConnectionManager) detach(gen uint64, conn *websocket.Conn) {
	c.mu.Lock()
	if gen == c.gen && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close(websocket.StatusGoingAway, "reconnecting")
}

func (c *ConnectionManager) serve(ctx context.Context, conn *websocket.Conn, pending [][]byte) error {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(hbCtx, conn)

	for _, rec := range pending {
		if err := c.handleRecord(rec); err != nil {
			return err
		}
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		for _, rec := range splitRecords(data) {
			if err := c.handleRecord(rec); err != nil {
				return err
			}
		}
	}
}

func (c *ConnectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.config.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("heartbeat failed", "err", err)
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func (c *ConnectionManager) handleRecord(rec []byte) error {
	var f frame
	if err := json.Unmarshal(rec, &f); err != nil {
		c.dropMalformed("", fmt.Errorf("%w: %v", ErrMalformedPayload, err))
		return nil
	}
	switch f.Type {
	case frameInvocation:
		c.dispatch(&f)
	case framePing:
	case frameClose:
		return fmt.Errorf("hub closed connection: %s", f.Error)
	default:
		c.log.Debug("ignoring hub frame", "type", f.Type)
	}
	return nil
}

func (c *ConnectionManager) dispatch(f *frame) {
	c.config.Metrics.pushEvent(f.Target)

	var err error
	switch f.Target {
	case TargetConnected:
		var msg string
		if err = f.optionalArgument(0, &msg); err == nil {
			c.connected.emit(msg)
		}

	case TargetReceiveMessage:
		var dto messageDTO
		if err = f.argument(0, &dto); err != nil {
			break
		}
		var m Message
		if m, err = dto.model(); err != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			break
		}
		if m.ChatID == "" {
			err = fmt.Errorf("%w: message %s has no chatId", ErrMalformedPayload, m.ID)
			break
		}
		c.messages.emit(m)

	case TargetUserJoinedChat, TargetUserLeftChat:
		ev := GroupEvent{Joined: f.Target == TargetUserJoinedChat}
		if err = f.argument(0, &ev.ChatID); err != nil {
			break
		}
		if err = f.optionalArgument(1, &ev.ConnectionID); err != nil {
			break
		}
		if ev.Joined {
			c.joined.emit(ev)
		} else {
			c.left.emit(ev)
		}

	case TargetUserDisconnected:
		var userID ID
		if err = f.argument(0, &userID); err == nil {
			c.disconnected.emit(userID)
		}

	case TargetUserTyping, TargetUserStoppedTyping:
		ev := TypingEvent{IsTyping: f.Target == TargetUserTyping}
		if err = f.argument(0, &ev.ChatID); err != nil {
			break
		}
		if err = f.argument(1, &ev.UserID); err != nil {
			break
		}
		if err = f.optionalArgument(2, &ev.DisplayName); err != nil {
			break
		}
		c.typing.emit(ev)

	case TargetMessagesRead:
		var ev ReadReceiptEvent
		var readAt string
		if err = f.argument(0, &ev.ChatID); err != nil {
			break
		}
		if err = f.argument(1, &ev.UserID); err != nil {
			break
		}
		if err = f.optionalArgument(2, &readAt); err != nil {
			break
		}
		ev.ReadAt = time.Now().UTC()
		if readAt != "" {
			if ev.ReadAt, err = parseTimestamp(readAt); err != nil {
				err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
				break
			}
		}
		c.readReceipts.emit(ev)

	case TargetUserStatusChanged:
		var ev PresenceEvent
		if err = f.argument(0, &ev); err != nil {
			break
		}
		if ev.UserID == "" {
			err = fmt.Errorf("%w: presence without userId", ErrMalformedPayload)
			break
		}
		c.presence.emit(ev)

	default:
		c.log.Debug("ignoring hub target", "target", f.Target)
	}

	if err != nil {
		c.dropMalformed(f.Target, err)
	}
}

func (c *ConnectionManager) dropMalformed(target string, err error) {
	c.config.Metrics.malformed()
	c.log.Warn("dropping malformed push payload", "target", target, "err", err)
}
