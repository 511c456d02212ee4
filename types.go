package wanas

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by Invoke when the push channel is not connected.
	// The invocation is dropped, never queued.
	ErrNotConnected = errors.New("push channel not connected")
	// ErrNoActiveChat is returned by operations that need an open chat.
	ErrNoActiveChat = errors.New("no active chat")
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrMalformedPayload marks push payloads that could not be decoded.
	ErrMalformedPayload = errors.New("malformed push payload")
)

// APIError represents a non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// RequestError wraps a transport-level REST failure.
type RequestError struct {
	Method string
	Path   string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// SendError is returned when a send fails. Content holds the text so the
// caller can put it back into the input for resubmission.
type SendError struct {
	ChatID  ID
	Content string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to chat %s failed: %v", e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ============================================================================
// Identifiers
// ============================================================================

// ID is a server identifier. The backend emits ids either as JSON strings or
// as numbers; both decode into the same ID.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

func normalizeID(id ID) string {
	return strings.ToLower(strings.TrimSpace(string(id)))
}

// sameID is the single id comparison used for every self-filter.
func sameID(a, b ID) bool {
	return normalizeID(a) == normalizeID(b)
}

// compareIDs is a total order over ids: integers first, in numeric order,
// then every other id lexicographically. Empty ids (pending messages) sort
// last.
func compareIDs(a, b ID) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	ai, aerr := strconv.ParseInt(string(a), 10, 64)
	bi, berr := strconv.ParseInt(string(b), 10, 64)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return strings.Compare(string(a), string(b))
}

// ============================================================================
// Chat model
// ============================================================================

// Participant is a chat member. Online is a projection filled from the
// PresenceTracker; it is not part of the REST payload.
type Participant struct {
	UserID      ID     `json:"userId"`
	UserName    string `json:"userName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Photo       string `json:"photo,omitempty"`
	Online      bool   `json:"-"`
}

// Chat is a conversation summary as listed by the server.
type Chat struct {
	ID           ID            `json:"id"`
	Name         string        `json:"name,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	LastUpdated  time.Time     `json:"lastUpdated"`
}

// Participant returns the member with the given user id.
func (c *Chat) Participant(userID ID) (Participant, bool) {
	for _, p := range c.Participants {
		if sameID(p.UserID, userID) {
			return p, true
		}
	}
	return Participant{}, false
}

func (c Chat) clone() Chat {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		m := *c.LastMessage
		out.LastMessage = &m
	}
	return out
}

// Message is a chat message. A message without ID is pending: it was sent
// locally and the server has not confirmed it yet.
type Message struct {
	ID         ID         `json:"id,omitempty"`
	ClientID   string     `json:"-"`
	ChatID     ID         `json:"chatId"`
	SenderID   ID         `json:"senderId"`
	SenderName string     `json:"senderName,omitempty"`
	Content    string     `json:"content"`
	SentAt     time.Time  `json:"sentAt"`
	IsRead     bool       `json:"isRead"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
}

// Pending reports whether the message is still awaiting server confirmation.
func (m Message) Pending() bool { return m.ID == "" }

// messageLess is the canonical per-chat order: sentAt, then id.
func messageLess(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return compareIDs(a.ID, b.ID) < 0
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState represents the push channel state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// Push event payloads
// ============================================================================

// GroupEvent is emitted for UserJoinedChat / UserLeftChat.
type GroupEvent struct {
	ChatID       ID
	ConnectionID string
	Joined       bool
}

// TypingEvent is a typing or stopped-typing notification for a chat.
type TypingEvent struct {
	ChatID      ID
	UserID      ID
	DisplayName string
	IsTyping    bool
}

// ReadReceiptEvent reports that UserID has read ChatID up to ReadAt.
type ReadReceiptEvent struct {
	ChatID ID
	UserID ID
	ReadAt time.Time
}

// PresenceEvent reports a user's online status.
type PresenceEvent struct {
	UserID   ID   `json:"userId"`
	IsOnline bool `json:"isOnline"`
}
