package wanas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// REST DTOs
// ============================================================================

type participantDTO struct {
	UserID      ID     `json:"userId"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	Photo       string `json:"photo"`
	PhotoURL    string `json:"photoUrl"`
}

func (p participantDTO) model() Participant {
	photo := p.Photo
	if photo == "" {
		photo = p.PhotoURL
	}
	return Participant{
		UserID:      p.UserID,
		UserName:    p.UserName,
		DisplayName: p.DisplayName,
		Photo:       photo,
	}
}

type messageDTO struct {
	ID         ID      `json:"id"`
	ChatID     ID      `json:"chatId"`
	SenderID   ID      `json:"senderId"`
	SenderName string  `json:"senderName"`
	Content    string  `json:"content"`
	SentAt     string  `json:"sentAt"`
	IsRead     bool    `json:"isRead"`
	ReadAt     *string `json:"readAt"`
}

func (d messageDTO) model() (Message, error) {
	sentAt, err := parseTimestamp(d.SentAt)
	if err != nil {
		return Message{}, fmt.Errorf("message %s sentAt: %w", d.ID, err)
	}
	m := Message{
		ID:         d.ID,
		ChatID:     d.ChatID,
		SenderID:   d.SenderID,
		SenderName: d.SenderName,
		Content:    d.Content,
		SentAt:     sentAt,
		IsRead:     d.IsRead,
	}
	if d.ReadAt != nil && *d.ReadAt != "" {
		readAt, err := parseTimestamp(*d.ReadAt)
		if err != nil {
			return Message{}, fmt.Errorf("message %s readAt: %w", d.ID, err)
		}
		m.ReadAt = &readAt
	}
	return m, nil
}

type chatDTO struct {
	ID           ID               `json:"id"`
	Name         string           `json:"name"`
	Participants []participantDTO `json:"participants"`
	LastMessage  *messageDTO      `json:"lastMessage"`
	UnreadCount  int              `json:"unreadCount"`
	LastUpdated  string           `json:"lastUpdated"`
}

func (d chatDTO) model() (Chat, error) {
	c := Chat{
		ID:          d.ID,
		Name:        d.Name,
		UnreadCount: d.UnreadCount,
	}
	for _, p := range d.Participants {
		c.Participants = append(c.Participants, p.model())
	}
	if d.LastMessage != nil {
		m, err := d.LastMessage.model()
		if err != nil {
			return Chat{}, err
		}
		if m.ChatID == "" {
			m.ChatID = d.ID
		}
		c.LastMessage = &m
	}
	if d.LastUpdated != "" {
		t, err := parseTimestamp(d.LastUpdated)
		if err != nil {
			return Chat{}, fmt.Errorf("chat %s lastUpdated: %w", d.ID, err)
		}
		c.LastUpdated = t
	} else if c.LastMessage != nil {
		c.LastUpdated = c.LastMessage.SentAt
	}
	return c, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts RFC 3339 and zone-less ISO-8601 timestamps; the
// latter are taken as UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ============================================================================
// Response shape normalization
// ============================================================================

// listWrapperKeys are the envelope keys the backend has been seen to wrap
// arrays in. The first key present wins.
var listWrapperKeys = []string{"data", "items", "$values", "chats", "messages", "result"}

// decodeList resolves the bare-array vs wrapped-object union once, at the edge.
func decodeList[T any](data []byte) ([]T, error) {
	raw, err := unwrapList(bytes.TrimSpace(data))
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal list: %w", err)
	}
	return out, nil
}

func unwrapList(data []byte) (json.RawMessage, error) {
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return json.RawMessage("[]"), nil
	case data[0] == '[':
		return data, nil
	case data[0] != '{':
		return nil, fmt.Errorf("unexpected list payload: %.32s", data)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal list envelope: %w", err)
	}
	for _, k := range listWrapperKeys {
		inner, ok := obj[k]
		if !ok {
			continue
		}
		// Nested envelopes ({"data":{"$values":[...]}}) resolve recursively.
		return unwrapList(bytes.TrimSpace(inner))
	}
	return nil, fmt.Errorf("list envelope has none of %v", listWrapperKeys)
}

// decodeObject accepts a bare object or one wrapped in {"data": {...}}.
func decodeObject[T any](data []byte) (*T, error) {
	data = bytes.TrimSpace(data)
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 && env.Data[0] == '{' {
		data = env.Data
	}
	return decodeJSON[T](data)
}

// decodeCount accepts {"count":n}, {"unreadCount":n}, {"data":{...}} or a bare number.
func decodeCount(data []byte) (int, error) {
	data = bytes.TrimSpace(data)
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var obj struct {
		Count       *int            `json:"count"`
		UnreadCount *int            `json:"unreadCount"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, fmt.Errorf("failed to unmarshal unread count: %w", err)
	}
	switch {
	case obj.Count != nil:
		return *obj.Count, nil
	case obj.UnreadCount != nil:
		return *obj.UnreadCount, nil
	case len(obj.Data) > 0:
		return decodeCount(obj.Data)
	}
	return 0, fmt.Errorf("unread count missing in %.64s", data)
}

// ============================================================================
// Hub frames
// ============================================================================

const recordSeparator = 0x1e

const (
	frameInvocation = 1
	framePing       = 6
	frameClose      = 7
)

type frame struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

func encodeRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

func encodeInvocation(target string, args ...any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal %s argument: %w", target, err)
		}
		raw = append(raw, b)
	}
	return encodeRecord(frame{Type: frameInvocation, Target: target, Arguments: raw})
}

// splitRecords splits a websocket message into its 0x1E-terminated records.
func splitRecords(data []byte) [][]byte {
	var out [][]byte
	for _, rec := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(rec)) > 0 {
			out = append(out, rec)
		}
	}
	return out
}

// argument decodes positional argument i of f into v.
func (f *frame) argument(i int, v any) error {
	if i >= len(f.Arguments) {
		return fmt.Errorf("%w: %s missing argument %d", ErrMalformedPayload, f.Target, i)
	}
	if err := json.Unmarshal(f.Arguments[i], v); err != nil {
		return fmt.Errorf("%w: %s argument %d: %v", ErrMalformedPayload, f.Target, i, err)
	}
	return nil
}

// optionalArgument decodes argument i if present and non-null.
func (f *frame) optionalArgument(i int, v any) error {
	if i >= len(f.Arguments) || bytes.Equal(bytes.TrimSpace(f.Arguments[i]), []byte("null")) {
		return nil
	}
	return f.argument(i, v)
}
