package wanas

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testToken = "test-token"
	testSelf  = ID("u1")
	waitFor   = 2 * time.Second
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id ID, chatID ID, sender ID, content string, at time.Time) Message {
	return Message{ID: id, ChatID: chatID, SenderID: sender, Content: content, SentAt: at}
}

func ids(msgs []Message) []ID {
	out := make([]ID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

// ----------------------------------------------------------------------------
// Log recorder
// ----------------------------------------------------------------------------

// logRecorder is a slog.Handler that keeps an ordered journal. Tests add
// their own entries with note so log lines and handler calls interleave in
// the order they happened.
type logRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (l *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (l *logRecorder) Handle(_ context.Context, r slog.Record) error {
	entry := r.Message
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "method" {
			entry += ":" + a.Value.String()
		}
		return true
	})
	l.note(entry)
	return nil
}

func (l *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return l }
func (l *logRecorder) WithGroup(string) slog.Handler      { return l }

func (l *logRecorder) note(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *logRecorder) journal() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// ----------------------------------------------------------------------------
// Fake hub
// ----------------------------------------------------------------------------

type hubConn struct {
	conn  *websocket.Conn
	calls chan frame
}

func (c *hubConn) push(t *testing.T, target string, args ...any) {
	t.Helper()
	data, err := encodeInvocation(target, args...)
	if err != nil {
		t.Fatalf("encode %s: %v", target, err)
	}
	c.write(t, data)
}

func (c *hubConn) write(t *testing.T, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("hub write: %v", err)
	}
}

func (c *hubConn) drop() {
	c.conn.Close(websocket.StatusGoingAway, "server restart")
}

// nextCall waits for the next invocation the client made on this connection.
func (c *hubConn) nextCall(t *testing.T) frame {
	t.Helper()
	return receive(t, c.calls, "hub invocation")
}

type fakeHub struct {
	server   *httptest.Server
	rejects  atomic.Int32
	attempts chan time.Time
	conns    chan *hubConn

	mu       sync.Mutex
	tokens   []string
	auth     []string
	greeting []byte
}

func newFakeHub(t *testing.T) *fakeHub {
	h := &fakeHub{
		attempts: make(chan time.Time, 64),
		conns:    make(chan *hubConn, 16),
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) url() string { return h.server.URL + "/chatHub" }

// greet queues records sent together with the next handshake reply.
func (h *fakeHub) greet(t *testing.T, target string, args ...any) {
	t.Helper()
	data, err := encodeInvocation(target, args...)
	if err != nil {
		t.Fatalf("encode %s: %v", target, err)
	}
	h.mu.Lock()
	h.greeting = append(h.greeting, data...)
	h.mu.Unlock()
}

func (h *fakeHub) nextConn(t *testing.T) *hubConn {
	t.Helper()
	return receive(t, h.conns, "hub connection")
}

func (h *fakeHub) seenTokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tokens...)
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	select {
	case h.attempts <- time.Now():
	default:
	}
	h.mu.Lock()
	h.tokens = append(h.tokens, r.URL.Query().Get("access_token"))
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	h.mu.Unlock()

	if h.rejects.Load() > 0 {
		h.rejects.Add(-1)
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()
	if _, _, err := c.Read(ctx); err != nil {
		return
	}

	h.mu.Lock()
	reply := append([]byte("{}\x1e"), h.greeting...)
	h.greeting = nil
	h.mu.Unlock()

	hc := &hubConn{conn: c, calls: make(chan frame, 64)}
	if err := c.Write(ctx, websocket.MessageText, reply); err != nil {
		return
	}
	h.conns <- hc

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		for _, rec := range splitRecords(data) {
			var f frame
			if json.Unmarshal(rec, &f) == nil && f.Type == frameInvocation {
				hc.calls <- f
			}
		}
	}
}

func stringArg(t *testing.T, f frame, i int) string {
	t.Helper()
	var s string
	if err := f.argument(i, &s); err != nil {
		t.Fatalf("%s argument %d: %v", f.Target, i, err)
	}
	return s
}

func newTestManager(t *testing.T, hub *fakeHub, cfg RealtimeConfig) *ConnectionManager {
	t.Helper()
	cfg.HubURL = hub.url()
	if cfg.TokenSource == nil {
		cfg.TokenSource = StaticToken(testToken)
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Backoff{0, 10 * time.Millisecond}
	}
	c := NewConnectionManager(cfg)
	t.Cleanup(c.Stop)
	return c
}

// ----------------------------------------------------------------------------
// Fake REST backend
// ----------------------------------------------------------------------------

// chatBackend serves the chat endpoints with chi. It answers in the
// different envelope shapes the real backend uses.
type chatBackend struct {
	server *httptest.Server

	mu        sync.Mutex
	chats     []map[string]any
	history   map[string][]map[string]any
	unread    map[string]int
	nextID    int
	sentAt    time.Time
	hold      chan struct{}
	markReads []string
	authFails int
}

func newChatBackend(t *testing.T) *chatBackend {
	b := &chatBackend{
		history: make(map[string][]map[string]any),
		unread:  make(map[string]int),
		nextID:  101,
		sentAt:  testTime,
	}

	r := chi.NewRouter()
	r.Use(b.requireToken)
	r.Route("/api", func(r chi.Router) {
		r.Get("/chats/user", b.listChats)
		r.Get("/chats/unread-count", b.unreadCount)
		r.Post("/chats/{chatID}/mark-read", b.markRead)
		r.Get("/messages/chat/{chatID}", b.messages)
		r.Post("/messages", b.send)
	})
	b.server = httptest.NewServer(r)
	t.Cleanup(b.server.Close)
	return b
}

func (b *chatBackend) client() *Client {
	return NewClient(testToken, WithBaseURL(b.server.URL+"/api"))
}

func (b *chatBackend) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			b.mu.Lock()
			b.authFails++
			b.mu.Unlock()
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "UNAUTHORIZED", "message": "bad token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (b *chatBackend) addChat(id string, unread int, participants ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ps []map[string]any
	for _, p := range participants {
		ps = append(ps, map[string]any{"userId": p, "userName": p + "@mail.com"})
	}
	b.chats = append(b.chats, map[string]any{
		"id":           id,
		"participants": ps,
		"lastUpdated":  testTime.Add(-time.Hour).Format("2006-01-02T15:04:05"),
	})
	b.unread[id] = unread
}

func (b *chatBackend) addHistory(chatID string, id int, sender, content string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[chatID] = append(b.history[chatID], map[string]any{
		"id":       id,
		"chatId":   chatID,
		"senderId": sender,
		"content":  content,
		"sentAt":   at.Format(time.RFC3339Nano),
	})
}

func (b *chatBackend) listChats(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.chats))
	for _, c := range b.chats {
		cc := make(map[string]any, len(c)+1)
		for k, v := range c {
			cc[k] = v
		}
		cc["unreadCount"] = b.unread[c["id"].(string)]
		out = append(out, cc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": out})
}

func (b *chatBackend) unreadCount(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.unread {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": total})
}

func (b *chatBackend) markRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	b.mu.Lock()
	b.unread[chatID] = 0
	b.markReads = append(b.markReads, chatID)
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *chatBackend) messages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.history[chatID]
	if msgs == nil {
		msgs = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (b *chatBackend) send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID  string `json:"chatId"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}

	b.mu.Lock()
	hold := b.hold
	b.mu.Unlock()
	if hold != nil {
		<-hold
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.TrimSpace(req.Content) == "fail" {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": "SEND_FAILED", "message": "boom"}})
		return
	}
	id := b.nextID
	b.nextID++
	m := map[string]any{
		"id":       id,
		"chatId":   req.ChatID,
		"senderId": string(testSelf),
		"content":  req.Content,
		"sentAt":   b.sentAt.Format(time.RFC3339Nano),
	}
	b.history[req.ChatID] = append(b.history[req.ChatID], m)
	writeJSON(w, http.StatusCreated, map[string]any{"data": m})
}

func pushMessage(id int, chatID string, sender, content string, at time.Time) map[string]any {
	return map[string]any{
		"id":       id,
		"chatId":   chatID,
		"senderId": sender,
		"content":  content,
		"sentAt":   at.Format(time.RFC3339Nano),
	}
}

// ----------------------------------------------------------------------------
// In-memory fakes
// ----------------------------------------------------------------------------

type fakeMessageAPI struct {
	mu         sync.Mutex
	history    map[ID][]Message
	historyErr error
	sendErr    error
	nextID     int
	sentAt     time.Time
	beforeSend func()
	sends      int
}

func newFakeMessageAPI() *fakeMessageAPI {
	return &fakeMessageAPI{history: make(map[ID][]Message), nextID: 101, sentAt: testTime}
}

func (f *fakeMessageAPI) GetMessages(_ context.Context, chatID ID) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]Message(nil), f.history[chatID]...), nil
}

func (f *fakeMessageAPI) SendMessage(_ context.Context, chatID ID, content string) (*Message, error) {
	f.mu.Lock()
	hook := f.beforeSend
	f.sends++
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	m := Message{
		ID:       ID(strconv.Itoa(f.nextID)),
		ChatID:   chatID,
		SenderID: testSelf,
		Content:  content,
		SentAt:   f.sentAt,
	}
	f.nextID++
	return &m, nil
}

type invocation struct {
	method string
	args   []any
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []invocation
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invocation{method: method, args: args})
	return f.err
}

func (f *fakeInvoker) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = fmt.Sprintf("%s(%v)", c.method, c.args[0])
	}
	return out
}
