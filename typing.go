package wanas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Invoker calls hub methods. ConnectionManager implements it.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) error
}

// TypingConfig tunes typing indicators.
type TypingConfig struct {
	// Debounce is the minimum spacing between outbound typing notifications.
	Debounce time.Duration
	// TTL is how long an inbound typing entry lives without renewal.
	TTL time.Duration
}

func (c *TypingConfig) defaults() {
	if c.Debounce == 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.TTL == 0 {
		c.TTL = 3 * time.Second
	}
}

// Typer is a user currently shown as typing.
type Typer struct {
	UserID    ID
	Name      string
	ExpiresAt time.Time
}

// TypingUpdate is emitted whenever the active chat's typing set changes.
type TypingUpdate struct {
	ChatID ID
	Typers []Typer
	Text   string
}

type typingEntry struct {
	Typer
	seq   uint64
	timer *time.Timer
}

// TypingTracker produces throttled outbound typing notifications for the
// local user and an auto-expiring set of remote typers for the active chat.
type TypingTracker struct {
	config  TypingConfig
	selfID  ID
	invoker Invoker
	log     *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	activeChat   ID
	participants []Participant
	entries      map[string]*typingEntry
	seq          uint64
	limiter      *rate.Limiter
	notified     bool

	updates Stream[TypingUpdate]
	subs    subscriptions
}

func NewTypingTracker(invoker Invoker, selfID ID, config TypingConfig, log *slog.Logger) *TypingTracker {
	cfg := config
	cfg.defaults()
	return &TypingTracker{
		config:  cfg,
		selfID:  selfID,
		invoker: invoker,
		log:     loggerOr(log).With("component", "typing"),
		now:     time.Now,
		entries: make(map[string]*typingEntry),
		limiter: rate.NewLimiter(rate.Every(cfg.Debounce), 1),
	}
}

// Attach subscribes the tracker to conn's typing events.
func (t *TypingTracker) Attach(conn *ConnectionManager) {
	t.subs.add(conn.OnTyping(t.HandleTyping))
}

func (t *TypingTracker) Detach() { t.subs.release() }

// OnUpdate registers a handler for changes to the active chat's typers.
func (t *TypingTracker) OnUpdate(h func(TypingUpdate)) (unsubscribe func()) {
	return t.updates.Subscribe(h)
}

// SetActiveChat switches the tracked chat. Every entry of the previous chat
// is dropped along with its expiry timer. participants are used to resolve
// names of typers whose events carry none.
func (t *TypingTracker) SetActiveChat(chatID ID, participants []Participant) {
	t.mu.Lock()
	same := sameID(chatID, t.activeChat)
	t.activeChat = chatID
	t.participants = append([]Participant(nil), participants...)
	if same {
		t.mu.Unlock()
		return
	}
	hadEntries := len(t.entries) > 0
	t.clearLocked()
	t.notified = false
	t.limiter = rate.NewLimiter(rate.Every(t.config.Debounce), 1)
	t.mu.Unlock()

	if hadEntries {
		t.updates.emit(TypingUpdate{ChatID: chatID})
	}
}

// Reset stops every expiry timer and forgets the active chat.
func (t *TypingTracker) Reset() {
	t.SetActiveChat("", nil)
}

func (t *TypingTracker) clearLocked() {
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}

// Keystroke reports the current input text. Non-empty text sends StartTyping
// at most once per debounce window; empty text sends StopTyping if a typing
// notification is outstanding.
func (t *TypingTracker) Keystroke(ctx context.Context, text string) error {
	t.mu.Lock()
	chatID := t.activeChat
	if chatID == "" {
		t.mu.Unlock()
		return ErrNoActiveChat
	}

	if strings.TrimSpace(text) == "" {
		outstanding := t.notified
		t.notified = false
		t.limiter = rate.NewLimiter(rate.Every(t.config.Debounce), 1)
		t.mu.Unlock()
		if !outstanding {
			return nil
		}
		return t.invoke(ctx, MethodStopTyping, chatID)
	}

	allowed := t.limiter.AllowN(t.now(), 1)
	if allowed {
		t.notified = true
	}
	t.mu.Unlock()

	if !allowed {
		return nil
	}
	return t.invoke(ctx, MethodStartTyping, chatID)
}

// Stop sends StopTyping for the active chat if a notification is outstanding.
func (t *TypingTracker) Stop(ctx context.Context) error {
	return t.Keystroke(ctx, "")
}

func (t *TypingTracker) invoke(ctx context.Context, method string, chatID ID) error {
	err := t.invoker.Invoke(ctx, method, chatID)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// HandleTyping applies an inbound typing or stopped-typing event. Events
// from the local user or for another chat are ignored.
func (t *TypingTracker) HandleTyping(ev TypingEvent) {
	if sameID(ev.UserID, t.selfID) {
		return
	}
	key := normalizeID(ev.UserID)
	if key == "" {
		return
	}

	t.mu.Lock()
	if t.activeChat == "" || !sameID(ev.ChatID, t.activeChat) {
		t.mu.Unlock()
		return
	}

	old := t.entries[key]
	if old != nil {
		old.timer.Stop()
	}

	if !ev.IsTyping {
		if old == nil {
			t.mu.Unlock()
			return
		}
		delete(t.entries, key)
		update := t.snapshotLocked()
		t.mu.Unlock()
		t.updates.emit(update)
		return
	}

	e := &typingEntry{
		Typer: Typer{
			UserID:    ev.UserID,
			Name:      t.resolveNameLocked(ev),
			ExpiresAt: t.now().Add(t.config.TTL),
		},
	}
	if old != nil {
		e.seq = old.seq
	} else {
		t.seq++
		e.seq = t.seq
	}
	e.timer = time.AfterFunc(t.config.TTL, func() { t.expire(key, e) })
	t.entries[key] = e
	update := t.snapshotLocked()
	t.mu.Unlock()

	t.updates.emit(update)
}

// expire removes e unless it was renewed or removed in the meantime.
func (t *TypingTracker) expire(key string, e *typingEntry) {
	t.mu.Lock()
	if t.entries[key] != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	update := t.snapshotLocked()
	t.mu.Unlock()

	t.updates.emit(update)
}

// resolveNameLocked picks the event-carried name, then the participant
// entry, then the raw id.
func (t *TypingTracker) resolveNameLocked(ev TypingEvent) string {
	if name := strings.TrimSpace(ev.DisplayName); name != "" {
		return name
	}
	for _, p := range t.participants {
		if sameID(p.UserID, ev.UserID) {
			if name := participantName(p); name != "" {
				return name
			}
			break
		}
	}
	return string(ev.UserID)
}

func (t *TypingTracker) snapshotLocked() TypingUpdate {
	typers := t.typersLocked()
	names := make([]string, len(typers))
	for i, ty := range typers {
		names[i] = ty.Name
	}
	return TypingUpdate{ChatID: t.activeChat, Typers: typers, Text: FormatTyping(names)}
}

func (t *TypingTracker) typersLocked() []Typer {
	now := t.now()
	live := make([]*typingEntry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.ExpiresAt.After(now) {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })

	out := make([]Typer, len(live))
	for i, e := range live {
		out[i] = e.Typer
	}
	return out
}

// Typers returns the users currently typing in the active chat, in the order
// they started.
func (t *TypingTracker) Typers() []Typer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typersLocked()
}

// DisplayText returns the indicator line for the active chat.
func (t *TypingTracker) DisplayText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked().Text
}

// FormatTyping renders the indicator line for the given typer names.
func FormatTyping(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	case 2:
		return names[0] + " and " + names[1] + " are typing…"
	}
	return fmt.Sprintf("%d people are typing…", len(names))
}
