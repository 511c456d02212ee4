package wanas

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageAPI is the REST surface the synchronizer needs. *Client implements it.
type MessageAPI interface {
	GetMessages(ctx context.Context, chatID ID) ([]Message, error)
	SendMessage(ctx context.Context, chatID ID, content string) (*Message, error)
}

// MessageSynchronizer merges REST history and live pushes into one ordered,
// de-duplicated message list for the active chat, and keeps the chat list
// summaries current for the others.
//
// Ordering is by sentAt, then server id; arrival order never matters. Push
// echoes of the local user's own messages are discarded: the send response
// is the only path that confirms a pending message.
type MessageSynchronizer struct {
	api     MessageAPI
	selfID  ID
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu         sync.Mutex
	activeChat ID
	autoRead   bool
	messages   []Message
	chats      []Chat
	loadSeq    uint64

	appended     Stream[Message]
	changed      Stream[[]Message]
	chatsChanged Stream[[]Chat]
}

func NewMessageSynchronizer(api MessageAPI, selfID ID, log *slog.Logger, metrics *Metrics) *MessageSynchronizer {
	return &MessageSynchronizer{
		api:     api,
		selfID:  selfID,
		log:     loggerOr(log).With("component", "synchronizer"),
		metrics: metrics,
		now:     time.Now,
	}
}

// OnAppended registers a handler for every message added to the active
// list, pending ones included.
func (s *MessageSynchronizer) OnAppended(h func(Message)) (unsubscribe func()) {
	return s.appended.Subscribe(h)
}

// OnMessagesChanged registers a handler receiving the full active list
// after every change.
func (s *MessageSynchronizer) OnMessagesChanged(h func([]Message)) (unsubscribe func()) {
	return s.changed.Subscribe(h)
}

// OnChatsChanged registers a handler receiving the chat list after every
// summary change.
func (s *MessageSynchronizer) OnChatsChanged(h func([]Chat)) (unsubscribe func()) {
	return s.chatsChanged.Subscribe(h)
}

// ============================================================================
// Active chat
// ============================================================================

// SetAutoRead tells the synchronizer whether the active chat is marked read
// as messages arrive. When it is not, inbound pushes raise the active chat's
// summary unread count just like any other chat's.
func (s *MessageSynchronizer) SetAutoRead(on bool) {
	s.mu.Lock()
	s.autoRead = on
	s.mu.Unlock()
}

// ActiveChat returns the chat whose messages are tracked.
func (s *MessageSynchronizer) ActiveChat() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// SetActiveChat switches the tracked chat and empties the list. Loads in
// flight for the previous chat are discarded when they complete.
func (s *MessageSynchronizer) SetActiveChat(chatID ID) {
	s.mu.Lock()
	if chatID == s.activeChat {
		s.mu.Unlock()
		return
	}
	s.activeChat = chatID
	s.messages = nil
	s.loadSeq++
	s.mu.Unlock()

	s.changed.emit(nil)
}

// Messages returns a copy of the active chat's list.
func (s *MessageSynchronizer) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// LoadHistory fetches chatID's history and makes it the baseline of the
// list. On error the current list is left untouched and the error returned
// so the caller can retry.
//
// Pending sends are kept, as are pushes newer than the newest history entry
// that arrived while the request was in flight.
func (s *MessageSynchronizer) LoadHistory(ctx context.Context, chatID ID) error {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	history, err := s.api.GetMessages(ctx, chatID)
	if err != nil {
		s.log.Error("history load failed", "chat", chatID, "err", err)
		return err
	}

	s.mu.Lock()
	if seq != s.loadSeq || !sameID(chatID, s.activeChat) {
		s.mu.Unlock()
		s.log.Debug("discarding stale history", "chat", chatID)
		return nil
	}
	s.messages = mergeHistory(history, s.messages)
	snapshot := append([]Message(nil), s.messages...)
	s.mu.Unlock()

	s.log.Debug("history loaded", "chat", chatID, "messages", len(snapshot))
	s.changed.emit(snapshot)
	return nil
}

func mergeHistory(history, current []Message) []Message {
	out := make([]Message, 0, len(history)+len(current))
	seen := make(map[ID]bool, len(history))
	var newest *Message
	for i := range history {
		m := history[i]
		if m.ID != "" {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
		}
		out = append(out, m)
		if newest == nil || messageLess(*newest, m) {
			newest = &history[i]
		}
	}
	for _, m := range current {
		switch {
		case m.Pending():
			out = append(out, m)
		case seen[m.ID]:
		case newest == nil || messageLess(*newest, m):
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return messageLess(out[i], out[j]) })
	return out
}

// insertLocked places m in order and reports false if a confirmed message
// with the same id is already present.
func (s *MessageSynchronizer) insertLocked(m Message) bool {
	if !m.Pending() && s.indexLocked(m.ID) >= 0 {
		return false
	}
	i := sort.Search(len(s.messages), func(i int) bool { return messageLess(m, s.messages[i]) })
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return true
}

func (s *MessageSynchronizer) indexLocked(id ID) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageSynchronizer) indexClientLocked(clientID string) int {
	for i, m := range s.messages {
		if m.Pending() && m.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (s *MessageSynchronizer) removeLocked(i int) {
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

// ============================================================================
// Push and send
// ============================================================================

// HandlePush applies a pushed message. Own echoes are discarded, duplicates
// skipped, and messages for other chats only touch the chat summary.
func (s *MessageSynchronizer) HandlePush(m Message) {
	own := sameID(m.SenderID, s.selfID)

	s.mu.Lock()
	active := s.activeChat != "" && sameID(m.ChatID, s.activeChat)
	chatsChanged := s.touchChatLocked(m, !own && !(active && s.autoRead))

	var added bool
	var snapshot []Message
	switch {
	case own:
		s.metrics.suppress(suppressSelfEcho)
	case !active:
	case s.insertLocked(m):
		added = true
		snapshot = append([]Message(nil), s.messages...)
	default:
		s.metrics.suppress(suppressDuplicate)
	}
	chats := s.chatsSnapshotLocked(chatsChanged)
	s.mu.Unlock()

	if own {
		s.log.Debug("discarding own echo", "chat", m.ChatID, "id", m.ID)
	}
	if added {
		s.appended.emit(m)
		s.changed.emit(snapshot)
	}
	if chatsChanged {
		s.chatsChanged.emit(chats)
	}
}

// Send posts content to chatID. While chatID is active a pending entry is
// shown until the server answers; it is replaced by the confirmed message,
// or removed on failure, in which case a *SendError carries the content
// back for re-entry.
func (s *MessageSynchronizer) Send(ctx context.Context, chatID ID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	pending := Message{
		ClientID: uuid.NewString(),
		ChatID:   chatID,
		SenderID: s.selfID,
		Content:  content,
		SentAt:   s.now().UTC(),
	}

	s.mu.Lock()
	showPending := sameID(chatID, s.activeChat)
	var snapshot []Message
	if showPending {
		s.insertLocked(pending)
		snapshot = append([]Message(nil), s.messages...)
	}
	s.mu.Unlock()

	if showPending {
		s.appended.emit(pending)
		s.changed.emit(snapshot)
	}

	confirmed, err := s.api.SendMessage(ctx, chatID, content)
	if err != nil {
		s.log.Error("send failed", "chat", chatID, "err", err)
		s.mu.Lock()
		removed := false
		if i := s.indexClientLocked(pending.ClientID); i >= 0 {
			s.removeLocked(i)
			removed = true
			snapshot = append([]Message(nil), s.messages...)
		}
		s.mu.Unlock()
		if removed {
			s.changed.emit(snapshot)
		}
		return nil, &SendError{ChatID: chatID, Content: content, Err: err}
	}

	m := *confirmed
	m.ClientID = pending.ClientID
	if m.SenderID == "" {
		m.SenderID = s.selfID
	}
	if m.ChatID == "" {
		m.ChatID = chatID
	}

	s.mu.Lock()
	listChanged := false
	if i := s.indexClientLocked(pending.ClientID); i >= 0 {
		s.removeLocked(i)
		listChanged = true
	}
	if sameID(m.ChatID, s.activeChat) {
		if s.insertLocked(m) {
			listChanged = true
		} else {
			s.metrics.suppress(suppressDuplicate)
		}
	}
	snapshot = append([]Message(nil), s.messages...)
	chatsChanged := s.touchChatLocked(m, false)
	chats := s.chatsSnapshotLocked(chatsChanged)
	s.mu.Unlock()

	if listChanged {
		s.changed.emit(snapshot)
	}
	if chatsChanged {
		s.chatsChanged.emit(chats)
	}
	return &m, nil
}

// ============================================================================
// Read receipts
// ============================================================================

// HandleReadReceipt applies a MessagesRead event. A receipt from another
// user marks the local user's messages read; one from the local user (for
// example another tab) clears the chat's unread count and marks inbound
// messages read.
func (s *MessageSynchronizer) HandleReadReceipt(ev ReadReceiptEvent) {
	if sameID(ev.UserID, s.selfID) {
		s.MarkLocalRead(ev.ChatID, ev.ReadAt)
		return
	}

	s.mu.Lock()
	var snapshot []Message
	if s.activeChat != "" && sameID(ev.ChatID, s.activeChat) {
		if s.markReadLocked(ev.ReadAt, func(m Message) bool { return sameID(m.SenderID, s.selfID) }) {
			snapshot = append([]Message(nil), s.messages...)
		}
	}
	s.mu.Unlock()

	if snapshot != nil {
		s.changed.emit(snapshot)
	}
}

// MarkLocalRead records that the local user has read chatID: the chat's
// unread count drops to zero and inbound messages in the list are marked
// read.
func (s *MessageSynchronizer) MarkLocalRead(chatID ID, readAt time.Time) {
	if readAt.IsZero() {
		readAt = s.now().UTC()
	}

	s.mu.Lock()
	var snapshot []Message
	if s.activeChat != "" && sameID(chatID, s.activeChat) {
		if s.markReadLocked(readAt, func(m Message) bool { return !sameID(m.SenderID, s.selfID) }) {
			snapshot = append([]Message(nil), s.messages...)
		}
	}
	chatsChanged := false
	if i := s.chatIndexLocked(chatID); i >= 0 && s.chats[i].UnreadCount != 0 {
		s.chats[i].UnreadCount = 0
		chatsChanged = true
	}
	chats := s.chatsSnapshotLocked(chatsChanged)
	s.mu.Unlock()

	if snapshot != nil {
		s.changed.emit(snapshot)
	}
	if chatsChanged {
		s.chatsChanged.emit(chats)
	}
}

func (s *MessageSynchronizer) markReadLocked(readAt time.Time, match func(Message) bool) bool {
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.Pending() || m.IsRead || !match(*m) {
			continue
		}
		at := readAt
		m.IsRead = true
		m.ReadAt = &at
		changed = true
	}
	return changed
}

// ============================================================================
// Chat summaries
// ============================================================================

// SetChats replaces the chat list, ordered by most recent activity.
func (s *MessageSynchronizer) SetChats(chats []Chat) {
	s.mu.Lock()
	s.chats = make([]Chat, 0, len(chats))
	for _, c := range chats {
		s.chats = append(s.chats, c.clone())
	}
	s.sortChatsLocked()
	snapshot := s.chatsSnapshotLocked(true)
	s.mu.Unlock()

	s.chatsChanged.emit(snapshot)
}

// Chats returns a copy of the chat list.
func (s *MessageSynchronizer) Chats() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatsSnapshotLocked(true)
}

// Chat returns the summary of chatID.
func (s *MessageSynchronizer) Chat(chatID ID) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.chatIndexLocked(chatID); i >= 0 {
		return s.chats[i].clone(), true
	}
	return Chat{}, false
}

// ChatUnread returns the unread count the chat list knows for chatID.
func (s *MessageSynchronizer) ChatUnread(chatID ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.chatIndexLocked(chatID); i >= 0 {
		return s.chats[i].UnreadCount
	}
	return 0
}

func (s *MessageSynchronizer) chatIndexLocked(chatID ID) int {
	for i := range s.chats {
		if sameID(s.chats[i].ID, chatID) {
			return i
		}
	}
	return -1
}

// touchChatLocked updates the summary of m's chat. A message already
// recorded as the last one is not counted twice.
func (s *MessageSynchronizer) touchChatLocked(m Message, countUnread bool) bool {
	i := s.chatIndexLocked(m.ChatID)
	if i < 0 {
		return false
	}
	c := &s.chats[i]
	if last := c.LastMessage; last != nil && (m.ID != "" && last.ID == m.ID || messageLess(m, *last)) {
		return false
	}
	lm := m
	c.LastMessage = &lm
	if m.SentAt.After(c.LastUpdated) {
		c.LastUpdated = m.SentAt
	}
	if countUnread {
		c.UnreadCount++
	}
	s.sortChatsLocked()
	return true
}

func (s *MessageSynchronizer) sortChatsLocked() {
	sort.SliceStable(s.chats, func(i, j int) bool {
		return s.chats[i].LastUpdated.After(s.chats[j].LastUpdated)
	})
}

func (s *MessageSynchronizer) chatsSnapshotLocked(want bool) []Chat {
	if !want {
		return nil
	}
	out := make([]Chat, len(s.chats))
	for i, c := range s.chats {
		out[i] = c.clone()
	}
	return out
}
