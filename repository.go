package wanas

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ChatAPI is the REST surface used by ChatRepository. *Client implements it.
type ChatAPI interface {
	MessageAPI
	UnreadAPI
	ListChats(ctx context.Context) ([]Chat, error)
}

// RepositoryConfig configures a ChatRepository.
type RepositoryConfig struct {
	// SelfID is the local user's id, used for every self-filter.
	SelfID ID
	// AutoMarkRead marks the active chat read when it is opened and whenever
	// a message from someone else arrives in it. When off, those messages
	// count towards the active chat's unread badge until MarkRead.
	AutoMarkRead bool
	Typing       TypingConfig
	Logger       *slog.Logger
	Metrics      *Metrics
}

// ChatRepository wires the sync engine together and is the consumer-facing
// API: list chats, open a chat, send, mark read.
type ChatRepository struct {
	api    ChatAPI
	conn   *ConnectionManager
	config RepositoryConfig
	log    *slog.Logger

	presence *PresenceTracker
	typing   *TypingTracker
	messages *MessageSynchronizer
	unread   *UnreadCounter

	// switchMu makes the active-chat change atomic with the group
	// leave/join that goes with it.
	switchMu sync.Mutex

	mu      sync.Mutex
	active  ID
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	subs subscriptions
}

func NewChatRepository(api ChatAPI, conn *ConnectionManager, config RepositoryConfig) *ChatRepository {
	log := loggerOr(config.Logger)
	r := &ChatRepository{
		api:      api,
		conn:     conn,
		config:   config,
		log:      log.With("component", "repository"),
		presence: NewPresenceTracker(log),
		typing:   NewTypingTracker(conn, config.SelfID, config.Typing, log),
		messages: NewMessageSynchronizer(api, config.SelfID, log, config.Metrics),
		unread:   NewUnreadCounter(api, config.SelfID, log, config.Metrics),
	}
	r.messages.SetAutoRead(config.AutoMarkRead)
	return r
}

func (r *ChatRepository) Presence() *PresenceTracker         { return r.presence }
func (r *ChatRepository) Typing() *TypingTracker             { return r.typing }
func (r *ChatRepository) Synchronizer() *MessageSynchronizer { return r.messages }
func (r *ChatRepository) Unread() *UnreadCounter             { return r.unread }

// Start subscribes every component to the connection, starts the push
// channel and loads the chat list and unread count concurrently. The push
// channel keeps retrying in the background regardless of the returned error.
func (r *ChatRepository) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	r.subs.add(
		r.conn.OnStateChange(r.handleState),
		r.conn.OnMessageReceived(r.handleMessage),
		r.conn.OnReadReceipt(r.messages.HandleReadReceipt),
	)
	r.presence.Attach(r.conn)
	r.typing.Attach(r.conn)
	r.unread.Attach(r.conn)

	r.conn.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := r.ListChats(gctx)
		return err
	})
	g.Go(func() error {
		_, err := r.unread.Refresh(gctx)
		return err
	})
	return g.Wait()
}

// Stop tears the session down: subscriptions, typing timers, background
// work and the push channel.
func (r *ChatRepository) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	r.subs.release()
	r.presence.Detach()
	r.typing.Detach()
	r.typing.Reset()
	r.unread.Close()
	cancel()
	r.wg.Wait()
	r.conn.Stop()
}

// ActiveChat returns the open chat, or "" if none.
func (r *ChatRepository) ActiveChat() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ListChats reloads the chat list from the server.
func (r *ChatRepository) ListChats(ctx context.Context) ([]Chat, error) {
	chats, err := r.api.ListChats(ctx)
	if err != nil {
		r.log.Error("list chats failed", "err", err)
		return nil, err
	}
	r.messages.SetChats(chats)
	return r.messages.Chats(), nil
}

// Chats returns the cached chat list.
func (r *ChatRepository) Chats() []Chat { return r.messages.Chats() }

// Messages returns the open chat's messages.
func (r *ChatRepository) Messages() []Message { return r.messages.Messages() }

// OpenChat makes chatID the active chat: it leaves the previous chat's
// group, joins the new one and loads its history. A history error leaves
// the chat open so the caller can retry with LoadHistory.
func (r *ChatRepository) OpenChat(ctx context.Context, chatID ID) error {
	r.switchTo(ctx, chatID)

	if err := r.messages.LoadHistory(ctx, chatID); err != nil {
		return err
	}
	if r.config.AutoMarkRead {
		return r.MarkRead(ctx, chatID)
	}
	return nil
}

// LoadHistory reloads the active chat's history.
func (r *ChatRepository) LoadHistory(ctx context.Context) error {
	chatID := r.ActiveChat()
	if chatID == "" {
		return ErrNoActiveChat
	}
	return r.messages.LoadHistory(ctx, chatID)
}

// CloseChat leaves the active chat's group and clears the active chat.
func (r *ChatRepository) CloseChat(ctx context.Context) {
	r.switchTo(ctx, "")
}

func (r *ChatRepository) switchTo(ctx context.Context, chatID ID) {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	prev := r.active
	r.mu.Unlock()

	if prev != "" && !sameID(prev, chatID) {
		r.typing.Stop(ctx)
		r.invokeGroup(ctx, MethodLeaveChatGroup, prev)
	}

	r.mu.Lock()
	r.active = chatID
	r.mu.Unlock()

	var participants []Participant
	if chat, ok := r.messages.Chat(chatID); ok {
		participants = chat.Participants
	}
	r.messages.SetActiveChat(chatID)
	r.typing.SetActiveChat(chatID, participants)

	if chatID != "" {
		r.invokeGroup(ctx, MethodJoinChatGroup, chatID)
	}
}

// invokeGroup joins or leaves a group. Not being connected is fine: the
// join is re-issued on the next transition into Connected.
func (r *ChatRepository) invokeGroup(ctx context.Context, method string, chatID ID) {
	err := r.conn.Invoke(ctx, method, chatID)
	if err != nil && !errors.Is(err, ErrNotConnected) {
		r.log.Warn("group invocation failed", "method", method, "chat", chatID, "err", err)
	}
}

// Send posts content to the active chat and clears the typing indicator.
func (r *ChatRepository) Send(ctx context.Context, content string) (*Message, error) {
	chatID := r.ActiveChat()
	if chatID == "" {
		return nil, ErrNoActiveChat
	}
	m, err := r.messages.Send(ctx, chatID, content)
	if err != nil {
		return nil, err
	}
	r.typing.Stop(ctx)
	return m, nil
}

// Keystroke reports the input text of the active chat for typing indicators.
func (r *ChatRepository) Keystroke(ctx context.Context, text string) error {
	return r.typing.Keystroke(ctx, text)
}

// MarkRead marks chatID read: the badge clears at once and the global
// count follows the server.
func (r *ChatRepository) MarkRead(ctx context.Context, chatID ID) error {
	known := r.messages.ChatUnread(chatID)
	r.messages.MarkLocalRead(chatID, time.Time{})
	return r.unread.MarkChatAsRead(ctx, chatID, known)
}

// Participants returns chatID's members with their online flag filled in.
func (r *ChatRepository) Participants(chatID ID) []Participant {
	chat, ok := r.messages.Chat(chatID)
	if !ok {
		return nil
	}
	out := chat.Participants
	for i := range out {
		out[i].Online = r.presence.IsOnline(out[i].UserID)
	}
	return out
}

// handleState rejoins the active chat's group on every transition into
// Connected. It runs before the connection's first push is read, so the
// join precedes any event for the chat on the new connection.
func (r *ChatRepository) handleState(s ConnectionState) {
	if s != StateConnected {
		return
	}
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	chatID := r.ActiveChat()
	if chatID == "" {
		return
	}
	r.log.Info("rejoining chat group", "chat", chatID)
	r.invokeGroup(r.context(), MethodJoinChatGroup, chatID)
}

func (r *ChatRepository) handleMessage(m Message) {
	r.messages.HandlePush(m)

	if !r.config.AutoMarkRead || sameID(m.SenderID, r.config.SelfID) {
		return
	}
	chatID := r.ActiveChat()
	if chatID == "" || !sameID(m.ChatID, chatID) {
		return
	}
	r.background(func(ctx context.Context) {
		if err := r.MarkRead(ctx, chatID); err != nil {
			r.log.Warn("auto mark read failed", "chat", chatID, "err", err)
		}
	})
}

func (r *ChatRepository) context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *ChatRepository) background(fn func(ctx context.Context)) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
}
