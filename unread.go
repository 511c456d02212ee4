package wanas

import (
	"context"
	"log/slog"
	"sync"
)

// UnreadAPI is the REST surface the unread counter needs. *Client implements it.
type UnreadAPI interface {
	GetUnreadCount(ctx context.Context) (int, error)
	MarkChatRead(ctx context.Context, chatID ID) error
}

// UnreadCounter owns the global unread count. The server value is the
// source of truth: local decrements are optimistic and every REST refresh
// overwrites them. Responses are applied in issue order, so a slow refresh
// never overwrites a newer one.
type UnreadCounter struct {
	api     UnreadAPI
	selfID  ID
	log     *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	count   int
	issued  uint64
	applied uint64

	changes  Stream[int]
	chatRead Stream[ID]
	subs     subscriptions
}

func NewUnreadCounter(api UnreadAPI, selfID ID, log *slog.Logger, metrics *Metrics) *UnreadCounter {
	ctx, cancel := context.WithCancel(context.Background())
	return &UnreadCounter{
		api:     api,
		selfID:  selfID,
		log:     loggerOr(log).With("component", "unread"),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach refreshes the counter on every transition into Connected, on
// inbound messages from other users and on the local user's read receipts.
// A counter closed earlier is reopened.
func (u *UnreadCounter) Attach(conn *ConnectionManager) {
	u.mu.Lock()
	if u.closed {
		u.ctx, u.cancel = context.WithCancel(context.Background())
		u.closed = false
	}
	u.mu.Unlock()

	u.subs.add(
		conn.OnStateChange(u.HandleState),
		conn.OnMessageReceived(u.HandlePush),
		conn.OnReadReceipt(u.HandleReadReceipt),
	)
}

// Close detaches, cancels background refreshes and waits for them. Attach
// reopens the counter.
func (u *UnreadCounter) Close() {
	u.subs.release()
	u.mu.Lock()
	u.closed = true
	cancel := u.cancel
	u.mu.Unlock()
	cancel()
	u.wg.Wait()
}

// OnChange registers a handler for global count changes.
func (u *UnreadCounter) OnChange(h func(count int)) (unsubscribe func()) {
	return u.changes.Subscribe(h)
}

// OnChatRead registers a handler fired as soon as a chat is marked read,
// before the server confirms, so its badge can be cleared immediately.
func (u *UnreadCounter) OnChatRead(h func(chatID ID)) (unsubscribe func()) {
	return u.chatRead.Subscribe(h)
}

func (u *UnreadCounter) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count
}

// Refresh fetches the authoritative count. A response is dropped if a
// refresh issued later has already been applied.
func (u *UnreadCounter) Refresh(ctx context.Context) (int, error) {
	u.mu.Lock()
	u.issued++
	seq := u.issued
	u.mu.Unlock()

	n, err := u.api.GetUnreadCount(ctx)
	if err != nil {
		u.log.Error("unread refresh failed", "err", err)
		return u.Count(), err
	}

	u.mu.Lock()
	if seq <= u.applied {
		cur := u.count
		u.mu.Unlock()
		return cur, nil
	}
	u.applied = seq
	changed := u.count != n
	u.count = n
	u.mu.Unlock()

	u.metrics.setUnread(n)
	if changed {
		u.changes.emit(n)
	}
	return n, nil
}

// RefreshAsync runs Refresh in the background.
func (u *UnreadCounter) RefreshAsync() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	ctx := u.ctx
	u.wg.Add(1)
	u.mu.Unlock()
	go func() {
		defer u.wg.Done()
		u.Refresh(ctx)
	}()
}

// MarkChatAsRead emits the chat-read signal, optimistically subtracts
// known (the chat's last known unread count) from the global count, tells
// the server and then refreshes. Calling it twice in a row settles on the
// same count as calling it once.
func (u *UnreadCounter) MarkChatAsRead(ctx context.Context, chatID ID, known int) error {
	u.chatRead.emit(chatID)

	if known > 0 {
		u.mu.Lock()
		u.count -= known
		if u.count < 0 {
			u.count = 0
		}
		n := u.count
		u.mu.Unlock()
		u.metrics.setUnread(n)
		u.changes.emit(n)
	}

	if err := u.api.MarkChatRead(ctx, chatID); err != nil {
		u.log.Error("mark read failed", "chat", chatID, "err", err)
		u.Refresh(ctx)
		return err
	}
	_, err := u.Refresh(ctx)
	return err
}

func (u *UnreadCounter) HandlePush(m Message) {
	if sameID(m.SenderID, u.selfID) {
		return
	}
	u.RefreshAsync()
}

func (u *UnreadCounter) HandleReadReceipt(ev ReadReceiptEvent) {
	if !sameID(ev.UserID, u.selfID) {
		return
	}
	u.RefreshAsync()
}

func (u *UnreadCounter) HandleState(s ConnectionState) {
	if s == StateConnected {
		u.RefreshAsync()
	}
}
