package wanas

import (
	"log/slog"
	"sort"
	"sync"
)

// PresenceTracker keeps the set of online users. It is fed only by push
// events; there is no REST backstop, so a user who came online before the
// tracker attached is not known until their next presence event.
type PresenceTracker struct {
	log *slog.Logger

	mu     sync.RWMutex
	online map[string]ID

	changes Stream[PresenceEvent]
	subs    subscriptions
}

func NewPresenceTracker(log *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		log:    loggerOr(log).With("component", "presence"),
		online: make(map[string]ID),
	}
}

// Attach subscribes the tracker to conn's presence and disconnect events.
func (p *PresenceTracker) Attach(conn *ConnectionManager) {
	p.subs.add(
		conn.OnPresenceChanged(p.HandlePresence),
		conn.OnUserDisconnected(p.HandleUserDisconnected),
	)
}

// Detach drops the subscriptions made by Attach. Known state is kept.
func (p *PresenceTracker) Detach() { p.subs.release() }

// OnChange registers a handler called whenever a user's status flips.
func (p *PresenceTracker) OnChange(h func(PresenceEvent)) (unsubscribe func()) {
	return p.changes.Subscribe(h)
}

func (p *PresenceTracker) HandlePresence(ev PresenceEvent) {
	key := normalizeID(ev.UserID)
	if key == "" {
		return
	}

	p.mu.Lock()
	_, was := p.online[key]
	if ev.IsOnline {
		p.online[key] = ev.UserID
	} else {
		delete(p.online, key)
	}
	p.mu.Unlock()

	if was == ev.IsOnline {
		return
	}
	p.log.Debug("presence changed", "user", ev.UserID, "online", ev.IsOnline)
	p.changes.emit(ev)
}

// HandleUserDisconnected marks the user offline.
func (p *PresenceTracker) HandleUserDisconnected(userID ID) {
	p.HandlePresence(PresenceEvent{UserID: userID, IsOnline: false})
}

func (p *PresenceTracker) IsOnline(userID ID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[normalizeID(userID)]
	return ok
}

// Online returns the online users in id order.
func (p *PresenceTracker) Online() []ID {
	p.mu.RLock()
	ids := make([]ID, 0, len(p.online))
	for _, id := range p.online {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return compareIDs(ids[i], ids[j]) < 0 })
	return ids
}
