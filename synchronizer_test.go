package wanas

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestSynchronizer(api MessageAPI) (*MessageSynchronizer, *Metrics) {
	metrics := NewMetrics(nil)
	s := NewMessageSynchronizer(api, testSelf, nil, metrics)
	s.now = func() time.Time { return testTime.Add(-time.Second) }
	return s, metrics
}

// ============================================================================
// Self echo and duplicates
// ============================================================================

func TestSynchronizerSelfEchoSuppressed(t *testing.T) {
	s, metrics := newTestSynchronizer(newFakeMessageAPI())
	s.SetActiveChat("42")
	s.HandlePush(msgAt("1", "42", "u2", "hi", testTime))

	for _, sender := range []ID{"u1", "U1", " u1 "} {
		before := len(s.Messages())
		s.HandlePush(msgAt("2", "42", sender, "mine", testTime.Add(time.Second)))
		if after := len(s.Messages()); after != before {
			t.Errorf("echo from %q changed list length %d -> %d", sender, before, after)
		}
	}
	if got := testutil.ToFloat64(metrics.suppressed.WithLabelValues(suppressSelfEcho)); got != 3 {
		t.Errorf("self echo metric = %v, want 3", got)
	}
}

func TestSynchronizerNoDuplicateConfirmedMessages(t *testing.T) {
	t.Run("echo after send response", func(t *testing.T) {
		s, _ := newTestSynchronizer(newFakeMessageAPI())
		s.SetActiveChat("42")

		if _, err := s.Send(context.Background(), "42", "hello"); err != nil {
			t.Fatal(err)
		}
		s.HandlePush(msgAt("101", "42", testSelf, "hello", testTime))

		if got := ids(s.Messages()); !reflect.DeepEqual(got, []ID{"101"}) {
			t.Errorf("ids = %v, want [101]", got)
		}
	})

	t.Run("echo before send response", func(t *testing.T) {
		api := newFakeMessageAPI()
		s, _ := newTestSynchronizer(api)
		s.SetActiveChat("42")
		api.beforeSend = func() { s.HandlePush(msgAt("101", "42", testSelf, "hello", testTime)) }

		if _, err := s.Send(context.Background(), "42", "hello"); err != nil {
			t.Fatal(err)
		}
		if got := ids(s.Messages()); !reflect.DeepEqual(got, []ID{"101"}) {
			t.Errorf("ids = %v, want [101]", got)
		}
	})

	t.Run("push delivered twice", func(t *testing.T) {
		s, metrics := newTestSynchronizer(newFakeMessageAPI())
		s.SetActiveChat("42")
		m := msgAt("7", "42", "u2", "hey", testTime)
		s.HandlePush(m)
		s.HandlePush(m)
		if got := ids(s.Messages()); !reflect.DeepEqual(got, []ID{"7"}) {
			t.Errorf("ids = %v", got)
		}
		if got := testutil.ToFloat64(metrics.suppressed.WithLabelValues(suppressDuplicate)); got != 1 {
			t.Errorf("duplicate metric = %v", got)
		}
	})

	t.Run("push already in history", func(t *testing.T) {
		api := newFakeMessageAPI()
		api.history["42"] = []Message{msgAt("7", "42", "u2", "hey", testTime)}
		s, _ := newTestSynchronizer(api)
		s.SetActiveChat("42")
		if err := s.LoadHistory(context.Background(), "42"); err != nil {
			t.Fatal(err)
		}
		s.HandlePush(msgAt("7", "42", "u2", "hey", testTime))
		if got := ids(s.Messages()); !reflect.DeepEqual(got, []ID{"7"}) {
			t.Errorf("ids = %v", got)
		}
	})
}

// ============================================================================
// Ordering
// ============================================================================

func TestSynchronizerDeterministicOrdering(t *testing.T) {
	later := testTime.Add(time.Minute)
	msgs := []Message{
		msgAt("10", "42", "u2", "", testTime),
		msgAt("9", "42", "u3", "", testTime),
		msgAt("100", "42", "u2", "", testTime),
		msgAt("2", "42", "u3", "", later),
		msgAt("1", "42", "u2", "", later.Add(time.Second)),
		msgAt("55", "42", "u2", "", testTime.Add(-time.Minute)),
		// Same instant, integer and non-integer ids mixed.
		msgAt("1b", "42", "u3", "", later.Add(2*time.Second)),
		msgAt("11", "42", "u2", "", later.Add(2*time.Second)),
		msgAt("b7", "42", "u2", "", later.Add(2*time.Second)),
		msgAt("8", "42", "u3", "", later.Add(2*time.Second)),
	}
	want := []ID{"55", "9", "10", "100", "2", "1", "8", "11", "1b", "b7"}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]Message(nil), msgs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		s, _ := newTestSynchronizer(newFakeMessageAPI())
		s.SetActiveChat("42")
		for _, m := range shuffled {
			s.HandlePush(m)
		}
		if got := ids(s.Messages()); !reflect.DeepEqual(got, want) {
			t.Fatalf("delivery %v rendered %v, want %v", ids(shuffled), got, want)
		}
	}
}

func TestSynchronizerOrderingMixedSources(t *testing.T) {
	api := newFakeMessageAPI()
	api.history["42"] = []Message{
		msgAt("12", "42", "u2", "", testTime),
		msgAt("3", "42", "u2", "", testTime.Add(-time.Minute)),
	}
	s, _ := newTestSynchronizer(api)
	s.SetActiveChat("42")
	s.HandlePush(msgAt("11", "42", "u3", "", testTime))
	if err := s.LoadHistory(context.Background(), "42"); err != nil {
		t.Fatal(err)
	}
	s.HandlePush(msgAt("13", "42", "u3", "", testTime))

	// "11" arrived before the load and is not newer than the newest history
	// entry, so the baseline replaced it.
	want := []ID{"3", "12", "13"}
	if got := ids(s.Messages()); !reflect.DeepEqual(got, want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
}

// ============================================================================
// History
// ============================================================================

func TestSynchronizerLoadHistory(t *testing.T) {
	t.Run("failure keeps the loaded list", func(t *testing.T) {
		api := newFakeMessageAPI()
		api.history["42"] = []Message{msgAt("1", "42", "u2", "a", testTime)}
		s, _ := newTestSynchronizer(api)
		s.SetActiveChat("42")
		if err := s.LoadHistory(context.Background(), "42"); err != nil {
			t.Fatal(err)
		}

		api.historyErr = &APIError{StatusCode: 503, Message: "unavailable"}
		err := s.LoadHistory(context.Background(), "42")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
			t.Fatalf("err = %v, want *APIError 503", err)
		}
		if got := ids(s.Messages()); !reflect.DeepEqual(got, []ID{"1"}) {
			t.Errorf("ids after failed reload = %v", got)
		}
	})

	t.Run("replaces wholesale but keeps pending and newer pushes", func(t *testing.T) {
		api := newFakeMessageAPI()
		api.history["42"] = []Message{
			msgAt("1", "42", "u2", "a", testTime),
			msgAt("2", "42", "u2", "b", testTime.Add(time.Second)),
		}
		s, _ := newTestSynchronizer(api)
		s.SetActiveChat("42")

		s.HandlePush(msgAt("0", "42", "u2", "stale", testTime.Add(-time.Hour)))
		s.HandlePush(msgAt("3", "42", "u2", "live", testTime.Add(time.Minute)))
		s.mu.Lock()
		s.insertLocked(Message{ClientID: "c-1", ChatID: "42", SenderID: testSelf, Content: "pending", SentAt: testTime.Add(2 * time.Minute)})
		s.mu.Unlock()

		if err := s.LoadHistory(context.Background(), "42"); err != nil {
			t.Fatal(err)
		}
		want := []ID{"1", "2", "3", ""}
		if got := ids(s.Messages()); !reflect.DeepEqual(got, want) {
			t.Errorf("ids = %v, want %v", got, want)
		}
	})

	t.Run("stale load for a previous chat is discarded", func(t *testing.T) {
		api := newFakeMessageAPI()
		api.history["42"] = []Message{msgAt("1", "42", "u2", "a", testTime)}
		s, _ := newTestSynchronizer(api)
		s.SetActiveChat("7")
		if err := s.LoadHistory(context.Background(), "42"); err != nil {
			t.Fatal(err)
		}
		if got := s.Messages(); len(got) != 0 {
			t.Errorf("messages of chat 42 leaked into chat 7: %v", ids(got))
		}
	})
}

// ============================================================================
// Send
// ============================================================================

func TestSynchronizerSendHello(t *testing.T) {
	api := newFakeMessageAPI()
	s, _ := newTestSynchronizer(api)
	s.SetActiveChat("42")

	var pendingSeen []Message
	api.beforeSend = func() { pendingSeen = s.Messages() }

	var appended []Message
	s.OnAppended(func(m Message) { appended = append(appended, m) })

	m, err := s.Send(context.Background(), "42", "hello")
	if err != nil {
		t.Fatal(err)
	}

	if len(pendingSeen) != 1 || !pendingSeen[0].Pending() || pendingSeen[0].Content != "hello" {
		t.Fatalf("list during send = %+v, want one pending entry", pendingSeen)
	}
	if m.ID != "101" || !m.SentAt.Equal(testTime) || m.ClientID != pendingSeen[0].ClientID {
		t.Errorf("confirmed = %+v", m)
	}

	got := s.Messages()
	if len(got) != 1 || got[0].ID != "101" || got[0].Content != "hello" {
		t.Fatalf("list = %+v, want exactly {101 hello}", got)
	}

	s.HandlePush(msgAt("101", "42", testSelf, "hello", testTime))
	if got := s.Messages(); len(got) != 1 {
		t.Errorf("echo added an entry: %v", ids(got))
	}
	if len(appended) != 1 || !appended[0].Pending() {
		t.Errorf("appended = %+v, want only the pending entry", appended)
	}
}

func TestSynchronizerSendFailure(t *testing.T) {
	api := newFakeMessageAPI()
	api.sendErr = &RequestError{Method: "POST", Path: "/messages", Err: errors.New("connection refused")}
	s, _ := newTestSynchronizer(api)
	s.SetActiveChat("42")

	_, err := s.Send(context.Background(), "42", "draft text")
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if sendErr.Content != "draft text" || sendErr.ChatID != "42" {
		t.Errorf("SendError = %+v", sendErr)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Errorf("SendError does not unwrap to the request error")
	}
	if got := s.Messages(); len(got) != 0 {
		t.Errorf("failed send left %d entries", len(got))
	}
}

func TestSynchronizerSendValidation(t *testing.T) {
	api := newFakeMessageAPI()
	s, _ := newTestSynchronizer(api)
	if _, err := s.Send(context.Background(), "42", "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if api.sends != 0 {
		t.Errorf("blank content reached the API")
	}
}

// ============================================================================
// Chat summaries and receipts
// ============================================================================

func TestSynchronizerInactiveChatUpdatesSummary(t *testing.T) {
	s, _ := newTestSynchronizer(newFakeMessageAPI())
	s.SetChats([]Chat{
		{ID: "42", LastUpdated: testTime.Add(-time.Minute)},
		{ID: "7", LastUpdated: testTime.Add(-time.Hour), UnreadCount: 1},
	})
	s.SetActiveChat("42")

	var updates int
	s.OnChatsChanged(func([]Chat) { updates++ })

	m := msgAt("500", "7", "u2", "ping", testTime)
	s.HandlePush(m)
	s.HandlePush(m)

	if got := s.Messages(); len(got) != 0 {
		t.Errorf("inactive chat message entered the active list")
	}
	chats := s.Chats()
	if chats[0].ID != "7" {
		t.Fatalf("chat 7 not moved to the top: %v", chats)
	}
	if chats[0].UnreadCount != 2 || chats[0].LastMessage == nil || chats[0].LastMessage.ID != "500" {
		t.Errorf("chat 7 summary = %+v", chats[0])
	}
	if updates != 1 {
		t.Errorf("chat updates = %d, want 1", updates)
	}

	s.HandlePush(msgAt("501", "42", "u2", "here", testTime.Add(time.Second)))
	if c, _ := s.Chat("42"); c.UnreadCount != 1 || c.LastMessage.ID != "501" {
		t.Errorf("active chat summary = %+v, want the push counted as unread", c)
	}
}

func TestSynchronizerAutoReadActiveChat(t *testing.T) {
	s, _ := newTestSynchronizer(newFakeMessageAPI())
	s.SetChats([]Chat{{ID: "42"}, {ID: "7"}})
	s.SetActiveChat("42")
	s.SetAutoRead(true)

	s.HandlePush(msgAt("1", "42", "u2", "seen", testTime))
	s.HandlePush(msgAt("2", "7", "u2", "elsewhere", testTime))
	if n := s.ChatUnread("42"); n != 0 {
		t.Errorf("active chat unread = %d with auto read on", n)
	}
	if n := s.ChatUnread("7"); n != 1 {
		t.Errorf("inactive chat unread = %d", n)
	}

	s.SetAutoRead(false)
	s.HandlePush(msgAt("3", "42", "u2", "unseen", testTime.Add(time.Second)))
	if n := s.ChatUnread("42"); n != 1 {
		t.Errorf("active chat unread = %d with auto read off", n)
	}
}

func TestSynchronizerReadReceipts(t *testing.T) {
	s, _ := newTestSynchronizer(newFakeMessageAPI())
	s.SetChats([]Chat{{ID: "42", UnreadCount: 2}})
	s.SetActiveChat("42")
	s.HandlePush(msgAt("1", "42", "u2", "theirs", testTime))
	s.mu.Lock()
	s.insertLocked(msgAt("2", "42", testSelf, "mine", testTime.Add(time.Second)))
	s.mu.Unlock()

	readAt := testTime.Add(time.Minute)
	s.HandleReadReceipt(ReadReceiptEvent{ChatID: "42", UserID: "u2", ReadAt: readAt})
	got := s.Messages()
	if got[0].IsRead || !got[1].IsRead || !got[1].ReadAt.Equal(readAt) {
		t.Errorf("after peer receipt: %+v", got)
	}

	s.HandleReadReceipt(ReadReceiptEvent{ChatID: "42", UserID: "U1", ReadAt: readAt})
	got = s.Messages()
	if !got[0].IsRead {
		t.Errorf("own receipt did not mark inbound message read")
	}
	if n := s.ChatUnread("42"); n != 0 {
		t.Errorf("unread after own receipt = %d", n)
	}
}
