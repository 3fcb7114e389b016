package ws

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"healthmate/internal/chat"
	"healthmate/internal/metrics"
	"healthmate/internal/models"
	"healthmate/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, _ models.ChatNotificationPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID)
}

func (n *recordingNotifier) called() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type testEnv struct {
	hub      *Hub
	chat     *chat.Service
	store    *storage.BboltStorage
	notifier *recordingNotifier
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range []models.User{
		{ID: "a", Email: "a@x.com", DisplayName: "Alice"},
		{ID: "b", Email: "b@x.com", DisplayName: "Bob"},
		{ID: "c", Email: "c@x.com", DisplayName: "Carol"},
	} {
		require.NoError(t, store.CreateUser(u, ""))
	}

	env := &testEnv{
		chat:     chat.NewService(store, store),
		store:    store,
		notifier: &recordingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	env.hub = NewHub(HubConfig{
		Chat:              env.chat,
		Users:             store,
		Notifier:          env.notifier,
		Metrics:           env.metrics,
		DeliveredAckDelay: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = env.hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return env
}

func (e *testEnv) connect(t *testing.T, userID, email string) *Client {
	t.Helper()
	c := NewClient(userID, email, 64)
	e.hub.Connect(c)
	return c
}

// flush waits until the hub has handled everything posted so far.
func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.hub.call(ctx, func() {}))
}

func (e *testEnv) join(t *testing.T, c *Client) {
	t.Helper()
	e.hub.Dispatch(c, event(models.ClientEventJoin, c.Email))
	e.flush(t)
}

func (e *testEnv) joinRoom(t *testing.T, c *Client, conversationID string) {
	t.Helper()
	e.hub.Dispatch(c, event(models.ClientEventJoinConversation, conversationID))
	e.flush(t)
}

// waitFor returns the next event named name, discarding others.
func waitFor(t *testing.T, c *Client, name models.ServerEventName) models.ServerEvent {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-c.Queue():
			if ev.Event == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
			return models.ServerEvent{}
		}
	}
}

// drain returns everything currently queued for c.
func drain(c *Client) []models.ServerEvent {
	var out []models.ServerEvent
	for {
		select {
		case ev := <-c.Queue():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countEvents(events []models.ServerEvent, name models.ServerEventName) int {
	n := 0
	for _, ev := range events {
		if ev.Event == name {
			n++
		}
	}
	return n
}

func TestHub_EndToEnd(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect(t, "a", "a@x.com")
	b := env.connect(t, "b", "b@x.com")
	env.join(t, a)
	env.join(t, b)

	conv, err := env.chat.FindOrCreateByEmails("a@x.com", "b@x.com")
	require.NoError(t, err)
	env.joinRoom(t, a, conv.ID)
	env.joinRoom(t, b, conv.ID)

	msg, err := env.chat.Send(conv.ID, "a", "hi")
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSent, msg.Status)
	drain(a)
	drain(b)

	env.hub.Dispatch(a, event(models.ClientEventSendMessage, models.SendMessagePayload{
		ConversationID: conv.ID,
		SenderEmail:    "a@x.com",
		Content:        "hi",
		MessageID:      msg.ID,
	}))

	sent := waitFor(t, a, models.ServerEventMessageSent)
	assert.Equal(t, models.MessageAckPayload{MessageID: msg.ID, ConversationID: conv.ID}, sent.Data)

	received := waitFor(t, b, models.ServerEventReceiveMessage)
	payload, ok := received.Data.(models.ReceiveMessagePayload)
	require.True(t, ok)
	assert.Equal(t, "hi", payload.Content)
	assert.Equal(t, "a@x.com", payload.SenderEmail)
	assert.Equal(t, "Alice", payload.SenderName)
	assert.Equal(t, models.MessageStatusDelivered, payload.Status)
	assert.Equal(t, msg.SentAt.UnixMilli(), payload.Timestamp)

	notification := waitFor(t, b, models.ServerEventChatNotification)
	np, ok := notification.Data.(models.ChatNotificationPayload)
	require.True(t, ok)
	assert.Equal(t, models.NotificationTypeChatMessage, np.Type)
	assert.Equal(t, msg.ID, np.MessageID)

	delivered := waitFor(t, a, models.ServerEventMessageDelivered)
	assert.Equal(t, models.MessageAckPayload{MessageID: msg.ID, ConversationID: conv.ID}, delivered.Data)

	stored, err := env.chat.Message(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusDelivered, stored.Status)

	// The sender's connection gets no echo of its own message.
	env.flush(t)
	assert.Zero(t, countEvents(drain(a), models.ServerEventReceiveMessage))
	assert.Empty(t, env.notifier.called())
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.Deliveries), 0)

	stats, err := env.hub.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Connections: 2, Rooms: 1, RoomMembers: 2, OnlineUsers: 2}, stats)
}

func TestHub_ReplayOnJoin(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect(t, "a", "a@x.com")
	env.join(t, a)

	conv, err := env.chat.FindOrCreate("a", "b")
	require.NoError(t, err)
	msg, err := env.chat.Send(conv.ID, "a", "are you there?")
	require.NoError(t, err)

	env.hub.Dispatch(a, event(models.ClientEventSendMessage, models.SendMessagePayload{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Content:        msg.Content,
	}))
	waitFor(t, a, models.ServerEventMessageSent)
	require.Eventually(t, func() bool {
		return len(env.notifier.called()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"b"}, env.notifier.called())

	stored, err := env.chat.Message(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, stored.Status)

	b := env.connect(t, "b", "b@x.com")
	env.join(t, b)

	events := drain(b)
	require.Equal(t, 1, countEvents(events, models.ServerEventReceiveMessage))
	for _, ev := range events {
		if ev.Event == models.ServerEventReceiveMessage {
			p := ev.Data.(models.ReceiveMessagePayload)
			assert.Equal(t, msg.ID, p.MessageID)
			assert.Equal(t, "are you there?", p.Content)
		}
	}

	stored, err = env.chat.Message(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusDelivered, stored.Status)

	delivered := waitFor(t, a, models.ServerEventMessageDelivered)
	assert.Equal(t, msg.ID, delivered.Data.(models.MessageAckPayload).MessageID)

	// A second tab gets nothing replayed.
	b2 := env.connect(t, "b", "b@x.com")
	env.join(t, b2)
	assert.Zero(t, countEvents(drain(b2), models.ServerEventReceiveMessage))
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.Replays), 0)
}

func TestHub_PresenceTransitions(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect(t, "a", "a@x.com")
	env.join(t, a)
	// a's own online announcement.
	drain(a)

	b1 := env.connect(t, "b", "b@x.com")
	env.join(t, b1)
	online := waitFor(t, a, models.ServerEventUserOnline)
	assert.Equal(t, "b@x.com", online.Data)

	u, err := env.store.GetUser("b")
	require.NoError(t, err)
	assert.True(t, u.Presence.Online)

	// Second tab evicts the first without another online broadcast.
	b2 := env.connect(t, "b", "b@x.com")
	env.join(t, b2)
	h, ok := env.hub.Presence().Lookup("b@x.com")
	require.True(t, ok)
	assert.Same(t, b2, h)

	// The evicted tab closing does not take b offline.
	env.hub.Disconnect(b1)
	env.flush(t)
	events := drain(a)
	assert.Zero(t, countEvents(events, models.ServerEventUserOnline))
	assert.Zero(t, countEvents(events, models.ServerEventUserOffline))
	u, err = env.store.GetUser("b")
	require.NoError(t, err)
	assert.True(t, u.Presence.Online)

	env.hub.Disconnect(b2)
	offline := waitFor(t, a, models.ServerEventUserOffline)
	assert.Equal(t, "b@x.com", offline.Data)
	u, err = env.store.GetUser("b")
	require.NoError(t, err)
	assert.False(t, u.Presence.Online)
	assert.Equal(t, []string{"a@x.com"}, env.hub.Presence().Online())

	// A second disconnect is a no-op.
	env.hub.Disconnect(b2)
	env.flush(t)
	assert.Zero(t, countEvents(drain(a), models.ServerEventUserOffline))
}

func TestHub_Logout(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect(t, "a", "a@x.com")
	b := env.connect(t, "b", "b@x.com")
	env.join(t, a)
	env.join(t, b)
	conv, err := env.chat.FindOrCreate("a", "b")
	require.NoError(t, err)
	env.joinRoom(t, a, conv.ID)
	env.joinRoom(t, b, conv.ID)
	drain(a)

	env.hub.Dispatch(b, event(models.ClientEventLogout, nil))
	offline := waitFor(t, a, models.ServerEventUserOffline)
	assert.Equal(t, "b@x.com", offline.Data)

	// The logged out tab left its rooms.
	drain(b)
	env.hub.Dispatch(a, event(models.ClientEventTypingStart, models.TypingPayload{ConversationID: conv.ID}))
	env.flush(t)
	assert.Zero(t, countEvents(drain(b), models.ServerEventTypingStart))
	stats, err := env.hub.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 1, stats.RoomMembers)

	select {
	case <-b.Done():
		t.Fatal("logout must not close the connection")
	default:
	}
	_, ok := env.hub.Presence().Lookup("b@x.com")
	assert.False(t, ok)

	// Disconnect after logout does not announce offline twice.
	env.hub.Disconnect(b)
	env.flush(t)
	assert.Zero(t, countEvents(drain(a), models.ServerEventUserOffline))
	select {
	case <-b.Done():
	default:
		t.Fatal("disconnect closes the client")
	}
}

func TestHub_JoinIdentityMismatch(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect(t, "a", "a@x.com")
	env.hub.Dispatch(a, event(models.ClientEventJoin, "b@x.com"))
	env.flush(t)

	assert.Empty(t, env.hub.Presence().Online())
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.DroppedEvents.WithLabelValues(dropIdentityMismatch)), 0)

	// Object form of the payload is accepted too.
	env.hub.Dispatch(a, event(models.ClientEventJoin, map[string]string{"email": "A@x.com"}))
	env.flush(t)
	assert.Equal(t, []string{"a@x.com"}, env.hub.Presence().Online())
}

func TestHub_Typing(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect(t, "a", "a@x.com")
	b := env.connect(t, "b", "b@x.com")
	c := env.connect(t, "c", "c@x.com")
	for _, cl := range []*Client{a, b, c} {
		env.join(t, cl)
	}

	conv, err := env.chat.FindOrCreate("a", "b")
	require.NoError(t, err)
	env.joinRoom(t, a, conv.ID)
	env.joinRoom(t, b, conv.ID)
	env.joinRoom(t, c, conv.ID) // not a participant, refused
	drain(a)
	drain(b)
	drain(c)

	env.hub.Dispatch(a, event(models.ClientEventTypingStart, models.TypingPayload{ConversationID: conv.ID, UserEmail: "spoof@x.com"}))
	ev := waitFor(t, b, models.ServerEventTypingStart)
	assert.Equal(t, models.TypingPayload{ConversationID: conv.ID, UserEmail: "a@x.com"}, ev.Data)

	env.hub.Dispatch(a, event(models.ClientEventTypingStop, models.TypingPayload{ConversationID: conv.ID}))
	waitFor(t, b, models.ServerEventTypingStop)

	env.hub.Dispatch(c, event(models.ClientEventTypingStart, models.TypingPayload{ConversationID: conv.ID}))
	env.flush(t)

	assert.Empty(t, drain(a), "typing is not echoed to the emitter")
	assert.Empty(t, drain(b))
	assert.Empty(t, drain(c))
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.DroppedEvents.WithLabelValues(dropForbidden)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.DroppedEvents.WithLabelValues(dropNotInRoom)), 0)
}

func TestHub_ReadReceipts(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect(t, "a", "a@x.com")
	b := env.connect(t, "b", "b@x.com")
	env.join(t, a)
	env.join(t, b)

	conv, err := env.chat.FindOrCreate("a", "b")
	require.NoError(t, err)
	env.joinRoom(t, a, conv.ID)
	env.joinRoom(t, b, conv.ID)

	m1, err := env.chat.Send(conv.ID, "a", "one")
	require.NoError(t, err)
	m2, err := env.chat.Send(conv.ID, "a", "two")
	require.NoError(t, err)
	drain(a)
	drain(b)

	env.hub.Dispatch(b, event(models.ClientEventMessageRead, models.ReadReceiptPayload{
		ConversationID: conv.ID,
		MessageIDs:     []string{m1.ID, m2.ID},
	}))

	for _, cl := range []*Client{a, b} {
		ev := waitFor(t, cl, models.ServerEventMessagesRead)
		p := ev.Data.(models.ReadReceiptPayload)
		assert.Equal(t, conv.ID, p.ConversationID)
		assert.ElementsMatch(t, []string{m1.ID, m2.ID}, p.MessageIDs)
	}

	got, err := env.chat.Conversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCountByUser["b"])

	// Repeating the receipt changes nothing and is not rebroadcast.
	env.hub.Dispatch(b, event(models.ClientEventMessageRead, models.ReadReceiptPayload{
		ConversationID: conv.ID,
		MessageIDs:     []string{m1.ID},
	}))
	env.flush(t)
	assert.Zero(t, countEvents(drain(a), models.ServerEventMessagesRead))
}

func TestHub_DropsUnresolvableEvents(t *testing.T) {
	env := newTestEnv(t)

	a := env.connect(t, "a", "a@x.com")
	b := env.connect(t, "b", "b@x.com")

	// Events before join are dropped.
	env.hub.Dispatch(a, event(models.ClientEventSendMessage, models.SendMessagePayload{ConversationID: "c", MessageID: "m"}))
	env.flush(t)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.DroppedEvents.WithLabelValues(dropNotJoined)), 0)

	env.join(t, a)
	env.join(t, b)
	drain(a)

	conv, err := env.chat.FindOrCreate("a", "b")
	require.NoError(t, err)
	msg, err := env.chat.Send(conv.ID, "b", "from b")
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload models.SendMessagePayload
		reason  string
	}{
		{"unknown message", models.SendMessagePayload{ConversationID: conv.ID, MessageID: "missing"}, dropUnresolved},
		{"not the sender", models.SendMessagePayload{ConversationID: conv.ID, MessageID: msg.ID}, dropUnresolved},
		{"wrong conversation", models.SendMessagePayload{ConversationID: "other", MessageID: msg.ID}, dropUnresolved},
		{"spoofed sender", models.SendMessagePayload{ConversationID: conv.ID, MessageID: msg.ID, SenderEmail: "b@x.com"}, dropIdentityMismatch},
		{"missing ids", models.SendMessagePayload{Content: "x"}, dropMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(env.metrics.DroppedEvents.WithLabelValues(tt.reason))
			env.hub.Dispatch(a, event(models.ClientEventSendMessage, tt.payload))
			env.flush(t)
			after := testutil.ToFloat64(env.metrics.DroppedEvents.WithLabelValues(tt.reason))
			assert.InDelta(t, 1, after-before, 0)
			assert.Empty(t, drain(a))
		})
	}

	env.hub.Dispatch(a, models.ClientEvent{Event: "bogus"})
	env.flush(t)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.DroppedEvents.WithLabelValues(dropUnknownEvent)), 0)

	stored, err := env.chat.Message(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, stored.Status)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(HubConfig{Chat: env.chat, Users: env.store})
	done := make(chan error)
	go func() { done <- hub.Run(ctx) }()

	c := NewClient("c", "c@x.com", 8)
	hub.Connect(c)
	hub.Dispatch(c, event(models.ClientEventJoin, "c@x.com"))
	cancel()
	require.NoError(t, <-done)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not closed on shutdown")
	}
	u, err := env.store.GetUser("c")
	require.NoError(t, err)
	assert.False(t, u.Presence.Online)

	// Requests after shutdown do not block.
	late := NewClient("c", "c@x.com", 8)
	hub.Connect(late)
	<-late.Done()
}
