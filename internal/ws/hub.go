package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"healthmate/internal/metrics"
	"healthmate/internal/models"
	"healthmate/internal/presence"
)

const DefaultDeliveredAckDelay = 500 * time.Millisecond

// Drop reasons, also used as metric labels.
const (
	dropMalformed        = "malformed"
	dropUnknownEvent     = "unknown_event"
	dropNotJoined        = "not_joined"
	dropIdentityMismatch = "identity_mismatch"
	dropUnresolved       = "unresolved"
	dropForbidden        = "forbidden"
	dropNotInRoom        = "not_in_room"
	dropQueueFull        = "queue_full"
	dropRateLimited      = "rate_limited"
)

type ChatService interface {
	Conversation(id string) (models.Conversation, error)
	Message(id string) (models.Message, error)
	AdvanceStatus(messageID string, target models.MessageStatus) (models.Message, bool, error)
	MarkRead(conversationID, readerID string, messageIDs []string) ([]string, error)
	PendingFor(userID string) ([]models.Message, error)
}

type UserStore interface {
	GetUser(id string) (models.User, error)
	UpdateUserPresence(id string, p models.Presence) error
}

// Notifier reaches recipients that have no open connection.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload models.ChatNotificationPayload)
}

type HubConfig struct {
	Chat     ChatService
	Users    UserStore
	Presence presence.Registry[*Client]
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// DeliveredAckDelay is the pause between relaying a message and
	// confirming delivery to its sender.
	DeliveredAckDelay time.Duration
}

type requestKind int

const (
	reqConnect requestKind = iota
	reqDispatch
	reqDisconnect
	reqCall
)

type hubRequest struct {
	kind   requestKind
	client *Client
	event  models.ClientEvent
	fn     func()
}

// Hub owns rooms, connected clients and every presence mutation. All of that
// state is touched only from the Run goroutine; connections talk to it
// through Connect, Dispatch and Disconnect.
type Hub struct {
	chat     ChatService
	users    UserStore
	presence presence.Registry[*Client]
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	ackDelay time.Duration
	now      func() time.Time

	requests chan hubRequest
	stopped  chan struct{}
	ctx      context.Context

	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Presence == nil {
		cfg.Presence = presence.NewLocal[*Client]()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DeliveredAckDelay <= 0 {
		cfg.DeliveredAckDelay = DefaultDeliveredAckDelay
	}
	return &Hub{
		chat:     cfg.Chat,
		users:    cfg.Users,
		presence: cfg.Presence,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		log:      cfg.Logger.With("component", "hub"),
		ackDelay: cfg.DeliveredAckDelay,
		now:      time.Now,
		requests: make(chan hubRequest),
		stopped:  make(chan struct{}),
		ctx:      context.Background(),
		clients:  make(map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]struct{}),
	}
}

// Presence exposes the registry for read-only snapshots.
func (h *Hub) Presence() presence.Registry[*Client] {
	return h.presence
}

// Run processes requests until ctx is cancelled. On exit every connected
// client is taken offline and closed.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case req := <-h.requests:
			h.handle(req)
		}
	}
}

// post hands req to the Run goroutine. It returns false once Run has exited.
func (h *Hub) post(req hubRequest) bool {
	select {
	case h.requests <- req:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) Connect(c *Client) {
	if !h.post(hubRequest{kind: reqConnect, client: c}) {
		c.Close()
	}
}

func (h *Hub) Dispatch(c *Client, ev models.ClientEvent) {
	h.post(hubRequest{kind: reqDispatch, client: c, event: ev})
}

func (h *Hub) Disconnect(c *Client) {
	h.post(hubRequest{kind: reqDisconnect, client: c})
}

// call runs fn on the hub goroutine and waits for it.
func (h *Hub) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !h.post(hubRequest{kind: reqCall, fn: func() {
		fn()
		close(done)
	}}) {
		return errors.New("hub stopped")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	RoomMembers int `json:"roomMembers"`
	OnlineUsers int `json:"onlineUsers"`
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.call(ctx, func() {
		s = Stats{
			Connections: len(h.clients),
			Rooms:       len(h.rooms),
			OnlineUsers: len(h.presence.Online()),
		}
		for _, room := range h.rooms {
			s.RoomMembers += len(room)
		}
	})
	return s, err
}

func (h *Hub) handle(req hubRequest) {
	switch req.kind {
	case reqConnect:
		h.clients[req.client] = struct{}{}
		h.metrics.Connections.Inc()
	case reqDisconnect:
		h.disconnect(req.client)
	case reqDispatch:
		if _, ok := h.clients[req.client]; !ok {
			return
		}
		h.dispatch(req.client, req.event)
	case reqCall:
		req.fn()
	}
}

func (h *Hub) disconnect(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.metrics.Connections.Dec()
	h.leaveAllRooms(c)
	h.goOffline(c)
	c.Close()
}

func (h *Hub) leaveAllRooms(c *Client) {
	for id := range c.rooms {
		h.leaveRoom(c, id)
	}
}

func (h *Hub) shutdown() {
	for c := range h.clients {
		h.disconnect(c)
	}
}

func (h *Hub) dispatch(c *Client, ev models.ClientEvent) {
	switch ev.Event {
	case models.ClientEventJoin, models.ClientEventLogout,
		models.ClientEventJoinConversation, models.ClientEventLeaveConversation,
		models.ClientEventSendMessage, models.ClientEventTypingStart,
		models.ClientEventTypingStop, models.ClientEventMessageRead:
		h.metrics.Events.WithLabelValues(string(ev.Event)).Inc()
	default:
		// Client-chosen names must not become label values.
		h.metrics.Events.WithLabelValues("unknown").Inc()
	}

	switch ev.Event {
	case models.ClientEventJoin:
		h.handleJoin(c, ev)
	case models.ClientEventLogout:
		// A logged out tab must rejoin its rooms after the next join.
		h.leaveAllRooms(c)
		h.goOffline(c)
	case models.ClientEventJoinConversation:
		h.handleJoinConversation(c, ev)
	case models.ClientEventLeaveConversation:
		id, err := decodeField(ev.Data, "conversationId")
		if err != nil {
			h.drop(c, ev, dropMalformed, "error", err)
			return
		}
		h.leaveRoom(c, id)
	case models.ClientEventSendMessage:
		h.handleSendMessage(c, ev)
	case models.ClientEventTypingStart, models.ClientEventTypingStop:
		h.handleTyping(c, ev)
	case models.ClientEventMessageRead:
		h.handleMessageRead(c, ev)
	default:
		h.drop(c, ev, dropUnknownEvent)
	}
}

func (h *Hub) handleJoin(c *Client, ev models.ClientEvent) {
	email, err := decodeField(ev.Data, "email")
	if err != nil || email == "" {
		h.drop(c, ev, dropMalformed, "error", err)
		return
	}
	if models.NormalizeEmail(email) != c.Email {
		h.drop(c, ev, dropIdentityMismatch, "claimed", email)
		return
	}
	if c.online {
		return
	}

	evicted, replaced := h.presence.Register(c.Email, c)
	if replaced {
		evicted.online = false
		h.log.Info("presence entry replaced by newer connection", "email", c.Email)
	}
	c.online = true

	if err := h.users.UpdateUserPresence(c.UserID, models.Presence{Online: true, LastSeen: h.now().Unix()}); err != nil {
		h.log.Error("update presence", "user_id", c.UserID, "error", err)
	}
	if !replaced {
		h.broadcast(models.ServerEvent{Event: models.ServerEventUserOnline, Data: c.Email})
	}
	h.metrics.OnlineUsers.Set(float64(len(h.presence.Online())))

	h.replay(c)
}

// replay delivers every message still marked sent for c's user. A message is
// pushed only when this call moved it to delivered, so each is replayed once.
func (h *Hub) replay(c *Client) {
	pending, err := h.chat.PendingFor(c.UserID)
	if err != nil {
		h.log.Error("load pending messages", "user_id", c.UserID, "error", err)
		return
	}

	senders := make(map[string]models.User)
	for _, m := range pending {
		updated, advanced, err := h.chat.AdvanceStatus(m.ID, models.MessageStatusDelivered)
		if err != nil {
			h.log.Error("advance status", "message_id", m.ID, "error", err)
			continue
		}
		if !advanced {
			continue
		}

		sender, ok := senders[m.SenderID]
		if !ok {
			sender = h.lookupUser(m.SenderID)
			senders[m.SenderID] = sender
		}
		h.deliver(c, models.ServerEvent{
			Event: models.ServerEventReceiveMessage,
			Data:  receivePayload(updated, sender),
		})
		h.metrics.Replays.Inc()

		if sc, ok := h.presence.Lookup(sender.Email); ok && sender.Email != "" {
			h.deliver(sc, models.ServerEvent{
				Event: models.ServerEventMessageDelivered,
				Data:  models.MessageAckPayload{MessageID: m.ID, ConversationID: m.ConversationID},
			})
		}
	}
}

// goOffline runs the Online to Offline transition for c. It only touches the
// registry entry if that entry still belongs to c.
func (h *Hub) goOffline(c *Client) {
	if !c.online {
		return
	}
	c.online = false
	if !h.presence.Unregister(c.Email, c) {
		return
	}

	if err := h.users.UpdateUserPresence(c.UserID, models.Presence{Online: false, LastSeen: h.now().Unix()}); err != nil {
		h.log.Error("update presence", "user_id", c.UserID, "error", err)
	}
	h.broadcast(models.ServerEvent{Event: models.ServerEventUserOffline, Data: c.Email})
	h.metrics.OnlineUsers.Set(float64(len(h.presence.Online())))
}

func (h *Hub) handleJoinConversation(c *Client, ev models.ClientEvent) {
	id, err := decodeField(ev.Data, "conversationId")
	if err != nil || id == "" {
		h.drop(c, ev, dropMalformed, "error", err)
		return
	}
	if !c.online {
		h.drop(c, ev, dropNotJoined)
		return
	}
	conv, err := h.chat.Conversation(id)
	if err != nil {
		h.drop(c, ev, dropUnresolved, "conversation_id", id, "error", err)
		return
	}
	if !conv.HasParticipant(c.UserID) {
		h.drop(c, ev, dropForbidden, "conversation_id", id)
		return
	}

	room, ok := h.rooms[id]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[id] = room
	}
	room[c] = struct{}{}
	c.rooms[id] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, id string) {
	delete(c.rooms, id)
	room, ok := h.rooms[id]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, id)
	}
}

func (h *Hub) handleSendMessage(c *Client, ev models.ClientEvent) {
	var p models.SendMessagePayload
	if err := json.Unmarshal(ev.Data, &p); err != nil || p.MessageID == "" || p.ConversationID == "" {
		h.drop(c, ev, dropMalformed, "error", err)
		return
	}
	if !c.online {
		h.drop(c, ev, dropNotJoined)
		return
	}
	if p.SenderEmail != "" && models.NormalizeEmail(p.SenderEmail) != c.Email {
		h.drop(c, ev, dropIdentityMismatch, "claimed", p.SenderEmail)
		return
	}

	msg, err := h.chat.Message(p.MessageID)
	if err != nil {
		h.drop(c, ev, dropUnresolved, "message_id", p.MessageID, "error", err)
		return
	}
	if msg.ConversationID != p.ConversationID || msg.SenderID != c.UserID {
		h.drop(c, ev, dropUnresolved, "message_id", p.MessageID)
		return
	}
	conv, err := h.chat.Conversation(msg.ConversationID)
	if err != nil {
		h.drop(c, ev, dropUnresolved, "conversation_id", msg.ConversationID, "error", err)
		return
	}

	ack := models.MessageAckPayload{MessageID: msg.ID, ConversationID: conv.ID}
	h.deliver(c, models.ServerEvent{Event: models.ServerEventMessageSent, Data: ack})

	recipientID := conv.Other(c.UserID)
	recipient, err := h.users.GetUser(recipientID)
	if err != nil {
		h.drop(c, ev, dropUnresolved, "user_id", recipientID, "error", err)
		return
	}
	sender := h.lookupUser(c.UserID)
	payload := receivePayload(msg, sender)

	if _, online := h.presence.Lookup(recipient.Email); !online {
		if h.notifier != nil {
			go h.notifier.Notify(h.ctx, recipientID, notificationPayload(payload))
		}
		return
	}

	updated, advanced, err := h.chat.AdvanceStatus(msg.ID, models.MessageStatusDelivered)
	if err != nil {
		h.log.Error("advance status", "message_id", msg.ID, "error", err)
		return
	}
	if advanced {
		h.metrics.Deliveries.Inc()
		payload.Status = updated.Status
		h.toRoom(conv.ID, c, models.ServerEvent{Event: models.ServerEventReceiveMessage, Data: payload})
		h.broadcast(models.ServerEvent{Event: models.ServerEventChatNotification, Data: notificationPayload(payload)})
	}
	if !updated.Status.Before(models.MessageStatusDelivered) {
		h.deliverAfter(h.ackDelay, c, models.ServerEvent{Event: models.ServerEventMessageDelivered, Data: ack})
	}
}

func (h *Hub) handleTyping(c *Client, ev models.ClientEvent) {
	var p models.TypingPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil || p.ConversationID == "" {
		h.drop(c, ev, dropMalformed, "error", err)
		return
	}
	if !c.online {
		h.drop(c, ev, dropNotJoined)
		return
	}
	if _, ok := c.rooms[p.ConversationID]; !ok {
		h.drop(c, ev, dropNotInRoom, "conversation_id", p.ConversationID)
		return
	}

	p.UserEmail = c.Email
	name := models.ServerEventTypingStart
	if ev.Event == models.ClientEventTypingStop {
		name = models.ServerEventTypingStop
	}
	h.toRoom(p.ConversationID, c, models.ServerEvent{Event: name, Data: p})
}

func (h *Hub) handleMessageRead(c *Client, ev models.ClientEvent) {
	var p models.ReadReceiptPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil || p.ConversationID == "" {
		h.drop(c, ev, dropMalformed, "error", err)
		return
	}
	if !c.online {
		h.drop(c, ev, dropNotJoined)
		return
	}
	if len(p.MessageIDs) == 0 {
		return
	}

	changed, err := h.chat.MarkRead(p.ConversationID, c.UserID, p.MessageIDs)
	if err != nil {
		h.drop(c, ev, dropUnresolved, "conversation_id", p.ConversationID, "error", err)
		return
	}
	if len(changed) == 0 {
		return
	}
	h.toRoom(p.ConversationID, nil, models.ServerEvent{
		Event: models.ServerEventMessagesRead,
		Data:  models.ReadReceiptPayload{ConversationID: p.ConversationID, MessageIDs: changed},
	})
}

func (h *Hub) lookupUser(id string) models.User {
	u, err := h.users.GetUser(id)
	if err != nil {
		h.log.Warn("resolve user", "user_id", id, "error", err)
		return models.User{ID: id}
	}
	return u
}

// toRoom sends ev to every member of the room except skip.
func (h *Hub) toRoom(id string, skip *Client, ev models.ServerEvent) {
	for c := range h.rooms[id] {
		if c == skip {
			continue
		}
		h.deliver(c, ev)
	}
}

func (h *Hub) broadcast(ev models.ServerEvent) {
	for c := range h.clients {
		h.deliver(c, ev)
	}
}

// deliver is safe to call from any goroutine.
func (h *Hub) deliver(c *Client, ev models.ServerEvent) {
	if c.Send(ev) {
		return
	}
	select {
	case <-c.Done():
	default:
		h.metrics.DroppedEvents.WithLabelValues(dropQueueFull).Inc()
		h.log.Warn("send queue full, event dropped", "event", ev.Event, "email", c.Email)
	}
}

func (h *Hub) deliverAfter(d time.Duration, c *Client, ev models.ServerEvent) {
	time.AfterFunc(d, func() {
		h.deliver(c, ev)
	})
}

func (h *Hub) drop(c *Client, ev models.ClientEvent, reason string, args ...any) {
	h.metrics.DroppedEvents.WithLabelValues(reason).Inc()
	attrs := append([]any{"event", ev.Event, "reason", reason, "email", c.Email}, args...)
	h.log.Warn("realtime event dropped", attrs...)
}

func receivePayload(m models.Message, sender models.User) models.ReceiveMessagePayload {
	name := sender.DisplayName
	if name == "" {
		name = sender.Email
	}
	return models.ReceiveMessagePayload{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Content:        m.Content,
		SenderEmail:    sender.Email,
		SenderName:     name,
		Timestamp:      m.SentAt.UnixMilli(),
		Status:         m.Status,
	}
}

func notificationPayload(p models.ReceiveMessagePayload) models.ChatNotificationPayload {
	return models.ChatNotificationPayload{ReceiveMessagePayload: p, Type: models.NotificationTypeChatMessage}
}

// decodeField reads a payload that is either a bare JSON string or an object
// carrying the value under field.
func decodeField(raw json.RawMessage, field string) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("empty payload")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	v, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("payload has no %q", field)
	}
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("decode %q: %w", field, err)
	}
	return strings.TrimSpace(s), nil
}
