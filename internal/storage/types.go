package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"healthmate/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	Email        string `msgpack:"email"`
	DisplayName  string `msgpack:"displayName"`
	Online       bool   `msgpack:"online"`
	LastSeen     int64  `msgpack:"lastSeen"`
	PasswordHash string `msgpack:"passwordHash"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Presence: models.Presence{
			Online:   u.Online,
			LastSeen: u.LastSeen,
		},
	}
}

type DBFriendEdge struct {
	ID          string `msgpack:"id"`
	RequesterID string `msgpack:"requesterId"`
	AddresseeID string `msgpack:"addresseeId"`
	Status      string `msgpack:"status"`
	RequestedAt int64  `msgpack:"requestedAt"` // UnixNano
	AcceptedAt  int64  `msgpack:"acceptedAt"`  // UnixNano, 0 when not accepted
}

func (e *DBFriendEdge) Key() []byte {
	return []byte(e.ID)
}

func (e *DBFriendEdge) MarshalBinary() (data []byte, err error) {
	type alias DBFriendEdge
	return msgpack.Marshal((*alias)(e))
}

func (e *DBFriendEdge) UnmarshalBinary(data []byte) error {
	type alias DBFriendEdge
	return msgpack.Unmarshal(data, (*alias)(e))
}

func newDBFriendEdge(e models.FriendEdge) DBFriendEdge {
	return DBFriendEdge{
		ID:          e.ID,
		RequesterID: e.RequesterID,
		AddresseeID: e.AddresseeID,
		Status:      string(e.Status),
		RequestedAt: e.RequestedAt.UnixNano(),
		AcceptedAt:  fromTimePtr(e.AcceptedAt),
	}
}

func (e *DBFriendEdge) toModel() models.FriendEdge {
	return models.FriendEdge{
		ID:          e.ID,
		RequesterID: e.RequesterID,
		AddresseeID: e.AddresseeID,
		Status:      models.FriendStatus(e.Status),
		RequestedAt: time.Unix(0, e.RequestedAt).UTC(),
		AcceptedAt:  toTimePtr(e.AcceptedAt),
	}
}

type DBConversation struct {
	ID                 string         `msgpack:"id"`
	ParticipantIDs     []string       `msgpack:"participantIds"`
	LastMessageID      string         `msgpack:"lastMessageId"`
	LastMessagePreview string         `msgpack:"lastMessagePreview"`
	LastMessageAt      int64          `msgpack:"lastMessageAt"` // UnixNano, 0 when empty
	UnreadCountByUser  map[string]int `msgpack:"unreadCountByUser"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func newDBConversation(c models.Conversation) DBConversation {
	return DBConversation{
		ID:                 c.ID,
		ParticipantIDs:     c.ParticipantIDs,
		LastMessageID:      c.LastMessageID,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      fromTimePtr(c.LastMessageAt),
		UnreadCountByUser:  c.UnreadCountByUser,
	}
}

func (c *DBConversation) toModel() models.Conversation {
	unread := make(map[string]int, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		unread[id] = 0
	}
	for id, n := range c.UnreadCountByUser {
		unread[id] = n
	}
	return models.Conversation{
		ID:                 c.ID,
		ParticipantIDs:     append([]string(nil), c.ParticipantIDs...),
		LastMessageID:      c.LastMessageID,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      toTimePtr(c.LastMessageAt),
		UnreadCountByUser:  unread,
	}
}

type DBMessage struct {
	ID        string `msgpack:"id"`
	ChatID    string `msgpack:"chatId"`
	SenderID  string `msgpack:"senderId"`
	Content   string `msgpack:"content"`
	Timestamp int64  `msgpack:"timestamp"` // UnixNano
	Status    string `msgpack:"status"`
	ReadAt    int64  `msgpack:"readAt"` // UnixNano, 0 when unread
}

// Key orders messages of one conversation by send time, ties broken by id.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.Timestamp))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:        m.ID,
		ChatID:    m.ConversationID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.SentAt.UnixNano(),
		Status:    string(m.Status),
		ReadAt:    fromTimePtr(m.ReadAt),
	}
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ChatID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SentAt:         time.Unix(0, m.Timestamp).UTC(),
		Status:         models.MessageStatus(m.Status),
		ReadAt:         toTimePtr(m.ReadAt),
	}
}

// DBMessageRef locates a message by id inside its conversation bucket.
type DBMessageRef struct {
	ChatID string `msgpack:"chatId"`
	Key    []byte `msgpack:"key"`
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

// PushSubscription is a browser Web Push endpoint registered by a user.
type PushSubscription struct {
	UserID    string `msgpack:"userId" json:"-"`
	Endpoint  string `msgpack:"endpoint" json:"endpoint"`
	P256dh    string `msgpack:"p256dh" json:"p256dh"`
	Auth      string `msgpack:"auth" json:"auth"`
	CreatedAt int64  `msgpack:"createdAt" json:"-"`
}

func (p *PushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *PushSubscription) MarshalBinary() (data []byte, err error) {
	type alias PushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *PushSubscription) UnmarshalBinary(data []byte) error {
	type alias PushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func fromTimePtr(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func toTimePtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
