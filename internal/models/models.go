package models

import (
	"strings"
	"time"
)

// User is the identity record the chat core reads and whose presence it updates.
type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Presence    Presence `json:"presence"`
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

// NormalizeEmail is the canonical form used for lookups and presence keys.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type FriendStatus string

const (
	FriendStatusPending  FriendStatus = "pending"
	FriendStatusAccepted FriendStatus = "accepted"
	FriendStatusBlocked  FriendStatus = "blocked"
)

// FriendEdge is a directed friend request. At most one edge exists per unordered pair.
type FriendEdge struct {
	ID          string       `json:"id"`
	RequesterID string       `json:"requesterId"`
	AddresseeID string       `json:"addresseeId"`
	Status      FriendStatus `json:"status"`
	RequestedAt time.Time    `json:"requestedAt"`
	AcceptedAt  *time.Time   `json:"acceptedAt,omitempty"`
}

// Other returns the counterpart of userID on this edge.
func (e FriendEdge) Other(userID string) string {
	if e.RequesterID == userID {
		return e.AddresseeID
	}
	return e.RequesterID
}

// Touches reports whether userID is either side of the edge.
func (e FriendEdge) Touches(userID string) bool {
	return e.RequesterID == userID || e.AddresseeID == userID
}

type FriendSummary struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"lastSeen"`
}

func SummaryOf(u User) FriendSummary {
	return FriendSummary{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Online:      u.Presence.Online,
		LastSeen:    u.Presence.LastSeen,
	}
}

// FriendRequest is a pending edge annotated with the user on the other side.
type FriendRequest struct {
	FriendEdge
	User FriendSummary `json:"user"`
}

type FriendsOverview struct {
	Friends  []FriendSummary `json:"friends"`
	Incoming []FriendRequest `json:"incomingRequests"`
	Outgoing []FriendRequest `json:"outgoingRequests"`
}

// Conversation is the 1:1 container for messages between exactly two users.
type Conversation struct {
	ID                 string         `json:"id"`
	ParticipantIDs     []string       `json:"participantIds"`
	LastMessageID      string         `json:"lastMessageId,omitempty"`
	LastMessagePreview string         `json:"lastMessagePreviewText"`
	LastMessageAt      *time.Time     `json:"lastMessageAt,omitempty"`
	UnreadCountByUser  map[string]int `json:"unreadCountByUser"`
}

// NewConversation validates the participant set: exactly two distinct, non-empty ids.
func NewConversation(id string, participantIDs ...string) (Conversation, error) {
	if len(participantIDs) != 2 {
		return Conversation{}, NewValidationError(map[string]string{"participantIds": "exactly two participants required"})
	}
	a, b := participantIDs[0], participantIDs[1]
	if a == "" || b == "" {
		return Conversation{}, NewValidationError(map[string]string{"participantIds": "participant id is empty"})
	}
	if a == b {
		return Conversation{}, NewValidationError(map[string]string{"participantIds": "participants must differ"})
	}
	return Conversation{
		ID:                id,
		ParticipantIDs:    []string{a, b},
		UnreadCountByUser: map[string]int{a: 0, b: 0},
	}, nil
}

func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// ConversationSummary is a conversation as seen by one of its participants.
type ConversationSummary struct {
	Conversation
	Other       FriendSummary `json:"otherUser"`
	UnreadCount int           `json:"unreadCount"`
}

// MessageStatus tracks delivery: sent < delivered < read. It never moves backwards.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Rank orders statuses. Unknown statuses rank below sent.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

// Before reports whether s is strictly earlier than other.
func (s MessageStatus) Before(other MessageStatus) bool {
	return s.Rank() < other.Rank()
}

func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// Message is append-only; only Status and ReadAt change after creation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	SentAt         time.Time     `json:"sentAt"`
	Status         MessageStatus `json:"status"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
}

// APIResponse is the failure (and simple success) envelope of the HTTP API.
type APIResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
