// Package chat holds the conversation and message stores: 1:1 conversations
// with denormalised last-message fields and append-only messages whose
// delivery status only moves forward.
package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"healthmate/internal/content"
	"healthmate/internal/ids"
	"healthmate/internal/models"
)

// PreviewChars bounds lastMessagePreviewText in runes.
const PreviewChars = 80

type Store interface {
	FindOrCreateConversation(a, b, newID string) (models.Conversation, bool, error)
	GetConversation(id string) (models.Conversation, error)
	UpdateConversation(id string, fn func(*models.Conversation) error) (models.Conversation, error)
	ListConversations(userID string) ([]models.Conversation, error)

	InsertMessage(message models.Message) error
	GetMessage(id string) (models.Message, error)
	UpdateMessage(id string, fn func(*models.Message) (bool, error)) (models.Message, bool, error)
	MarkMessagesRead(conversationID string, ids []string, readAt time.Time, skip func(models.Message) bool) ([]models.Message, error)
	ListMessages(conversationID string) ([]models.Message, error)
}

type UserDirectory interface {
	GetUser(id string) (models.User, error)
	FindUserByEmail(email string) (models.User, error)
}

type Service struct {
	Store Store
	Users UserDirectory
	Now   func() time.Time
}

func NewService(store Store, users UserDirectory) *Service {
	return &Service{Store: store, Users: users, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// FindOrCreate returns the conversation between the two users. Argument order
// does not matter.
func (s *Service) FindOrCreate(userAID, userBID string) (models.Conversation, error) {
	conv, _, err := s.Store.FindOrCreateConversation(userAID, userBID, ids.New())
	return conv, err
}

// FindOrCreateByEmails resolves both addresses and returns their conversation.
func (s *Service) FindOrCreateByEmails(emailA, emailB string) (models.Conversation, error) {
	fields := map[string]string{}
	if strings.TrimSpace(emailA) == "" {
		fields["userEmail"] = "required"
	}
	if strings.TrimSpace(emailB) == "" {
		fields["friendEmail"] = "required"
	}
	if len(fields) > 0 {
		return models.Conversation{}, models.NewValidationError(fields)
	}

	a, err := s.Users.FindUserByEmail(emailA)
	if err != nil {
		return models.Conversation{}, err
	}
	b, err := s.Users.FindUserByEmail(emailB)
	if err != nil {
		return models.Conversation{}, err
	}
	return s.FindOrCreate(a.ID, b.ID)
}

func (s *Service) Conversation(id string) (models.Conversation, error) {
	return s.Store.GetConversation(id)
}

func (s *Service) Message(id string) (models.Message, error) {
	return s.Store.GetMessage(id)
}

// applyLastMessage moves the preview fields forward. An older message never
// replaces a newer preview.
func applyLastMessage(c *models.Conversation, m models.Message) {
	if c.LastMessageAt != nil && m.SentAt.Before(*c.LastMessageAt) {
		return
	}
	at := m.SentAt
	c.LastMessageID = m.ID
	c.LastMessagePreview = content.Preview(m.Content, PreviewChars)
	c.LastMessageAt = &at
}

// RecordLastMessage updates the preview fields only; unread counters are left alone.
func (s *Service) RecordLastMessage(conversationID string, message models.Message) (models.Conversation, error) {
	return s.Store.UpdateConversation(conversationID, func(c *models.Conversation) error {
		applyLastMessage(c, message)
		return nil
	})
}

// ListForUser returns the user's conversations, most recent activity first.
// Conversations without messages come last.
func (s *Service) ListForUser(userID string) ([]models.ConversationSummary, error) {
	convs, err := s.Store.ListConversations(userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]models.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		summary := models.ConversationSummary{
			Conversation: c,
			UnreadCount:  c.UnreadCountByUser[userID],
		}
		other, err := s.Users.GetUser(c.Other(userID))
		switch {
		case err == nil:
			summary.Other = models.SummaryOf(other)
		case errors.Is(err, models.ErrNotFound):
			summary.Other = models.FriendSummary{ID: c.Other(userID)}
		default:
			return nil, err
		}
		out = append(out, summary)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return out, nil
}

// Append stores a new message with status sent. Content is trimmed.
func (s *Service) Append(conversationID, senderID, body string) (models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Message{}, models.ErrEmptyContent
	}
	if utf8.RuneCountInString(body) > content.MaxMessageChars {
		return models.Message{}, models.NewValidationError(map[string]string{
			"content": fmt.Sprintf("longer than %d characters", content.MaxMessageChars),
		})
	}

	conv, err := s.Store.GetConversation(conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return models.Message{}, models.NewValidationError(map[string]string{"senderId": "not a participant"})
	}

	now := s.now()
	id, err := ids.NewMessageID(now)
	if err != nil {
		return models.Message{}, fmt.Errorf("message id: %w", err)
	}
	msg := models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        body,
		SentAt:         now,
		Status:         models.MessageStatusSent,
	}
	if err := s.Store.InsertMessage(msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Send appends a message, records it as the conversation's last message and
// bumps the recipient's unread counter. Once the message is stored it is
// returned even if the conversation update fails, so callers never retry a
// persisted message.
func (s *Service) Send(conversationID, senderID, body string) (models.Message, error) {
	msg, err := s.Append(conversationID, senderID, body)
	if err != nil {
		return models.Message{}, err
	}
	_, err = s.Store.UpdateConversation(conversationID, func(c *models.Conversation) error {
		applyLastMessage(c, msg)
		if c.UnreadCountByUser == nil {
			c.UnreadCountByUser = map[string]int{}
		}
		c.UnreadCountByUser[c.Other(senderID)]++
		return nil
	})
	if err != nil {
		slog.Error("update conversation after send",
			"conversation_id", conversationID, "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// ListForConversation returns the history oldest first.
func (s *Service) ListForConversation(conversationID string) ([]models.Message, error) {
	if _, err := s.Store.GetConversation(conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.Store.ListMessages(conversationID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// AdvanceStatus moves a message to target if target is strictly later than its
// current status. Anything else is a no-op reported as advanced=false.
func (s *Service) AdvanceStatus(messageID string, target models.MessageStatus) (models.Message, bool, error) {
	if !target.Valid() {
		return models.Message{}, false, models.NewValidationError(map[string]string{"status": "unknown"})
	}
	return s.Store.UpdateMessage(messageID, func(m *models.Message) (bool, error) {
		if !m.Status.Before(target) {
			return false, nil
		}
		m.Status = target
		if target == models.MessageStatusRead && m.ReadAt == nil {
			at := s.now()
			m.ReadAt = &at
		}
		return true, nil
	})
}

// MarkManyRead marks the listed messages of conversationID as read and returns
// the ids that changed. Ids from other conversations are ignored.
func (s *Service) MarkManyRead(messageIDs []string, conversationID string) ([]string, error) {
	changed, err := s.Store.MarkMessagesRead(conversationID, messageIDs, s.now(), nil)
	if err != nil {
		return nil, err
	}
	return messageIDsOf(changed), nil
}

// MarkRead is MarkManyRead on behalf of readerID: the reader's own messages
// are skipped and the reader's unread counter drops by the number that changed.
func (s *Service) MarkRead(conversationID, readerID string, messageIDs []string) ([]string, error) {
	conv, err := s.Store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(readerID) {
		return nil, models.ErrForbidden
	}

	changed, err := s.Store.MarkMessagesRead(conversationID, messageIDs, s.now(), func(m models.Message) bool {
		return m.SenderID == readerID
	})
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return []string{}, nil
	}

	_, err = s.Store.UpdateConversation(conversationID, func(c *models.Conversation) error {
		n := c.UnreadCountByUser[readerID] - len(changed)
		if n < 0 {
			n = 0
		}
		c.UnreadCountByUser[readerID] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update unread counter: %w", err)
	}
	return messageIDsOf(changed), nil
}

// PendingFor returns every message addressed to userID that is still sent,
// oldest first across all of the user's conversations.
func (s *Service) PendingFor(userID string) ([]models.Message, error) {
	convs, err := s.Store.ListConversations(userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var pending []models.Message
	for _, c := range convs {
		msgs, err := s.Store.ListMessages(c.ID)
		if err != nil {
			return nil, fmt.Errorf("list messages of %s: %w", c.ID, err)
		}
		for _, m := range msgs {
			if m.SenderID != userID && m.Status == models.MessageStatusSent {
				pending = append(pending, m)
			}
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].SentAt.Before(pending[j].SentAt)
	})
	return pending, nil
}

func messageIDsOf(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
