package storage

import (
	"errors"
	"fmt"
	"time"

	"healthmate/internal/models"

	"go.etcd.io/bbolt"
)

// InsertMessage appends a message to its conversation. Messages are never
// overwritten: inserting an existing id fails.
func (s *BboltStorage) InsertMessage(message models.Message) error {
	if message.ConversationID == "" {
		return errors.New("message missing conversationID")
	}
	if message.ID == "" {
		return errors.New("message missing id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getConversation(tx, message.ConversationID); err != nil {
			return err
		}

		index := tx.Bucket(bucketMessageIndex)
		if index.Get([]byte(message.ID)) != nil {
			return fmt.Errorf("message %s already exists", message.ID)
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}

		dbMessage := newDBMessage(message)
		if err := putRecord(chatBucket, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{ChatID: message.ConversationID, Key: dbMessage.Key()}
		data, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return index.Put([]byte(message.ID), data)
	})
}

func getMessage(tx *bbolt.Tx, id string) (*DBMessage, *bbolt.Bucket, error) {
	refData := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if refData == nil {
		return nil, nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal message ref: %w", err)
	}
	chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ChatID))
	if chatBucket == nil {
		return nil, nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	data := chatBucket.Get(ref.Key)
	if data == nil {
		return nil, nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &dbMsg, chatBucket, nil
}

func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, _, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// UpdateMessage applies fn to the stored message inside one write transaction.
// fn reports whether it changed anything; unchanged messages are not rewritten.
// Only Status and ReadAt are persisted.
func (s *BboltStorage) UpdateMessage(id string, fn func(*models.Message) (bool, error)) (models.Message, bool, error) {
	var (
		out     models.Message
		changed bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, chatBucket, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		msg := dbMsg.toModel()
		changed, err = fn(&msg)
		if err != nil {
			return err
		}
		if !changed {
			out = msg
			return nil
		}
		dbMsg.Status = string(msg.Status)
		dbMsg.ReadAt = fromTimePtr(msg.ReadAt)
		if err := putRecord(chatBucket, dbMsg); err != nil {
			return err
		}
		out = dbMsg.toModel()
		return nil
	})
	return out, changed, err
}

// MarkMessagesRead moves the listed messages of conversationID to read,
// stamping readAt. Ids of other conversations and already read messages are
// skipped. It returns the messages that changed.
func (s *BboltStorage) MarkMessagesRead(conversationID string, ids []string, readAt time.Time, skip func(models.Message) bool) ([]models.Message, error) {
	var changed []models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			dbMsg, chatBucket, err := getMessage(tx, id)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if dbMsg.ChatID != conversationID {
				continue
			}
			msg := dbMsg.toModel()
			if !msg.Status.Before(models.MessageStatusRead) {
				continue
			}
			if skip != nil && skip(msg) {
				continue
			}
			dbMsg.Status = string(models.MessageStatusRead)
			dbMsg.ReadAt = readAt.UnixNano()
			if err := putRecord(chatBucket, dbMsg); err != nil {
				return err
			}
			changed = append(changed, dbMsg.toModel())
		}
		return nil
	})
	return changed, err
}

// ListMessages returns the messages of a conversation ordered by send time, oldest first.
func (s *BboltStorage) ListMessages(conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil // No messages for this chat
		}
		c := chatBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	return messages, err
}
