package storage

import (
	"fmt"

	"healthmate/internal/models"

	"go.etcd.io/bbolt"
)

// FindOrCreateConversation returns the conversation between a and b, creating it
// with newID when absent. The lookup does not depend on argument order.
func (s *BboltStorage) FindOrCreateConversation(a, b, newID string) (models.Conversation, bool, error) {
	conv, err := models.NewConversation(newID, a, b)
	if err != nil {
		return models.Conversation{}, false, err
	}

	var created bool
	err = s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketConversationPairs)
		key := pairKey(a, b)
		if existing := pairs.Get(key); existing != nil {
			dbConv, err := getConversation(tx, string(existing))
			if err != nil {
				return err
			}
			conv = dbConv.toModel()
			return nil
		}

		dbConv := newDBConversation(conv)
		if err := putRecord(tx.Bucket(bucketConversations), &dbConv); err != nil {
			return fmt.Errorf("failed to put conversation: %w", err)
		}
		created = true
		return pairs.Put(key, []byte(conv.ID))
	})
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, created, nil
}

func getConversation(tx *bbolt.Tx, id string) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &dbConv, nil
}

func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		conv = dbConv.toModel()
		return nil
	})
	return conv, err
}

// UpdateConversation applies fn to the stored conversation in one write
// transaction. Participants are immutable and are restored after fn runs.
func (s *BboltStorage) UpdateConversation(id string, fn func(*models.Conversation) error) (models.Conversation, error) {
	var out models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		conv := dbConv.toModel()
		if err := fn(&conv); err != nil {
			return err
		}
		conv.ID = dbConv.ID
		conv.ParticipantIDs = append([]string(nil), dbConv.ParticipantIDs...)
		updated := newDBConversation(conv)
		if err := putRecord(tx.Bucket(bucketConversations), &updated); err != nil {
			return err
		}
		out = conv
		return nil
	})
	return out, err
}

// ListConversations returns every conversation userID participates in.
func (s *BboltStorage) ListConversations(userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			conv := dbConv.toModel()
			if conv.HasParticipant(userID) {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	return convs, err
}
