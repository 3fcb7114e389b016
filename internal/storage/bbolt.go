package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"healthmate/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers             = []byte("users")
	bucketUserEmails        = []byte("user_emails")
	bucketFriendships       = []byte("friendships")
	bucketFriendPairs       = []byte("friend_pairs")
	bucketConversations     = []byte("conversations")
	bucketConversationPairs = []byte("conversation_pairs")
	bucketMessages          = []byte("messages")
	bucketMessageIndex      = []byte("message_index")
	bucketPushSubscriptions = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUserEmails,
			bucketFriendships,
			bucketFriendPairs,
			bucketConversations,
			bucketConversationPairs,
			bucketMessages,
			bucketMessageIndex,
			bucketPushSubscriptions,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// Ping reports whether the database file is usable.
func (s *BboltStorage) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketUsers) == nil {
			return errors.New("users bucket missing")
		}
		return nil
	})
}

func putRecord(b *bbolt.Bucket, r Storeable) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(r.Key(), data)
}

// pairKey is the order-independent key of an unordered pair of user ids.
func pairKey(a, b string) []byte {
	ids := []string{a, b}
	sort.Strings(ids)
	return []byte(ids[0] + "|" + ids[1])
}

// CreateUser stores a new identity. Emails are unique (case-insensitive).
func (s *BboltStorage) CreateUser(user models.User, passwordHash string) error {
	email := models.NormalizeEmail(user.Email)
	if user.ID == "" || email == "" {
		return models.NewValidationError(map[string]string{"email": "required"})
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		emails := tx.Bucket(bucketUserEmails)
		if emails.Get([]byte(email)) != nil {
			return models.ErrUserExists
		}
		dbUser := &DBUser{
			ID:           user.ID,
			Email:        email,
			DisplayName:  user.DisplayName,
			Online:       user.Presence.Online,
			LastSeen:     user.Presence.LastSeen,
			PasswordHash: passwordHash,
		}
		if err := putRecord(tx.Bucket(bucketUsers), dbUser); err != nil {
			return err
		}
		return emails.Put([]byte(email), []byte(user.ID))
	})
}

func getUser(tx *bbolt.Tx, id string) (*DBUser, error) {
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &dbUser, nil
}

func getUserByEmail(tx *bbolt.Tx, email string) (*DBUser, error) {
	id := tx.Bucket(bucketUserEmails).Get([]byte(models.NormalizeEmail(email)))
	if id == nil {
		return nil, fmt.Errorf("user with email %q: %w", email, models.ErrNotFound)
	}
	return getUser(tx, string(id))
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, id)
		if err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

func (s *BboltStorage) FindUserByEmail(email string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := getUserByEmail(tx, email)
		if err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// GetCredentials returns the user and its password hash.
func (s *BboltStorage) GetCredentials(email string) (models.User, string, error) {
	var (
		user models.User
		hash string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := getUserByEmail(tx, email)
		if err != nil {
			return err
		}
		user = dbUser.toModel()
		hash = dbUser.PasswordHash
		return nil
	})
	return user, hash, err
}

func (s *BboltStorage) UpdateUserPresence(id string, presence models.Presence) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, id)
		if err != nil {
			return err
		}
		dbUser.Online = presence.Online
		dbUser.LastSeen = presence.LastSeen
		return putRecord(tx.Bucket(bucketUsers), dbUser)
	})
}

// ResetPresence marks every user offline. Presence is process-local, so it is
// reconciled on start-up after an unclean shutdown.
func (s *BboltStorage) ResetPresence() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var stale []*DBUser
		err := b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Online {
				stale = append(stale, &dbUser)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range stale {
			u.Online = false
			if err := putRecord(b, u); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	return users, err
}
