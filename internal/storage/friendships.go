package storage

import (
	"fmt"

	"healthmate/internal/models"

	"go.etcd.io/bbolt"
)

// CreateFriendEdge inserts a new edge. Any existing edge between the pair, in
// either direction and with any status, yields models.ErrDuplicateEdge.
func (s *BboltStorage) CreateFriendEdge(edge models.FriendEdge) error {
	if edge.ID == "" || edge.RequesterID == "" || edge.AddresseeID == "" {
		return models.NewValidationError(map[string]string{"edge": "id, requesterId and addresseeId are required"})
	}
	if edge.RequesterID == edge.AddresseeID {
		return models.ErrSelfRequest
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketFriendPairs)
		key := pairKey(edge.RequesterID, edge.AddresseeID)
		if pairs.Get(key) != nil {
			return models.ErrDuplicateEdge
		}
		dbEdge := newDBFriendEdge(edge)
		if err := putRecord(tx.Bucket(bucketFriendships), &dbEdge); err != nil {
			return fmt.Errorf("failed to put friend edge: %w", err)
		}
		return pairs.Put(key, []byte(edge.ID))
	})
}

func getFriendEdge(tx *bbolt.Tx, id string) (*DBFriendEdge, error) {
	data := tx.Bucket(bucketFriendships).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("friend edge %s: %w", id, models.ErrNotFound)
	}
	var dbEdge DBFriendEdge
	if err := dbEdge.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal friend edge: %w", err)
	}
	return &dbEdge, nil
}

func (s *BboltStorage) GetFriendEdge(id string) (models.FriendEdge, error) {
	var edge models.FriendEdge
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbEdge, err := getFriendEdge(tx, id)
		if err != nil {
			return err
		}
		edge = dbEdge.toModel()
		return nil
	})
	return edge, err
}

// UpdateFriendEdge applies fn to the stored edge inside one write transaction.
// The pair of an edge is immutable; only status and timestamps are persisted.
func (s *BboltStorage) UpdateFriendEdge(id string, fn func(*models.FriendEdge) error) (models.FriendEdge, error) {
	var out models.FriendEdge
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbEdge, err := getFriendEdge(tx, id)
		if err != nil {
			return err
		}
		edge := dbEdge.toModel()
		if err := fn(&edge); err != nil {
			return err
		}
		edge.ID = dbEdge.ID
		edge.RequesterID = dbEdge.RequesterID
		edge.AddresseeID = dbEdge.AddresseeID
		updated := newDBFriendEdge(edge)
		if err := putRecord(tx.Bucket(bucketFriendships), &updated); err != nil {
			return err
		}
		out = edge
		return nil
	})
	return out, err
}

// ListFriendEdges returns every edge touching userID, in either direction.
func (s *BboltStorage) ListFriendEdges(userID string) ([]models.FriendEdge, error) {
	var edges []models.FriendEdge
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFriendships).ForEach(func(k, v []byte) error {
			var dbEdge DBFriendEdge
			if err := dbEdge.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbEdge.RequesterID == userID || dbEdge.AddresseeID == userID {
				edges = append(edges, dbEdge.toModel())
			}
			return nil
		})
	})
	return edges, err
}
