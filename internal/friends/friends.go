// Package friends implements the friendship graph: directed requests between
// users that are read back as an undirected relation.
package friends

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"healthmate/internal/ids"
	"healthmate/internal/models"
)

type UserDirectory interface {
	GetUser(id string) (models.User, error)
	FindUserByEmail(email string) (models.User, error)
}

type EdgeStore interface {
	CreateFriendEdge(edge models.FriendEdge) error
	UpdateFriendEdge(id string, fn func(*models.FriendEdge) error) (models.FriendEdge, error)
	ListFriendEdges(userID string) ([]models.FriendEdge, error)
}

type Service struct {
	Users UserDirectory
	Edges EdgeStore
	Now   func() time.Time
}

func NewService(users UserDirectory, edges EdgeStore) *Service {
	return &Service{Users: users, Edges: edges, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// ListAcceptedFriends returns the counterpart of every accepted edge touching
// userID, whichever side sent the request.
func (s *Service) ListAcceptedFriends(userID string) ([]models.FriendSummary, error) {
	edges, err := s.Edges.ListFriendEdges(userID)
	if err != nil {
		return nil, fmt.Errorf("list friend edges: %w", err)
	}

	out := make([]models.FriendSummary, 0, len(edges))
	for _, e := range edges {
		if e.Status != models.FriendStatusAccepted {
			continue
		}
		other, err := s.Users.GetUser(e.Other(userID))
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, models.SummaryOf(other))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Email < out[j].Email
	})
	return out, nil
}

// ListPendingIncoming returns pending requests addressed to userID, newest first.
func (s *Service) ListPendingIncoming(userID string) ([]models.FriendRequest, error) {
	return s.listPending(userID, func(e models.FriendEdge) bool { return e.AddresseeID == userID })
}

// ListOutgoing returns pending requests sent by userID, newest first.
func (s *Service) ListOutgoing(userID string) ([]models.FriendRequest, error) {
	return s.listPending(userID, func(e models.FriendEdge) bool { return e.RequesterID == userID })
}

func (s *Service) listPending(userID string, match func(models.FriendEdge) bool) ([]models.FriendRequest, error) {
	edges, err := s.Edges.ListFriendEdges(userID)
	if err != nil {
		return nil, fmt.Errorf("list friend edges: %w", err)
	}

	out := []models.FriendRequest{}
	for _, e := range edges {
		if e.Status != models.FriendStatusPending || !match(e) {
			continue
		}
		other, err := s.Users.GetUser(e.Other(userID))
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, models.FriendRequest{FriendEdge: e, User: models.SummaryOf(other)})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

func (s *Service) Overview(userID string) (models.FriendsOverview, error) {
	friends, err := s.ListAcceptedFriends(userID)
	if err != nil {
		return models.FriendsOverview{}, err
	}
	incoming, err := s.ListPendingIncoming(userID)
	if err != nil {
		return models.FriendsOverview{}, err
	}
	outgoing, err := s.ListOutgoing(userID)
	if err != nil {
		return models.FriendsOverview{}, err
	}
	return models.FriendsOverview{Friends: friends, Incoming: incoming, Outgoing: outgoing}, nil
}

// SendRequest creates a pending edge from requesterID to the owner of addresseeEmail.
func (s *Service) SendRequest(requesterID, addresseeEmail string) (models.FriendRequest, error) {
	addresseeEmail = strings.TrimSpace(addresseeEmail)
	if addresseeEmail == "" {
		return models.FriendRequest{}, models.NewValidationError(map[string]string{"email": "required"})
	}
	if requesterID == "" {
		return models.FriendRequest{}, models.NewValidationError(map[string]string{"requesterId": "required"})
	}

	target, err := s.Users.FindUserByEmail(addresseeEmail)
	if err != nil {
		return models.FriendRequest{}, err
	}
	if target.ID == requesterID {
		return models.FriendRequest{}, models.ErrSelfRequest
	}

	edge := models.FriendEdge{
		ID:          ids.New(),
		RequesterID: requesterID,
		AddresseeID: target.ID,
		Status:      models.FriendStatusPending,
		RequestedAt: s.now(),
	}
	if err := s.Edges.CreateFriendEdge(edge); err != nil {
		return models.FriendRequest{}, err
	}
	return models.FriendRequest{FriendEdge: edge, User: models.SummaryOf(target)}, nil
}

// AcceptRequest moves a pending edge addressed to addresseeID to accepted.
// Accepting an already accepted edge returns it unchanged.
func (s *Service) AcceptRequest(edgeID, addresseeID string) (models.FriendEdge, error) {
	if strings.TrimSpace(edgeID) == "" {
		return models.FriendEdge{}, models.NewValidationError(map[string]string{"id": "required"})
	}
	return s.Edges.UpdateFriendEdge(edgeID, func(e *models.FriendEdge) error {
		if e.AddresseeID != addresseeID {
			return models.ErrNotFound
		}
		switch e.Status {
		case models.FriendStatusAccepted:
			return nil
		case models.FriendStatusPending:
			now := s.now()
			e.Status = models.FriendStatusAccepted
			e.AcceptedAt = &now
			return nil
		default:
			return models.ErrForbidden
		}
	})
}
