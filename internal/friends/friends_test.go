package friends

import (
	"path/filepath"
	"testing"
	"time"

	"healthmate/internal/models"
	"healthmate/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Service, *storage.BboltStorage) {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "friends.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range []models.User{
		{ID: "a", Email: "a@x.com", DisplayName: "Alice"},
		{ID: "b", Email: "b@x.com", DisplayName: "Bob"},
		{ID: "c", Email: "c@x.com", DisplayName: "Carol"},
	} {
		require.NoError(t, store.CreateUser(u, ""))
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, store)
	svc.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return svc, store
}

func TestSendRequest_Errors(t *testing.T) {
	svc, _ := setup(t)

	_, err := svc.SendRequest("a", "  ")
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.SendRequest("a", "A@x.com")
	require.ErrorIs(t, err, models.ErrSelfRequest)

	_, err = svc.SendRequest("a", "nobody@x.com")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSendRequest_DuplicateEitherDirection(t *testing.T) {
	svc, _ := setup(t)

	req, err := svc.SendRequest("a", "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, models.FriendStatusPending, req.Status)
	assert.Equal(t, "b", req.AddresseeID)
	assert.Equal(t, "Bob", req.User.DisplayName)

	_, err = svc.SendRequest("a", "b@x.com")
	require.ErrorIs(t, err, models.ErrDuplicateEdge)

	_, err = svc.SendRequest("b", "a@x.com")
	require.ErrorIs(t, err, models.ErrDuplicateEdge)

	// Still a duplicate once accepted.
	_, err = svc.AcceptRequest(req.ID, "b")
	require.NoError(t, err)
	_, err = svc.SendRequest("b", "a@x.com")
	require.ErrorIs(t, err, models.ErrDuplicateEdge)
}

func TestAcceptRequest(t *testing.T) {
	svc, _ := setup(t)

	req, err := svc.SendRequest("a", "b@x.com")
	require.NoError(t, err)

	_, err = svc.AcceptRequest("missing", "b")
	require.ErrorIs(t, err, models.ErrNotFound)

	// Only the addressee may accept.
	_, err = svc.AcceptRequest(req.ID, "a")
	require.ErrorIs(t, err, models.ErrNotFound)

	edge, err := svc.AcceptRequest(req.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, models.FriendStatusAccepted, edge.Status)
	require.NotNil(t, edge.AcceptedAt)

	again, err := svc.AcceptRequest(req.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, models.FriendStatusAccepted, again.Status)
	assert.True(t, edge.AcceptedAt.Equal(*again.AcceptedAt))
}

func TestListAcceptedFriends_BothDirections(t *testing.T) {
	svc, _ := setup(t)

	ab, err := svc.SendRequest("a", "b@x.com")
	require.NoError(t, err)
	ca, err := svc.SendRequest("c", "a@x.com")
	require.NoError(t, err)
	_, err = svc.SendRequest("b", "c@x.com")
	require.NoError(t, err)

	_, err = svc.AcceptRequest(ab.ID, "b")
	require.NoError(t, err)
	_, err = svc.AcceptRequest(ca.ID, "a")
	require.NoError(t, err)

	friends, err := svc.ListAcceptedFriends("a")
	require.NoError(t, err)
	require.Len(t, friends, 2)
	assert.Equal(t, "Bob", friends[0].DisplayName)
	assert.Equal(t, "Carol", friends[1].DisplayName)

	friends, err = svc.ListAcceptedFriends("b")
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "a", friends[0].ID)
}

func TestPendingLists(t *testing.T) {
	svc, _ := setup(t)

	_, err := svc.SendRequest("b", "a@x.com")
	require.NoError(t, err)
	_, err = svc.SendRequest("c", "a@x.com")
	require.NoError(t, err)
	_, err = svc.SendRequest("a", "d@x.com")
	require.ErrorIs(t, err, models.ErrNotFound)

	incoming, err := svc.ListPendingIncoming("a")
	require.NoError(t, err)
	require.Len(t, incoming, 2)
	assert.Equal(t, "c", incoming[0].User.ID, "newest first")
	assert.Equal(t, "b", incoming[1].User.ID)

	outgoing, err := svc.ListOutgoing("b")
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, "a", outgoing[0].User.ID)

	overview, err := svc.Overview("a")
	require.NoError(t, err)
	assert.Empty(t, overview.Friends)
	assert.Len(t, overview.Incoming, 2)
	assert.Empty(t, overview.Outgoing)
}
