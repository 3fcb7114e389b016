package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"healthmate/internal/models"
	"healthmate/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService(t *testing.T) {
	createService := func(t *testing.T) (*AuthService, *time.Time) {
		store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "auth.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		svc, err := NewAuthService(ctx, Config{TokenExpiry: time.Hour}, store)
		require.NoError(t, err)

		currentTime := time.Unix(1700000000, 0)
		svc.now = func() time.Time {
			return currentTime
		}
		return svc, &currentTime
	}

	t.Run("AddUser", func(t *testing.T) {
		svc, _ := createService(t)

		u, err := svc.AddUser(" Alice@Example.com ", "<b>Alice</b>", "password1")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", u.Email)
		assert.Equal(t, "Alice", u.DisplayName)
		assert.NotEmpty(t, u.ID)

		_, err = svc.AddUser("alice@example.com", "Other", "password2")
		require.ErrorIs(t, err, models.ErrUserExists)

		_, err = svc.AddUser("not-an-email", "", "short")
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields, "email")
		assert.Contains(t, verr.Fields, "displayName")
		assert.Contains(t, verr.Fields, "password")
	})

	t.Run("LoginLogoff", func(t *testing.T) {
		svc, _ := createService(t)
		u, err := svc.AddUser("bob@example.com", "Bob", "password1")
		require.NoError(t, err)

		resp, userID := svc.Login(LoginRequest{Email: "BOB@example.com", Password: "password1"})
		require.True(t, resp.Success, resp.Message)
		assert.Equal(t, u.ID, userID)
		assert.NotEmpty(t, resp.Token)
		assert.EqualValues(t, 1700000000+3600, resp.TokenExpiry)

		got, err := svc.GetUserID(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, u.ID, got)

		require.NoError(t, svc.Logoff(resp.Token))
		_, err = svc.GetUserID(resp.Token)
		require.ErrorIs(t, err, models.ErrUnauthorized)

		_, err = svc.GetUserID("")
		require.ErrorIs(t, err, models.ErrUnauthorized)
	})

	t.Run("Throttling", func(t *testing.T) {
		svc, now := createService(t)
		_, err := svc.AddUser("carol@example.com", "Carol", "password1")
		require.NoError(t, err)

		for range 4 {
			resp, _ := svc.Login(LoginRequest{Email: "carol@example.com", Password: "wrong-password"})
			assert.False(t, resp.Success)
			assert.Equal(t, loginFailedMessage, resp.Message)
		}

		// Even the right password is refused while throttled.
		resp, _ := svc.Login(LoginRequest{Email: "carol@example.com", Password: "password1"})
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Message, "Too many failed login attempts")

		*now = now.Add(10 * time.Minute)
		resp, _ = svc.Login(LoginRequest{Email: "carol@example.com", Password: "password1"})
		assert.True(t, resp.Success)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		svc, _ := createService(t)
		resp, userID := svc.Login(LoginRequest{Email: "ghost@example.com", Password: "password1"})
		assert.False(t, resp.Success)
		assert.Empty(t, userID)
	})
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"header", func(r *http.Request) { r.Header.Set("token", "h") }, "h"},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer b") }, "b"},
		{"cookie", func(r *http.Request) { r.Header.Set("Cookie", TokenCookie+"=c") }, "c"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=q" }, "q"},
		{"none", func(r *http.Request) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/chat", nil)
			tt.setup(r)
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}
