package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"healthmate/internal/api"
	"healthmate/internal/auth"
	"healthmate/internal/chat"
	"healthmate/internal/friends"
	"healthmate/internal/metrics"
	"healthmate/internal/push"
	"healthmate/internal/storage"
	"healthmate/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMuxes(t *testing.T) {
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "http.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService, err := auth.NewAuthService(ctx, auth.Config{}, store)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	chatService := chat.NewService(store, store)
	hub := ws.NewHub(ws.HubConfig{Chat: chatService, Users: store, Metrics: m})
	go func() { _ = hub.Run(ctx) }()

	relay := push.NewRelay(push.Config{}, store, m, nil)
	apiMux := NewAPIMux(
		api.New(authService, store, friends.NewService(store, store), chatService, hub.Presence(), relay, nil),
		ws.NewServer(authService, store, hub, ws.ServerConfig{}, m, nil),
	)
	adminMux := NewAdminMux(api.NewAdminHandler(authService, store, hub, nil), registry)

	t.Run("APIRequiresAuth", func(t *testing.T) {
		for _, path := range []string{"/api/me", "/api/friends", "/api/conversations", "/api/users/online"} {
			rec := httptest.NewRecorder()
			apiMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		}
	})

	t.Run("CrossOriginRejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "http://chat.example.com/api/login", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		apiMux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("ChatRequiresToken", func(t *testing.T) {
		rec := httptest.NewRecorder()
		apiMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		adminMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	})

	t.Run("Metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		adminMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "healthmate_ws_connections 0")
	})
}
