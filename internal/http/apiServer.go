package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"healthmate/internal/api"
	"healthmate/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIMux registers the public endpoints.
func NewAPIMux(h *api.API, wsServer *ws.Server) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(h.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(h.LogoffHandler))
	mux.HandleFunc("GET /api/me", h.RequireAuth(h.MeHandler))

	mux.HandleFunc("GET /api/friends", h.RequireAuth(h.ListFriendsHandler))
	mux.HandleFunc("GET /api/friends/overview", h.RequireAuth(h.FriendsOverviewHandler))
	mux.HandleFunc("GET /api/friends/requests", h.RequireAuth(h.ListFriendRequestsHandler))
	mux.HandleFunc("POST /api/friends/requests", api.RequireSameOrigin(h.RequireAuth(h.SendFriendRequestHandler)))
	mux.HandleFunc("POST /api/friends/requests/{id}/accept", api.RequireSameOrigin(h.RequireAuth(h.AcceptFriendRequestHandler)))

	mux.HandleFunc("GET /api/conversations", h.RequireAuth(h.ListConversationsHandler))
	mux.HandleFunc("POST /api/conversations", api.RequireSameOrigin(h.RequireAuth(h.CreateConversationHandler)))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.RequireAuth(h.ListMessagesHandler))
	mux.HandleFunc("POST /api/conversations/{id}/read", api.RequireSameOrigin(h.RequireAuth(h.MarkReadHandler)))
	mux.HandleFunc("POST /api/messages", api.RequireSameOrigin(h.RequireAuth(h.CreateMessageHandler)))

	mux.HandleFunc("GET /api/users/online", h.RequireAuth(h.OnlineUsersHandler))

	mux.HandleFunc("GET /api/push/key", h.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(h.RequireAuth(h.PushSubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	return mux
}

func NewAPIServer(h *api.API, wsServer *ws.Server, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewAPIMux(h, wsServer),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
