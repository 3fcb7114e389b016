package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"healthmate/internal/auth"
	"healthmate/internal/models"
	"healthmate/internal/ws"
)

type HubStats interface {
	Stats(ctx context.Context) (ws.Stats, error)
}

type AdminStore interface {
	Ping() error
	ListUsers() ([]models.User, error)
}

type AdminHandler struct {
	authService *auth.AuthService
	store       AdminStore
	hub         HubStats
	log         *slog.Logger
}

func NewAdminHandler(authService *auth.AuthService, store AdminStore, hub HubStats, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{authService: authService, store: store, hub: hub, log: log.With("component", "admin")}
}

type AddUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Password    string `json:"password"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteDomainError(w, err)
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Email
	}

	user, err := h.authService.AddUser(req.Email, displayName, req.Password)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	h.log.Info("user created", "user_id", user.ID, "email", user.Email)
	WriteJSON(w, http.StatusCreated, user)
}

func (h *AdminHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

type healthResponse struct {
	Status string    `json:"status"`
	Hub    *ws.Stats `json:"hub,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	stats, err := h.hub.Stats(ctx)
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", Hub: &stats})
}
