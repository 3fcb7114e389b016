package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"healthmate/internal/models"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, models.APIResponse{Success: false, Code: code, Message: message})
}

// WriteDomainError maps service errors to status codes and user-facing
// messages. Unknown errors are logged and reported as a generic 500.
func WriteDomainError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		WriteError(w, http.StatusBadRequest, "validation_error", verr.Error())
	case errors.Is(err, models.ErrValidation):
		WriteError(w, http.StatusBadRequest, "validation_error", "invalid request")
	case errors.Is(err, models.ErrEmptyContent):
		WriteError(w, http.StatusBadRequest, "empty_content", "Message content is empty")
	case errors.Is(err, models.ErrSelfRequest):
		WriteError(w, http.StatusBadRequest, "self_request", "You cannot send a friend request to yourself")
	case errors.Is(err, models.ErrDuplicateEdge):
		WriteError(w, http.StatusConflict, "duplicate_edge", "Friendship already exists")
	case errors.Is(err, models.ErrUserExists):
		WriteError(w, http.StatusConflict, "user_exists", "User already exists")
	case errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "Not found")
	case errors.Is(err, models.ErrUnauthorized):
		WriteError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
	case errors.Is(err, models.ErrForbidden):
		WriteError(w, http.StatusForbidden, "forbidden", "Forbidden")
	default:
		slog.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
