package api

import (
	"net/http"
	"net/url"

	"healthmate/internal/auth"
	"healthmate/internal/models"
)

// AuthedHandler is a handler that runs for a resolved user.
type AuthedHandler func(w http.ResponseWriter, r *http.Request, me models.User)

// RequireAuth resolves the session token to a user and passes it to next.
func (a *API) RequireAuth(next AuthedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(auth.TokenFromRequest(r))
		if err != nil {
			WriteDomainError(w, models.ErrUnauthorized)
			return
		}
		user, err := a.users.GetUser(userID)
		if err != nil {
			WriteDomainError(w, models.ErrUnauthorized)
			return
		}
		next(w, r, user)
	}
}

// RequireSameOrigin rejects cross-site state-changing requests. Requests
// without an Origin header (non-browser clients) pass.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host != r.Host {
			WriteDomainError(w, models.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}
}
