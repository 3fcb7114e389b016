package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"healthmate/internal/content"
	"healthmate/internal/ids"
	"healthmate/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	MinPasswordLength  = 8
	TokenCookie        = "token"
	loginFailedMessage = "Login failed"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	Token       string       `json:"token,omitempty"`
	TokenExpiry int64        `json:"tokenExpiry,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

// CredentialStore is the identity directory the service authenticates against.
type CredentialStore interface {
	CreateUser(user models.User, passwordHash string) error
	GetCredentials(email string) (models.User, string, error)
}

// loginAttempts throttles brute force per email.
type loginAttempts struct {
	Failed      int64
	LastAttempt int64
}

func (a *loginAttempts) reset(now time.Time) {
	a.Failed = 0
	a.LastAttempt = now.Unix()
}

func (a *loginAttempts) increment(now time.Time) {
	a.Failed++
	a.LastAttempt = now.Unix()
}

type Config struct {
	TokenExpiry time.Duration `koanf:"token_expiry"`
}

type AuthService struct {
	Config
	store      CredentialStore
	attempts   *geche.Locker[string, *loginAttempts]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

// NewAuthService creates the service. Tokens expire after TokenExpiry; the
// expiry sweeper stops with ctx.
func NewAuthService(ctx context.Context, config Config, store CredentialStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		attempts:   geche.NewLocker[string, *loginAttempts](geche.NewMapCache[string, *loginAttempts]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// AddUser registers a new identity.
func (as *AuthService) AddUser(email, displayName, password string) (models.User, error) {
	fields := map[string]string{}
	if err := content.ValidateEmail(email); err != nil {
		fields["email"] = err.Error()
	}
	displayName = content.PlainText(displayName)
	if displayName == "" {
		fields["displayName"] = "required"
	}
	if len(password) < MinPasswordLength {
		fields["password"] = fmt.Sprintf("must be at least %d characters", MinPasswordLength)
	}
	if len(fields) > 0 {
		return models.User{}, models.NewValidationError(fields)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:          ids.New(),
		Email:       models.NormalizeEmail(email),
		DisplayName: displayName,
	}
	if err := as.store.CreateUser(user, hash); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()
	key := models.NormalizeEmail(req.Email)

	tx := as.attempts.Lock()
	defer tx.Unlock()
	attempts, err := tx.Get(key)
	if err != nil {
		attempts = &loginAttempts{}
		tx.Set(key, attempts)
	}

	// Check failed login attempts
	if attempts.Failed > 3 {
		nextAttempt := attempts.LastAttempt + 30*(attempts.Failed*attempts.Failed)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	user, hash, err := as.store.GetCredentials(key)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("login failed", "email", key, "error", err)
		}
		attempts.increment(now)
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		attempts.increment(now)
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}, ""
	}

	as.liveTokens.Set(token, user.ID)
	attempts.reset(now)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
		User:        &user,
	}, user.ID
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", models.ErrUnauthorized
	}
	id, err := as.liveTokens.Get(token)
	if err != nil {
		return "", models.ErrUnauthorized
	}
	return id, nil
}

// TokenFromRequest reads the session token from the "token" header, a bearer
// Authorization header, the token cookie or, for websocket upgrades, the
// token query parameter.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
