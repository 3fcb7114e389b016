package ws

import (
	"log/slog"
	"net/http"
	"slices"

	"healthmate/internal/auth"
	"healthmate/internal/metrics"
	"healthmate/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type Authenticator interface {
	GetUserID(token string) (string, error)
}

type UserLookup interface {
	GetUser(id string) (models.User, error)
}

type ServerConfig struct {
	SendQueueSize int     `koanf:"send_queue_size"`
	RateEvents    float64 `koanf:"rate_events"`
	RateBurst     int     `koanf:"rate_burst"`

	// AllowedOrigins lists origins allowed to open a socket. Empty means
	// same-origin only.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type Server struct {
	auth     Authenticator
	users    UserLookup
	hub      *Hub
	cfg      ServerConfig
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader *websocket.Upgrader
}

func NewServer(authn Authenticator, users UserLookup, hub *Hub, cfg ServerConfig, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		auth:    authn,
		users:   users,
		hub:     hub,
		cfg:     cfg,
		metrics: m,
		log:     log.With("component", "ws"),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(cfg.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return slices.Contains(cfg.AllowedOrigins, r.Header.Get("Origin"))
		}
	}
	return s
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.GetUserID(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	user, err := s.users.GetUser(userID)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	var limiter *rate.Limiter
	if s.cfg.RateEvents > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateEvents), burst)
	}

	client := NewClient(user.ID, user.Email, s.cfg.SendQueueSize)
	c := NewConnection(s.hub, conn, client, limiter, s.metrics, s.log)
	if err := c.Handle(r.Context()); err != nil {
		s.log.Info("connection closed", "user_id", user.ID, "error", err)
	}
}
