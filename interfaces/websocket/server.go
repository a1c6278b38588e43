// Package websocket serves realtime spaces to browsers and remote API
// instances. Each websocket is one connection to one space.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	"lumina-backend/infrastructure/realtime/spaces"
	"lumina-backend/pkg/auth"
	pkgerrors "lumina-backend/pkg/errors"
	"lumina-backend/pkg/observability"
)

// ServerConfig holds WebSocket server configuration
type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	// AllowedOrigins lists browser origins; empty allows any.
	AllowedOrigins []string
	// MaxConnectionsPerUser caps concurrent sockets per authenticated user.
	MaxConnectionsPerUser int
	// FrameBurst frames may arrive at once, refilled one per FrameRefill.
	FrameBurst  int
	FrameRefill time.Duration
	// AllowGuests admits connections without a token if they present a guest id.
	AllowGuests bool
}

// DefaultServerConfig returns default WebSocket server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
		MaxConnectionsPerUser: 10,
		FrameBurst:            60,
		FrameRefill:           50 * time.Millisecond,
		AllowGuests:           true,
	}
}

// AccessFunc decides whether userID may join space
type AccessFunc func(ctx context.Context, userID, space string) error

// Server upgrades HTTP requests into space connections on a registry
type Server struct {
	registry  *spaces.Registry
	validator *auth.JWTValidator
	access    AccessFunc
	upgrader  websocket.Upgrader
	limiter   *auth.TokenBucketLimiter
	metrics   *observability.Collector
	cfg       ServerConfig
	logger    *zap.Logger

	mu      sync.Mutex
	perUser map[string]int
	clients map[*Client]struct{}
}

// Option configures a Server
type Option func(*Server)

// WithAccess installs a per-space authorization check
func WithAccess(fn AccessFunc) Option { return func(s *Server) { s.access = fn } }

// WithMetrics reports connections and frames to c
func WithMetrics(c *observability.Collector) Option { return func(s *Server) { s.metrics = c } }

// NewServer creates a new WebSocket server. validator may be nil when only
// guests are admitted.
func NewServer(registry *spaces.Registry, validator *auth.JWTValidator, cfg ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FrameBurst <= 0 || cfg.FrameRefill <= 0 {
		def := DefaultServerConfig()
		cfg.FrameBurst, cfg.FrameRefill = def.FrameBurst, def.FrameRefill
	}
	s := &Server{
		registry:  registry,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
		limiter:   auth.NewTokenBucketLimiter(cfg.FrameBurst, cfg.FrameRefill),
		perUser:   make(map[string]int),
		clients:   make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

// ServeHTTP handles GET /ws?space=<name>[&token=<jwt>|&guest=<id>]
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	space := r.URL.Query().Get("space")
	if space == "" {
		http.Error(w, "space is required", http.StatusBadRequest)
		return
	}

	user, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.access != nil {
		if err := s.access(r.Context(), user.UserID, space); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, pkgerrors.ErrBoardNotFound) {
				status = http.StatusNotFound
			}
			s.logger.Info("WebSocket access refused",
				zap.String("userID", user.UserID),
				zap.String("space", space),
				zap.Error(err),
			)
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	if !s.track(user.UserID) {
		s.logger.Warn("Connection limit exceeded for user",
			zap.String("userID", user.UserID),
			zap.Int("limit", s.cfg.MaxConnectionsPerUser),
		)
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.untrack(user.UserID)
		s.logger.Error("Failed to upgrade connection",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		return
	}

	c := newClient(s, conn, user, space, "conn-"+events.NewID(time.Now()))
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	c.start()

	s.logger.Info("New WebSocket connection established",
		zap.String("userID", user.UserID),
		zap.String("space", space),
		zap.String("connectionID", c.id),
		zap.String("remoteAddr", r.RemoteAddr),
	)
}

// authenticate reads a token from the query, the Authorization header or the
// auth_token cookie. Without one, a guest id is accepted if guests are allowed.
func (s *Server) authenticate(r *http.Request) (*auth.UserContext, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		if cookie, err := r.Cookie("auth_token"); err == nil {
			token = cookie.Value
		}
	}

	if token != "" {
		if s.validator == nil {
			return nil, errors.New("token authentication is not configured")
		}
		claims, err := s.validator.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		return &auth.UserContext{UserID: claims.UserID, Name: claims.DisplayName(), Email: claims.Email}, nil
	}

	guest := r.URL.Query().Get("guest")
	if s.cfg.AllowGuests && identity.IsGuest(guest) {
		return &auth.UserContext{UserID: guest}, nil
	}
	return nil, auth.ErrMissingToken
}

func (s *Server) track(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnectionsPerUser > 0 && s.perUser[userID] >= s.cfg.MaxConnectionsPerUser {
		return false
	}
	s.perUser[userID]++
	return true
}

func (s *Server) untrack(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perUser[userID] <= 1 {
		delete(s.perUser, userID)
		return
	}
	s.perUser[userID]--
}

func (s *Server) closed(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.untrack(c.user.UserID)
	_ = s.limiter.Reset(context.Background(), c.id)
	s.metrics.ConnectionClosed()
}

// ConnectionCount returns the number of open sockets
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown closes every connection. Members leave their spaces as the sockets close.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	s.logger.Info("WebSocket connections closed", zap.Int("count", len(clients)))
}
