// Package http serves the idobata REST API, the realtime endpoints and the
// Server-Sent Events fallback.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/auth"
	"github.com/digitaldemocracy2030/idobata/internal/chat"
	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/store"
	"github.com/digitaldemocracy2030/idobata/internal/workflows"
)

// ChatService is the conversation logic behind the chat routes.
type ChatService interface {
	HandleMessage(ctx context.Context, in chat.Input) (*chat.Reply, error)
	GetThreadMessages(ctx context.Context, themeID, threadID string) (*store.ChatThread, error)
	GetThreadExtractions(ctx context.Context, themeID, threadID string) (*chat.Extractions, error)
	ThreadsForUser(ctx context.Context, themeID, userID string) ([]store.ChatThread, error)
}

// Socket is the realtime hub. It is nil when sockets are disabled.
type Socket interface {
	ServeRooms(w http.ResponseWriter, r *http.Request)
	ServeLegacy(w http.ResponseWriter, r *http.Request, clientID string)
	ClientCount() int
}

// ThreadEvents relays event bus traffic for one thread.
type ThreadEvents interface {
	SubscribeThread(threadID string, fn func(event string, data []byte)) (stop func() error, err error)
}

// Deps are the services the routes call into.
type Deps struct {
	Store      *store.Store
	Auth       *auth.Service
	Chat       ChatService
	Dispatcher workflows.Dispatcher
	Socket     Socket
	Events     ThreadEvents

	// Metrics serves /metrics. Defaults to the Prometheus default registry.
	Metrics http.Handler
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	CORSOrigins     []string
	FrontendURL     string
	SecureCookies   bool
	CookieName      string
	TokenTTL        time.Duration
	LoginRatePerMin float64
	SocketEnabled   bool

	// Heartbeat is the SSE keep-alive interval. Default: 30s.
	Heartbeat time.Duration
}

// ConfigFrom derives the server settings from the loaded configuration.
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		CORSOrigins:     cfg.Server.CORSOrigins,
		FrontendURL:     cfg.Server.FrontendURL,
		SecureCookies:   cfg.Server.SecureCookies,
		CookieName:      cfg.Auth.CookieName,
		TokenTTL:        cfg.Auth.JWTTTL.Duration(),
		LoginRatePerMin: cfg.Auth.LoginRatePerMin,
		SocketEnabled:   cfg.Socket.Enabled,
	}
}

// Server provides the idobata HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	metrics *requestMetrics
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("auth service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 3000}
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "admin_token"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger.Named("http"),
		config:  cfg,
		metrics: newRequestMetrics(nil, logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowCredentials: len(cfg.CORSOrigins) > 0,
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept,
			echo.HeaderAuthorization, "X-CSRF-Token",
		},
	}))
	e.Use(s.requestContext)
	e.Use(s.metrics.middleware())

	s.registerRoutes()

	return s, nil
}

// requestContext carries the request id into the request context and logs
// each request once it completes.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), reqID)))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info("http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))

	api := s.echo.Group("/api")
	api.GET("/top-page-data", s.handleTopPage)
	api.GET("/system/socket-status", s.handleSocketStatus)

	s.registerAuthRoutes(api.Group("/auth"))
	s.registerThemeRoutes(api.Group("/themes"))

	s.echo.GET("/socket", s.handleRoomSocket)
	s.echo.GET("/ws/legacy/:clientId", s.handleLegacySocket)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
