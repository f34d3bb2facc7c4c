// Package server wires the OAuth endpoints, discovery documents and the
// protected resource API into one HTTP server.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/keys"
	"github.com/authz-engine/oauth-core/internal/metrics"
	"github.com/authz-engine/oauth-core/internal/oauth"
	"github.com/authz-engine/oauth-core/internal/ratelimit"
)

// Config holds HTTP server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableCORS   bool
	CORSOrigins  []string
	Version      string

	// DisableRateLimit bypasses the limiter entirely. Refused in
	// production by config validation.
	DisableRateLimit bool
}

// DefaultConfig returns sensible defaults for the HTTP server.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
		CORSOrigins:  []string{"*"},
		Version:      "dev",
	}
}

// Server is the HTTP front of the authorization server.
type Server struct {
	oauth   *oauth.Service
	keys    *keys.Service
	limiter ratelimit.Limiter
	metrics *metrics.Metrics

	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	config     Config
	startTime  time.Time
}

// New creates the HTTP server around the OAuth service.
func New(cfg Config, svc *oauth.Service, keySvc *keys.Service, limiter ratelimit.Limiter, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("oauth service is required")
	}
	if keySvc == nil {
		return nil, fmt.Errorf("key service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		oauth:     svc,
		keys:      keySvc,
		limiter:   limiter,
		metrics:   m,
		router:    mux.NewRouter(),
		logger:    logger,
		config:    cfg,
		startTime: time.Now(),
	}

	if m != nil {
		svc.OnGrant = m.RecordGrant
		svc.OnRevoke = m.RecordRevocation
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)

	if s.config.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}

	// Health and discovery endpoints, no auth and no limits.
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/.well-known/jwks.json", s.jwksHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/.well-known/openid-configuration", s.oauth.HandleDiscovery).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	// OAuth protocol endpoints; the token and revocation endpoints sit
	// behind the rate limiter because they grind bcrypt per request.
	oa := s.router.PathPrefix("/oauth").Subrouter()
	oa.Use(s.rateLimitMiddleware)
	oa.HandleFunc("/token", s.oauth.HandleToken).Methods(http.MethodPost, http.MethodOptions)
	oa.HandleFunc("/revoke", s.oauth.HandleRevoke).Methods(http.MethodPost, http.MethodOptions)
	oa.HandleFunc("/authorize", s.oauth.HandleAuthorize).Methods(http.MethodGet)
	oa.HandleFunc("/consent", s.oauth.HandleConsent).Methods(http.MethodPost)

	// Resource API, bearer token required.
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.bearerAuthMiddleware)
	v1.Handle("/userinfo", requireScope("openid", http.HandlerFunc(s.userinfoHandler))).Methods(http.MethodGet, http.MethodOptions)
}

// Start runs the server until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.Int("port", s.config.Port),
		zap.Bool("cors_enabled", s.config.EnableCORS),
		zap.Bool("rate_limit_disabled", s.config.DisableRateLimit),
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.config.Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := json.NewEncoder(w).Encode(s.keys.JWKS()); err != nil {
		s.logger.Error("failed to encode JWKS", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
