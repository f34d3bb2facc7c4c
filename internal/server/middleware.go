package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/jwt"
	"github.com/authz-engine/oauth-core/internal/oauth"
	"github.com/authz-engine/oauth-core/internal/storage"
)

type contextKey string

const claimsContextKey contextKey = "bearer_claims"

// ClaimsFromContext returns the verified access token claims stored by the
// bearer middleware.
func ClaimsFromContext(ctx context.Context) (*jwt.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*jwt.Claims)
	return claims, ok
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		var done func()
		if s.metrics != nil {
			done = s.metrics.RequestStarted()
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := routeTemplate(r)
		if done != nil {
			done()
			s.metrics.RecordHTTPRequest(r.Method, route, wrapped.statusCode, duration)
		}

		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", duration),
			zap.String("remote", oauth.ClientIP(r)),
		)
	})
}

// routeTemplate returns the mux route template so metrics labels stay
// bounded even when paths carry identifiers.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				oauth.WriteError(w, oauth.ErrServerError())
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := "*"
	if len(s.config.CORSOrigins) > 0 {
		origins = strings.Join(s.config.CORSOrigins, ", ")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware throttles per client_id when the request carries one,
// falling back to the caller's IP for anonymous traffic.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.DisableRateLimit || s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := rateLimitKey(r)
		allowed, remaining, resetAt, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.logger.Warn("rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimited()
			}
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			oauth.WriteError(w, oauth.ErrTemporarilyUnavailable("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) string {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			if clientID := r.PostForm.Get("client_id"); clientID != "" {
				return "client:" + clientID
			}
		}
	}
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		return "client:" + clientID
	}
	return "ip:" + oauth.ClientIP(r)
}

// bearerAuthMiddleware verifies the access token signature and claims, then
// checks the stored token row so revocation takes effect even before the
// blacklist is consulted downstream.
func (s *Server) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeBearerError(w, http.StatusUnauthorized, "invalid_request", "missing bearer token")
			return
		}

		claims, err := s.oauth.Engine().VerifyAccessToken(r.Context(), raw)
		if err != nil {
			s.logger.Debug("bearer token rejected", zap.Error(err))
			writeBearerError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
			return
		}

		row, err := s.oauth.Repo().FindAccessTokenByHash(r.Context(), jwt.HashToken(raw))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeBearerError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
				return
			}
			oauth.WriteError(w, oauth.ErrServerError())
			return
		}
		if row.Revoked {
			writeBearerError(w, http.StatusUnauthorized, "invalid_token", "token has been revoked")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope rejects requests whose token lacks the given scope.
func requireScope(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeBearerError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
			return
		}
		if !claims.HasScope(name) {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Bearer realm="API", error="insufficient_scope", scope=%q`, name))
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":             "insufficient_scope",
				"error_description": "token does not grant the required scope",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func writeBearerError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="API", error=%q, error_description=%q`, code, desc))
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": desc,
	})
}
