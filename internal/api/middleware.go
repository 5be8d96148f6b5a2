// Package api - Middleware for authentication and request processing
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/alexbotov/tegro/internal/auth"
	"github.com/alexbotov/tegro/internal/domain"
	"go.uber.org/zap"
)

type contextKey string

const (
	sessionKey  contextKey = "session"
	operatorKey contextKey = "operator"
)

func sessionFromContext(ctx context.Context) *domain.Session {
	session, _ := ctx.Value(sessionKey).(*domain.Session)
	return session
}

func operatorFromContext(ctx context.Context) *domain.Operator {
	operator, _ := ctx.Value(operatorKey).(*domain.Operator)
	if operator == nil {
		return &domain.Operator{}
	}
	return operator
}

// AuthMiddleware validates JWT tokens and adds session/operator to context
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, "NO_TOKEN", "Authorization header required")
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(w, http.StatusUnauthorized, "INVALID_TOKEN_FORMAT", "Invalid authorization header format")
			return
		}

		session, operator, err := h.auth.ValidateToken(r.Context(), parts[1])
		if err != nil {
			switch err {
			case auth.ErrSessionExpired:
				respondError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "Session has expired")
			case auth.ErrSessionNotFound:
				respondError(w, http.StatusUnauthorized, "SESSION_NOT_FOUND", "Session not found")
			case auth.ErrAccountNotActive:
				respondError(w, http.StatusForbidden, "ACCOUNT_INACTIVE", "Account is not active")
			default:
				respondError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token")
			}
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, session)
		ctx = context.WithValue(ctx, operatorKey, operator)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer to http.ResponseController
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// LoggingMiddleware logs every request with its status and duration
func (h *Handler) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			h.logger.Info("websocket request", zap.String("path", r.URL.Path), zap.String("ip", getClientIP(r)))
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", getClientIP(r)))
	})
}

// CORSMiddleware adds CORS headers
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware recovers from panics
func (h *Handler) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic in handler",
					zap.Any("panic", err),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path))
				respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
