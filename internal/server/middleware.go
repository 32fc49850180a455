package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/garnizeh/spine/internal/auth"
)

// requestIDKey is an unexported type for context keys in this package.
type requestIDKey struct{}

// RequestIDContextKey is the context key used to store the request id.
var RequestIDContextKey = requestIDKey{}

// GetRequestID extracts the request id from the context or returns empty string.
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(RequestIDContextKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Logger middleware logs request method, path, duration, and response status.
func (s *Server) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()

		rw := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)

		status := rw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"request_id", GetRequestID(r.Context()))
	})
}

// statusCapturingResponseWriter wraps http.ResponseWriter to capture status code.
type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		// implicitly assume 200 if Write is called without WriteHeader
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("response write: %w", err)
	}
	return n, nil
}

// CORS sets permissive CORS headers and handles preflight OPTIONS.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestID middleware generates a unique request id, adds it to the
// request context and response headers as X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := generateRequestID()
		if err != nil {
			// Fallback to a timestamp-based id. Do not stop the request.
			id = time.Now().UTC().Format("20060102T150405.000000000Z07:00")
		}

		ctx := context.WithValue(r.Context(), RequestIDContextKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// generateRequestID creates a 16-byte random hex string.
func generateRequestID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// authedHandler is an HTTP handler that additionally receives the
// authenticated role.
type authedHandler func(w http.ResponseWriter, r *http.Request, role auth.Role)

// authed resolves the bearer token to a role and rejects unknown or
// missing tokens with 401 before invoking the wrapped handler.
func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		role, ok := s.tokens.Resolve(strings.TrimSpace(token))
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, role)
	}
}
