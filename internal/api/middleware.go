package api

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/omnicloud/peerswarm/internal/auth"
)

type ctxKey int

const authKey ctxKey = iota

// loggingMiddleware logs all HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		log.Printf("[api] %s %s %d %v", r.Method, r.RequestURI, wrapped.statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the events endpoint upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects banned clients, then checks the access token if one
// is presented. Requests without a token continue anonymously.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			respondError(w, http.StatusBadRequest, "Client information is missing", "")
			return
		}
		if s.auth.IsBanned(ip) {
			log.Printf("[api] Rejected banned client %s", ip)
			respondError(w, http.StatusForbidden, "client is banned", "")
			return
		}

		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		a := s.auth.Authenticate(token, ip, auth.AudienceAccess)
		switch a.Result {
		case auth.TokenValid:
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey, a)))
		case auth.TokenExpired:
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondError(w, http.StatusUnauthorized, auth.TokenExpired, "Token has expired")
		default:
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondError(w, http.StatusUnauthorized, auth.BadToken, "Invalid authentication credentials")
		}
	})
}

// requireScope only admits requests whose token grants scope.
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := authFrom(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				respondError(w, http.StatusUnauthorized, "Not authenticated", "A bearer token is required")
				return
			}
			if !a.HasScope(scope) {
				respondError(w, http.StatusForbidden, "Insufficient scope", "Scope "+scope+" is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authFrom(r *http.Request) (auth.Auth, bool) {
	a, ok := r.Context().Value(authKey).(auth.Auth)
	return a, ok
}

// bearerToken reads the token from the Authorization header, falling back to
// the cookie set by login.
func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if v == "" {
		if c, err := r.Cookie("Authorization"); err == nil {
			v = c.Value
		}
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// clientIP is the observed address of the caller. Forwarding headers are
// ignored so a client cannot step around a ban or a token's IP binding.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
