package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware handles Bearer API key authentication.
type AuthMiddleware struct {
	apiKey []byte
}

// NewAuthMiddleware creates a new AuthMiddleware. An empty key disables
// authentication.
func NewAuthMiddleware(apiKey string) *AuthMiddleware {
	return &AuthMiddleware{apiKey: []byte(apiKey)}
}

// Enabled reports whether requests must carry the API key.
func (m *AuthMiddleware) Enabled() bool { return len(m.apiKey) > 0 }

// Authenticate validates the Bearer token against the configured key.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			unauthorized(w, "invalid authorization header format")
			return
		}

		token := strings.TrimSpace(parts[1])
		if token == "" {
			unauthorized(w, "missing token")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), m.apiKey) != 1 {
			unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="taskflow"`)
	http.Error(w, message, http.StatusUnauthorized)
}
