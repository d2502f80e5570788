package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/attendly/orchestrator-server-go/internal/audit"
	"github.com/attendly/orchestrator-server-go/internal/util"
)

// AuthMiddleware guards the caller-facing routes with the shared API key.
// Worker callbacks do not pass through here; they are authorized by their
// per-session credential instead.
type AuthMiddleware struct {
	apiKey string
}

func NewAuthMiddleware(apiKey string) *AuthMiddleware {
	return &AuthMiddleware{apiKey: apiKey}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing API key",
			})
			return
		}

		if !util.ConstantTimeEqual(key, m.apiKey) {
			log.Warn().Msg("auth middleware: invalid api key attempt")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid API key",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
