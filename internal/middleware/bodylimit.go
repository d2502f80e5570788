package middleware

import (
	"net/http"

	"github.com/attendly/orchestrator-server-go/internal/config"
)

// BodyLimitMiddleware rejects oversized request bodies before they reach a
// handler. Every body on this API is a small JSON document (a create-session
// request or a worker status callback), so anything near the cap is either
// malformed or hostile.
type BodyLimitMiddleware struct {
	maxSize int64
}

// NewBodyLimitMiddleware builds the limiter; maxSize <= 0 selects the
// default cap from config.
func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = config.MaxRequestBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declared length is checked up front; MaxBytesReader still bounds
		// chunked bodies that carry no Content-Length.
		if r.Body != nil && r.ContentLength > m.maxSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "Request body too large",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}
