package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rpggio/chairside/internal/domain/session"
)

// ErrUnauthorized indicates invalid or missing credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator verifies a bearer token and resolves its session.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (session.Session, error)
}

// AuthMiddleware enforces bearer token authentication. Browsers cannot set
// headers on EventSource or WebSocket requests, so an access_token query
// parameter is accepted as well.
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
				return
			}

			sess, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid bearer token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
