package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/relay-crm/relay/internal/platform/httpx"
)

// Middleware authenticates API requests and installs org context.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireOrg rejects requests without a valid organization bearer token.
func (m Middleware) RequireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
			return
		}
		org, err := m.Service.Authenticate(r.Context(), token)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("token rejected", slog.String("path", r.URL.Path))
			}
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithOrg(r.Context(), org)))
	})
}
