package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type contextKey string

// AdminKeyContextKey stores the validated admin credential in request context.
const AdminKeyContextKey contextKey = "admin_key"

// AdminAuthMiddleware guards the admin API with a single operator-configured
// credential (ADMIN_API_KEY). Tenant-facing routes authenticate against the
// tenant store directly inside the proxy engine and never go through this
// middleware.
type AdminAuthMiddleware struct {
	logger   zerolog.Logger
	adminKey string
}

func NewAdminAuthMiddleware(logger zerolog.Logger, adminKey string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{logger: logger, adminKey: adminKey}
}

// Handler returns the middleware handler function.
func (am *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := extractBearer(r.Header.Get("Authorization"))
		if credential == "" {
			credential = r.Header.Get("X-Admin-Key")
		}

		if credential == "" || am.adminKey == "" || subtle.ConstantTimeCompare([]byte(credential), []byte(am.adminKey)) != 1 {
			am.logger.Warn().Str("path", r.URL.Path).Msg("rejected admin request: bad credential")
			http.Error(w, `{"error":"unauthenticated","message":"admin credential required"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), AdminKeyContextKey, credential)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearer(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return authHeader[len("Bearer "):]
	}
	return authHeader
}
