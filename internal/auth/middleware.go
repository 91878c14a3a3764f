package auth

import (
	"net/http"
	"strings"

	"github.com/2witstudios/pagespace/internal/observability"
)

// Middleware enforces bearer-token auth on HTTP handlers. The authenticated
// user lands in the request context; the request logger gets the masked
// user id.
func Middleware(service *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
				return
			}

			user, err := service.Validate(token)
			if err != nil {
				observability.FromContext(r.Context()).Warn(r.Context(), "jwt validation failed", "error", err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithUser(r.Context(), user)
			ctx = observability.WithUserID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}
