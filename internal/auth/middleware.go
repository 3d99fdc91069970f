package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/telhawk-systems/telhawk-guard/internal/httputil"
)

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFrom returns the claims stored by RequireRole.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// RequireRole rejects requests without a valid bearer token carrying role.
func (tm *TokenManager) RequireRole(role string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				httputil.WriteError(w, http.StatusUnauthorized, "Invalid authorization header")
				return
			}

			claims, err := tm.Validate(parts[1])
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
			if role != "" && !claims.HasRole(role) {
				httputil.WriteError(w, http.StatusForbidden, "Forbidden")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		}
	}
}
