package api

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

type claimsKey struct{}

// ContextWithClaims returns ctx carrying the caller's verified claims.
func ContextWithClaims(ctx context.Context, claims *realtime.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims stored by RequireRoles.
func ClaimsFromContext(ctx context.Context) (*realtime.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*realtime.Claims)
	return claims, ok && claims != nil
}

// RequireRoles authenticates the bearer token on every request and admits
// only callers holding one of roles.
func RequireRoles(verifier realtime.CredentialVerifier, logger zerolog.Logger, roles ...string) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "AuthMiddleware").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			token = strings.TrimSpace(token)
			if !found || token == "" {
				WriteJSONError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}

			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected API token")
				WriteJSONError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			if !slices.Contains(roles, claims.Role) {
				log.Warn().Str("subject", claims.Subject).Str("role", claims.Role).Str("path", r.URL.Path).Msg("Caller lacks required role")
				WriteJSONError(w, http.StatusForbidden, "insufficient role")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}
