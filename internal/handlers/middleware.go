package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/prudhvinik1/tenantsync/internal/services"
)

type contextKey struct{}

var identityKey = contextKey{}

// IdentityResolver turns a bearer token into the caller's identity.
type IdentityResolver interface {
	VerifyToken(token string) (*models.Identity, error)
}

// Authenticate rejects requests without a valid bearer token and stores the
// resolved identity in the request context.
func Authenticate(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			identity, err := resolver.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, services.ErrInvalidToken.Error())
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, *identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the identity stored by Authenticate.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(models.Identity)
	return identity, ok
}
