// ABOUTME: Bearer-token middleware putting the verified identity in context
// ABOUTME: Tokens are verified per request, never cached across requests

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/synaptiq/synapse-hub/internal/token"
)

type contextKey string

const identityKey contextKey = "identity"

// withIdentity stores the verified identity in the request context.
func withIdentity(ctx context.Context, id *token.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// identityFrom retrieves the verified identity placed by requireAuth.
func identityFrom(ctx context.Context) (*token.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*token.Identity)
	return id, ok
}

// extractBearerToken pulls the token out of the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == "" {
		return "", "empty token"
	}
	return tokenString, ""
}

// requireAuth verifies the bearer token and runs the handler with the
// identity in context. The bearer's ai_id is the acting principal for
// every authenticated endpoint.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			a.writeError(w, http.StatusUnauthorized, errMsg)
			return
		}

		identity, err := a.authority.Verify(r.Context(), tokenString)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}

		next(w, r.WithContext(withIdentity(r.Context(), identity)))
	}
}
