// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds operator identity to context

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/2389/support-gateway/internal/store"
)

// OperatorStore is the subset of the store needed to resolve operator identity.
type OperatorStore interface {
	GetOperator(ctx context.Context, id string) (*store.Operator, error)
}

// ExtractBearerToken extracts a bearer token from an Authorization header
// value. Returns the token and an error message (empty if successful).
func ExtractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Authenticate resolves a bearer token to an OperatorContext. Used by both
// the HTTP middleware and the websocket handshake, which reads the token
// from a query parameter instead of a header.
func Authenticate(ctx context.Context, operators OperatorStore, verifier TokenVerifier, token string) (*OperatorContext, error) {
	operatorID, err := verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	op, err := operators.GetOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	return &OperatorContext{OperatorID: op.ID, Name: op.Name}, nil
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates
// JWT tokens. It looks up the operator and adds OperatorContext to the
// request context.
func HTTPAuthMiddleware(operators OperatorStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := ExtractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			opCtx, err := Authenticate(r.Context(), operators, verifier, token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), opCtx)))
		})
	}
}
