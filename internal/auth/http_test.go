// ABOUTME: Tests for the HTTP auth middleware and bearer token extraction
// ABOUTME: Uses the mock store and httptest to exercise the full middleware path

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/store"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantToken string
		wantErr   string
	}{
		{"valid", "Bearer abc123", "abc123", ""},
		{"missing header", "", "", "missing authorization header"},
		{"wrong scheme", "Basic abc123", "", "invalid authorization header format"},
		{"empty token", "Bearer ", "", "empty token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, errMsg := ExtractBearerToken(tt.header)
			assert.Equal(t, tt.wantToken, token)
			assert.Equal(t, tt.wantErr, errMsg)
		})
	}
}

func setupMiddlewareTest(t *testing.T) (*store.MockStore, *JWTVerifier, http.Handler) {
	t.Helper()
	mock := store.NewMockStore()
	require.NoError(t, mock.UpsertOperator(t.Context(), &store.Operator{
		ID:        "op-1",
		Name:      "Ana",
		Status:    store.OperatorStatusOffline,
		CreatedAt: time.Now().UTC(),
	}))

	verifier := NewJWTVerifier([]byte("test-secret"))

	handler := HTTPAuthMiddleware(mock, verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := OperatorFromContext(r.Context())
		require.NotNil(t, op)
		_, _ = w.Write([]byte(op.OperatorID))
	}))
	return mock, verifier, handler
}

func TestHTTPAuthMiddleware_Valid(t *testing.T) {
	_, verifier, handler := setupMiddlewareTest(t)

	token, err := verifier.Generate("op-1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-1", rec.Body.String())
}

func TestHTTPAuthMiddleware_MissingHeader(t *testing.T) {
	_, _, handler := setupMiddlewareTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPAuthMiddleware_UnknownOperator(t *testing.T) {
	_, verifier, handler := setupMiddlewareTest(t)

	token, err := verifier.Generate("op-unknown", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPAuthMiddleware_BadToken(t *testing.T) {
	_, _, handler := setupMiddlewareTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
