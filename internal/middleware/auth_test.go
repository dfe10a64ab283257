package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret"

func protected(scope string) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := GetSubject(r.Context())
		w.Write([]byte(subject))
	})
	return RequireAuth(testSecret)(RequireScope(scope)(inner))
}

func authRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestRequireAuth_ValidToken(t *testing.T) {
	token, err := IssueToken(testSecret, "sila-backoffice", []string{ScopePaymentsRead}, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	protected(ScopePaymentsRead).ServeHTTP(w, authRequest(token))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sila-backoffice", w.Body.String())
}

func TestRequireAuth_Rejections(t *testing.T) {
	expired, err := IssueToken(testSecret, "sila", []string{ScopePaymentsRead}, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueToken("other-secret", "sila", []string{ScopePaymentsRead}, time.Hour)
	require.NoError(t, err)
	noSubject, err := IssueToken(testSecret, "", []string{ScopePaymentsRead}, time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Scope:            ScopePaymentsRead,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sila"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sila", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  *http.Request
		code string
	}{
		{"missing header", authRequest(""), "auth_required"},
		{"expired", authRequest(expired), "auth_invalid"},
		{"wrong key", authRequest(wrongKey), "auth_invalid"},
		{"no subject", authRequest(noSubject), "auth_invalid"},
		{"no expiry", authRequest(noExpiry), "auth_invalid"},
		{"alg none", authRequest(none), "auth_invalid"},
		{"garbage", authRequest("not-a-jwt"), "auth_invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			protected(ScopePaymentsRead).ServeHTTP(w, tt.req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestRequireAuth_WrongScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic c2lsYTpzZWNyZXQ=")

	w := httptest.NewRecorder()
	protected(ScopePaymentsRead).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "auth_invalid_scheme")
}

func TestRequireScope_MissingScopeIsForbidden(t *testing.T) {
	token, err := IssueToken(testSecret, "sila", []string{ScopePaymentsRead}, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	protected(ScopePaymentsWrite).ServeHTTP(w, authRequest(token))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), ScopePaymentsWrite)
}
