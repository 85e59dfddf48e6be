package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgenius/internal/config"
)

const testSigningKey = "test-signing-key-for-unit-tests"

func fixedService() *Service {
	cfg := config.Default()
	cfg.Security.TokenSigningKey = testSigningKey
	cfg.Security.APIKey = "static-key"
	svc := NewService(cfg)
	svc.Now = func() time.Time { return time.Unix(1000, 0) }
	return svc
}

func TestIssuedTokenAuthenticates(t *testing.T) {
	svc := fixedService()
	token, err := svc.IssueToken("adjuster-7", []string{ScopeReportsRead, ScopeChat}, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/reports", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	principal, err := svc.AuthenticateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "adjuster-7", principal.ActorID)
	assert.Equal(t, "sub:adjuster-7", principal.ClientID)
	assert.Equal(t, "jwt", principal.AuthMethod)
	assert.NotEmpty(t, principal.TokenID)

	assert.NoError(t, svc.ValidateScopes(principal, ScopeChat))
	assert.ErrorIs(t, svc.ValidateScopes(principal, ScopeCertify), ErrForbidden)
}

func TestExpiredOrForeignTokensRejected(t *testing.T) {
	svc := fixedService()
	token, err := svc.IssueToken("u", []string{ScopeChat}, time.Minute)
	require.NoError(t, err)

	later := *svc
	later.Now = func() time.Time { return time.Unix(1000, 0).Add(2 * time.Minute) }
	_, err = later.VerifyJWT("Bearer " + token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	other := *svc
	other.Audience = "someone-else"
	_, err = other.VerifyJWT("Bearer " + token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u", "iss": svc.Issuer, "aud": svc.Audience,
	}).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	_, err = svc.VerifyJWT("Bearer " + noExp)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAPIKeyAndAnonymousAccess(t *testing.T) {
	svc := fixedService()

	req := httptest.NewRequest(http.MethodGet, "/v1/reports", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	_, err := svc.AuthenticateRequest(req)
	assert.ErrorIs(t, err, ErrUnauthorized)

	req.Header.Set("X-API-Key", "wrong")
	_, err = svc.AuthenticateRequest(req)
	assert.ErrorIs(t, err, ErrUnauthorized)

	req.Header.Set("X-API-Key", "static-key")
	principal, err := svc.AuthenticateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", principal.ClientID)
	assert.NoError(t, svc.ValidateScopes(principal, ScopeCertify))

	open := NewService(config.Default())
	assert.False(t, open.Enabled())
	principal, err = open.AuthenticateRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "none", principal.AuthMethod)
}

func TestIssueTokenValidatesInput(t *testing.T) {
	svc := fixedService()
	_, err := svc.IssueToken("", nil, time.Minute)
	assert.Error(t, err)
	_, err = svc.IssueToken("u", []string{"fleet:vehicles.read"}, time.Minute)
	assert.Error(t, err)

	unsigned := NewService(config.Default())
	_, err = unsigned.IssueToken("u", nil, time.Minute)
	assert.Error(t, err)
}

func TestWildcardScopes(t *testing.T) {
	svc := fixedService()
	p := Principal{Scopes: []string{"crashgenius:reports.*"}}
	assert.NoError(t, svc.ValidateScopes(p, ScopeReportsRead))
	assert.NoError(t, svc.ValidateScopes(p, ScopeReportsWrite))
	assert.ErrorIs(t, svc.ValidateScopes(p, ScopeChat), ErrForbidden)
}
