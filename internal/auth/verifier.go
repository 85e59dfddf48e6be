package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"crashgenius/internal/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

const (
	ScopeReportsRead  = "crashgenius:reports.read"
	ScopeReportsWrite = "crashgenius:reports.write"
	ScopeChat         = "crashgenius:chat"
	ScopeCertify      = "crashgenius:certify"
)

var AllScopes = []string{ScopeReportsRead, ScopeReportsWrite, ScopeChat, ScopeCertify}

// Service authenticates API callers by static key or HS256 bearer token. With neither
// configured every caller is admitted anonymously with all scopes.
type Service struct {
	APIKey     string
	SigningKey string
	Issuer     string
	Audience   string
	Now        func() time.Time
}

func NewService(cfg config.Config) *Service {
	return &Service{
		APIKey:     strings.TrimSpace(cfg.Security.APIKey),
		SigningKey: cfg.Security.TokenSigningKey,
		Issuer:     strings.TrimSpace(cfg.Security.TokenIssuer),
		Audience:   strings.TrimSpace(cfg.Security.TokenAudience),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Enabled() bool {
	return s.APIKey != "" || s.SigningKey != ""
}

func (s *Service) AuthenticateRequest(r *http.Request) (Principal, error) {
	addr := ClientAddress(r)
	if !s.Enabled() {
		return Principal{ClientID: addr, ActorID: "anonymous", Scopes: []string{"*"}, AuthMethod: "none"}, nil
	}
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return s.VerifyJWT(authHeader)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" && s.APIKey != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.APIKey)) == 1 {
			return Principal{ClientID: addr, ActorID: "api_key", Scopes: []string{"*"}, AuthMethod: "api_key"}, nil
		}
	}
	return Principal{}, ErrUnauthorized
}

func (s *Service) VerifyJWT(authHeader string) (Principal, error) {
	headerParts := strings.Fields(authHeader)
	if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "Bearer") {
		return Principal{}, ErrUnauthorized
	}
	rawToken := strings.TrimSpace(headerParts[1])

	signingKey := []byte(s.SigningKey)
	if len(signingKey) == 0 {
		return Principal{}, fmt.Errorf("%w: token signing key not configured", ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.Issuer))
	}
	if s.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(s.Audience))
	}

	parsed, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Principal{}, ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrUnauthorized
	}
	subject := claimString(claims["sub"])
	if subject == "" {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		ClientID:   "sub:" + subject,
		ActorID:    subject,
		TokenID:    claimString(claims["jti"]),
		Scopes:     extractScopes(claims["scope"]),
		AuthMethod: "jwt",
	}, nil
}

// IssueToken signs a bearer token for subject carrying the given scopes.
func (s *Service) IssueToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	if s.SigningKey == "" {
		return "", errors.New("token signing key not configured")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("missing token subject")
	}
	for _, scope := range scopes {
		if scope != "*" && !knownScope(scope) {
			return "", fmt.Errorf("unknown scope %q", scope)
		}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"jti":   uuid.NewString(),
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	if s.Issuer != "" {
		claims["iss"] = s.Issuer
	}
	if s.Audience != "" {
		claims["aud"] = s.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.SigningKey))
}

func (s *Service) ValidateScopes(principal Principal, requiredScope string) error {
	if requiredScope == "" {
		return nil
	}
	for _, scope := range principal.Scopes {
		if scope == "*" || scope == requiredScope {
			return nil
		}
		if strings.HasSuffix(scope, ".*") {
			prefix := strings.TrimSuffix(scope, ".*")
			if strings.HasPrefix(requiredScope, prefix+".") {
				return nil
			}
		}
	}
	return ErrForbidden
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// ClientAddress is the remote host of r without the port.
func ClientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func knownScope(scope string) bool {
	for _, s := range AllScopes {
		if s == scope {
			return true
		}
	}
	return false
}

func claimString(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	default:
		return ""
	}
}

func extractScopes(claim any) []string {
	var scopes []string
	switch value := claim.(type) {
	case string:
		for _, item := range strings.Fields(value) {
			if item != "" {
				scopes = append(scopes, item)
			}
		}
	case []any:
		for _, item := range value {
			if scope := claimString(item); scope != "" {
				scopes = append(scopes, scope)
			}
		}
	}
	return scopes
}
