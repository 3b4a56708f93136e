package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
	// DefaultIssuer names the bridge as token issuer.
	DefaultIssuer = "activity-panel"
	// DefaultAudience names the bridge API as token audience.
	DefaultAudience = "activity-panel-bridge"
	bearerPrefix    = "Bearer "
	accessTokenKey  = "access_token"
)

var (
	ErrMissingSigningSecret = errors.New("bridge token: signing secret required")
	ErrMissingHost          = errors.New("bridge token: host name required")
	ErrMissingToken         = errors.New("bridge token: token required")
	ErrInvalidToken         = errors.New("bridge token: invalid token")
	ErrExpiredToken         = errors.New("bridge token: token expired")
)

// TokenConfig configures bridge token issuance and validation.
type TokenConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

func (cfg TokenConfig) normalized() (TokenConfig, error) {
	if len(cfg.SigningSecret) == 0 {
		return TokenConfig{}, ErrMissingSigningSecret
	}
	normalized := TokenConfig{
		SigningSecret: append([]byte(nil), cfg.SigningSecret...),
		Issuer:        strings.TrimSpace(cfg.Issuer),
		Audience:      strings.TrimSpace(cfg.Audience),
		TokenTTL:      cfg.TokenTTL,
		Clock:         cfg.Clock,
	}
	if normalized.Issuer == "" {
		normalized.Issuer = DefaultIssuer
	}
	if normalized.Audience == "" {
		normalized.Audience = DefaultAudience
	}
	if normalized.TokenTTL <= 0 {
		normalized.TokenTTL = defaultTokenTTL
	}
	if normalized.Clock == nil {
		normalized.Clock = time.Now
	}
	return normalized, nil
}

// TokenIssuer mints bridge tokens for host applications embedding the panel.
type TokenIssuer struct {
	config TokenConfig
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &TokenIssuer{config: normalized}, nil
}

// Issue returns a signed token for host and its expiry.
func (i *TokenIssuer) Issue(host string) (string, time.Time, error) {
	subject := strings.TrimSpace(host)
	if subject == "" {
		return "", time.Time{}, ErrMissingHost
	}
	now := i.config.Clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// TokenValidator validates bridge tokens presented by host applications.
type TokenValidator struct {
	config TokenConfig
}

// NewTokenValidator constructs a TokenValidator.
func NewTokenValidator(cfg TokenConfig) (*TokenValidator, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &TokenValidator{config: normalized}, nil
}

// ValidateToken checks the token and returns the host it was issued to.
func (v *TokenValidator) ValidateToken(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.config.SigningSecret, nil
		},
		jwt.WithAudience(v.config.Audience),
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithTimeFunc(v.config.Clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// ValidateRequest reads the token from the Authorization header, falling back to the
// access_token query parameter used by event-stream clients.
func (v *TokenValidator) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	return v.ValidateToken(r.URL.Query().Get(accessTokenKey))
}
