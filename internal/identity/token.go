package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 24 * time.Hour

	// Audience is the audience claim of every tasksync token.
	Audience = "tasksync-api"
)

var (
	ErrMissingSigningSecret = errors.New("signing secret must be provided")
	ErrMissingSubject       = errors.New("subject claim must be provided")
	ErrInvalidToken         = errors.New("invalid token")
	ErrExpiredToken         = errors.New("token expired")
)

// TokenConfig configures token issuing and validation.
type TokenConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates HS256 bearer tokens.
type TokenIssuer struct {
	config TokenConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenConfig) *TokenIssuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &TokenIssuer{config: cfg, clock: cfg.Clock}
}

// Issue signs a token for subject.
func (i *TokenIssuer) Issue(subject string) (string, time.Time, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", time.Time{}, ErrMissingSigningSecret
	}
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL)

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.config.Issuer,
		Audience:  []string{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.SigningSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// Validate verifies tokenString and returns its identity.
func (i *TokenIssuer) Validate(tokenString string) (*Identity, error) {
	if len(i.config.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	return identityFromClaims(tokenString, claims)
}

// ParseUnverified reads the identity from a token without checking its
// signature. Used when the client has no signing secret and the remote
// store is the one enforcing it.
func ParseUnverified(tokenString string) (*Identity, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identityFromClaims(tokenString, claims)
}

func identityFromClaims(tokenString string, claims *jwt.RegisteredClaims) (*Identity, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMissingSubject
	}

	id := &Identity{Subject: claims.Subject, Token: tokenString}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
