package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the shortest HMAC secret NewTokenService accepts.
const MinSecretLen = 32

// Claims are the claims of an ingest token. The subject names the sender;
// Inputs limits the token to the named inputs, or to every input when
// empty.
type Claims struct {
	Inputs []string `json:"inputs,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the token may feed the named input.
func (c *Claims) Allows(input string) bool {
	return len(c.Inputs) == 0 || slices.Contains(c.Inputs, input)
}

// TokenService issues and verifies HS256 ingest tokens.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService creates a token service with the given HMAC secret.
func NewTokenService(secret []byte) (*TokenService, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	return &TokenService{secret: secret, now: time.Now}, nil
}

// Issue signs a token for subject. A zero ttl issues a token that never
// expires.
func (ts *TokenService) Issue(subject string, inputs []string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	now := ts.now().UTC()
	claims := Claims{
		Inputs: inputs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Issuer is the iss claim of every token this package issues.
const Issuer = "graylogd"

// Verify parses and validates a token, returning its claims.
func (ts *TokenService) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return ts.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(ts.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
