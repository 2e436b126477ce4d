package security

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SecretEnv names the environment variable that overrides the configured secret.
const SecretEnv = "EVOSHIELD_JWT_SECRET"

var (
	ErrMissingToken     = errors.New("security: missing authorization token")
	ErrInvalidToken     = errors.New("security: invalid token")
	ErrExpiredToken     = errors.New("security: token expired")
	ErrInsufficientRole = errors.New("security: insufficient role")
	ErrUnknownRole      = errors.New("security: unknown role")
)

// Claims is the payload of an API token: the standard registered claims plus
// the caller's role.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for subject with role, valid for ttl.
func GenerateToken(subject, role, issuer string, secret []byte, ttl time.Duration) (string, error) {
	switch {
	case !IsValidRole(role):
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	case len(secret) == 0:
		return "", errors.New("security: empty signing secret")
	}
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString(secret)
}

// ValidateToken verifies signature, expiry and role. A non-empty issuer must
// match the token's.
func ValidateToken(raw string, secret []byte, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) { return secret, nil }, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case !IsValidRole(c.Role):
		return nil, ErrUnknownRole
	}
	return &c, nil
}

// ResolveSecret prefers the environment over the configured secret. Nil
// means authentication is off.
func ResolveSecret(configured string) []byte {
	if s := os.Getenv(SecretEnv); s != "" {
		return []byte(s)
	}
	if configured == "" {
		return nil
	}
	return []byte(configured)
}
