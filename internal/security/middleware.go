package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

type claimsKey struct{}

// WithClaims returns a context carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the caller's claims, or nil on an unauthenticated
// request.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// bearer extracts the token from an "Authorization: Bearer" header.
func bearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(tok), nil
}

// AuthMiddleware authenticates bearer tokens and applies the role grants.
// With a nil secret every request passes and a warning is logged once.
func AuthMiddleware(secret []byte, issuer string, logger *slog.Logger) func(http.Handler) http.Handler {
	var once sync.Once
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == nil {
				once.Do(func() { logger.Warn("API authentication disabled", "env", SecretEnv) })
				next.ServeHTTP(w, r)
				return
			}
			raw, err := bearer(r)
			var c *Claims
			if err == nil {
				c, err = ValidateToken(raw, secret, issuer)
			}
			if err != nil {
				deny(w, http.StatusUnauthorized, err)
				return
			}
			if !Allowed(c.Role, r.Method, r.URL.Path) {
				logger.Warn("request denied",
					"subject", c.Subject, "role", c.Role, "method", r.Method, "path", r.URL.Path)
				deny(w, http.StatusForbidden, ErrInsufficientRole)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), c)))
		})
	}
}

func deny(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
