// Package auth resolves bearer credentials into authenticated principals.
// The same Verifier backs the REST middleware and the live-channel handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/marketplace-messaging/internal/validation"
)

// ErrUnauthorized is returned for a missing, malformed or invalid credential.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller.
type Principal struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Verifier validates HMAC-signed tokens and decides elevated roles.
type Verifier struct {
	secret   []byte
	elevated map[string]struct{}
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret string, elevatedRoles []string) *Verifier {
	elevated := make(map[string]struct{}, len(elevatedRoles))
	for _, r := range elevatedRoles {
		elevated[strings.ToLower(r)] = struct{}{}
	}
	return &Verifier{secret: []byte(secret), elevated: elevated}
}

// Verify parses a raw token string.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, ErrUnauthorized
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if !validation.IsObjectKey(claims.Subject) {
		return Principal{}, fmt.Errorf("%w: invalid subject", ErrUnauthorized)
	}

	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// VerifyRequest extracts the bearer credential from the Authorization header,
// falling back to the token query parameter used by browser websocket clients.
func (v *Verifier) VerifyRequest(r *http.Request) (Principal, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return Principal{}, fmt.Errorf("%w: invalid authorization header format", ErrUnauthorized)
		}
		return v.Verify(strings.TrimSpace(parts[1]))
	}
	return v.Verify(r.URL.Query().Get("token"))
}

// IsElevated reports whether p holds a role that bypasses participant checks.
func (v *Verifier) IsElevated(p Principal) bool {
	_, ok := v.elevated[strings.ToLower(p.Role)]
	return ok
}

// NewToken signs a token for userID. Used by tooling and tests.
func NewToken(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
