// Package auth verifies member tokens and exposes the caller on the request
// context.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/clubhouse/internal/platform/api"
)

var ErrInvalidToken = errors.New("invalid token")

type ctxKeyUserID struct{}
type ctxKeyRole struct{}

func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyUserID{}).(string)
	return v, ok
}

// WithUserID injects user_id into context. Useful for testing.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID{}, uid)
}

func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRole{}).(string)
	return v, ok
}

// WithRole injects role into context. Useful for testing.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ctxKeyRole{}, role)
}

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// JWTVerifier checks HS256 member tokens. Issuer is enforced when set.
type JWTVerifier struct {
	Secret []byte
	Issuer string
	Leeway time.Duration
}

func (v JWTVerifier) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.Leeway))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireUser middleware validates the Bearer token and injects user_id
// (the token subject) and role into context.
func RequireUser(verifier JWTVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			if authz == "" {
				api.Unauthorized(w, "AUTH_MISSING", "authorization header is required", "")
				return
			}
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				api.Unauthorized(w, "AUTH_INVALID", "bearer token is required", "")
				return
			}
			claims, err := verifier.Parse(strings.TrimSpace(parts[1]))
			if err != nil || strings.TrimSpace(claims.Subject) == "" {
				api.Unauthorized(w, "AUTH_INVALID", "invalid or expired token", "")
				return
			}
			ctx := WithUserID(r.Context(), claims.Subject)
			if strings.TrimSpace(claims.Role) != "" {
				ctx = WithRole(ctx, claims.Role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
