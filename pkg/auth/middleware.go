// Package auth validates bearer tokens and resolves the request-scoped
// principal from the role matrix. Identity issuance lives with the dashboard
// session service; this core only verifies.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opsguild/tribunal/pkg/api"
	"github.com/opsguild/tribunal/pkg/authz"
)

// Claims are the JWT claims the dashboard session service issues. Identity
// and role assignment live with that collaborator; this core only verifies
// the token and resolves capabilities from the role matrix.
type Claims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles"`
	Superuser bool     `json:"superuser"`
}

// Validator validates HMAC-signed bearer tokens.
type Validator struct {
	secret []byte
}

// NewValidator creates a validator. A nil/empty secret yields a nil
// validator; the middleware then rejects every non-public request.
func NewValidator(secret []byte) *Validator {
	if len(secret) == 0 {
		return nil
	}
	return &Validator{secret: secret}
}

// Validate parses and verifies a token string.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are reachable without authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware authenticates requests and resolves the principal once per
// request. A nil validator fails closed.
func NewMiddleware(validator *Validator, evaluator *authz.Evaluator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				api.WriteUnauthorized(w, "Authentication is not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid token")
				return
			}

			principal := evaluator.Resolve(claims.Subject, claims.Roles, claims.Superuser)
			next.ServeHTTP(w, r.WithContext(authz.WithPrincipal(r.Context(), principal)))
		})
	}
}
