package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/proveniq/ledger-core/pkg/api"
)

// Claims are the JWT claims accepted on bearer tokens. Tokens are signed
// HS256 with the shared JWT secret.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTValidator validates HS256 bearer tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator. Returns nil for an empty secret,
// which disables bearer tokens entirely (API key only).
func NewJWTValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates the authentication middleware. Callers present
// either the admin API key (X-API-Key header or "Bearer <key>") or an HS256
// bearer token. With a nil validator only the API key is accepted
// (fail closed).
func NewMiddleware(adminKey string, validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if key := r.Header.Get("X-API-Key"); key != "" {
				if adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
					api.WriteUnauthorized(w, "Invalid API key")
					return
				}
				ctx := WithPrincipal(r.Context(), &Principal{ID: "admin", Roles: []string{RoleAdmin}})
				next.ServeHTTP(w, r.WithContext(ctx))
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
			tokenStr := parts[1]

			// The admin key may also travel as a bearer credential.
			if adminKey != "" && subtle.ConstantTimeCompare([]byte(tokenStr), []byte(adminKey)) == 1 {
				ctx := WithPrincipal(r.Context(), &Principal{ID: "admin", Roles: []string{RoleAdmin}})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Bearer tokens not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}

			roles := claims.Roles
			if len(roles) == 0 {
				roles = []string{RoleReader}
			}
			ctx := WithPrincipal(r.Context(), &Principal{ID: claims.Subject, Roles: roles})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin guards administrative handlers behind the admin role.
func RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := GetPrincipal(r.Context())
		if err != nil {
			api.WriteUnauthorized(w, "")
			return
		}
		if !p.IsAdmin() {
			api.WriteForbidden(w, "Administrative role required")
			return
		}
		next(w, r)
	}
}
