package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const authHeader = "x-auth-token"

type claimsKey struct{}

// Claims are the session-token claims this service relies on
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims grant role
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// ClaimsFromContext returns the verified claims of the current request
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Authenticator verifies HS256 session tokens issued by the account service
type Authenticator struct {
	secret []byte
	role   string
}

// NewAuthenticator creates an authenticator requiring role on every request
func NewAuthenticator(secret, role string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		role:   role,
	}
}

// Middleware rejects requests without a valid token carrying the required role
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "access denied, no token provided"})
			return
		}

		claims, err := a.verify(raw)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: msg})
			return
		}

		if a.role != "" && !claims.HasRole(a.role) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "access denied"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (a *Authenticator) verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func tokenFromRequest(r *http.Request) string {
	if t := r.Header.Get(authHeader); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
