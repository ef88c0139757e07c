// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller identity. With auth enabled, every request
// must carry an HS256 bearer token whose subject becomes the user id. With
// auth disabled (local development and tests) the X-User-ID header is trusted
// instead. Either way the id is stored under UserIDKey for handlers, the rate
// limiter and the access log.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// UserIDKey is the Gin context key holding the authenticated user id.
	UserIDKey = "userID"
	// HeaderUserID carries the caller id when auth is disabled.
	HeaderUserID = "X-User-ID"
	// HeaderAdminToken carries the shared secret of the admin surface.
	HeaderAdminToken = "X-Admin-Token"
)

// AuthOptions configures Auth.
type AuthOptions struct {
	Enabled bool
	Secret  string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
}

// Auth verifies the bearer token and stores its subject under UserIDKey.
// Requests without a valid token are rejected with 401.
func Auth(opts AuthOptions) gin.HandlerFunc {
	if !opts.Enabled {
		return func(c *gin.Context) {
			if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" {
				c.Set(UserIDKey, uid)
			}
			c.Next()
		}
	}

	secret := []byte(opts.Secret)
	parseOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(opts.Issuer))
	}
	keyFn := func(*jwt.Token) (any, error) { return secret, nil }

	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		var claims jwt.RegisteredClaims
		token, err := jwt.ParseWithClaims(raw, &claims, keyFn, parseOpts...)
		if err != nil || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		c.Set(UserIDKey, claims.Subject)
		c.Next()
	}
}

// AdminToken guards the admin surface with a shared secret compared in
// constant time. An empty configured token disables the surface entirely.
func AdminToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			abortJSON(c, http.StatusForbidden, "forbidden", "admin surface disabled")
			return
		}
		got := []byte(c.GetHeader(HeaderAdminToken))
		if len(got) == 0 {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing admin token")
			return
		}
		if subtle.ConstantTimeCompare(got, want) != 1 {
			abortJSON(c, http.StatusForbidden, "forbidden", "invalid admin token")
			return
		}
		c.Next()
	}
}

// UserID returns the caller id stored by Auth, or "".
func UserID(c *gin.Context) string {
	if v, ok := c.Get(UserIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// abortJSON writes the standard error envelope from middleware, which cannot
// import the handlers package.
func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"error":      msg,
		"code":       code,
		"message":    msg,
	})
}
