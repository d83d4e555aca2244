package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/animsession/cache"
	"github.com/kasuganosora/animsession/config"
)

const (
	IdentityKey = "identity"
	TokenKey    = "token"
)

// Auth validates the caller's JWT and checks the session cache. The token is
// read from "Authorization: Bearer" or, for WebSocket clients that cannot set
// headers, the "token" query parameter. When roles are given the token's role
// must be one of them.
func Auth(sec config.SecurityConfig, c cache.Cache, roles ...string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		tokenStr := bearer(ctx)
		if tokenStr == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := ParseToken(tokenStr, sec.JWTSecret)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		// The login record must still exist and belong to the token's user.
		cacheCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
		defer cancel()
		owner, err := c.Get(cacheCtx, cache.SessionTokenKey(tokenStr))
		if err != nil || owner != claims.UserID {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}

		if len(roles) > 0 && !hasRole(claims.Role, roles) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}

		ctx.Set(IdentityKey, claims.Identity())
		ctx.Set(TokenKey, tokenStr)
		ctx.Next()
	}
}

func bearer(ctx *gin.Context) string {
	if header := ctx.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ctx.Query("token")
}

func hasRole(role string, allowed []string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// GetIdentity retrieves the authenticated caller from the Gin context.
func GetIdentity(c *gin.Context) (Identity, bool) {
	if v, exists := c.Get(IdentityKey); exists {
		id, ok := v.(Identity)
		return id, ok
	}
	return Identity{}, false
}

// GetUserID returns the authenticated user id, or "" when unauthenticated.
func GetUserID(c *gin.Context) string {
	id, _ := GetIdentity(c)
	return id.UserID
}

// GetToken returns the raw token the request authenticated with.
func GetToken(c *gin.Context) string {
	return c.GetString(TokenKey)
}
