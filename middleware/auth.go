package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relaychat/server/cache"
	"github.com/relaychat/server/config"
)

const (
	UserIDKey   = "user_id"
	UsernameKey = "username"
	TokenKey    = "token"
)

// ErrSessionExpired is returned for a well-formed token whose session entry
// has been revoked or has expired.
var ErrSessionExpired = errors.New("session expired")

// SessionKey is the cache key that keeps a token alive.
func SessionKey(token string) string { return "session:" + token }

// Authenticate checks the token signature and its session cache entry.
func Authenticate(ctx context.Context, sec config.SecurityConfig, c cache.Cache, token string) (*Claims, error) {
	claims, err := ParseToken(token, sec.JWTSecret)
	if err != nil {
		return nil, err
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	exists, err := c.Exists(cacheCtx, SessionKey(token))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrSessionExpired
	}
	return claims, nil
}

// Auth validates the Bearer JWT token and checks the session cache.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		claims, err := Authenticate(ctx.Request.Context(), sec, c, tokenStr)
		if errors.Is(err, ErrSessionExpired) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx.Set(UserIDKey, claims.UserID)
		ctx.Set(UsernameKey, claims.Username)
		ctx.Set(TokenKey, tokenStr)
		ctx.Next()
	}
}

// GetUserID retrieves the authenticated user ID from the Gin context.
func GetUserID(c *gin.Context) int64 {
	if v, exists := c.Get(UserIDKey); exists {
		return v.(int64)
	}
	return 0
}

// GetUsername retrieves the authenticated username from the Gin context.
func GetUsername(c *gin.Context) string {
	return c.GetString(UsernameKey)
}

// GetToken returns the raw bearer token accepted by Auth.
func GetToken(c *gin.Context) string {
	return c.GetString(TokenKey)
}
