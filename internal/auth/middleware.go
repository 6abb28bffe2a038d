package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/ecollect/internal/logging"
)

const (
	// ContextKeyAPIKey is the gin context key for the validated *APIKey
	ContextKeyAPIKey = "apiKey"
	// ContextKeyActor is the gin context key for the authenticated Actor
	ContextKeyActor = "authActor"
)

// Middleware resolves the API key from Authorization or X-API-Key. Invalid or
// missing keys pass through unauthenticated; RequireAuth rejects them.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader("Authorization")
		if rawKey == "" {
			rawKey = c.GetHeader("X-API-Key")
		}

		if rawKey != "" {
			if key, err := m.ValidateKey(c.Request.Context(), rawKey); err == nil {
				SetActor(c, key.Actor())
				c.Set(ContextKeyAPIKey, key)
			}
		}

		c.Next()
	}
}

// SetActor stores the actor on the request. Test routers use it directly.
func SetActor(c *gin.Context, a Actor) {
	c.Set(ContextKeyActor, a)
	c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), a.ID))
}

// RequireAuth rejects requests without a valid key
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated actors whose role is not listed.
// Operators always pass.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if actor.IsOperator() {
			c.Next()
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Role " + string(actor.Role) + " may not perform this operation.",
		})
	}
}

// GetActor returns the authenticated actor, if any.
func GetActor(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(ContextKeyActor)
	if !ok {
		return Actor{}, false
	}
	a, ok := v.(Actor)
	return a, ok
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	k, ok := v.(*APIKey)
	return k, ok
}
