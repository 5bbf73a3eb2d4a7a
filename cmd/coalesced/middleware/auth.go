package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vanstone-io/coalesce/internal/auth"
	"github.com/vanstone-io/coalesce/pkg/types"
)

// UserKey is the gin context key holding the authenticated user
const UserKey = "user"

// AuthMiddleware validates Bearer tokens and attaches the resolved user to
// the request context
func AuthMiddleware(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")

			user, err := authService.ValidateToken(c.Request.Context(), token)
			if err == nil {
				c.Set(UserKey, user)
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		c.Abort()
	}
}

// CurrentUser returns the authenticated user set by AuthMiddleware
func CurrentUser(c *gin.Context) (*types.User, bool) {
	value, exists := c.Get(UserKey)
	if !exists {
		return nil, false
	}
	user, ok := value.(*types.User)
	return user, ok
}
