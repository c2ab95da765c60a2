package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"chiller/backend/internal/apperr"
	"chiller/backend/internal/models"
)

// UserLookup loads the account behind an authenticated request.
type UserLookup interface {
	Get(ctx context.Context, id string) (models.User, error)
}

// AdminMiddleware creates a gin middleware to check for admin role.
// It must be used AFTER AuthMiddleware.
func AdminMiddleware(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated", "code": "unauthenticated"})
			return
		}

		user, err := users.Get(c.Request.Context(), userID)
		if err != nil {
			if apperr.Retryable(err) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable", "code": apperr.CodeOf(err)})
				return
			}
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Authenticated user not found", "code": apperr.CodeOf(err)})
			return
		}

		if user.Role != models.RoleAdmin {
			slog.Warn("admin route denied", "user_id", userID, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required", "code": apperr.ErrNotAuthorized.Code})
			return
		}

		c.Next()
	}
}
