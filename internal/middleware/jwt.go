package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/internal/service"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/response"
)

// ContextUserKey is the gin context key storing JWT claims.
const ContextUserKey = "currentUser"

// JWT protects routes by requiring a valid, non-revoked access token.
func JWT(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		revoked, err := authService.IsAccessTokenRevoked(c.Request.Context(), claims.ID)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check token revocation"))
			c.Abort()
			return
		}
		if revoked {
			response.Error(c, appErrors.Clone(appErrors.ErrTokenRevoked, ""))
			c.Abort()
			return
		}

		if err := authService.ResolveUser(c.Request.Context(), claims.UserID); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// CurrentClaims returns the access claims attached by JWT, if any.
func CurrentClaims(c *gin.Context) (*models.AccessClaims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*models.AccessClaims)
	return claims, ok
}

// CurrentUserID returns the authenticated user id or empty string.
func CurrentUserID(c *gin.Context) string {
	claims, ok := CurrentClaims(c)
	if !ok {
		return ""
	}
	return claims.UserID
}
