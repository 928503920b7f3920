package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/internal/service"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/response"
)

// RequirePro gates a route behind the pro entitlement. The capability name
// only feeds the denial metric label.
func RequirePro(entitlements *service.EntitlementService, metrics *service.MetricsService, capability string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := CurrentUserID(c)
		if userID == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		ent, err := entitlements.Compute(c.Request.Context(), userID)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		if !ent.IsPro && !ent.IsLifetime {
			metrics.RecordProDenied(capability)
			response.Error(c, appErrors.Clone(appErrors.ErrPaymentRequired, "this feature requires an active subscription"))
			c.Abort()
			return
		}

		c.Set(contextEntitlementsKey, ent)
		c.Next()
	}
}

const contextEntitlementsKey = "currentEntitlements"

// CurrentEntitlements returns entitlements cached on the context by
// RequirePro, if present.
func CurrentEntitlements(c *gin.Context) (*models.Entitlements, bool) {
	value, exists := c.Get(contextEntitlementsKey)
	if !exists {
		return nil, false
	}
	ent, ok := value.(*models.Entitlements)
	return ent, ok
}
