package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/kiroku-app/kiroku-api/internal/middleware"
	"github.com/kiroku-app/kiroku-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.AccessClaims {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		return nil
	}
	return claims
}

func fingerprintFromRequest(c *gin.Context) string {
	return c.GetHeader("X-Client-Fingerprint")
}
