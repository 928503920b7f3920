package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kiroku-app/kiroku-api/internal/service"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/response"
)

// EntitlementHandler reports what the caller's plan allows.
type EntitlementHandler struct {
	service *service.EntitlementService
}

// NewEntitlementHandler creates a new handler.
func NewEntitlementHandler(svc *service.EntitlementService) *EntitlementHandler {
	return &EntitlementHandler{service: svc}
}

// Get returns the entitlement snapshot with storage accounting.
func (h *EntitlementHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	snapshot, err := h.service.Snapshot(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, snapshot, nil)
}
