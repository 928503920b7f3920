package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/internal/service"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/response"
)

// IAPHandler exposes purchase verification and subscription status.
type IAPHandler struct {
	service *service.SubscriptionService
}

// NewIAPHandler creates a new handler.
func NewIAPHandler(svc *service.SubscriptionService) *IAPHandler {
	return &IAPHandler{service: svc}
}

// Verify checks a submitted receipt with the store and reports the resulting
// subscription state.
func (h *IAPHandler) Verify(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.VerifyPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid verify payload"))
		return
	}

	res, err := h.service.VerifyPurchase(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// Status reports the caller's current subscription state.
func (h *IAPHandler) Status(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	res, err := h.service.Status(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}
