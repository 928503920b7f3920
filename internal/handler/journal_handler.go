package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/internal/service"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/response"
)

// JournalHandler exposes journal entry CRUD and the PDF export.
type JournalHandler struct {
	service *service.JournalService
}

// NewJournalHandler creates a new handler.
func NewJournalHandler(svc *service.JournalService) *JournalHandler {
	return &JournalHandler{service: svc}
}

// Create stores a new journal entry, enforcing the plan's storage limit.
func (h *JournalHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.CreateJournalEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid journal payload"))
		return
	}

	entry, err := h.service.Create(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, entry)
}

// List returns the caller's entries with storage accounting.
func (h *JournalHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	res, err := h.service.List(c.Request.Context(), claims.UserID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// Delete removes one entry owned by the caller.
func (h *JournalHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Delete(c.Request.Context(), claims.UserID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// ExportPDF renders the caller's entries as a PDF. Routed behind the pro
// entitlement middleware.
func (h *JournalHandler) ExportPDF(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	document, err := h.service.ExportPDF(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="journal-export.pdf"`)
	c.Data(http.StatusOK, "application/pdf", document)
}
