package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/internal/service"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/response"
)

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service *service.AuthService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc *service.AuthService) *AuthHandler {
	return &AuthHandler{service: svc}
}

// Register creates a password account and signs it in.
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid register payload"))
		return
	}

	res, err := h.service.Register(c.Request.Context(), req, fingerprintFromRequest(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, res)
}

// Login authenticates an email+password account.
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.Fingerprint = fingerprintFromRequest(c)

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

type identityTokenPayload struct {
	IdentityToken string `json:"identityToken" binding:"required"`
}

// GoogleExchange signs in with a verified Google identity token.
func (h *AuthHandler) GoogleExchange(c *gin.Context) {
	h.federatedLogin(c, models.ProviderGoogle)
}

// AppleVerify signs in with a verified Apple identity token.
func (h *AuthHandler) AppleVerify(c *gin.Context) {
	h.federatedLogin(c, models.ProviderApple)
}

func (h *AuthHandler) federatedLogin(c *gin.Context, provider models.AuthProvider) {
	var payload identityTokenPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "identity token required"))
		return
	}

	req := models.FederatedLoginRequest{
		Provider:      provider,
		IdentityToken: payload.IdentityToken,
		Fingerprint:   fingerprintFromRequest(c),
	}
	res, err := h.service.FederatedLogin(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// Refresh rotates the presented refresh token.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}
	req.Fingerprint = fingerprintFromRequest(c)

	res, err := h.service.Refresh(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// Logout revokes the presented refresh token and the calling access token id.
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "refresh token required"))
		return
	}

	if err := h.service.Logout(c.Request.Context(), claims.UserID, claims.ID, req); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// RevokeAll revokes every live session of the caller.
func (h *AuthHandler) RevokeAll(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	count, err := h.service.RevokeAllSessions(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"revoked": count}, nil)
}

// Me returns the authenticated user's info.
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	info, err := h.service.Me(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, info, nil)
}

// DeleteAccount erases the caller's account and everything attached to it.
func (h *AuthHandler) DeleteAccount(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.DeleteAccount(c.Request.Context(), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}
