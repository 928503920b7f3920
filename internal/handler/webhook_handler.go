package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/internal/service"
	"github.com/kiroku-app/kiroku-api/pkg/config"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/response"
	"github.com/kiroku-app/kiroku-api/pkg/webhookverify"
)

// WebhookHandler authenticates storefront push notifications and hands the
// verified bodies to the subscription service.
type WebhookHandler struct {
	subscriptions *service.SubscriptionService
	apple         *webhookverify.AppleVerifier
	google        *webhookverify.GoogleVerifier
	audit         service.AuditRecorder
	metrics       *service.MetricsService
	logger        *zap.Logger
	cfg           config.WebhookConfig
	production    bool
	testMode      bool
}

// NewWebhookHandler creates a new handler. apple and google may be nil in test
// mode.
func NewWebhookHandler(subscriptions *service.SubscriptionService, apple *webhookverify.AppleVerifier, google *webhookverify.GoogleVerifier, audit service.AuditRecorder, metrics *service.MetricsService, logger *zap.Logger, cfg config.WebhookConfig, production, testMode bool) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		subscriptions: subscriptions,
		apple:         apple,
		google:        google,
		audit:         audit,
		metrics:       metrics,
		logger:        logger,
		cfg:           cfg,
		production:    production,
		testMode:      testMode,
	}
}

func (h *WebhookHandler) checkSharedSecret(c *gin.Context, provider string) bool {
	if h.cfg.SharedSecret == "" {
		return true
	}
	if c.GetHeader("X-Webhook-Secret") == h.cfg.SharedSecret {
		return true
	}
	h.metrics.RecordWebhookEvent(provider, "auth_fail")
	response.Error(c, appErrors.ErrUnauthorized)
	return false
}

// Apple handles App Store server notifications. Production requires a
// verifiable signedPayload; test mode also accepts plain JSON bodies.
func (h *WebhookHandler) Apple(c *gin.Context) {
	if !h.checkSharedSecret(c, string(models.PlatformApple)) {
		return
	}

	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid webhook payload"))
		return
	}

	signedPayload, _ := body["signedPayload"].(string)
	if signedPayload == "" {
		signedPayload, _ = body["signed_payload"].(string)
	}
	if h.production && !h.testMode && signedPayload == "" {
		h.recordAudit(c, "webhook.apple.missing_signature", nil)
		response.Error(c, appErrors.New("MISSING_SIGNATURE", http.StatusBadRequest, "signedPayload required"))
		return
	}

	signed := signedPayload != ""
	if signed {
		payload, chain, err := h.apple.Verify(signedPayload)
		if err != nil {
			h.recordAudit(c, "webhook.apple.invalid_signature", map[string]interface{}{"error": err.Error()})
			h.metrics.RecordWebhookEvent(string(models.PlatformApple), "sig_fail")
			response.Error(c, appErrors.Clone(appErrors.ErrInvalidSignature, ""))
			return
		}
		h.logger.Debug("apple webhook signature verified", zap.Int("chain_len", len(chain)))
		var decoded map[string]interface{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrInvalidSignature, "signed payload is not JSON"))
			return
		}
		body = decoded
	}

	outcome, err := h.subscriptions.ProcessAppleNotification(c.Request.Context(), body, signed)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.ack(c, outcome)
}

// Google handles Play Pub/Sub RTDN pushes. Outside test mode the push JWT is
// required and verified against Google's published certs.
func (h *WebhookHandler) Google(c *gin.Context) {
	if !h.checkSharedSecret(c, string(models.PlatformGoogle)) {
		return
	}

	if !h.testMode {
		token := c.GetHeader("X-Goog-JWT")
		if token == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if token == "" {
			h.recordAudit(c, "webhook.google.jwt_missing", nil)
			response.Error(c, appErrors.Clone(appErrors.ErrInvalidPubSubJWT, ""))
			return
		}
		if _, err := h.google.Verify(c.Request.Context(), token); err != nil {
			h.recordAudit(c, "webhook.google.invalid_jwt", map[string]interface{}{"error": err.Error()})
			h.metrics.RecordWebhookEvent(string(models.PlatformGoogle), "sig_fail")
			response.Error(c, appErrors.Clone(appErrors.ErrInvalidPubSubJWT, ""))
			return
		}
	}

	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid webhook payload"))
		return
	}

	outcome, err := h.subscriptions.ProcessGoogleNotification(c.Request.Context(), body)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.ack(c, outcome)
}

func (h *WebhookHandler) ack(c *gin.Context, outcome *service.WebhookOutcome) {
	payload := gin.H{"success": true}
	if outcome.Dedup {
		payload["dedup"] = true
	}
	c.JSON(http.StatusOK, payload)
}

func (h *WebhookHandler) recordAudit(c *gin.Context, action string, meta map[string]interface{}) {
	if h.audit == nil {
		return
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = nil
	}
	if err := h.audit.Create(c.Request.Context(), &models.AuditLog{Action: action, Meta: raw}); err != nil {
		h.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}
