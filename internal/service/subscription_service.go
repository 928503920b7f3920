package service

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kiroku-app/kiroku-api/internal/models"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
)

type subscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	Update(ctx context.Context, sub *models.Subscription) error
	LatestForUser(ctx context.Context, userID string) (*models.Subscription, error)
	FindByOriginalTransactionID(ctx context.Context, originalTransactionID string) (*models.Subscription, error)
	FindByPurchaseToken(ctx context.Context, purchaseToken string) (*models.Subscription, error)
	AddEvent(ctx context.Context, event *models.SubscriptionEvent) error
	MarkWebhookProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// SubscriptionConfig carries billing behavior knobs.
type SubscriptionConfig struct {
	LifetimeProductIDs []string
	TestMode           bool
}

// WebhookOutcome reports how a webhook delivery was handled.
type WebhookOutcome struct {
	Dedup bool
	Event string
}

// SubscriptionService reconciles purchase verifications and store webhook
// notifications into per-user subscription state.
type SubscriptionService struct {
	subs      subscriptionRepository
	audit     auditWriter
	verifier  ReceiptVerifier
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    SubscriptionConfig
	now       func() time.Time
}

// NewSubscriptionService constructs a SubscriptionService instance.
func NewSubscriptionService(subs subscriptionRepository, audit auditWriter, verifier ReceiptVerifier, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, config SubscriptionConfig) *SubscriptionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &SubscriptionService{
		subs:      subs,
		audit:     audit,
		verifier:  verifier,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// WithClock overrides the service clock. Test use only.
func (s *SubscriptionService) WithClock(now func() time.Time) *SubscriptionService {
	s.now = now
	return s
}

func (s *SubscriptionService) isLifetime(productID string) bool {
	for _, id := range s.config.LifetimeProductIDs {
		if id != "" && id == productID {
			return true
		}
	}
	return false
}

// VerifyPurchase checks the submitted receipt with the store and persists the
// resulting subscription state.
func (s *SubscriptionService) VerifyPurchase(ctx context.Context, userID string, req models.VerifyPurchaseRequest) (*models.VerifyPurchaseResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid verify payload")
	}

	var (
		result *models.VerifyResult
		err    error
		source models.Platform
	)
	if req.Platform == "ios" {
		source = models.PlatformApple
		result, err = s.verifier.VerifyApple(ctx, req.Receipt)
	} else {
		source = models.PlatformGoogle
		result, err = s.verifier.VerifyGoogle(ctx, req.Receipt, req.ProductID)
	}
	if err != nil {
		s.metrics.RecordIAPVerify(req.Platform, "error")
		s.recordAudit(ctx, &userID, "iap.verify.failed", map[string]interface{}{"platform": req.Platform, "error": err.Error()})
		return nil, appErrors.Wrap(err, "VERIFY_EXCEPTION", http.StatusInternalServerError, "receipt verification errored")
	}
	if !result.Valid || result.ProductID == "" {
		s.metrics.RecordIAPVerify(req.Platform, "fail")
		s.recordAudit(ctx, &userID, "iap.verify.failed", map[string]interface{}{"platform": req.Platform, "errorCode": result.ErrorCode})
		code := result.ErrorCode
		if code == "" {
			code = appErrors.ErrVerifyFailed.Code
		}
		return nil, appErrors.New(code, http.StatusBadRequest, "receipt verification failed")
	}

	isLifetime := s.isLifetime(result.ProductID)
	now := s.now().UTC()
	expired := !isLifetime && result.ExpiresAt != nil && result.ExpiresAt.Before(now)
	status := models.StatusActive
	if expired {
		status = models.StatusExpired
	}
	willRenew := !expired && result.ExpiresAt != nil && !isLifetime

	var expiresAt *time.Time
	if !isLifetime {
		expiresAt = result.ExpiresAt
	}

	prev, err := s.subs.LatestForUser(ctx, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}

	sub := &models.Subscription{
		UserID:   userID,
		Platform: source,
		Status:   status,
	}
	if prev != nil && prev.Platform == source {
		sub = prev
		sub.Status = status
	}
	sub.ProductID = &result.ProductID
	sub.ExpiresAt = expiresAt
	sub.LatestReceipt = &req.Receipt
	sub.WillRenew = &willRenew
	if result.OriginalTransactionID != "" {
		sub.OriginalTransactionID = &result.OriginalTransactionID
	}
	if result.PurchaseToken != "" {
		sub.PurchaseToken = &result.PurchaseToken
	}

	if prev != nil && prev.Platform == source {
		err = s.subs.Update(ctx, sub)
	} else {
		err = s.subs.Create(ctx, sub)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist subscription")
	}

	fromStatus := "none"
	if prev != nil {
		fromStatus = string(prev.Status)
	}
	s.metrics.RecordStatusTransition(fromStatus, string(sub.Status))
	s.metrics.RecordIAPVerify(req.Platform, "success")
	s.recordAudit(ctx, &userID, "iap.verify.success", map[string]interface{}{"platform": req.Platform, "productId": result.ProductID})

	eventType := "verified"
	if expired {
		eventType = "expired"
	}
	s.addEvent(ctx, &models.SubscriptionEvent{
		UserID:     userID,
		Platform:   source,
		ProductID:  sub.ProductID,
		EventType:  eventType,
		Source:     models.SourceVerify,
		ExpiryDate: sub.ExpiresAt,
	}, map[string]interface{}{"platform": req.Platform, "productId": result.ProductID, "willRenew": willRenew})

	return &models.VerifyPurchaseResponse{
		IsPro:      !expired || isLifetime,
		ProductID:  result.ProductID,
		ExpiryDate: sub.ExpiresAt,
		Status:     string(status),
		Source:     source,
		WillRenew:  willRenew,
		IsLifetime: isLifetime,
	}, nil
}

// Status reports the subscription state of the user's latest row.
func (s *SubscriptionService) Status(ctx context.Context, userID string) (*models.SubscriptionStatusResponse, error) {
	row, err := s.subs.LatestForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.SubscriptionStatusResponse{Status: "none", Tier: models.TierFree}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}

	now := s.now().UTC()
	isTimeExpired := row.ExpiresAt != nil && row.ExpiresAt.Before(now)
	productID := ""
	if row.ProductID != nil {
		productID = *row.ProductID
	}
	isLifetime := s.isLifetime(productID)

	tier := models.TierFree
	if isLifetime {
		tier = models.TierLifetime
	} else if (row.Status == models.StatusActive || row.Status == models.StatusCanceled) && !isTimeExpired {
		tier = models.TierPro
	}
	upcomingExpiry := !isTimeExpired && !isLifetime && row.ExpiresAt != nil && row.ExpiresAt.Sub(now) < 24*time.Hour

	if isTimeExpired || row.Status == models.StatusExpired {
		expiredTier := models.TierFree
		if isLifetime {
			expiredTier = models.TierLifetime
		}
		return &models.SubscriptionStatusResponse{
			IsPro:      isLifetime,
			Status:     "expired",
			ProductID:  productID,
			ExpiryDate: row.ExpiresAt,
			Source:     row.Platform,
			IsCanceled: row.Status == models.StatusCanceled,
			IsLifetime: isLifetime,
			Tier:       expiredTier,
		}, nil
	}

	switch row.Status {
	case models.StatusActive:
		willRenew := false
		if row.WillRenew != nil {
			willRenew = *row.WillRenew
		} else if row.ExpiresAt != nil {
			willRenew = row.ExpiresAt.After(now)
		}
		if isLifetime {
			willRenew = false
		}
		return &models.SubscriptionStatusResponse{
			IsPro:          true,
			Status:         "active",
			ProductID:      productID,
			ExpiryDate:     row.ExpiresAt,
			Source:         row.Platform,
			WillRenew:      willRenew,
			IsLifetime:     isLifetime,
			Tier:           tier,
			UpcomingExpiry: upcomingExpiry,
		}, nil
	case models.StatusCanceled:
		// Canceled but unexpired keeps access until the expiry passes.
		return &models.SubscriptionStatusResponse{
			IsPro:          !isTimeExpired || isLifetime,
			Status:         "active",
			ProductID:      productID,
			ExpiryDate:     row.ExpiresAt,
			Source:         row.Platform,
			IsCanceled:     true,
			IsLifetime:     isLifetime,
			Tier:           tier,
			UpcomingExpiry: upcomingExpiry,
		}, nil
	default:
		fallbackTier := models.TierFree
		if isLifetime {
			fallbackTier = models.TierLifetime
		}
		return &models.SubscriptionStatusResponse{
			IsPro:      isLifetime,
			Status:     "none",
			IsLifetime: isLifetime,
			Tier:       fallbackTier,
		}, nil
	}
}

func appleEventType(notificationType, subtype string) string {
	switch notificationType {
	case "DID_RENEW":
		return "renewed"
	case "EXPIRED":
		return "expired"
	case "CANCEL":
		return "canceled"
	case "REFUND":
		return "refunded"
	case "GRACE_PERIOD_EXPIRED":
		return "grace_end"
	case "DID_CHANGE_RENEWAL_STATUS":
		if subtype == "AUTO_RENEW_DISABLED" {
			return "auto_renew_off"
		}
		return "auto_renew_on"
	case "":
		return "unknown"
	default:
		return strings.ToLower(notificationType)
	}
}

var googleEventTypes = map[int]string{
	1:  "recovered",
	2:  "renewed",
	3:  "canceled",
	4:  "purchased",
	5:  "on_hold",
	6:  "in_grace",
	7:  "restarted",
	8:  "price_change_confirmed",
	9:  "deferred",
	10: "paused",
	11: "pause_schedule_changed",
	12: "revoked",
	13: "expired",
}

var googleEventNames = map[string]int{
	"SUBSCRIPTION_RECOVERED":              1,
	"SUBSCRIPTION_RENEWED":                2,
	"SUBSCRIPTION_CANCELED":               3,
	"SUBSCRIPTION_PURCHASED":              4,
	"SUBSCRIPTION_ON_HOLD":                5,
	"SUBSCRIPTION_IN_GRACE_PERIOD":        6,
	"SUBSCRIPTION_RESTARTED":              7,
	"SUBSCRIPTION_PRICE_CHANGE_CONFIRMED": 8,
	"SUBSCRIPTION_DEFERRED":               9,
	"SUBSCRIPTION_PAUSED":                 10,
	"SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED": 11,
	"SUBSCRIPTION_REVOKED":                12,
	"SUBSCRIPTION_EXPIRED":                13,
}

func googleEventType(n int) string {
	if name, ok := googleEventTypes[n]; ok {
		return name
	}
	return "unknown"
}

// ProcessAppleNotification reconciles a verified App Store server
// notification body.
func (s *SubscriptionService) ProcessAppleNotification(ctx context.Context, body map[string]interface{}, signed bool) (*WebhookOutcome, error) {
	// ASN v2 nests the transaction fields under data.
	if data, ok := body["data"].(map[string]interface{}); ok {
		merged := make(map[string]interface{}, len(body)+len(data))
		for k, v := range body {
			merged[k] = v
		}
		for k, v := range data {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
		body = merged
	}

	notificationType := stringField(body, "notificationType", "notification_type")
	subtype := stringField(body, "subtype")
	eventID := stringField(body, "notificationUUID", "eventId")
	unified := appleEventType(notificationType, subtype)

	txID := stringField(body, "originalTransactionId", "original_transaction_id")
	if txID == "" {
		return nil, appErrors.New("NO_ORIGINAL_TRANSACTION_ID", http.StatusBadRequest, "notification has no original transaction id")
	}

	if eventID != "" {
		claimed, err := s.subs.MarkWebhookProcessed(ctx, string(models.PlatformApple), eventID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to claim webhook event")
		}
		if !claimed {
			s.metrics.RecordWebhookEvent(string(models.PlatformApple), "dedup")
			return &WebhookOutcome{Dedup: true, Event: unified}, nil
		}
	}

	sub, err := s.subs.FindByOriginalTransactionID(ctx, txID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.recordAudit(ctx, nil, models.AuditWebhookUnknownUser, map[string]interface{}{"txId": txID, "notificationType": notificationType, "subtype": subtype})
			s.metrics.RecordWebhookEvent(string(models.PlatformApple), "unknown")
			return &WebhookOutcome{Event: unified}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve subscription")
	}

	status := sub.Status
	refreshedExpiry := sub.ExpiresAt
	willRenew := sub.WillRenew != nil && *sub.WillRenew

	switch unified {
	case "renewed", "purchased", "restarted":
		status = models.StatusActive
		// Renewal events leave willRenew alone; the renewal-status events
		// control it.
		if sub.LatestReceipt != nil {
			if re, err := s.verifier.VerifyApple(ctx, *sub.LatestReceipt); err == nil && re.Valid && re.ExpiresAt != nil {
				refreshedExpiry = re.ExpiresAt
			}
		}
	case "expired":
		status = models.StatusExpired
		willRenew = false
	case "canceled", "revoked", "refunded":
		status = models.StatusCanceled
		willRenew = false
	case "auto_renew_off":
		willRenew = false
	case "auto_renew_on":
		if status == models.StatusActive {
			willRenew = true
		} else if latest, err := s.subs.LatestForUser(ctx, sub.UserID); err == nil && latest.ID == sub.ID && latest.Status == models.StatusActive {
			willRenew = true
		}
	}

	return s.applyWebhookUpdate(ctx, sub, models.PlatformApple, unified, status, refreshedExpiry, willRenew, eventID, map[string]interface{}{
		"notificationType": notificationType,
		"subtype":          subtype,
		"signed":           signed,
		"willRenew":        willRenew,
	})
}

// ProcessGoogleNotification reconciles a Pub/Sub RTDN push body. Test mode
// also accepts the shorthand of a symbolic notificationType and purchaseToken
// at the body root.
func (s *SubscriptionService) ProcessGoogleNotification(ctx context.Context, body map[string]interface{}) (*WebhookOutcome, error) {
	var (
		notificationNumber int
		purchaseToken      string
		eventID            string
	)

	message, _ := body["message"].(map[string]interface{})
	data, _ := message["data"].(string)
	if data != "" {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, appErrors.New("DECODE_ERROR", http.StatusBadRequest, "message data is not base64")
		}
		var payload struct {
			MessageID                string `json:"messageId"`
			SubscriptionNotification *struct {
				NotificationType int    `json:"notificationType"`
				PurchaseToken    string `json:"purchaseToken"`
				EventID          string `json:"eventId"`
				NotificationID   string `json:"notificationId"`
			} `json:"subscriptionNotification"`
		}
		if err := json.Unmarshal(decoded, &payload); err != nil {
			return nil, appErrors.New("DECODE_ERROR", http.StatusBadRequest, "message data is not valid JSON")
		}
		if payload.SubscriptionNotification == nil {
			return &WebhookOutcome{Event: "ignored"}, nil
		}
		notificationNumber = payload.SubscriptionNotification.NotificationType
		purchaseToken = payload.SubscriptionNotification.PurchaseToken
		eventID = payload.MessageID
		if eventID == "" {
			eventID = payload.SubscriptionNotification.EventID
		}
		if eventID == "" {
			eventID = payload.SubscriptionNotification.NotificationID
		}
	} else if s.config.TestMode {
		name := stringField(body, "notificationType")
		if name == "" {
			return nil, appErrors.New("NO_DATA", http.StatusBadRequest, "push body has no message data")
		}
		notificationNumber = googleEventNames[name]
		purchaseToken = stringField(body, "purchaseToken")
		if nested, ok := body["data"].(map[string]interface{}); ok && purchaseToken == "" {
			purchaseToken = stringField(nested, "purchaseToken")
		}
		eventID = stringField(body, "eventId")
	} else {
		return nil, appErrors.New("NO_DATA", http.StatusBadRequest, "push body has no message data")
	}

	event := googleEventType(notificationNumber)

	if eventID != "" {
		claimed, err := s.subs.MarkWebhookProcessed(ctx, string(models.PlatformGoogle), eventID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to claim webhook event")
		}
		if !claimed {
			s.metrics.RecordWebhookEvent(string(models.PlatformGoogle), "dedup")
			return &WebhookOutcome{Dedup: true, Event: event}, nil
		}
	}

	sub, err := s.subs.FindByPurchaseToken(ctx, purchaseToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.recordAudit(ctx, nil, models.AuditWebhookUnknownUser, map[string]interface{}{"purchaseToken": purchaseToken, "event": event})
			s.metrics.RecordWebhookEvent(string(models.PlatformGoogle), "unknown")
			return &WebhookOutcome{Event: event}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve subscription")
	}

	status := sub.Status
	refreshedExpiry := sub.ExpiresAt
	willRenew := sub.WillRenew != nil && *sub.WillRenew

	switch event {
	case "purchased", "renewed", "recovered", "restarted":
		status = models.StatusActive
		willRenew = true
		if sub.PurchaseToken != nil && sub.ProductID != nil {
			if re, err := s.verifier.VerifyGoogle(ctx, *sub.PurchaseToken, *sub.ProductID); err == nil && re.Valid && re.ExpiresAt != nil {
				refreshedExpiry = re.ExpiresAt
			}
		}
	case "expired":
		status = models.StatusExpired
		willRenew = false
	case "canceled", "revoked":
		status = models.StatusCanceled
		willRenew = false
	case "paused", "on_hold", "in_grace":
		// Keep current status; renewal decision is pending.
	}

	return s.applyWebhookUpdate(ctx, sub, models.PlatformGoogle, event, status, refreshedExpiry, willRenew, eventID, map[string]interface{}{
		"notificationType": notificationNumber,
		"willRenew":        willRenew,
	})
}

func (s *SubscriptionService) applyWebhookUpdate(ctx context.Context, sub *models.Subscription, provider models.Platform, event string, status models.SubscriptionStatus, expiry *time.Time, willRenew bool, eventID string, rawPayload map[string]interface{}) (*WebhookOutcome, error) {
	fromStatus := sub.Status
	sub.Status = status
	sub.ExpiresAt = expiry
	sub.WillRenew = &willRenew
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist subscription")
	}

	s.metrics.RecordStatusTransition(string(fromStatus), string(status))
	source := models.SourceAppleWebhook
	if provider == models.PlatformGoogle {
		source = models.SourceGoogleWebhook
	}
	s.addEvent(ctx, &models.SubscriptionEvent{
		UserID:     sub.UserID,
		Platform:   provider,
		ProductID:  sub.ProductID,
		EventType:  event,
		Source:     source,
		ExpiryDate: expiry,
	}, rawPayload)

	s.metrics.RecordWebhookEvent(string(provider), "ok")
	s.recordAudit(ctx, &sub.UserID, "webhook."+string(provider)+".processed", map[string]interface{}{"event": event, "eventId": eventID})
	return &WebhookOutcome{Event: event}, nil
}

func (s *SubscriptionService) addEvent(ctx context.Context, event *models.SubscriptionEvent, rawPayload map[string]interface{}) {
	if raw, err := json.Marshal(rawPayload); err == nil {
		event.RawPayload = raw
	}
	if err := s.subs.AddEvent(ctx, event); err != nil {
		s.logger.Warn("failed to append subscription event", zap.String("event", event.EventType), zap.Error(err))
	}
}

func (s *SubscriptionService) recordAudit(ctx context.Context, userID *string, action string, meta map[string]interface{}) {
	if s.audit == nil {
		return
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = nil
	}
	if err := s.audit.Create(ctx, &models.AuditLog{UserID: userID, Action: action, Meta: raw}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
