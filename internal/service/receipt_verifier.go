package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/pkg/config"
)

// ReceiptVerifier checks a store receipt or purchase token and reports the
// normalized purchase state. Business rejections come back in the result's
// ErrorCode with Valid=false; the error return is reserved for transport
// failures.
type ReceiptVerifier interface {
	VerifyApple(ctx context.Context, receipt string) (*models.VerifyResult, error)
	VerifyGoogle(ctx context.Context, purchaseToken, productID string) (*models.VerifyResult, error)
}

const (
	appleProductionURL  = "https://buy.itunes.apple.com/verifyReceipt"
	appleSandboxURL     = "https://sandbox.itunes.apple.com/verifyReceipt"
	googleTokenURL      = "https://oauth2.googleapis.com/token"
	androidPublisherFmt = "https://androidpublisher.googleapis.com/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s"
)

var appleStatusCodes = map[int]string{
	21000: "APPLE_ERR_BAD_JSON",
	21002: "APPLE_ERR_RECEIPT_DATA_MALFORMED",
	21003: "APPLE_ERR_RECEIPT_AUTH_FAILED",
	21004: "APPLE_ERR_SHARED_SECRET_MISMATCH",
	21005: "APPLE_ERR_SERVER_UNAVAILABLE",
	21006: "APPLE_ERR_SUB_EXPIRED",
	21007: "APPLE_ERR_SANDBOX_RECEIPT_ON_PROD",
	21008: "APPLE_ERR_PROD_RECEIPT_ON_SANDBOX",
	21010: "APPLE_ERR_USER_CANCELLED",
}

// LiveVerifier talks to the real store endpoints.
type LiveVerifier struct {
	cfg        config.IAPConfig
	httpClient *http.Client
	logger     *zap.Logger

	appleURLs    []string
	tokenURL     string
	publisherFmt string
}

// NewLiveVerifier builds a production verifier.
func NewLiveVerifier(cfg config.IAPConfig, httpClient *http.Client, logger *zap.Logger) *LiveVerifier {
	if httpClient == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveVerifier{
		cfg:          cfg,
		httpClient:   httpClient,
		logger:       logger,
		appleURLs:    []string{appleProductionURL, appleSandboxURL},
		tokenURL:     googleTokenURL,
		publisherFmt: androidPublisherFmt,
	}
}

type appleVerifyResponse struct {
	Status            int `json:"status"`
	LatestReceiptInfo []struct {
		ProductID             string `json:"product_id"`
		ExpiresDateMS         string `json:"expires_date_ms"`
		OriginalTransactionID string `json:"original_transaction_id"`
		TransactionID         string `json:"transaction_id"`
	} `json:"latest_receipt_info"`
}

// VerifyApple posts the receipt to the App Store, retrying once against the
// sandbox endpoint when a sandbox receipt reaches production (status 21007).
func (v *LiveVerifier) VerifyApple(ctx context.Context, receipt string) (*models.VerifyResult, error) {
	if v.cfg.AppleSharedSecret == "" {
		return &models.VerifyResult{ErrorCode: "APPLE_SHARED_SECRET_MISSING"}, nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"receipt-data":             receipt,
		"password":                 v.cfg.AppleSharedSecret,
		"exclude-old-transactions": true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal apple verify body: %w", err)
	}

	var last *appleVerifyResponse
	environment := "production"
	for i, endpoint := range v.appleURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build apple verify request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := v.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("apple verify request: %w", err)
		}
		var decoded appleVerifyResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode apple verify response: %w", decodeErr)
		}
		last = &decoded
		if decoded.Status == 21007 && i == 0 {
			environment = "sandbox"
			continue
		}
		break
	}

	if last == nil || last.Status != 0 {
		code := "APPLE_STATUS_UNKNOWN"
		if last != nil {
			if mapped, ok := appleStatusCodes[last.Status]; ok {
				code = mapped
			} else {
				code = fmt.Sprintf("APPLE_STATUS_%d", last.Status)
			}
		}
		return &models.VerifyResult{ErrorCode: code, Environment: environment}, nil
	}

	result := &models.VerifyResult{Valid: true, Environment: environment}
	if len(last.LatestReceiptInfo) > 0 {
		latest := last.LatestReceiptInfo[len(last.LatestReceiptInfo)-1]
		result.ProductID = latest.ProductID
		if ms, err := strconv.ParseInt(latest.ExpiresDateMS, 10, 64); err == nil && ms > 0 {
			expiry := time.UnixMilli(ms).UTC()
			result.ExpiresAt = &expiry
		}
		result.OriginalTransactionID = latest.OriginalTransactionID
		if result.OriginalTransactionID == "" {
			result.OriginalTransactionID = latest.TransactionID
		}
	}
	return result, nil
}

// VerifyGoogle exchanges a service account grant for an access token and
// queries the subscription purchase state.
func (v *LiveVerifier) VerifyGoogle(ctx context.Context, purchaseToken, productID string) (*models.VerifyResult, error) {
	if v.cfg.GoogleServiceAccountEmail == "" || v.cfg.GoogleServiceAccountKey == "" {
		return &models.VerifyResult{ErrorCode: "GOOGLE_SA_MISSING"}, nil
	}
	if productID == "" {
		return &models.VerifyResult{ErrorCode: "PRODUCT_ID_REQUIRED"}, nil
	}

	accessToken, errCode, err := v.googleAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if errCode != "" {
		return &models.VerifyResult{ErrorCode: errCode}, nil
	}

	subURL := fmt.Sprintf(v.publisherFmt, v.cfg.GooglePackageName, url.PathEscape(productID), url.PathEscape(purchaseToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build subscription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		codes := map[int]string{
			http.StatusBadRequest:   "GOOGLE_ERR_SUB_BAD_REQUEST",
			http.StatusUnauthorized: "GOOGLE_ERR_SUB_UNAUTHORIZED",
			http.StatusForbidden:    "GOOGLE_ERR_SUB_FORBIDDEN",
			http.StatusNotFound:     "GOOGLE_ERR_SUB_NOT_FOUND",
		}
		code, ok := codes[resp.StatusCode]
		if !ok {
			code = fmt.Sprintf("GOOGLE_SUB_STATUS_%d", resp.StatusCode)
		}
		return &models.VerifyResult{ErrorCode: code}, nil
	}

	var sub struct {
		ExpiryTimeMillis string `json:"expiryTimeMillis"`
		AutoRenewing     bool   `json:"autoRenewing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decode subscription response: %w", err)
	}

	result := &models.VerifyResult{Valid: true, ProductID: productID, PurchaseToken: purchaseToken}
	if ms, err := strconv.ParseInt(sub.ExpiryTimeMillis, 10, 64); err == nil && ms > 0 {
		expiry := time.UnixMilli(ms).UTC()
		result.ExpiresAt = &expiry
	}
	return result, nil
}

func (v *LiveVerifier) googleAccessToken(ctx context.Context) (string, string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(v.cfg.GoogleServiceAccountKey))
	if err != nil {
		return "", "GOOGLE_SA_KEY_INVALID", nil
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss":   v.cfg.GoogleServiceAccountEmail,
		"scope": "https://www.googleapis.com/auth/androidpublisher",
		"aud":   googleTokenURL,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", "", fmt.Errorf("sign service account grant: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		codes := map[int]string{
			http.StatusBadRequest:   "GOOGLE_ERR_OAUTH_BAD_REQUEST",
			http.StatusUnauthorized: "GOOGLE_ERR_OAUTH_UNAUTHORIZED",
		}
		code, ok := codes[resp.StatusCode]
		if !ok {
			code = "GOOGLE_OAUTH_FAIL"
		}
		return "", code, nil
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", "", fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", "GOOGLE_ACCESS_TOKEN_MISSING", nil
	}
	return token.AccessToken, "", nil
}

// DeterministicVerifier accepts scenario-encoded receipts for integration and
// load testing. It never leaves the process.
type DeterministicVerifier struct {
	now func() time.Time
}

// NewDeterministicVerifier builds a test-mode verifier.
func NewDeterministicVerifier() *DeterministicVerifier {
	return &DeterministicVerifier{now: time.Now}
}

// WithClock overrides the verifier clock. Test use only.
func (v *DeterministicVerifier) WithClock(now func() time.Time) *DeterministicVerifier {
	v.now = now
	return v
}

var scenarioMillis = regexp.MustCompile(`^\d+$`)

// VerifyApple accepts any non-empty receipt. Scenario prefixes steer the
// outcome: product:<id> picks the product, expired:<ms> and past:<ms> place
// the expiry in the past, future:<ms> in the future. Default expiry is one
// hour ahead.
func (v *DeterministicVerifier) VerifyApple(_ context.Context, receipt string) (*models.VerifyResult, error) {
	if receipt == "" {
		return &models.VerifyResult{ErrorCode: "TEST_EMPTY_RECEIPT"}, nil
	}
	productID := "test_product_ios"
	if strings.HasPrefix(receipt, "product:") {
		if id := strings.SplitN(receipt, ":", 2)[1]; id != "" {
			productID = id
		}
	}
	expiry := v.scenarioExpiry(receipt)
	return &models.VerifyResult{
		Valid:                 true,
		ProductID:             productID,
		ExpiresAt:             &expiry,
		OriginalTransactionID: "test-original-tx",
		Environment:           "test",
	}, nil
}

// VerifyGoogle mirrors VerifyApple for purchase tokens.
func (v *DeterministicVerifier) VerifyGoogle(_ context.Context, purchaseToken, productID string) (*models.VerifyResult, error) {
	if purchaseToken == "" {
		return &models.VerifyResult{ErrorCode: "TEST_EMPTY_TOKEN"}, nil
	}
	if productID == "" {
		productID = "test_product_android"
	}
	expiry := v.scenarioExpiry(purchaseToken)
	return &models.VerifyResult{
		Valid:         true,
		ProductID:     productID,
		ExpiresAt:     &expiry,
		PurchaseToken: "test-purchase-token",
		Environment:   "test",
	}, nil
}

func (v *DeterministicVerifier) scenarioExpiry(token string) time.Time {
	offset := time.Hour
	parts := strings.SplitN(token, ":", 2)
	if len(parts) == 2 && scenarioMillis.MatchString(parts[1]) {
		if ms, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			offset = time.Duration(ms) * time.Millisecond
		}
	}
	switch {
	case strings.HasPrefix(token, "expired:"), strings.HasPrefix(token, "past:"):
		return v.now().Add(-offset).UTC()
	case strings.HasPrefix(token, "future:"):
		return v.now().Add(offset).UTC()
	default:
		return v.now().Add(time.Hour).UTC()
	}
}
