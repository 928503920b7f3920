package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-app/kiroku-api/pkg/config"
)

func TestDeterministicVerifierDefaults(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewDeterministicVerifier().WithClock(func() time.Time { return base })

	res, err := v.VerifyApple(context.Background(), "any-receipt")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "test_product_ios", res.ProductID)
	assert.Equal(t, "test-original-tx", res.OriginalTransactionID)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, base.Add(time.Hour), *res.ExpiresAt)
}

func TestDeterministicVerifierScenarios(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewDeterministicVerifier().WithClock(func() time.Time { return base })

	res, err := v.VerifyApple(context.Background(), "product:pro.yearly")
	require.NoError(t, err)
	assert.Equal(t, "pro.yearly", res.ProductID)

	res, err = v.VerifyApple(context.Background(), "expired:60000")
	require.NoError(t, err)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, base.Add(-time.Minute), *res.ExpiresAt)

	res, err = v.VerifyGoogle(context.Background(), "future:120000", "")
	require.NoError(t, err)
	assert.Equal(t, "test_product_android", res.ProductID)
	assert.Equal(t, "test-purchase-token", res.PurchaseToken)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, base.Add(2*time.Minute), *res.ExpiresAt)
}

func TestDeterministicVerifierEmptyInput(t *testing.T) {
	v := NewDeterministicVerifier()

	res, err := v.VerifyApple(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "TEST_EMPTY_RECEIPT", res.ErrorCode)

	res, err = v.VerifyGoogle(context.Background(), "", "pro.monthly")
	require.NoError(t, err)
	assert.Equal(t, "TEST_EMPTY_TOKEN", res.ErrorCode)
}

func appleStoreServer(t *testing.T, status int, info []map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "secret", body["password"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":              status,
			"latest_receipt_info": info,
		})
	}))
}

func TestLiveVerifierAppleSuccess(t *testing.T) {
	expiryMS := time.Now().Add(time.Hour).UnixMilli()
	server := appleStoreServer(t, 0, []map[string]string{
		{"product_id": "old.product", "original_transaction_id": "tx-0"},
		{"product_id": "pro.monthly", "expires_date_ms": strconv.FormatInt(expiryMS, 10), "original_transaction_id": "tx-1"},
	})
	defer server.Close()

	v := NewLiveVerifier(config.IAPConfig{AppleSharedSecret: "secret"}, server.Client(), nil)
	v.appleURLs = []string{server.URL}

	res, err := v.VerifyApple(context.Background(), "receipt")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "pro.monthly", res.ProductID)
	assert.Equal(t, "tx-1", res.OriginalTransactionID)
	assert.Equal(t, "production", res.Environment)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, time.UnixMilli(expiryMS).UTC(), *res.ExpiresAt)
}

func TestLiveVerifierAppleSandboxRetry(t *testing.T) {
	var prodHits, sandboxHits int32
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&prodHits, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": 21007})
	}))
	defer prod.Close()
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&sandboxHits, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":              0,
			"latest_receipt_info": []map[string]string{{"product_id": "pro.monthly", "original_transaction_id": "tx-1"}},
		})
	}))
	defer sandbox.Close()

	v := NewLiveVerifier(config.IAPConfig{AppleSharedSecret: "secret"}, nil, nil)
	v.appleURLs = []string{prod.URL, sandbox.URL}

	res, err := v.VerifyApple(context.Background(), "receipt")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "sandbox", res.Environment)
	assert.Equal(t, int32(1), atomic.LoadInt32(&prodHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sandboxHits))
}

func TestLiveVerifierAppleStatusCodeMapped(t *testing.T) {
	server := appleStoreServer(t, 21004, nil)
	defer server.Close()

	v := NewLiveVerifier(config.IAPConfig{AppleSharedSecret: "secret"}, server.Client(), nil)
	v.appleURLs = []string{server.URL}

	res, err := v.VerifyApple(context.Background(), "receipt")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "APPLE_ERR_SHARED_SECRET_MISMATCH", res.ErrorCode)
}

func TestLiveVerifierAppleSharedSecretMissing(t *testing.T) {
	v := NewLiveVerifier(config.IAPConfig{}, nil, nil)

	res, err := v.VerifyApple(context.Background(), "receipt")
	require.NoError(t, err)
	assert.Equal(t, "APPLE_SHARED_SECRET_MISSING", res.ErrorCode)
}

func testServiceAccountKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

func TestLiveVerifierGoogleSuccess(t *testing.T) {
	expiryMS := time.Now().Add(time.Hour).UnixMilli()
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
		assert.NotEmpty(t, r.Form.Get("assertion"))
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "at-1"})
	}))
	defer token.Close()
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"expiryTimeMillis": strconv.FormatInt(expiryMS, 10),
			"autoRenewing":     true,
		})
	}))
	defer publisher.Close()

	v := NewLiveVerifier(config.IAPConfig{
		GoogleServiceAccountEmail: "svc@project.iam.gserviceaccount.com",
		GoogleServiceAccountKey:   testServiceAccountKeyPEM(t),
		GooglePackageName:         "app.kiroku",
	}, nil, nil)
	v.tokenURL = token.URL
	v.publisherFmt = publisher.URL + "/%s/%s/%s"

	res, err := v.VerifyGoogle(context.Background(), "pt-1", "pro.monthly")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "pro.monthly", res.ProductID)
	assert.Equal(t, "pt-1", res.PurchaseToken)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, time.UnixMilli(expiryMS).UTC(), *res.ExpiresAt)
}

func TestLiveVerifierGooglePublisherNotFound(t *testing.T) {
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "at-1"})
	}))
	defer token.Close()
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer publisher.Close()

	v := NewLiveVerifier(config.IAPConfig{
		GoogleServiceAccountEmail: "svc@project.iam.gserviceaccount.com",
		GoogleServiceAccountKey:   testServiceAccountKeyPEM(t),
		GooglePackageName:         "app.kiroku",
	}, nil, nil)
	v.tokenURL = token.URL
	v.publisherFmt = publisher.URL + "/%s/%s/%s"

	res, err := v.VerifyGoogle(context.Background(), "pt-unknown", "pro.monthly")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "GOOGLE_ERR_SUB_NOT_FOUND", res.ErrorCode)
}

func TestLiveVerifierGoogleOAuthRejected(t *testing.T) {
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer token.Close()

	v := NewLiveVerifier(config.IAPConfig{
		GoogleServiceAccountEmail: "svc@project.iam.gserviceaccount.com",
		GoogleServiceAccountKey:   testServiceAccountKeyPEM(t),
		GooglePackageName:         "app.kiroku",
	}, nil, nil)
	v.tokenURL = token.URL

	res, err := v.VerifyGoogle(context.Background(), "pt-1", "pro.monthly")
	require.NoError(t, err)
	assert.Equal(t, "GOOGLE_ERR_OAUTH_UNAUTHORIZED", res.ErrorCode)
}

func TestLiveVerifierGoogleGuards(t *testing.T) {
	v := NewLiveVerifier(config.IAPConfig{}, nil, nil)
	res, err := v.VerifyGoogle(context.Background(), "pt-1", "pro.monthly")
	require.NoError(t, err)
	assert.Equal(t, "GOOGLE_SA_MISSING", res.ErrorCode)

	v = NewLiveVerifier(config.IAPConfig{
		GoogleServiceAccountEmail: "svc@project.iam.gserviceaccount.com",
		GoogleServiceAccountKey:   testServiceAccountKeyPEM(t),
	}, nil, nil)
	res, err = v.VerifyGoogle(context.Background(), "pt-1", "")
	require.NoError(t, err)
	assert.Equal(t, "PRODUCT_ID_REQUIRED", res.ErrorCode)
}

