package middleware

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/internal/service"
)

type fakeSubReader struct {
	latest *models.Subscription
}

func (f *fakeSubReader) Create(context.Context, *models.Subscription) error { return nil }
func (f *fakeSubReader) Update(context.Context, *models.Subscription) error { return nil }

func (f *fakeSubReader) LatestForUser(context.Context, string) (*models.Subscription, error) {
	if f.latest == nil {
		return nil, sql.ErrNoRows
	}
	return f.latest, nil
}

func (f *fakeSubReader) FindByOriginalTransactionID(context.Context, string) (*models.Subscription, error) {
	return nil, sql.ErrNoRows
}

func (f *fakeSubReader) FindByPurchaseToken(context.Context, string) (*models.Subscription, error) {
	return nil, sql.ErrNoRows
}

func (f *fakeSubReader) AddEvent(context.Context, *models.SubscriptionEvent) error { return nil }

func (f *fakeSubReader) MarkWebhookProcessed(context.Context, string, string) (bool, error) {
	return true, nil
}

type zeroUsage struct{}

func (zeroUsage) TotalBytes(context.Context, string) (int64, error) { return 0, nil }

func proGatedRouter(latest *models.Subscription) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ents := service.NewEntitlementService(&fakeSubReader{latest: latest}, zeroUsage{}, nil, service.EntitlementConfig{FreeStorageBytes: 1024})

	router := gin.New()
	router.GET("/export",
		func(c *gin.Context) {
			c.Set(ContextUserKey, &models.AccessClaims{UserID: "user-1"})
		},
		RequirePro(ents, nil, "export"),
		func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})
	return router
}

func TestRequireProDeniesFreeTier(t *testing.T) {
	router := proGatedRouter(nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/export", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "PAYMENT_REQUIRED")
}

func TestRequireProAllowsActiveSubscriber(t *testing.T) {
	productID := "pro.monthly"
	expiresAt := time.Now().Add(time.Hour).UTC()
	router := proGatedRouter(&models.Subscription{
		Status:    models.StatusActive,
		ProductID: &productID,
		ExpiresAt: &expiresAt,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/export", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireProRequiresAuthentication(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ents := service.NewEntitlementService(&fakeSubReader{}, zeroUsage{}, nil, service.EntitlementConfig{})

	router := gin.New()
	router.GET("/export", RequirePro(ents, nil, "export"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/export", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
