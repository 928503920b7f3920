package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kiroku-app/kiroku-api/internal/service"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/response"
)

// MetricsHandler exposes the Prometheus endpoint, optionally behind a bearer
// token.
type MetricsHandler struct {
	metrics *service.MetricsService
	token   string
}

// NewMetricsHandler constructs a metrics handler.
func NewMetricsHandler(metrics *service.MetricsService, token string) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, token: token}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.token != "" {
		presented := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
			response.Error(c, appErrors.ErrUnauthorized)
			return
		}
	}
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
