package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kiroku-app/kiroku-api/internal/service"
	"github.com/kiroku-app/kiroku-api/pkg/cache"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/response"
)

// RateLimit enforces a fixed-window per-IP limit keyed by route path. Store
// failures fail open: a broken cache must not take the API down with it.
func RateLimit(store cache.Store, metrics *service.MetricsService, logger *zap.Logger, max int, window time.Duration) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if store == nil || max <= 0 {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		bucket := time.Now().Unix() / int64(window.Seconds())
		key := fmt.Sprintf("rl:%s:%s:%d", c.ClientIP(), path, bucket)

		ctx := c.Request.Context()
		current, err := store.Get(ctx, key)
		if err != nil {
			logger.Warn("rate limit store read failed", zap.Error(err))
			c.Next()
			return
		}

		count := 0
		if current != "" {
			count, _ = strconv.Atoi(current)
		}
		if count >= max {
			retryAfter := window - time.Duration(time.Now().Unix()%int64(window.Seconds()))*time.Second
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			metrics.RecordRateLimited(path)
			response.Error(c, appErrors.Clone(appErrors.ErrRateLimited, ""))
			c.Abort()
			return
		}

		if err := store.Set(ctx, key, strconv.Itoa(count+1), window); err != nil {
			logger.Warn("rate limit store write failed", zap.Error(err))
		}
		c.Next()
	}
}
