package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/kiroku-app/kiroku-api/pkg/cache"
)

// HealthHandler exposes liveness and readiness probes.
type HealthHandler struct {
	db    *sqlx.DB
	store cache.Store
}

// NewHealthHandler creates a new handler.
func NewHealthHandler(db *sqlx.DB, store cache.Store) *HealthHandler {
	return &HealthHandler{db: db, store: store}
}

// Health responds with a generic OK payload for liveness usage.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Healthz checks the database and cache. A cache failure degrades the status;
// a database failure fails the probe.
func (h *HealthHandler) Healthz(c *gin.Context) {
	checks := gin.H{}
	status := "ok"
	code := http.StatusOK

	if h.db != nil {
		if err := h.db.PingContext(c.Request.Context()); err != nil {
			checks["db"] = "down"
			status = "error"
			code = http.StatusInternalServerError
		} else {
			checks["db"] = "ok"
		}
	}

	if h.store != nil {
		key := "health:probe"
		if err := h.store.Set(c.Request.Context(), key, "1", 10*time.Second); err != nil {
			checks["cache"] = "down"
			if status == "ok" {
				status = "degraded"
			}
		} else {
			checks["cache"] = "ok"
		}
	}

	c.JSON(code, gin.H{"status": status, "checks": checks})
}
