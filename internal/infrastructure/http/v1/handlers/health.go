// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/internal/domain/session"
	"storefront/internal/infrastructure/storage/postgres"
)

// Database is the durable store's connection pool as seen by probes.
type Database interface {
	Ping(ctx context.Context) error
	Stats() postgres.PoolStats
}

// SessionStats reports live sessions.
type SessionStats interface {
	Stats() session.Stats
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	db       Database
	sessions SessionStats
	version  string
}

// NewHealthHandler creates a new health handler. db is nil when durable
// state is kept in memory.
func NewHealthHandler(db Database, sessions SessionStats, version string) *HealthHandler {
	return &HealthHandler{db: db, sessions: sessions, version: version}
}

// Live handles liveness probe (is the process alive?).
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Ready handles readiness probe (is the service ready to accept traffic?).
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"checks": map[string]string{
				"database": "disabled",
			},
		})
		return
	}

	if err := h.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"checks": map[string]string{
				"database": "unhealthy: " + err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": map[string]string{
			"database": "healthy",
		},
	})
}

// Info returns application information.
// GET /health/info
func (h *HealthHandler) Info(c *gin.Context) {
	info := gin.H{
		"app":      "storefront",
		"version":  h.version,
		"sessions": h.sessions.Stats(),
	}
	if h.db != nil {
		info["database"] = h.db.Stats()
	}
	c.JSON(http.StatusOK, info)
}
