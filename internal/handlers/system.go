package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

var startTime = time.Now()

const healthTimeout = 3 * time.Second

// Health reports whether the database and the container engine answer.
// It returns 503 when either is down.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if h.Database != nil {
		if err := h.Database.Health(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "connected"
		}
	}
	if h.Engine != nil {
		if err := h.Engine.Ping(ctx); err != nil {
			checks["engine"] = err.Error()
			healthy = false
		} else {
			checks["engine"] = "connected"
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status,
		"service":    "bothost",
		"checks":     checks,
		"uptime":     time.Since(startTime).Round(time.Second).String(),
		"goroutines": runtime.NumGoroutine(),
		"timestamp":  time.Now().UTC(),
	})
}
