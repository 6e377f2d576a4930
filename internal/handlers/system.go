package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"forgebuild/internal/ai"
)

var startedAt = time.Now()

// SystemHandler serves health and provider status.
type SystemHandler struct {
	registry *ai.Registry
	sandbox  string
	version  string
}

func NewSystemHandler(registry *ai.Registry, sandboxStrategy, version string) *SystemHandler {
	return &SystemHandler{registry: registry, sandbox: sandboxStrategy, version: version}
}

// Health reports liveness plus how many credentials each provider holds.
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   h.version,
		"uptime":    time.Since(startedAt).Round(time.Second).String(),
		"sandbox":   h.sandbox,
		"providers": h.registry.PoolSizes(),
	})
}
