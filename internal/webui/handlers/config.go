// Package handlers provides the read-only admin/web UI endpoints: the
// current runtime configuration, the built-in presets, and refresh-queue
// activity, none of which mutate process state over HTTP (§6's
// configuration surface is file-and-env only).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencode-ai/antigravity-broker/internal/config"
)

// ConfigHandler exposes the effective Runtime configuration and presets.
type ConfigHandler struct {
	cfg config.Runtime
}

// NewConfigHandler creates a new ConfigHandler over the loaded Runtime.
func NewConfigHandler(cfg config.Runtime) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetConfig handles GET /api/config.
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"config": h.cfg,
		"note":   "edit " + config.RuntimeConfigPath() + " or set ANTIGRAVITY_* env vars and restart to change these values",
	})
}

// GetPresets handles GET /api/presets.
func (h *ConfigHandler) GetPresets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"presets": config.DefaultServerPresets,
	})
}
