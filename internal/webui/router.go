// Package webui mounts the read-only admin surface: effective
// configuration, built-in presets, and pool health, as JSON under /api
// (§SPEC_FULL supplemented feature — no mutation endpoints, since this
// spec's configuration surface is file-and-env only, §6).
package webui

import (
	"github.com/gin-gonic/gin"

	"github.com/opencode-ai/antigravity-broker/internal/account"
	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/signature"
	webuihandlers "github.com/opencode-ai/antigravity-broker/internal/webui/handlers"
)

// Mount registers the admin API routes onto engine under /api.
func Mount(engine *gin.Engine, accounts *account.Manager, cache *signature.Cache, cfg config.Runtime) {
	cfgHandler := webuihandlers.NewConfigHandler(cfg)
	statusHandler := webuihandlers.NewStatusHandler(accounts, cache)

	api := engine.Group("/api")
	api.GET("/config", cfgHandler.GetConfig)
	api.GET("/presets", cfgHandler.GetPresets)
	api.GET("/status", statusHandler.Status)
}
