package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencode-ai/antigravity-broker/internal/account"
	"github.com/opencode-ai/antigravity-broker/internal/model"
	"github.com/opencode-ai/antigravity-broker/internal/signature"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// StatusHandler serves the admin UI's richer status page: the Account
// Manager's per-family availability plus Signature Cache size and a
// recent log tail, so an operator can see the process's health without
// shelling in (§SUPPLEMENTED FEATURES: admin/web UI).
type StatusHandler struct {
	accounts *account.Manager
	cache    *signature.Cache
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(accounts *account.Manager, cache *signature.Cache) *StatusHandler {
	return &StatusHandler{accounts: accounts, cache: cache}
}

// Status handles GET /api/status.
func (h *StatusHandler) Status(c *gin.Context) {
	accounts := h.accounts.Accounts()

	families := gin.H{}
	for _, family := range []model.Family{model.FamilyClaude, model.FamilyGemini} {
		available := 0
		for _, acc := range accounts {
			if _, ok := h.accounts.GetAvailableHeaderStyle(acc, family); ok {
				available++
			}
		}
		families[string(family)] = gin.H{
			"available": available,
			"total":     len(accounts),
			"minWait":   h.accounts.GetMinWaitTimeForFamily(family).String(),
		}
	}

	history := utils.GetLogger().GetHistory()
	tail := history
	const maxTail = 50
	if len(tail) > maxTail {
		tail = tail[len(tail)-maxTail:]
	}

	resp := gin.H{
		"status":       "ok",
		"timestamp":    time.Now().Format(time.RFC3339),
		"accountCount": len(accounts),
		"families":     families,
		"recentLogs":   tail,
	}
	if h.cache != nil {
		resp["signatureCache"] = h.cache.Stats()
	}
	c.JSON(http.StatusOK, resp)
}
