package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencode-ai/antigravity-broker/internal/account"
	"github.com/opencode-ai/antigravity-broker/internal/model"
)

// HealthHandler reports the Account Manager's pool state for the admin UI
// and for a human checking the process is alive.
type HealthHandler struct {
	accounts *account.Manager
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(accounts *account.Manager) *HealthHandler {
	return &HealthHandler{accounts: accounts}
}

type accountDetail struct {
	Email           string `json:"email"`
	Status          string `json:"status"`
	LastUsed        string `json:"lastUsed,omitempty"`
	ClaudeAvailable bool   `json:"claudeAvailable"`
	GeminiAvailable bool   `json:"geminiAvailable"`
}

// Health handles GET /health - a snapshot of pool availability per family.
func (h *HealthHandler) Health(c *gin.Context) {
	start := time.Now()

	accounts := h.accounts.Accounts()
	details := make([]accountDetail, 0, len(accounts))
	available, rateLimited := 0, 0

	for _, acc := range accounts {
		_, claudeOK := h.accounts.GetAvailableHeaderStyle(acc, model.FamilyClaude)
		_, geminiOK := h.accounts.GetAvailableHeaderStyle(acc, model.FamilyGemini)

		detail := accountDetail{
			Email:           acc.Email,
			ClaudeAvailable: claudeOK,
			GeminiAvailable: geminiOK,
		}
		if acc.LastUsed > 0 {
			detail.LastUsed = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
		}
		if claudeOK || geminiOK {
			detail.Status = "ok"
			available++
		} else {
			detail.Status = "rate-limited"
			rateLimited++
		}
		details = append(details, detail)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"latencyMs": time.Since(start).Milliseconds(),
		"counts": gin.H{
			"total":       len(accounts),
			"available":   available,
			"rateLimited": rateLimited,
		},
		"accounts": details,
	})
}
