// Package handlers provides the ambient HTTP handlers that sit alongside
// the dispatcher: health/status and model listing.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencode-ai/antigravity-broker/internal/model"
)

// ModelsHandler serves the supplemented GET /v1/models listing (§4.G's
// resolver is the source of truth for what a client may request).
type ModelsHandler struct{}

// NewModelsHandler creates a new ModelsHandler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// ListModels handles GET /v1/models in the Anthropic-compatible shape the
// host's model picker expects.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	names := model.KnownModels()
	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{
			"id":           name,
			"type":         "model",
			"display_name": name,
			"created_at":   modelsListGeneratedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "has_more": false})
}

var modelsListGeneratedAt = time.Now().UTC().Format(time.RFC3339)
