package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/util"
)

// aggregatedModels collects every model name the enabled providers declare,
// through either their allow list or a redirect entry, deduplicated and
// sorted.
func (h *ProxyHandler) aggregatedModels(c *gin.Context) []string {
	providers, err := h.registry.Snapshot(c.Request.Context())
	if err != nil {
		log.Warnf("models listing: provider snapshot: %v", err)
		return nil
	}
	seen := map[string]bool{}
	for _, p := range providers {
		for _, m := range p.AllowedModels {
			seen[m] = true
		}
		for m := range p.ModelRedirects {
			seen[m] = true
		}
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// OpenAIModels renders the aggregated list in the OpenAI shape.
func (h *ProxyHandler) OpenAIModels(c *gin.Context) {
	created := time.Now().Unix()
	data := make([]gin.H, 0)
	for _, m := range h.aggregatedModels(c) {
		data = append(data, gin.H{
			"id":       m,
			"object":   "model",
			"created":  created,
			"owned_by": util.InferOwner(m),
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// ClaudeModels renders the aggregated list in the Anthropic shape.
func (h *ProxyHandler) ClaudeModels(c *gin.Context) {
	createdAt := time.Now().UTC().Format(time.RFC3339)
	data := make([]gin.H, 0)
	for _, m := range h.aggregatedModels(c) {
		data = append(data, gin.H{
			"type":         "model",
			"id":           m,
			"display_name": m,
			"created_at":   createdAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "has_more": false, "first_id": firstID(data), "last_id": lastID(data)})
}

// GeminiModels renders the aggregated list in the Gemini shape.
func (h *ProxyHandler) GeminiModels(c *gin.Context) {
	models := make([]gin.H, 0)
	for _, m := range h.aggregatedModels(c) {
		models = append(models, gin.H{
			"name":                       "models/" + m,
			"displayName":                m,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent", "countTokens"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func firstID(data []gin.H) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data[0]["id"]
}

func lastID(data []gin.H) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data[len(data)-1]["id"]
}
