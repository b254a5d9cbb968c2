package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"SceneForge-server/service"
)

// SyncStory: PUT /v1/api/stories/:story_id
// The body is a story payload; the path id wins over the body's story_id.
func (h *Handler) SyncStory(c *gin.Context) {
	var p service.StoryPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		h.badRequest(c, err)
		return
	}
	p.StoryID = c.Param("story_id")
	story, err := h.orch.SyncStory(c.Request.Context(), &p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"story": story, "total_scenes": len(p.Scenes)})
}

// GetStory: GET /v1/api/stories/:story_id
func (h *Handler) GetStory(c *gin.Context) {
	snap, err := h.orch.Snapshot(c.Request.Context(), c.Param("story_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// RunStory: POST /v1/api/stories/:story_id/run?dry_run=true
// Generates every pending stage in order and answers when done.
func (h *Handler) RunStory(c *gin.Context) {
	var q modeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}
	report, err := h.orch.RunStory(c.Request.Context(), c.Param("story_id"), q.DryRun)
	if err != nil {
		status := statusFor(err)
		c.JSON(status, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ExportStory: POST /v1/api/stories/:story_id/export?dry_run=true
func (h *Handler) ExportStory(c *gin.Context) {
	var q modeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}
	payload, err := h.exporter.Export(c.Request.Context(), c.Param("story_id"), q.DryRun)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}
