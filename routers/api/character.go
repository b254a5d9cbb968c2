package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartCharacterJob: POST /v1/api/stories/:story_id/character/jobs?dry_run=true
func (h *Handler) StartCharacterJob(c *gin.Context) {
	var q modeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}
	job, err := h.orch.StartCharacterJob(c.Request.Context(), c.Param("story_id"), q.DryRun)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job, "strategy": h.orch.Strategy()})
}

// BindCharacter: POST /v1/api/stories/:story_id/character/bind?force=true
func (h *Handler) BindCharacter(c *gin.Context) {
	var q struct {
		Force bool `form:"force"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	storyID := c.Param("story_id")
	bound, err := h.orch.AutoBindFromRegistry(ctx, storyID, q.Force)
	if err != nil {
		h.fail(c, err)
		return
	}
	cs, err := h.orch.Store().GetCharacterState(ctx, storyID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bound": bound, "character": cs})
}

// AuditCharacter: POST /v1/api/stories/:story_id/character/audit
// Every field of the body is optional.
func (h *Handler) AuditCharacter(c *gin.Context) {
	var req struct {
		Name     string   `json:"name"`
		MinScore float64  `json:"min_score"`
		Sources  []string `json:"sources"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	res, err := h.orch.RunIdentityAudit(c.Request.Context(), c.Param("story_id"), req.Name, req.MinScore, req.Sources)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListAuditEvents: GET /v1/api/stories/:story_id/audit-events
func (h *Handler) ListAuditEvents(c *gin.Context) {
	events, err := h.orch.AuditEvents(c.Request.Context(), c.Param("story_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// ListRegistry: GET /v1/api/registry
func (h *Handler) ListRegistry(c *gin.Context) {
	recs, err := h.orch.Registry(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": recs, "total": len(recs)})
}
