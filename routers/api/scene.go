package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// UpdateScene: PATCH /v1/api/scenes/:scene_id
// Omitted prompts are left alone; a changed prompt invalidates the stages
// built from it.
func (h *Handler) UpdateScene(c *gin.Context) {
	var req struct {
		ImagePrompt  *string `json:"image_prompt"`
		MotionPrompt *string `json:"motion_prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	scene, err := h.orch.UpdateScenePrompts(c.Request.Context(), c.Param("scene_id"), req.ImagePrompt, req.MotionPrompt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scene": scene})
}

// ResetScene: POST /v1/api/scenes/:scene_id/reset?stage=image
func (h *Handler) ResetScene(c *gin.Context) {
	var q struct {
		Stage string `form:"stage" binding:"required"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}
	scene, err := h.orch.ResetSceneStage(c.Request.Context(), c.Param("scene_id"), q.Stage)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scene": scene})
}

// StartSceneJob: POST /v1/api/scenes/:scene_id/jobs
// Answers 202 with the job; dry runs are already finished.
func (h *Handler) StartSceneJob(c *gin.Context) {
	var req struct {
		Stage  string `json:"stage" binding:"required"`
		DryRun bool   `json:"dry_run"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	job, err := h.orch.StartSceneJob(c.Request.Context(), c.Param("scene_id"), req.Stage, req.DryRun)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job, "strategy": h.orch.Strategy()})
}
