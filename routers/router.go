package routers

import (
	"github.com/gin-gonic/gin"

	"SceneForge-server/routers/api"
)

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.GET("/health", api.Health)
	v1 := r.Group("/v1/api")
	{
		v1.GET("/stories/:story_id", h.GetStory)
		v1.PUT("/stories/:story_id", h.SyncStory)
		v1.POST("/stories/:story_id/run", h.RunStory)
		v1.POST("/stories/:story_id/export", h.ExportStory)
		v1.POST("/stories/:story_id/character/jobs", h.StartCharacterJob)
		v1.POST("/stories/:story_id/character/bind", h.BindCharacter)
		v1.POST("/stories/:story_id/character/audit", h.AuditCharacter)
		v1.GET("/stories/:story_id/audit-events", h.ListAuditEvents)

		v1.PATCH("/scenes/:scene_id", h.UpdateScene)
		v1.POST("/scenes/:scene_id/reset", h.ResetScene)
		v1.POST("/scenes/:scene_id/jobs", h.StartSceneJob)

		v1.GET("/jobs/:job_id", h.GetJob)
		v1.POST("/jobs/reconcile", h.ReconcileJobs)

		v1.GET("/registry", h.ListRegistry)
		v1.POST("/webhooks/wavespeed", h.ProviderWebhook)
	}
	r.GET("/jobs/:job_id/wss", h.JobProgressWebSocket)
	return r
}
