package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"SceneForge-server/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// progressInterval is how often the websocket re-reads the job row.
var progressInterval = time.Second

// GetJob: GET /v1/api/jobs/:job_id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.orch.Job(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ReconcileJobs: POST /v1/api/jobs/reconcile
func (h *Handler) ReconcileJobs(c *gin.Context) {
	report, err := h.orch.ReconcileRunningJobs(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// JobProgressWebSocket: GET /jobs/:job_id/wss
// The store is the only source: the job row is read once, then re-read on
// a ticker and pushed whenever it changes, until it is terminal.
func (h *Handler) JobProgressWebSocket(c *gin.Context) {
	jobID := c.Param("job_id")
	ctx := c.Request.Context()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	job, err := h.orch.Job(ctx, jobID)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	if err := conn.WriteJSON(job); err != nil || job.Status != models.JobStatusRunning {
		return
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	prev := *job
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur, err := h.orch.Job(ctx, jobID)
		if err != nil {
			continue
		}
		if cur.Status != prev.Status || cur.TaskID != prev.TaskID {
			if err := conn.WriteJSON(cur); err != nil {
				return
			}
			prev = *cur
		}
		if cur.Status != models.JobStatusRunning {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, cur.Status))
			return
		}
	}
}
