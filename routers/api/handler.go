package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"SceneForge-server/apperr"
	"SceneForge-server/service"
)

// Handler serves the HTTP API over one orchestrator.
type Handler struct {
	orch          *service.Orchestrator
	exporter      *service.Exporter
	webhookSecret string
	logger        *slog.Logger
}

func NewHandler(orch *service.Orchestrator, exporter *service.Exporter, webhookSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if exporter == nil {
		exporter = service.NewExporter(orch, nil, logger)
	}
	return &Handler{orch: orch, exporter: exporter, webhookSecret: webhookSecret, logger: logger}
}

// modeQuery is shared by every endpoint that can run without the provider.
type modeQuery struct {
	DryRun bool `form:"dry_run"`
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindDuplicateJob:
		return http.StatusConflict
	case apperr.KindProvider, apperr.KindReferenceResolution:
		return http.StatusBadGateway
	case apperr.KindIdentityAudit:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": apperr.KindOf(err)})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": apperr.KindValidation})
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "service": "sceneforge"})
}
