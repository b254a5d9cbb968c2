package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"SceneForge-server/provider"
)

const maxWebhookBody = 1 << 20

// VerifySignature checks a provider webhook signature: hex HMAC-SHA256 of
// "id.timestamp.body" keyed by the secret without its whsec_ prefix. The
// header may hold a bare value, a comma separated list or v1= pairs.
func VerifySignature(body []byte, webhookID, timestamp, header, secret string) bool {
	secret = strings.Replace(secret, "whsec_", "", 1)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(webhookID + "." + timestamp + "."))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	versioned := strings.HasPrefix(header, "v1=")
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if versioned {
			_, v, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			part = v
		}
		if part != "" && hmac.Equal([]byte(want), []byte(part)) {
			return true
		}
	}
	return false
}

// ProviderWebhook: POST /v1/api/webhooks/wavespeed
// A verified notification reconciles every running job.
func (h *Handler) ProviderWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"ok": false, "error": "webhook body too large"})
			return
		}
		h.badRequest(c, err)
		return
	}
	if h.webhookSecret != "" {
		id := c.GetHeader("webhook-id")
		ts := c.GetHeader("webhook-timestamp")
		sig := c.GetHeader("webhook-signature")
		if id == "" || ts == "" || sig == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "missing webhook signature headers"})
			return
		}
		if !VerifySignature(body, id, ts, sig, h.webhookSecret) {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid webhook signature"})
			return
		}
	}
	if len(body) > 0 && !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid json"})
		return
	}

	trigger := gjson.GetBytes(body, "event").String()
	if trigger == "" {
		trigger = gjson.GetBytes(body, "type").String()
	}
	if trigger == "" {
		trigger = "provider_webhook"
	}
	h.logger.Info("webhook received", "trigger", trigger, "task_id", provider.ExtractTaskID(body))

	report, err := h.orch.ReconcileRunningJobs(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "status": "accepted", "trigger": trigger, "reconcile": report})
}
