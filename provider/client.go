// Package provider talks to the WaveSpeed-style generation API: submit a
// task, fetch its status, upload local reference files.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"SceneForge-server/apperr"
	"SceneForge-server/config"
)

// Client is the provider surface the orchestrator and reference resolver
// depend on.
type Client interface {
	Submit(ctx context.Context, model string, input map[string]any) (string, error)
	GetStatus(ctx context.Context, taskID string) (*Status, error)
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
}

type WaveSpeed struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

var _ Client = (*WaveSpeed)(nil)

func NewWaveSpeed(cfg config.ProviderConfig, logger *slog.Logger) (*WaveSpeed, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperr.Configuration("WAVESPEED_API_KEY is required for live generation")
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WaveSpeed{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

func (c *WaveSpeed) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, err, "read %s response", req.URL.Path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 500)}
		return body, apperr.Wrap(apperr.KindProvider, se, "%s %s", req.Method, req.URL.Path)
	}
	return body, nil
}

// StatusError is a non-2xx provider answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Submit posts a generation task and returns the provider task id.
func (c *WaveSpeed) Submit(ctx context.Context, model string, input map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"enable_base64_output": false,
		"input":                input,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+strings.TrimLeft(model, "/"), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	taskID := ExtractTaskID(body)
	if taskID == "" {
		return "", apperr.Provider("provider did not return a task id for %s: %s", model, truncate(string(body), 300))
	}
	c.logger.Info("provider task submitted", "model", model, "task_id", taskID)
	return taskID, nil
}

func (c *WaveSpeed) GetStatus(ctx context.Context, taskID string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, apperr.Provider("malformed status response for task %s", taskID)
	}
	st := ParseStatus(body)
	if st.TaskID == "" {
		st.TaskID = taskID
	}
	return st, nil
}

// UploadFile sends raw bytes and retries once as multipart when the raw
// upload is rejected.
func (c *WaveSpeed) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	endpoint := c.baseURL + "/media/upload/binary"
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	body, err := c.do(req)
	if err != nil {
		c.logger.Warn("raw upload rejected, retrying as multipart", "file", name, "error", err)
		body, err = c.uploadMultipart(ctx, endpoint, name, contentType, data)
		if err != nil {
			return "", err
		}
	}
	urls := CollectURLs(body)
	if len(urls) == 0 {
		return "", apperr.Provider("upload of %s returned no url", name)
	}
	return urls[0], nil
}

func (c *WaveSpeed) uploadMultipart(ctx context.Context, endpoint, name, contentType string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}
