package provider

import (
	"strings"

	"github.com/tidwall/gjson"

	"SceneForge-server/apperr"
)

// Normalized task states. Anything that is neither succeeded nor failed is
// treated as still running.
const (
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateRunning   = "running"
)

var (
	successStatuses = map[string]bool{"succeeded": true, "completed": true, "success": true, "finished": true}
	failureStatuses = map[string]bool{"failed": true, "error": true, "canceled": true, "cancelled": true}
)

// Status is a provider task snapshot with provider field names removed.
type Status struct {
	TaskID    string
	State     string
	RawStatus string
	Outputs   []string
	Error     string
}

func (s *Status) Terminal() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

func NormalizeState(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch {
	case successStatuses[raw]:
		return StateSucceeded
	case failureStatuses[raw]:
		return StateFailed
	}
	return StateRunning
}

// ParseStatus reads a status document of any of the shapes the provider
// has been seen to return.
func ParseStatus(body []byte) *Status {
	raw := firstString(body, "status", "state", "result.status", "data.status")
	if raw == "" {
		raw = "unknown"
	}
	st := &Status{
		TaskID:    ExtractTaskID(body),
		RawStatus: strings.ToLower(raw),
		State:     NormalizeState(raw),
		Outputs:   ExtractOutputs(body),
	}
	if st.State == StateFailed {
		st.Error = ExtractError(body)
	}
	return st
}

func firstString(body []byte, paths ...string) string {
	for _, p := range paths {
		r := gjson.GetBytes(body, p)
		if r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
			return strings.TrimSpace(r.Str)
		}
	}
	return ""
}

// ExtractTaskID looks for id, task_id or prediction_id at the top level and
// then under data.
func ExtractTaskID(body []byte) string {
	return firstString(body, "id", "task_id", "prediction_id", "data.id", "data.task_id", "data.prediction_id")
}

// ExtractError returns the first non-empty error, message or detail, also
// looking inside nested objects and under data.
func ExtractError(body []byte) string {
	if msg := errorText(gjson.ParseBytes(body)); msg != "" {
		return msg
	}
	return "unknown provider error"
}

func errorText(doc gjson.Result) string {
	for _, key := range []string{"error", "message", "detail"} {
		v := doc.Get(key)
		switch {
		case v.Type == gjson.String && strings.TrimSpace(v.Str) != "":
			// WaveSpeed envelopes carry "message":"success" next to data.error.
			if key == "message" && strings.EqualFold(v.Str, "success") {
				continue
			}
			return strings.TrimSpace(v.Str)
		case v.IsObject():
			if msg := errorText(v); msg != "" {
				return msg
			}
		}
	}
	if data := doc.Get("data"); data.IsObject() {
		return errorText(data)
	}
	return ""
}

// ExtractOutputs collects every http(s) URL under output, outputs or
// data.outputs. The rest of the envelope is ignored since it carries API
// links such as data.urls.get.
func ExtractOutputs(body []byte) []string {
	doc := gjson.ParseBytes(body)
	for _, p := range []string{"output", "outputs", "data.outputs", "data.output"} {
		if v := doc.Get(p); v.Exists() {
			if urls := collectURLs(v, nil); len(urls) > 0 {
				return urls
			}
		}
	}
	return nil
}

// CollectURLs walks any JSON value and returns its http(s) strings in order.
func CollectURLs(body []byte) []string {
	return collectURLs(gjson.ParseBytes(body), nil)
}

func collectURLs(v gjson.Result, out []string) []string {
	switch {
	case v.Type == gjson.String:
		if isURL(v.Str) {
			out = append(out, v.Str)
		}
	case v.IsArray() || v.IsObject():
		v.ForEach(func(_, item gjson.Result) bool {
			out = collectURLs(item, out)
			return true
		})
	}
	return out
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

var extPriority = map[string][]string{
	"image": {".png", ".jpg", ".jpeg", ".webp"},
	"video": {".mp4", ".mov", ".webm", ".mkv"},
}

// ChoosePrimaryURL picks the output matching the preferred extensions for
// kind, else the first URL.
func ChoosePrimaryURL(urls []string, kind string) (string, error) {
	if len(urls) == 0 {
		return "", apperr.Provider("no output url returned for %s", kind)
	}
	for _, ext := range extPriority[kind] {
		for _, u := range urls {
			if strings.Contains(strings.ToLower(u), ext) {
				return u, nil
			}
		}
	}
	return urls[0], nil
}
