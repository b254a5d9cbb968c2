package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SceneForge-server/apperr"
	"SceneForge-server/config"
)

func TestParseStatusVariants(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		state string
	}{
		{"top level status", `{"status":"completed"}`, StateSucceeded},
		{"state field", `{"state":"SUCCESS"}`, StateSucceeded},
		{"result status", `{"result":{"status":"failed"}}`, StateFailed},
		{"data status", `{"code":200,"message":"success","data":{"status":"processing"}}`, StateRunning},
		{"cancelled", `{"data":{"status":"cancelled"}}`, StateFailed},
		{"missing", `{}`, StateRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.state, ParseStatus([]byte(tt.body)).State)
		})
	}
}

func TestExtractTaskID(t *testing.T) {
	assert.Equal(t, "a", ExtractTaskID([]byte(`{"id":"a"}`)))
	assert.Equal(t, "b", ExtractTaskID([]byte(`{"task_id":"b"}`)))
	assert.Equal(t, "c", ExtractTaskID([]byte(`{"prediction_id":"c"}`)))
	assert.Equal(t, "d", ExtractTaskID([]byte(`{"code":200,"data":{"id":"d"}}`)))
	assert.Empty(t, ExtractTaskID([]byte(`{"data":{}}`)))
}

func TestExtractError(t *testing.T) {
	assert.Equal(t, "nsfw", ExtractError([]byte(`{"code":200,"message":"success","data":{"status":"failed","error":"nsfw"}}`)))
	assert.Equal(t, "bad input", ExtractError([]byte(`{"error":{"message":"bad input"}}`)))
	assert.Equal(t, "quota", ExtractError([]byte(`{"detail":"quota"}`)))
	assert.Equal(t, "unknown provider error", ExtractError([]byte(`{}`)))
}

func TestExtractOutputsIgnoresEnvelopeLinks(t *testing.T) {
	body := `{"data":{"status":"completed","urls":{"get":"https://api.example/predictions/1/result"},
		"outputs":["https://cdn.example/a.webp","https://cdn.example/b.png"]}}`
	assert.Equal(t, []string{"https://cdn.example/a.webp", "https://cdn.example/b.png"}, ExtractOutputs([]byte(body)))
	assert.Equal(t, []string{"https://cdn/x.mp4"}, ExtractOutputs([]byte(`{"output":{"video":{"url":"https://cdn/x.mp4"}}}`)))
}

func TestChoosePrimaryURL(t *testing.T) {
	u, err := ChoosePrimaryURL([]string{"https://cdn/a.webp", "https://cdn/b.png"}, "image")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/b.png", u)

	u, err = ChoosePrimaryURL([]string{"https://cdn/a.gif", "https://cdn/b.webm", "https://cdn/c.mp4?sig=1"}, "video")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/c.mp4?sig=1", u)

	u, err = ChoosePrimaryURL([]string{"https://cdn/a.gif"}, "image")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/a.gif", u)

	_, err = ChoosePrimaryURL(nil, "video")
	assert.True(t, errors.Is(err, apperr.ErrProvider))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *WaveSpeed {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewWaveSpeed(config.ProviderConfig{BaseURL: srv.URL, APIKey: "k", RequestTimeoutSeconds: 5}, nil)
	require.NoError(t, err)
	return c
}

func TestNewWaveSpeedRequiresKey(t *testing.T) {
	_, err := NewWaveSpeed(config.ProviderConfig{BaseURL: "http://x"}, nil)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestSubmitAndStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/google/nano-banana-pro/edit":
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), `"enable_base64_output":false`)
			assert.Contains(t, string(body), `"prompt":"hero"`)
			_, _ = w.Write([]byte(`{"code":200,"data":{"id":"task-1","status":"created"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/task-1":
			_, _ = w.Write([]byte(`{"data":{"id":"task-1","status":"completed","outputs":["https://cdn/x.png"]}}`))
		default:
			http.NotFound(w, r)
		}
	})

	id, err := c.Submit(context.Background(), "google/nano-banana-pro/edit", map[string]any{"prompt": "hero"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	st, err := c.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State)
	assert.Equal(t, []string{"https://cdn/x.png"}, st.Outputs)
}

func TestSubmitNon2xx(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"bad key"}`))
	})
	_, err := c.Submit(context.Background(), "m", map[string]any{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrProvider))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestUploadRetriesAsMultipart(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		assert.Equal(t, "ref.png", hdr.Filename)
		_, _ = w.Write([]byte(`{"data":{"download_url":"https://cdn/uploaded.png"}}`))
	})

	u, err := c.UploadFile(context.Background(), "ref.png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/uploaded.png", u)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

type scriptedGetter struct {
	calls  int32
	script []func() (*Status, error)
}

func (g *scriptedGetter) GetStatus(ctx context.Context, taskID string) (*Status, error) {
	i := int(atomic.AddInt32(&g.calls, 1)) - 1
	if i >= len(g.script) {
		i = len(g.script) - 1
	}
	return g.script[i]()
}

func TestPollContinuesThroughTransientErrors(t *testing.T) {
	g := &scriptedGetter{script: []func() (*Status, error){
		func() (*Status, error) { return nil, errors.New("connection reset") },
		func() (*Status, error) { return &Status{State: StateRunning}, nil },
		func() (*Status, error) {
			return &Status{State: StateSucceeded, Outputs: []string{"https://cdn/x.png"}}, nil
		},
	}}

	st, err := Poll(context.Background(), g, "t", time.Millisecond, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State)
	assert.Equal(t, int32(3), atomic.LoadInt32(&g.calls))
}

func TestPollTerminalFailureKeepsProviderMessage(t *testing.T) {
	g := &scriptedGetter{script: []func() (*Status, error){
		func() (*Status, error) { return &Status{State: StateFailed, Error: "nsfw"}, nil },
	}}

	_, err := Poll(context.Background(), g, "t", time.Millisecond, time.Second, nil)
	require.Error(t, err)
	assert.Equal(t, "nsfw", err.Error())
	assert.True(t, errors.Is(err, apperr.ErrProvider))
}

func TestPollTimeout(t *testing.T) {
	g := &scriptedGetter{script: []func() (*Status, error){
		func() (*Status, error) { return &Status{State: StateRunning}, nil },
	}}

	_, err := Poll(context.Background(), g, "t", time.Millisecond, 20*time.Millisecond, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polling timeout")
}
