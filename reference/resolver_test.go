package reference

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SceneForge-server/apperr"
)

type fakeUploader struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeUploader) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return "https://cdn.example/uploads/" + name, nil
}

func writeRef(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("img"), 0o644))
}

func TestResolveDryRunPlaceholders(t *testing.T) {
	dir := t.TempDir()
	writeRef(t, dir, "style.png")
	r := NewResolver(Options{Root: dir, ShortLinkDomains: []string{"pin.it"}}, nil)

	got, err := r.Resolve(context.Background(), []string{"", "style.png", "  ", "https://pin.it/abc", "https://cdn.example/a.jpg"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://dry-run.local/ref/1-style.png",
		"https://pin.it/abc",
		"https://cdn.example/a.jpg",
	}, got)
}

func TestResolveMissingFile(t *testing.T) {
	r := NewResolver(Options{Root: t.TempDir()}, nil)
	_, err := r.Resolve(context.Background(), []string{"nope.png"}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrReferenceResolution))
}

func TestResolveNothingResolved(t *testing.T) {
	r := NewResolver(Options{Root: t.TempDir()}, nil)
	_, err := r.Resolve(context.Background(), []string{" ", ""}, false)
	assert.True(t, errors.Is(err, apperr.ErrReferenceResolution))

	got, err := r.Resolve(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveUploadsOncePerPath(t *testing.T) {
	dir := t.TempDir()
	writeRef(t, dir, "face.jpg")
	up := &fakeUploader{}
	r := NewResolver(Options{Root: dir}, up)

	for i := 0; i < 3; i++ {
		got, err := r.Resolve(context.Background(), []string{"face.jpg"}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"https://cdn.example/uploads/face.jpg"}, got)
	}
	assert.Len(t, up.calls, 1)
}

func TestResolveShortLinkPreview(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head>
			<meta name="description" content="pin">
			<meta content="https://i.pinimg.com/originals/a&amp;b.jpg" property="og:image">
		</head></html>`))
	}))
	defer srv.Close()

	r := NewResolver(Options{ShortLinkDomains: []string{"127.0.0.1"}}, nil)
	link := srv.URL + "/pin/123"

	got, err := r.Resolve(context.Background(), []string{link}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://i.pinimg.com/originals/a&b.jpg"}, got)

	_, err = r.Resolve(context.Background(), []string{link}, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "cached")
}

func TestResolveShortLinkFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewResolver(Options{ShortLinkDomains: []string{"127.0.0.1"}}, nil)
	got, err := r.Resolve(context.Background(), []string{srv.URL + "/x"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/x"}, got)
}

func TestIsShortLink(t *testing.T) {
	r := NewResolver(Options{ShortLinkDomains: []string{"pin.it", "pinterest."}}, nil)
	assert.True(t, r.isShortLink("https://pin.it/3xyz"))
	assert.True(t, r.isShortLink("https://www.pinterest.co.uk/pin/1"))
	assert.True(t, r.isShortLink("https://pinterest.com/pin/1"))
	assert.False(t, r.isShortLink("https://spin.it/x"))
	assert.False(t, r.isShortLink("https://cdn.example/pinterest.png"))
}

func TestPreviewImageTwitterFallback(t *testing.T) {
	doc := `<meta name="twitter:image:src" content=" https://cdn/t.png ">`
	assert.Equal(t, "https://cdn/t.png", PreviewImage(strings.NewReader(doc)))
	assert.Empty(t, PreviewImage(strings.NewReader(`<p>nothing</p>`)))
}
