// Package reference turns reference image specs (URLs, short links, local
// files) into URLs the provider can fetch.
package reference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"

	"SceneForge-server/apperr"
	"SceneForge-server/models"
)

// Uploader stores a local file with the provider and returns its URL.
type Uploader interface {
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
}

// Cache keeps resolved URLs for the lifetime of the process.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

type memCache struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemCache() Cache {
	return &memCache{m: make(map[string]string)}
}

func (c *memCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *memCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
}

type Options struct {
	Root             string
	ShortLinkDomains []string
	Timeout          time.Duration
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

type Resolver struct {
	root     string
	domains  []string
	http     *http.Client
	uploader Uploader
	links    Cache
	uploads  Cache
	group    singleflight.Group
	logger   *slog.Logger
}

// NewResolver builds a resolver. uploader may be nil when only dry runs
// will be resolved.
func NewResolver(opts Options, uploader Uploader) *Resolver {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root := opts.Root
	if root == "" {
		root = "."
	}
	return &Resolver{
		root:     root,
		domains:  opts.ShortLinkDomains,
		http:     client,
		uploader: uploader,
		links:    NewMemCache(),
		uploads:  NewMemCache(),
		logger:   logger,
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// isShortLink matches a host against the configured domains. An entry that
// ends with a dot ("pinterest.") matches any TLD.
func (r *Resolver) isShortLink(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range r.domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if strings.HasSuffix(d, ".") {
			if strings.HasPrefix(host, d) || strings.Contains(host, "."+d) {
				return true
			}
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Resolve keeps input order and skips blank entries. Dry runs never touch
// the network: short links pass through and local files become placeholders.
func (r *Resolver) Resolve(ctx context.Context, refs []string, dryRun bool) ([]string, error) {
	out := make([]string, 0, len(refs))
	for idx, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if isURL(ref) {
			if !dryRun && r.isShortLink(ref) {
				ref = r.resolveShortLink(ctx, ref)
			}
			out = append(out, ref)
			continue
		}
		u, err := r.resolveLocal(ctx, idx, ref, dryRun)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if len(out) == 0 && len(refs) > 0 {
		return nil, apperr.ReferenceResolution("no reference image could be resolved")
	}
	return out, nil
}

func (r *Resolver) absPath(ref string) (string, error) {
	if strings.HasPrefix(ref, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		ref = filepath.Join(home, ref[2:])
	}
	if !filepath.IsAbs(ref) {
		ref = filepath.Join(r.root, ref)
	}
	return filepath.Abs(ref)
}

func (r *Resolver) resolveLocal(ctx context.Context, idx int, ref string, dryRun bool) (string, error) {
	path, err := r.absPath(ref)
	if err != nil {
		return "", apperr.Wrap(apperr.KindReferenceResolution, err, "resolve path %s", ref)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", apperr.ReferenceResolution("reference image path does not exist: %s", path)
	}
	if dryRun {
		return fmt.Sprintf("%sref/%d-%s", models.SimulatedURLPrefix, idx, filepath.Base(path)), nil
	}
	if u, ok := r.uploads.Get(path); ok {
		return u, nil
	}
	if r.uploader == nil {
		return "", apperr.Configuration("no uploader configured for local reference %s", path)
	}
	v, err, _ := r.group.Do("upload:"+path, func() (interface{}, error) {
		if u, ok := r.uploads.Get(path); ok {
			return u, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", apperr.Wrap(apperr.KindReferenceResolution, err, "read %s", path)
		}
		u, err := r.uploader.UploadFile(ctx, filepath.Base(path), data)
		if err != nil {
			return "", err
		}
		r.uploads.Set(path, u)
		r.logger.Info("reference uploaded", "path", path, "url", u)
		return u, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// resolveShortLink follows redirects once and reads the page's preview
// image. Any failure falls back to the original URL.
func (r *Resolver) resolveShortLink(ctx context.Context, raw string) string {
	if u, ok := r.links.Get(raw); ok {
		return u
	}
	v, _, _ := r.group.Do("link:"+raw, func() (interface{}, error) {
		resolved, err := r.fetchPreview(ctx, raw)
		if err != nil {
			r.logger.Warn("short link resolution failed", "url", raw, "error", err)
			return raw, nil
		}
		r.links.Set(raw, resolved)
		return resolved, nil
	})
	return v.(string)
}

func (r *Resolver) fetchPreview(ctx context.Context, raw string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return resp.Request.URL.String(), nil
	case strings.Contains(ct, "text/html"):
		if img := PreviewImage(io.LimitReader(resp.Body, 2<<20)); img != "" {
			return img, nil
		}
	}
	return raw, nil
}

var previewKeys = map[string]bool{
	"og:image":          true,
	"og:image:url":      true,
	"twitter:image":     true,
	"twitter:image:src": true,
}

// PreviewImage returns the first Open Graph or Twitter image declared in an
// HTML document.
func PreviewImage(body io.Reader) string {
	z := html.NewTokenizer(body)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "meta" || !hasAttr {
				continue
			}
			var key, content string
			for {
				k, v, more := z.TagAttr()
				switch strings.ToLower(string(k)) {
				case "property", "name":
					key = strings.ToLower(string(v))
				case "content":
					content = string(v)
				}
				if !more {
					break
				}
			}
			if previewKeys[key] && strings.TrimSpace(content) != "" {
				return strings.TrimSpace(content)
			}
		}
	}
}
