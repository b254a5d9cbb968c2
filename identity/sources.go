package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	SourceWeb          = "web"
	SourceEncyclopedia = "encyclopedia"
	SourceCommons      = "commons"
)

// sourceBias reflects how much a source's pages tend to be about the
// subject they are titled after.
var sourceBias = map[string]float64{
	SourceEncyclopedia: 0.12,
	SourceCommons:      0.10,
	SourceWeb:          0.08,
}

// Candidate is one search hit from any source.
type Candidate struct {
	Title     string  `json:"title"`
	ImageURL  string  `json:"image_url"`
	SourceURL string  `json:"source_url"`
	Summary   string  `json:"summary"`
	Source    string  `json:"source"`
	Score     float64 `json:"score"`
}

// Source is a search backend.
type Source interface {
	Name() string
	Search(ctx context.Context, query string) ([]Candidate, error)
}

const userAgent = "SceneForge/1.0 (character reference audit)"

func getJSON(ctx context.Context, client *http.Client, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		// url.Error repeats the query string, which may hold an API key.
		var ue *url.Error
		if errors.As(err, &ue) {
			return nil, fmt.Errorf("%s: %w", endpoint, ue.Err)
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s returned invalid json", endpoint)
	}
	return body, nil
}

func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 20 * time.Second}
}

// Encyclopedia searches Wikipedia articles with their lead image and intro.
type Encyclopedia struct {
	Endpoint string
	Client   *http.Client
}

func NewEncyclopedia(endpoint string, client *http.Client) *Encyclopedia {
	if endpoint == "" {
		endpoint = "https://en.wikipedia.org/w/api.php"
	}
	return &Encyclopedia{Endpoint: endpoint, Client: newHTTPClient(client)}
}

func (s *Encyclopedia) Name() string { return SourceEncyclopedia }

func (s *Encyclopedia) Search(ctx context.Context, query string) ([]Candidate, error) {
	params := url.Values{
		"action":      {"query"},
		"format":      {"json"},
		"generator":   {"search"},
		"gsrsearch":   {query},
		"gsrlimit":    {"5"},
		"prop":        {"pageimages|extracts|info"},
		"piprop":      {"original"},
		"exintro":     {"1"},
		"explaintext": {"1"},
		"exsentences": {"3"},
		"inprop":      {"url"},
	}
	body, err := getJSON(ctx, s.Client, s.Endpoint, params)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	gjson.GetBytes(body, "query.pages").ForEach(func(_, page gjson.Result) bool {
		out = append(out, Candidate{
			Title:     page.Get("title").String(),
			ImageURL:  page.Get("original.source").String(),
			SourceURL: page.Get("fullurl").String(),
			Summary:   page.Get("extract").String(),
			Source:    SourceEncyclopedia,
		})
		return true
	})
	return out, nil
}

// Commons searches the Wikimedia Commons file namespace.
type Commons struct {
	Endpoint string
	Client   *http.Client
}

func NewCommons(endpoint string, client *http.Client) *Commons {
	if endpoint == "" {
		endpoint = "https://commons.wikimedia.org/w/api.php"
	}
	return &Commons{Endpoint: endpoint, Client: newHTTPClient(client)}
}

func (s *Commons) Name() string { return SourceCommons }

var tagPattern = regexp.MustCompile(`<[^>]+>`)

func (s *Commons) Search(ctx context.Context, query string) ([]Candidate, error) {
	params := url.Values{
		"action":       {"query"},
		"format":       {"json"},
		"generator":    {"search"},
		"gsrsearch":    {query},
		"gsrnamespace": {"6"},
		"gsrlimit":     {"6"},
		"prop":         {"imageinfo"},
		"iiprop":       {"url|extmetadata"},
	}
	body, err := getJSON(ctx, s.Client, s.Endpoint, params)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	gjson.GetBytes(body, "query.pages").ForEach(func(_, page gjson.Result) bool {
		info := page.Get("imageinfo.0")
		title := strings.TrimPrefix(page.Get("title").String(), "File:")
		if i := strings.LastIndex(title, "."); i > 0 {
			title = title[:i]
		}
		desc := info.Get("extmetadata.ImageDescription.value").String()
		out = append(out, Candidate{
			Title:     title,
			ImageURL:  info.Get("url").String(),
			SourceURL: info.Get("descriptionurl").String(),
			Summary:   strings.TrimSpace(tagPattern.ReplaceAllString(desc, " ")),
			Source:    SourceCommons,
		})
		return true
	})
	return out, nil
}

// Web searches Google Images through SerpAPI.
type Web struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewWeb(endpoint, apiKey string, client *http.Client) *Web {
	if endpoint == "" {
		endpoint = "https://serpapi.com/search.json"
	}
	return &Web{Endpoint: endpoint, APIKey: apiKey, Client: newHTTPClient(client)}
}

func (s *Web) Name() string { return SourceWeb }

func (s *Web) Search(ctx context.Context, query string) ([]Candidate, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("SERPAPI_KEY is not set")
	}
	params := url.Values{
		"engine":  {"google_images"},
		"q":       {query},
		"num":     {"10"},
		"api_key": {s.APIKey},
	}
	body, err := getJSON(ctx, s.Client, s.Endpoint, params)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	gjson.GetBytes(body, "images_results").ForEach(func(_, item gjson.Result) bool {
		summary := strings.TrimSpace(item.Get("source").String() + " " + item.Get("snippet").String())
		out = append(out, Candidate{
			Title:     item.Get("title").String(),
			ImageURL:  item.Get("original").String(),
			SourceURL: item.Get("link").String(),
			Summary:   summary,
			Source:    SourceWeb,
		})
		return true
	})
	return out, nil
}
