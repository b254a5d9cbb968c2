package identity

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"SceneForge-server/apperr"
	"SceneForge-server/models"
)

const (
	nameSubstringBonus    = 0.22
	hasImageBonus         = 0.12
	disambiguationPenalty = 0.25
	franchisePenalty      = 0.18
	logoPenalty           = 0.12

	reviewFloor     = 0.35
	reviewRatio     = 0.72
	maxRanked       = 12
	maxSelectedURLs = 3
)

var (
	disambiguationTerms = []string{"disambiguation", "may refer to"}
	franchiseTerms      = []string{"franchise", "film series", "tv series", "video game", "merchandise", "toy line", "soundtrack", "comic book series"}
	logoTerms           = []string{"logo", "icon", "wordmark"}
	spaceRun            = regexp.MustCompile(`\s+`)
)

// AuditResult is the outcome of one identity audit.
type AuditResult struct {
	TargetName        string            `json:"target_name"`
	Status            string            `json:"status"`
	Score             float64           `json:"score"`
	MinScore          float64           `json:"min_score"`
	ReviewThreshold   float64           `json:"review_threshold"`
	SelectedImageURL  string            `json:"selected_image_url"`
	SelectedSourceURL string            `json:"selected_source_url"`
	SelectedSource    string            `json:"selected_source"`
	ImageURLs         []string          `json:"image_urls"`
	SourceURLs        []string          `json:"source_urls"`
	Ranked            []Candidate       `json:"ranked"`
	SourcesQueried    []string          `json:"sources_queried"`
	SourceErrors      map[string]string `json:"source_errors,omitempty"`
}

// Details flattens the result into the audit event details column.
func (r *AuditResult) Details() models.JSONMap {
	ranked := make([]interface{}, 0, len(r.Ranked))
	for _, c := range r.Ranked {
		ranked = append(ranked, map[string]interface{}{
			"title": c.Title, "image_url": c.ImageURL, "source_url": c.SourceURL,
			"source": c.Source, "score": c.Score,
		})
	}
	errs := map[string]interface{}{}
	for k, v := range r.SourceErrors {
		errs[k] = v
	}
	return models.JSONMap{
		"min_score":        r.MinScore,
		"review_threshold": r.ReviewThreshold,
		"image_urls":       r.ImageURLs,
		"source_urls":      r.SourceURLs,
		"sources_queried":  r.SourcesQueried,
		"source_errors":    errs,
		"ranked":           ranked,
	}
}

type Auditor struct {
	sources map[string]Source
	logger  *slog.Logger
}

func NewAuditor(logger *slog.Logger, sources ...Source) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]Source, len(sources))
	for _, s := range sources {
		m[s.Name()] = s
	}
	return &Auditor{sources: m, logger: logger}
}

// ReviewThreshold is the score above which a candidate is worth a human
// look even when it is not verified.
func ReviewThreshold(minScore float64) float64 {
	return math.Max(reviewFloor, minScore*reviewRatio)
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

func normalizeText(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(Fold(s), " "))
}

func wholeWord(tok string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[^\p{L}\p{N}])` + regexp.QuoteMeta(tok) + `($|[^\p{L}\p{N}])`)
}

// Score rates how likely c depicts the character called name.
func Score(name string, c Candidate) float64 {
	text := normalizeText(c.Title + " " + c.Summary)
	tokens := nameTokens(name)

	var score float64
	if len(tokens) > 0 {
		matched := 0
		for _, tok := range tokens {
			if wholeWord(tok).MatchString(text) {
				matched++
			}
		}
		score += float64(matched) / float64(len(tokens))
	}
	score += sourceBias[c.Source]
	if full := normalizeText(name); full != "" && strings.Contains(text, full) {
		score += nameSubstringBonus
	}
	if strings.TrimSpace(c.ImageURL) != "" {
		score += hasImageBonus
	}
	if containsAny(text, disambiguationTerms) {
		score -= disambiguationPenalty
	}
	if containsAny(text, franchiseTerms) {
		score -= franchisePenalty
	}
	lowerImage := strings.ToLower(c.ImageURL)
	if containsAny(strings.ToLower(c.Title), logoTerms) || containsAny(lowerImage, logoTerms) || strings.HasSuffix(strings.SplitN(lowerImage, "?", 2)[0], ".svg") {
		score -= logoPenalty
	}
	return math.Max(0, math.Min(1, score))
}

func dedupeKey(c Candidate) string {
	return strings.Join([]string{normalizeText(c.Title), strings.TrimSpace(c.SourceURL), strings.TrimSpace(c.ImageURL), c.Source}, "\x00")
}

// Rank scores, dedupes (keeping the best score per key) and sorts
// candidates best first, capped at twelve.
func Rank(name string, candidates []Candidate) []Candidate {
	best := make(map[string]int)
	var out []Candidate
	for _, c := range candidates {
		c.Score = Score(name, c)
		k := dedupeKey(c)
		if i, ok := best[k]; ok {
			if c.Score > out[i].Score {
				out[i] = c
			}
			continue
		}
		best[k] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxRanked {
		out = out[:maxRanked]
	}
	return out
}

func verified(c Candidate, minScore float64) bool {
	return strings.TrimSpace(c.ImageURL) != "" && c.Score >= minScore
}

// Run queries the requested sources concurrently and decides whether any
// candidate is a verified reference. A failing source is recorded in
// SourceErrors and never fails the audit.
func (a *Auditor) Run(ctx context.Context, name string, minScore float64, sources []string) (*AuditResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.IdentityAudit("target character name is empty")
	}
	res := &AuditResult{
		TargetName:      name,
		MinScore:        minScore,
		ReviewThreshold: ReviewThreshold(minScore),
		SourceErrors:    map[string]string{},
	}

	var (
		mu      sync.Mutex
		g       errgroup.Group
		results = make([][]Candidate, len(sources))
	)
	for i, sname := range sources {
		src, ok := a.sources[sname]
		if !ok {
			mu.Lock()
			res.SourceErrors[sname] = "unknown source"
			mu.Unlock()
			continue
		}
		res.SourcesQueried = append(res.SourcesQueried, sname)
		g.Go(func() error {
			found, err := src.Search(ctx, name)
			if err != nil {
				a.logger.Warn("identity source failed", "source", sname, "name", name, "error", err)
				mu.Lock()
				res.SourceErrors[sname] = err.Error()
				mu.Unlock()
				return nil
			}
			for j := range found {
				found[j].Source = sname
			}
			results[i] = found
			return nil
		})
	}
	_ = g.Wait()

	var all []Candidate
	for _, r := range results {
		all = append(all, r...)
	}
	res.Ranked = Rank(name, all)

	var picks []Candidate
	for _, c := range res.Ranked {
		if verified(c, minScore) {
			picks = append(picks, c)
		}
	}
	switch {
	case len(picks) > 0:
		res.Status = models.AuditStatusVerified
	default:
		for _, c := range res.Ranked {
			if c.Score >= res.ReviewThreshold {
				picks = append(picks, c)
			}
		}
		if len(picks) > 0 {
			res.Status = models.AuditStatusNeedsReview
		} else {
			res.Status = models.AuditStatusFailed
		}
	}
	if len(picks) > maxSelectedURLs {
		picks = picks[:maxSelectedURLs]
	}
	// Review candidates may come without an image; only real URLs are listed.
	for _, c := range picks {
		if img := strings.TrimSpace(c.ImageURL); img != "" {
			res.ImageURLs = append(res.ImageURLs, img)
			if res.SelectedImageURL == "" {
				res.SelectedImageURL = img
			}
		}
		res.SourceURLs = append(res.SourceURLs, c.SourceURL)
	}
	if len(picks) > 0 {
		res.Score = picks[0].Score
		res.SelectedSourceURL = picks[0].SourceURL
		res.SelectedSource = picks[0].Source
	} else if len(res.Ranked) > 0 {
		res.Score = res.Ranked[0].Score
	}
	a.logger.Info("identity audit finished", "name", name, "status", res.Status, "score", res.Score, "candidates", len(res.Ranked))
	return res, nil
}
