package companydb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	ometrics "github.com/muthu-ramabadran/ceejay-new/internal/metrics"
)

// Client is a typed HTTP client for the company retrieval backend. It owns
// result normalization; callers never see raw backend payloads.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// NewClient creates a retrieval backend client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	c := cfg
	if c.BaseURL == "" {
		c.BaseURL = "http://companydb:7700"
	}
	if c.Timeout == 0 {
		c.Timeout = 8 * time.Second
	}
	if c.TopK == 0 {
		c.TopK = 20
	}
	return &Client{
		cfg:  c,
		http: &http.Client{Timeout: c.Timeout},
		log:  logger,
	}
}

type exactNameRequest struct {
	Text     string   `json:"text"`
	Statuses []string `json:"statuses,omitempty"`
	Limit    int      `json:"limit"`
}

type exactNameResponse struct {
	Matches []NameMatch `json:"matches"`
}

type hybridRequest struct {
	Text             string    `json:"text"`
	Embedding        []float32 `json:"embedding"`
	Statuses         []string  `json:"statuses,omitempty"`
	ExcludeIDs       []string  `json:"exclude_ids,omitempty"`
	Limit            int       `json:"limit"`
	MinSemanticScore float64   `json:"min_semantic_score,omitempty"`
}

type lexicalRequest struct {
	Text     string   `json:"text"`
	Statuses []string `json:"statuses,omitempty"`
	Limit    int      `json:"limit"`
}

type tagFilterRequest struct {
	Sectors        []string `json:"sectors,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	BusinessModels []string `json:"business_models,omitempty"`
	Statuses       []string `json:"statuses,omitempty"`
	Limit          int      `json:"limit"`
}

type hitsResponse struct {
	Hits []ScoredHit `json:"hits"`
}

type tagHit struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Overlap int    `json:"overlap"`
	MaxTags int    `json:"max_tags"`
}

type tagFilterResponse struct {
	Hits []tagHit `json:"hits"`
}

type hydrateRequest struct {
	IDs []string `json:"ids"`
}

type hydrateResponse struct {
	Companies []Company `json:"companies"`
}

// ExactName looks up companies whose name matches text, scored by closeness.
func (c *Client) ExactName(ctx context.Context, text string, statuses []string, limit int) ([]NameMatch, error) {
	start := time.Now()
	var out exactNameResponse
	err := c.post(ctx, "/v1/search/exact-name", exactNameRequest{
		Text:     text,
		Statuses: statuses,
		Limit:    c.limitOrDefault(limit),
	}, &out)
	if err != nil {
		ometrics.RecordRetrievalMetrics("exact_name", "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordRetrievalMetrics("exact_name", "ok", time.Since(start).Seconds())
	return out.Matches, nil
}

// Hybrid runs combined vector+lexical retrieval for one query variant.
func (c *Client) Hybrid(ctx context.Context, text string, embedding []float32, statuses, excludeIDs []string, limit int, minSemantic float64) ([]ScoredHit, error) {
	start := time.Now()
	var out hitsResponse
	err := c.post(ctx, "/v1/search/hybrid", hybridRequest{
		Text:             text,
		Embedding:        embedding,
		Statuses:         statuses,
		ExcludeIDs:       excludeIDs,
		Limit:            c.limitOrDefault(limit),
		MinSemanticScore: minSemantic,
	}, &out)
	if err != nil {
		ometrics.RecordRetrievalMetrics("hybrid", "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordRetrievalMetrics("hybrid", "ok", time.Since(start).Seconds())
	return out.Hits, nil
}

// Lexical runs pure lexical retrieval for one query variant.
func (c *Client) Lexical(ctx context.Context, text string, statuses []string, limit int) ([]ScoredHit, error) {
	start := time.Now()
	var out hitsResponse
	err := c.post(ctx, "/v1/search/lexical", lexicalRequest{
		Text:     text,
		Statuses: statuses,
		Limit:    c.limitOrDefault(limit),
	}, &out)
	if err != nil {
		ometrics.RecordRetrievalMetrics("lexical", "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordRetrievalMetrics("lexical", "ok", time.Since(start).Seconds())
	return out.Hits, nil
}

// TagFilter returns companies overlapping the given taxonomy values. Overlap
// counts are normalized into the tag score signal.
func (c *Client) TagFilter(ctx context.Context, sectors, categories, businessModels, statuses []string, limit int) ([]ScoredHit, error) {
	start := time.Now()
	var out tagFilterResponse
	err := c.post(ctx, "/v1/search/tag-filter", tagFilterRequest{
		Sectors:        sectors,
		Categories:     categories,
		BusinessModels: businessModels,
		Statuses:       statuses,
		Limit:          c.limitOrDefault(limit),
	}, &out)
	if err != nil {
		ometrics.RecordRetrievalMetrics("tag_filter", "error", time.Since(start).Seconds())
		return nil, err
	}

	hits := make([]ScoredHit, 0, len(out.Hits))
	for _, h := range out.Hits {
		score := 0.0
		if h.MaxTags > 0 {
			score = float64(h.Overlap) / float64(h.MaxTags)
		} else if h.Overlap > 0 {
			score = 1.0
		}
		hits = append(hits, ScoredHit{
			ID:            h.ID,
			Name:          h.Name,
			Scores:        Scores{Tag: score},
			MatchedFields: []string{"tags"},
		})
	}
	ometrics.RecordRetrievalMetrics("tag_filter", "ok", time.Since(start).Seconds())
	return hits, nil
}

// Hydrate fetches full company records for ids in one batch call.
func (c *Client) Hydrate(ctx context.Context, ids []string) ([]Company, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	start := time.Now()
	var out hydrateResponse
	err := c.post(ctx, "/v1/companies/batch", hydrateRequest{IDs: ids}, &out)
	if err != nil {
		ometrics.RecordRetrievalMetrics("hydrate", "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordRetrievalMetrics("hydrate", "ok", time.Since(start).Seconds())
	return out.Companies, nil
}

func (c *Client) limitOrDefault(limit int) int {
	if limit <= 0 {
		return c.cfg.TopK
	}
	return limit
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if isSchemaMismatch(resp.StatusCode, string(body)) {
			c.log.Warn("Retrieval backend schema mismatch",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
			)
			return fmt.Errorf("%s: %w", path, ErrSchemaMismatch)
		}
		return fmt.Errorf("companydb %s status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// isSchemaMismatch distinguishes "backend schema out of date" failures from
// transient errors, so the operator hint is only attached when it applies.
func isSchemaMismatch(status int, body string) bool {
	if status != http.StatusBadRequest && status != http.StatusUnprocessableEntity {
		return false
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "column") && strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "function") && strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "unknown field")
}
