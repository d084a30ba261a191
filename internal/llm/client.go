package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	ometrics "github.com/muthu-ramabadran/ceejay-new/internal/metrics"
)

// Config holds completion service settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit is requests per second across all phases; 0 disables limiting.
	RateLimit float64
	Burst     int
}

// Client talks to the completion service over HTTP. It supports
// schema-constrained structured calls and free-text completion.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient creates a completion service client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	c := cfg
	if c.BaseURL == "" {
		c.BaseURL = "http://llm-service:8000"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Burst == 0 {
		c.Burst = 4
	}
	var limiter *rate.Limiter
	if c.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.RateLimit), c.Burst)
	}
	return &Client{
		cfg:     c,
		http:    &http.Client{Timeout: c.Timeout},
		limiter: limiter,
		log:     logger,
	}
}

type structuredRequest struct {
	System string          `json:"system"`
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema"`
}

type structuredResponse struct {
	Result json.RawMessage `json:"result"`
	Model  string          `json:"model_used,omitempty"`
}

type completeRequest struct {
	Prompt string `json:"prompt"`
}

type completeResponse struct {
	Text  string `json:"text"`
	Model string `json:"model_used,omitempty"`
}

// Structured asks the completion service for an object conforming to schema.
// The response is validated against the schema before being returned; a
// non-conforming response is an error, never silently defaulted.
func (c *Client) Structured(ctx context.Context, phase, system, prompt string, schema json.RawMessage) (json.RawMessage, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	body, err := json.Marshal(structuredRequest{System: system, Prompt: prompt, Schema: schema})
	if err != nil {
		return nil, fmt.Errorf("marshal structured request: %w", err)
	}

	raw, err := c.post(ctx, "/v1/structured", body)
	if err != nil {
		ometrics.RecordLLMMetrics(phase, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("structured call (%s): %w", phase, err)
	}

	var sr structuredResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		ometrics.RecordLLMMetrics(phase, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("decode structured response (%s): %w", phase, err)
	}
	// a JSON null round-trips into RawMessage as the literal "null"
	if len(sr.Result) == 0 || string(sr.Result) == "null" {
		ometrics.RecordLLMMetrics(phase, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("structured call (%s): empty result", phase)
	}

	if err := validate(schema, sr.Result); err != nil {
		ometrics.RecordLLMMetrics(phase, "schema_violation", time.Since(start).Seconds())
		return nil, fmt.Errorf("structured call (%s): %w", phase, err)
	}

	ometrics.RecordLLMMetrics(phase, "ok", time.Since(start).Seconds())
	return sr.Result, nil
}

// Complete asks the completion service for free-form text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	start := time.Now()

	body, _ := json.Marshal(completeRequest{Prompt: prompt})
	raw, err := c.post(ctx, "/v1/complete", body)
	if err != nil {
		ometrics.RecordLLMMetrics("summary", "error", time.Since(start).Seconds())
		return "", fmt.Errorf("completion call: %w", err)
	}

	var cr completeResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		ometrics.RecordLLMMetrics("summary", "error", time.Since(start).Seconds())
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	ometrics.RecordLLMMetrics("summary", "ok", time.Since(start).Seconds())
	return strings.TrimSpace(cr.Text), nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llm service status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	return raw, nil
}

// validate checks a document against a JSON schema, collecting all violations.
func validate(schema, doc json.RawMessage) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("response violates schema: %s", strings.Join(errs, "; "))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
