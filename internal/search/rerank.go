package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const rerankInputSize = 30

var rerankSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"ranking": {"type": "array", "items": {"type": "string"}},
		"entries": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"reason": {"type": "string"},
					"short_description": {"type": "string"},
					"evidence": {"type": "array", "items": {"type": "string"}, "maxItems": 5},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				},
				"required": ["id", "reason", "confidence"]
			}
		}
	},
	"required": ["confidence", "ranking", "entries"]
}`)

const rerankSystem = "You rank company candidates for a user's search. Order them by fit, " +
	"give an overall confidence, and for each company a reason, a short description, " +
	"up to five evidence chips, and a per-company confidence."

// RerankOutcome carries the reranker's overall confidence alongside the
// reordered candidates.
type RerankOutcome struct {
	Confidence float64
	Candidates []*Candidate
}

type rerankEntry struct {
	ID         string   `json:"id"`
	Reason     string   `json:"reason"`
	ShortDesc  string   `json:"short_description"`
	Evidence   []string `json:"evidence"`
	Confidence float64  `json:"confidence"`
}

type rerankResponse struct {
	Confidence float64       `json:"confidence"`
	Ranking    []string      `json:"ranking"`
	Entries    []rerankEntry `json:"entries"`
}

// Reranker reorders and annotates the filtered candidates via the completion
// service. Its failure aborts the request: rank order drives which results
// surface, so there is no silent fallback to the previous ordering.
type Reranker struct {
	llm    CompletionService
	logger *zap.Logger
}

func NewReranker(llm CompletionService, logger *zap.Logger) *Reranker {
	return &Reranker{llm: llm, logger: logger}
}

// Rerank takes up to 30 candidates and returns them in the model's order
// with rank/confidence/reason overlaid. Unranked ids sink to the end in
// their prior order.
func (r *Reranker) Rerank(ctx context.Context, userQuery string, plan *Plan, candidates []*Candidate) (*RerankOutcome, error) {
	if len(candidates) > rerankInputSize {
		candidates = candidates[:rerankInputSize]
	}

	raw, err := r.llm.Structured(ctx, "rerank", rerankSystem, r.buildPrompt(userQuery, plan, candidates), rerankSchema)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	var resp rerankResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	byID := make(map[string]*Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	entryByID := make(map[string]rerankEntry, len(resp.Entries))
	for _, e := range resp.Entries {
		entryByID[e.ID] = e
	}

	ordered := make([]*Candidate, 0, len(candidates))
	placed := make(map[string]struct{}, len(candidates))
	for _, id := range resp.Ranking {
		c, ok := byID[id]
		if !ok {
			continue // model invented an id; skip it
		}
		if _, dup := placed[id]; dup {
			continue
		}
		placed[id] = struct{}{}
		ordered = append(ordered, c)
	}
	for _, c := range candidates {
		if _, ok := placed[c.ID]; !ok {
			ordered = append(ordered, c)
		}
	}

	for i, c := range ordered {
		c.Rank = i + 1
		if e, ok := entryByID[c.ID]; ok {
			c.Reason = e.Reason
			c.ShortDesc = e.ShortDesc
			c.Confidence = e.Confidence
			if len(e.Evidence) > 5 {
				e.Evidence = e.Evidence[:5]
			}
			c.Evidence = e.Evidence
		}
	}

	return &RerankOutcome{Confidence: resp.Confidence, Candidates: ordered}, nil
}

func (r *Reranker) buildPrompt(userQuery string, plan *Plan, candidates []*Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n", userQuery)
	fmt.Fprintf(&b, "Intent: %s; target results: %d\n\nCandidates:\n", plan.Intent, plan.TargetResults)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%s name=%q semantic=%.2f lexical=%.2f niche=%.2f tag=%.2f",
			c.ID, c.Name, c.Scores.Semantic, c.Scores.Lexical, c.Scores.Niche, c.Scores.Tag)
		if fields := setToSlice(c.MatchedFields); len(fields) > 0 {
			fmt.Fprintf(&b, " matched=%s", strings.Join(fields, "|"))
		}
		if c.Company != nil && c.Company.Description != "" {
			fmt.Fprintf(&b, " desc=%q", firstSentence(c.Company.Description))
		}
		b.WriteString("\n")
	}
	return b.String()
}
