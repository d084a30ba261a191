package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
)

var planSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"intent": {"type": "string"},
		"target_results": {"type": "integer"},
		"queries": {"type": "array", "items": {"type": "string"}},
		"strategies": {"type": "array", "items": {"type": "string", "enum": ["hybrid", "lexical", "taxonomy"]}},
		"filters": {
			"type": "object",
			"properties": {
				"statuses": {"type": "array", "items": {"type": "string"}},
				"sectors": {"type": "array", "items": {"type": "string"}},
				"categories": {"type": "array", "items": {"type": "string"}},
				"business_models": {"type": "array", "items": {"type": "string"}},
				"niches": {"type": "array", "items": {"type": "string"}},
				"niche_mode": {"type": "string", "enum": ["boost", "must"]}
			},
			"required": ["statuses", "sectors", "categories", "business_models", "niches", "niche_mode"]
		},
		"success_criterion": {"type": "string"}
	},
	"required": ["intent", "target_results", "queries", "strategies", "filters", "success_criterion"]
}`)

const plannerSystem = "You plan structured searches over a company dataset. " +
	"Given the user's request, recent conversation, and the allowed taxonomy values, " +
	"produce a search plan: intent, target result count, query variants, retrieval " +
	"strategy priorities, and filters. Only use taxonomy values from the allow-lists."

// Planner produces a fresh Plan each iteration from conversation context and
// taxonomy constraints.
type Planner struct {
	llm    CompletionService
	tax    Taxonomy
	logger *zap.Logger
}

func NewPlanner(llm CompletionService, tax Taxonomy, logger *zap.Logger) *Planner {
	return &Planner{llm: llm, tax: tax, logger: logger}
}

// PlanInput carries everything the planner needs for one iteration.
type PlanInput struct {
	Query           string
	Conversation    []Message
	PreviousTopIDs  []string
	Anchor          *AnchorResult
	CarriedVariants []string
}

// Plan invokes the completion service and normalizes/validates the result.
// A failed call is not retried within the iteration; it propagates and the
// request aborts.
func (pl *Planner) Plan(ctx context.Context, in PlanInput) (*Plan, error) {
	prompt := pl.buildPrompt(in)

	raw, err := pl.llm.Structured(ctx, "planner", plannerSystem, prompt, planSchema)
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}

	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	normalizePlan(&p, pl.tax, in.Query)

	if in.Anchor != nil && in.Anchor.Mode == AnchorSimilarity {
		applyAnchorVariants(&p, in.Anchor.Name, in.Anchor.Profile, in.Query)
	}

	// variants injected by the critic in earlier iterations carry forward
	if len(in.CarriedVariants) > 0 {
		p.AddVariants(in.CarriedVariants)
	}

	if err := validatePlanBounds(&p); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	pl.logger.Debug("Search plan ready",
		zap.String("intent", p.Intent),
		zap.Int("target_results", p.TargetResults),
		zap.Strings("queries", p.Queries),
		zap.Strings("strategies", p.Strategies),
	)
	return &p, nil
}

func (pl *Planner) buildPrompt(in PlanInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n", in.Query)

	if conv := recentConversation(in.Conversation, 6); conv != "" {
		fmt.Fprintf(&b, "\nRecent conversation:\n%s\n", conv)
	}
	if len(in.PreviousTopIDs) > 0 {
		fmt.Fprintf(&b, "\nPreviously surfaced entity ids: %s\n", strings.Join(in.PreviousTopIDs, ", "))
	}
	if in.Anchor != nil && in.Anchor.Mode == AnchorSimilarity {
		fmt.Fprintf(&b, "\nAnchor company: %s\n", in.Anchor.Name)
		if in.Anchor.Profile != nil {
			fmt.Fprintf(&b, "Anchor profile: %s\n", profileText(in.Anchor.Profile))
		}
	}

	fmt.Fprintf(&b, "\nAllowed sectors: %s\n", strings.Join(pl.tax.Sectors, ", "))
	fmt.Fprintf(&b, "Allowed categories: %s\n", strings.Join(pl.tax.Categories, ", "))
	fmt.Fprintf(&b, "Allowed business models: %s\n", strings.Join(pl.tax.BusinessModels, ", "))
	return b.String()
}

func recentConversation(msgs []Message, limit int) string {
	if len(msgs) == 0 {
		return ""
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func profileText(c *companydb.Company) string {
	parts := []string{}
	if c.Description != "" {
		parts = append(parts, c.Description)
	}
	if c.ProductDescription != "" {
		parts = append(parts, "Product: "+c.ProductDescription)
	}
	if len(c.Niches) > 0 {
		parts = append(parts, "Niches: "+strings.Join(c.Niches, ", "))
	}
	if len(c.Categories) > 0 {
		parts = append(parts, "Categories: "+strings.Join(c.Categories, ", "))
	}
	return strings.Join(parts, " | ")
}
