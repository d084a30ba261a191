package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var criticSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"decision": {"type": "string", "enum": ["continue", "stop"]},
		"reason": {"type": "string"},
		"new_queries": {"type": "array", "items": {"type": "string"}, "maxItems": 3}
	},
	"required": ["decision"]
}`)

const criticSystem = "You judge whether an iterative company search should stop or continue. " +
	"Stop when the current results satisfy the stated success criterion. If continuing " +
	"would help, suggest up to three new query variants not yet tried."

// Verdict is the critic's structured decision.
type Verdict struct {
	Decision   string   `json:"decision"`
	Reason     string   `json:"reason"`
	NewQueries []string `json:"new_queries"`
}

// Stop reports whether the critic voted to stop.
func (v *Verdict) Stop() bool { return v.Decision == "stop" }

// Critic decides continue/stop and may inject new query variants. Its
// failure aborts the request.
type Critic struct {
	llm    CompletionService
	logger *zap.Logger
}

func NewCritic(llm CompletionService, logger *zap.Logger) *Critic {
	return &Critic{llm: llm, logger: logger}
}

// CriticInput is the evidence the critic sees for one iteration.
type CriticInput struct {
	Iteration        int
	CandidateCount   int
	TopScores        []float64
	RerankConfidence float64
	PreviousTopIDs   []string
	CurrentTopIDs    []string
	SuccessCriterion string
	ExecutedQueries  []string
	RemainingBudget  int
	RemainingIters   int
}

// Evaluate invokes the completion service for a stop/continue verdict.
func (cr *Critic) Evaluate(ctx context.Context, in CriticInput) (*Verdict, error) {
	raw, err := cr.llm.Structured(ctx, "critic", criticSystem, buildCriticPrompt(in), criticSchema)
	if err != nil {
		return nil, fmt.Errorf("critic: %w", err)
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode critic verdict: %w", err)
	}
	if len(v.NewQueries) > 3 {
		v.NewQueries = v.NewQueries[:3]
	}

	cr.logger.Debug("Critic verdict",
		zap.Int("iteration", in.Iteration),
		zap.String("decision", v.Decision),
		zap.Int("new_queries", len(v.NewQueries)),
	)
	return &v, nil
}

func buildCriticPrompt(in CriticInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d. Candidates: %d. Reranker confidence: %.2f.\n",
		in.Iteration, in.CandidateCount, in.RerankConfidence)
	if len(in.TopScores) > 0 {
		scores := make([]string, len(in.TopScores))
		for i, s := range in.TopScores {
			scores[i] = fmt.Sprintf("%.3f", s)
		}
		fmt.Fprintf(&b, "Top combined scores: %s\n", strings.Join(scores, ", "))
	}
	fmt.Fprintf(&b, "Previous top ids: %s\n", strings.Join(in.PreviousTopIDs, ", "))
	fmt.Fprintf(&b, "Current top ids: %s\n", strings.Join(in.CurrentTopIDs, ", "))
	if in.SuccessCriterion != "" {
		fmt.Fprintf(&b, "Success criterion: %s\n", in.SuccessCriterion)
	}
	if len(in.ExecutedQueries) > 0 {
		fmt.Fprintf(&b, "Queries already tried: %s\n", strings.Join(in.ExecutedQueries, "; "))
	}
	fmt.Fprintf(&b, "Budget remaining: %d tool calls, %d iterations.\n", in.RemainingBudget, in.RemainingIters)
	return b.String()
}

// topIDsEqual is the convergence check: order-sensitive equality of the two
// top-5 id sequences. Deliberately literal; score movement below the cutoff
// does not suppress termination.
func topIDsEqual(prev, cur []string) bool {
	if len(prev) == 0 || len(prev) != len(cur) {
		return false
	}
	for i := range prev {
		if prev[i] != cur[i] {
			return false
		}
	}
	return true
}
