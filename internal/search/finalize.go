package search

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// Finalizer builds the caller-facing result from the terminal candidate set.
type Finalizer struct {
	backend Backend
	llm     CompletionService
	logger  *zap.Logger
}

func NewFinalizer(backend Backend, llm CompletionService, logger *zap.Logger) *Finalizer {
	return &Finalizer{backend: backend, llm: llm, logger: logger}
}

// FinalizeInput is everything needed to produce the final payload.
type FinalizeInput struct {
	RunID      string
	Query      string
	Plan       *Plan
	Candidates []*Candidate
	Anchor     *AnchorResult
	EndReason  string
	Confidence float64
	Iterations int
	// ExcludeIDs are entity ids removed by request-mode constraints
	// (previously returned results in new-results-only mode).
	ExcludeIDs []string
	// OnPartial, when set, receives the summary as a best-effort preview
	// before the final payload is assembled.
	OnPartial func(text string)
}

// Finalize selects the top candidates, hydrates them, asks for a summary,
// and assembles the immutable result.
func (f *Finalizer) Finalize(ctx context.Context, in FinalizeInput) (*Result, error) {
	if len(in.Candidates) == 0 {
		return &Result{
			RunID:      in.RunID,
			Summary:    "No matching companies were found for this request.",
			References: []Reference{},
			EndReason:  endReasonOrNoMatch(in.EndReason),
			Confidence: 0.1,
			Iterations: in.Iterations,
		}, nil
	}

	target := 1
	if in.Plan != nil && in.Plan.TargetResults > 0 {
		target = in.Plan.TargetResults
	}

	excluded := toLowerSet(in.ExcludeIDs)
	selected := make([]*Candidate, 0, target)
	for _, c := range in.Candidates {
		if in.Anchor != nil && c.ID == in.Anchor.ID {
			continue
		}
		if _, ok := excluded[strings.ToLower(c.ID)]; ok {
			continue
		}
		selected = append(selected, c)
		if len(selected) == target {
			break
		}
	}
	if len(selected) == 0 {
		return &Result{
			RunID:      in.RunID,
			Summary:    "No matching companies were found for this request.",
			References: []Reference{},
			EndReason:  endReasonOrNoMatch(in.EndReason),
			Confidence: 0.1,
			Iterations: in.Iterations,
		}, nil
	}

	// ensure every reference has a hydrated record
	var missing []string
	for _, c := range selected {
		if c.Company == nil {
			missing = append(missing, c.ID)
		}
	}
	if len(missing) > 0 {
		companies, err := f.backend.Hydrate(ctx, missing)
		if err != nil {
			f.logger.Warn("Final hydrate failed; references degrade to retrieval evidence", zap.Error(err))
		} else {
			byID := make(map[string]int, len(companies))
			for i := range companies {
				byID[companies[i].ID] = i
			}
			for _, c := range selected {
				if c.Company == nil {
					if i, ok := byID[c.ID]; ok {
						c.Company = &companies[i]
					}
				}
			}
		}
	}

	summary := f.summarize(ctx, in, selected)
	if in.OnPartial != nil && summary != "" {
		in.OnPartial(summary)
	}

	refs := make([]Reference, 0, len(selected))
	for _, c := range selected {
		refs = append(refs, f.buildReference(c, in.Anchor))
	}

	return &Result{
		RunID:      in.RunID,
		Summary:    summary,
		References: refs,
		EndReason:  in.EndReason,
		Confidence: round3(in.Confidence),
		Iterations: in.Iterations,
	}, nil
}

// ShortCircuitResult builds the single-entity result for an exact-name
// short-circuit, without invoking the planner or the completion service.
func (f *Finalizer) ShortCircuitResult(ctx context.Context, runID string, anchor AnchorResult) (*Result, error) {
	name := anchor.Name
	reason := ""
	companies, err := f.backend.Hydrate(ctx, []string{anchor.ID})
	if err != nil {
		f.logger.Warn("Short-circuit hydrate failed", zap.String("id", anchor.ID), zap.Error(err))
	} else if len(companies) > 0 {
		if companies[0].Name != "" {
			name = companies[0].Name
		}
		reason = companies[0].Description
	}
	if reason == "" {
		reason = "Exact name match."
	}
	return &Result{
		RunID:   runID,
		Summary: fmt.Sprintf("Found an exact match: %s.", name),
		References: []Reference{{
			ID:         anchor.ID,
			Name:       name,
			Reason:     reason,
			Evidence:   []string{"Exact name match"},
			Confidence: 0.99,
		}},
		EndReason:  EndExactMatch,
		Confidence: 0.99,
	}, nil
}

// ErrorResult builds the stable user-facing error payload.
func ErrorResult(runID string, iterations int) *Result {
	return &Result{
		RunID:      runID,
		Summary:    userFacingError,
		References: []Reference{},
		EndReason:  EndError,
		Iterations: iterations,
	}
}

func (f *Finalizer) summarize(ctx context.Context, in FinalizeInput, selected []*Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a two-sentence summary of these search results for the request %q:\n", in.Query)
	for _, c := range selected {
		desc := c.ShortDesc
		if desc == "" && c.Company != nil {
			desc = firstSentence(c.Company.Description)
		}
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, desc)
	}
	summary, err := f.llm.Complete(ctx, b.String())
	if err != nil || summary == "" {
		// summary is best-effort; degrade to a canned line
		f.logger.Warn("Summary generation failed", zap.Error(err))
		return fmt.Sprintf("Found %d matching companies.", len(selected))
	}
	return summary
}

func (f *Finalizer) buildReference(c *Candidate, anchor *AnchorResult) Reference {
	reason := c.Reason
	if reason == "" && c.Company != nil {
		reason = c.Company.Description
	}
	if reason == "" {
		reason = "Matched the search criteria."
	}

	evidence := append([]string(nil), c.Evidence...)
	if len(evidence) == 0 {
		evidence = setToSlice(c.MatchedTerms)
		if len(evidence) > 5 {
			evidence = evidence[:5]
		}
	}
	if anchor != nil && anchor.Mode == AnchorSimilarity {
		evidence = append([]string{"Similar to " + anchor.Name}, evidence...)
	}

	conf := c.Confidence
	if conf == 0 {
		conf = c.Combined
	}
	return Reference{
		ID:         c.ID,
		Name:       c.Name,
		Reason:     reason,
		Evidence:   evidence,
		Confidence: round3(conf),
	}
}

func endReasonOrNoMatch(reason string) string {
	if reason == "" || reason == EndConfidenceMet || reason == EndConverged {
		return EndNoMatch
	}
	return reason
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
