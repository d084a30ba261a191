package search

import (
	"fmt"
	"strings"

	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
)

// Retrieval strategy names used in Plan.Strategies.
const (
	StrategyHybrid   = "hybrid"
	StrategyLexical  = "lexical"
	StrategyTaxonomy = "taxonomy"
)

// Niche filter modes.
const (
	NicheModeBoost = "boost"
	NicheModeMust  = "must"
)

const (
	maxTargetResults  = 20
	maxQueryVariants  = 6
	maxStoredVariants = 8
)

// Filters constrains candidates deterministically after hydration.
type Filters struct {
	Statuses       []string `json:"statuses"`
	Sectors        []string `json:"sectors"`
	Categories     []string `json:"categories"`
	BusinessModels []string `json:"business_models"`
	Niches         []string `json:"niches"`
	NicheMode      string   `json:"niche_mode"`
}

// Plan is the structured search plan produced each iteration.
type Plan struct {
	Intent           string   `json:"intent"`
	TargetResults    int      `json:"target_results"`
	Queries          []string `json:"queries"`
	Strategies       []string `json:"strategies"`
	Filters          Filters  `json:"filters"`
	SuccessCriterion string   `json:"success_criterion"`
}

// HasStrategy reports whether the plan's priority list includes name.
func (p *Plan) HasStrategy(name string) bool {
	for _, s := range p.Strategies {
		if s == name {
			return true
		}
	}
	return false
}

// ExecutableQueries returns the deduplicated variants actually executed this
// iteration (first maxQueryVariants of the stored set).
func (p *Plan) ExecutableQueries() []string {
	seen := make(map[string]struct{}, len(p.Queries))
	out := make([]string, 0, len(p.Queries))
	for _, q := range p.Queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
		if len(out) == maxQueryVariants {
			break
		}
	}
	return out
}

// AddVariants unions critic-supplied variants into the stored set, capped at
// maxStoredVariants. Returns the number actually added.
func (p *Plan) AddVariants(variants []string) int {
	seen := make(map[string]struct{}, len(p.Queries))
	for _, q := range p.Queries {
		seen[strings.ToLower(strings.TrimSpace(q))] = struct{}{}
	}
	added := 0
	for _, v := range variants {
		v = strings.TrimSpace(v)
		if v == "" || len(p.Queries) >= maxStoredVariants {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		p.Queries = append(p.Queries, v)
		added++
	}
	return added
}

// normalizePlan clamps bounds and enforces the taxonomy allow-lists. The
// contract requires all filter keys present; empty arrays are permitted.
func normalizePlan(p *Plan, tax Taxonomy, rawQuery string) {
	if p.TargetResults < 1 {
		p.TargetResults = 1
	}
	if p.TargetResults > maxTargetResults {
		p.TargetResults = maxTargetResults
	}

	p.Queries = p.ExecutableQueries()
	if len(p.Queries) == 0 {
		p.Queries = []string{rawQuery}
	}

	if len(p.Strategies) == 0 {
		p.Strategies = []string{StrategyHybrid, StrategyLexical}
	}

	p.Filters.Sectors = intersectAllowList(p.Filters.Sectors, tax.Sectors)
	p.Filters.Categories = intersectAllowList(p.Filters.Categories, tax.Categories)
	p.Filters.BusinessModels = intersectAllowList(p.Filters.BusinessModels, tax.BusinessModels)
	if len(p.Filters.Statuses) == 0 {
		p.Filters.Statuses = append([]string(nil), tax.DefaultStatuses...)
	}
	if p.Filters.NicheMode != NicheModeMust {
		p.Filters.NicheMode = NicheModeBoost
	}
	if p.Filters.Niches == nil {
		p.Filters.Niches = []string{}
	}
}

// applyAnchorVariants rewrites the plan's variants when an anchor is active:
// restatements of "similar to <anchor>" are dropped and replaced with
// variants derived from the anchor's own profile, capped at
// maxQueryVariants.
func applyAnchorVariants(p *Plan, anchorName string, profile *companydb.Company, rawQuery string) {
	kept := make([]string, 0, len(p.Queries))
	lowerAnchor := strings.ToLower(anchorName)
	for _, q := range p.Queries {
		lq := strings.ToLower(q)
		if strings.Contains(lq, lowerAnchor) && similarityIntentRe.MatchString(q) {
			continue
		}
		if lq == lowerAnchor {
			continue
		}
		kept = append(kept, q)
	}

	derived := anchorDerivedVariants(anchorName, profile)
	for _, d := range derived {
		if len(kept) >= maxQueryVariants {
			break
		}
		if !containsFold(kept, d) {
			kept = append(kept, d)
		}
	}

	if len(kept) == 0 {
		if len(derived) > 0 {
			kept = derived
			if len(kept) > maxQueryVariants {
				kept = kept[:maxQueryVariants]
			}
		} else {
			kept = []string{rawQuery}
		}
	}
	if len(kept) > maxQueryVariants {
		kept = kept[:maxQueryVariants]
	}
	p.Queries = kept
}

// anchorDerivedVariants builds query variants from the anchor's own
// niches/category/product text instead of its name.
func anchorDerivedVariants(anchorName string, profile *companydb.Company) []string {
	if profile == nil {
		return nil
	}
	var out []string
	for _, n := range profile.Niches {
		if n != "" {
			out = append(out, n)
		}
		if len(out) >= 3 {
			break
		}
	}
	if len(profile.Categories) > 0 && profile.Categories[0] != "" {
		out = append(out, profile.Categories[0])
	}
	if pd := strings.TrimSpace(profile.ProductDescription); pd != "" {
		out = append(out, firstSentence(pd))
	} else if d := strings.TrimSpace(profile.Description); d != "" {
		out = append(out, firstSentence(d))
	}
	// never derive a variant that is just the anchor's name again
	filtered := out[:0]
	for _, v := range out {
		if !strings.EqualFold(v, anchorName) {
			filtered = append(filtered, v)
		}
	}
	return filtered
}

func firstSentence(s string) string {
	for _, sep := range []string{". ", "! ", "? "} {
		if i := strings.Index(s, sep); i > 0 {
			return s[:i]
		}
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

func intersectAllowList(values, allowed []string) []string {
	if len(allowed) == 0 {
		// no allow-list configured: keep values as-is
		if values == nil {
			return []string{}
		}
		return values
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[strings.ToLower(a)] = struct{}{}
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := allowedSet[strings.ToLower(v)]; ok {
			out = append(out, v)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func validatePlanBounds(p *Plan) error {
	if p.TargetResults < 1 || p.TargetResults > maxTargetResults {
		return fmt.Errorf("target_results %d out of range", p.TargetResults)
	}
	if len(p.Queries) < 1 {
		return fmt.Errorf("plan has no query variants")
	}
	return nil
}
