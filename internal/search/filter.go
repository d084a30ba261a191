package search

import "strings"

const filteredSetSize = 40

// ApplyFilters applies the plan's deterministic filters to the hydrated
// candidates and truncates to the rerank working set. The anchor entity is
// always excluded. Candidates without a hydrated record are dropped: status
// cannot be verified for them.
func ApplyFilters(cs *CandidateSet, plan *Plan, anchorID string) []*Candidate {
	allowedStatus := toLowerSet(plan.Filters.Statuses)

	out := make([]*Candidate, 0, filteredSetSize)
	for _, c := range cs.Top(0) {
		if c.ID == anchorID {
			continue
		}
		if c.Company == nil {
			continue
		}
		if len(allowedStatus) > 0 {
			if _, ok := allowedStatus[strings.ToLower(c.Company.Status)]; !ok {
				continue
			}
		}
		if len(plan.Filters.Sectors) > 0 && !intersectsFold(c.Company.Sectors, plan.Filters.Sectors) {
			continue
		}
		if len(plan.Filters.Categories) > 0 && !intersectsFold(c.Company.Categories, plan.Filters.Categories) {
			continue
		}
		if len(plan.Filters.BusinessModels) > 0 && !intersectsFold(c.Company.BusinessModels, plan.Filters.BusinessModels) {
			continue
		}
		if plan.Filters.NicheMode == NicheModeMust && len(plan.Filters.Niches) > 0 && !matchesNiche(c, plan.Filters.Niches) {
			continue
		}
		out = append(out, c)
		if len(out) == filteredSetSize {
			break
		}
	}
	return out
}

// matchesNiche requires a case-insensitive substring match of at least one
// niche term in the entity's niche or description text.
func matchesNiche(c *Candidate, niches []string) bool {
	var text strings.Builder
	for _, n := range c.Company.Niches {
		text.WriteString(n)
		text.WriteString(" ")
	}
	text.WriteString(c.Company.Description)
	haystack := strings.ToLower(text.String())
	for _, n := range niches {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func intersectsFold(have, want []string) bool {
	haveSet := toLowerSet(have)
	for _, w := range want {
		if _, ok := haveSet[strings.ToLower(w)]; ok {
			return true
		}
	}
	return false
}

func toLowerSet(list []string) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, v := range list {
		out[strings.ToLower(v)] = struct{}{}
	}
	return out
}
