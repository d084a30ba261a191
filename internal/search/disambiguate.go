package search

import (
	"context"
	"fmt"
	"strings"
)

const homonymInspectLimit = 10

// HomonymChecker asks for disambiguation when the query names an entity that
// matches several distinct companies (e.g. two unrelated companies sharing a
// name). It never fires on descriptive multi-word requests.
type HomonymChecker struct{}

// Check returns a clarification when at least two of the top candidates carry
// the same display name as the query term but are different entities.
func (HomonymChecker) Check(_ context.Context, query string, candidates []*Candidate) *Clarification {
	term := normalizeName(query)
	if term == "" || strings.Count(term, " ") > 1 {
		return nil
	}

	limit := len(candidates)
	if limit > homonymInspectLimit {
		limit = homonymInspectLimit
	}

	var dups []*Candidate
	for _, c := range candidates[:limit] {
		if strings.EqualFold(c.Name, term) {
			dups = append(dups, c)
		}
	}
	if len(dups) < 2 {
		return nil
	}

	options := make([]string, 0, len(dups))
	for _, c := range dups {
		options = append(options, describeOption(c))
	}
	return &Clarification{
		Question: fmt.Sprintf("There are several companies named %q. Which one do you mean?", term),
		Options:  options,
	}
}

func describeOption(c *Candidate) string {
	if c.Company != nil {
		if len(c.Company.Sectors) > 0 {
			return fmt.Sprintf("%s (%s)", c.Name, c.Company.Sectors[0])
		}
		if d := firstSentence(c.Company.Description); d != "" {
			return fmt.Sprintf("%s (%s)", c.Name, d)
		}
	}
	return c.Name
}
