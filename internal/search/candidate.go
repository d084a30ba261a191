package search

import (
	"sort"

	"github.com/muthu-ramabadran/ceejay-new/internal/clarify"
	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
)

// Combined score weights. All positive, so a max-merge of any signal can
// never decrease the combined score.
const (
	weightSemantic  = 0.40
	weightLexical   = 0.25
	weightNiche     = 0.10
	weightTag       = 0.10
	weightExactName = 0.15
)

// Candidate is one entity plus its aggregated retrieval signal and, after
// reranking, its rank/confidence/reason overlay.
type Candidate struct {
	ID            string
	Name          string
	Scores        companydb.Scores
	Combined      float64
	MatchedFields map[string]struct{}
	MatchedTerms  map[string]struct{}

	// Overlaid by the reranker.
	Rank       int
	Confidence float64
	Reason     string
	ShortDesc  string
	Evidence   []string

	// Populated by hydration.
	Company *companydb.Company
}

// CandidateSet aggregates retrieval results for one request. It has a
// single-writer invariant: only the task owning the request mutates it, and
// merges from concurrent retrieval calls are funneled through one goroutine.
type CandidateSet struct {
	byID map[string]*Candidate
}

func NewCandidateSet() *CandidateSet {
	return &CandidateSet{byID: make(map[string]*Candidate)}
}

func (cs *CandidateSet) Len() int { return len(cs.byID) }

// Get returns the candidate for id, or nil.
func (cs *CandidateSet) Get(id string) *Candidate { return cs.byID[id] }

// Merge folds retrieval hits into the set: per-signal maximum, evidence
// union. The operation is commutative and associative, so concurrent
// retrieval calls landing in any order produce the same aggregate.
func (cs *CandidateSet) Merge(hits []companydb.ScoredHit) {
	for _, h := range hits {
		c := cs.byID[h.ID]
		if c == nil {
			c = &Candidate{
				ID:            h.ID,
				Name:          h.Name,
				MatchedFields: make(map[string]struct{}),
				MatchedTerms:  make(map[string]struct{}),
			}
			cs.byID[h.ID] = c
		}
		if h.Name != "" && c.Name == "" {
			c.Name = h.Name
		}
		c.Scores.Semantic = max64(c.Scores.Semantic, h.Scores.Semantic)
		c.Scores.Lexical = max64(c.Scores.Lexical, h.Scores.Lexical)
		c.Scores.Niche = max64(c.Scores.Niche, h.Scores.Niche)
		c.Scores.Tag = max64(c.Scores.Tag, h.Scores.Tag)
		c.Scores.ExactName = max64(c.Scores.ExactName, h.Scores.ExactName)
		for _, f := range h.MatchedFields {
			c.MatchedFields[f] = struct{}{}
		}
		for _, term := range h.MatchedTerms {
			c.MatchedTerms[term] = struct{}{}
		}
		c.Combined = combined(c.Scores)
	}
}

// Remove drops an entity from the set (used for anchor exclusion).
func (cs *CandidateSet) Remove(id string) { delete(cs.byID, id) }

// Top returns the n highest-combined candidates, ties broken by id for
// determinism.
func (cs *CandidateSet) Top(n int) []*Candidate {
	out := make([]*Candidate, 0, len(cs.byID))
	for _, c := range cs.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Combined != out[j].Combined {
			return out[i].Combined > out[j].Combined
		}
		return out[i].ID < out[j].ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// TopIDs returns the ids of the top n candidates in rank order.
func (cs *CandidateSet) TopIDs(n int) []string {
	top := cs.Top(n)
	ids := make([]string, len(top))
	for i, c := range top {
		ids[i] = c.ID
	}
	return ids
}

// Snapshot serializes the set for a clarification suspension.
func (cs *CandidateSet) Snapshot() []clarify.CandidateSnapshot {
	top := cs.Top(0)
	out := make([]clarify.CandidateSnapshot, 0, len(top))
	for _, c := range top {
		out = append(out, clarify.CandidateSnapshot{
			ID:            c.ID,
			Name:          c.Name,
			Semantic:      c.Scores.Semantic,
			Lexical:       c.Scores.Lexical,
			Niche:         c.Scores.Niche,
			Tag:           c.Scores.Tag,
			ExactName:     c.Scores.ExactName,
			MatchedFields: setToSlice(c.MatchedFields),
			MatchedTerms:  setToSlice(c.MatchedTerms),
		})
	}
	return out
}

// RestoreCandidates rebuilds a CandidateSet from a suspension snapshot.
func RestoreCandidates(snaps []clarify.CandidateSnapshot) *CandidateSet {
	cs := NewCandidateSet()
	for _, s := range snaps {
		hit := companydb.ScoredHit{
			ID:   s.ID,
			Name: s.Name,
			Scores: companydb.Scores{
				Semantic:  s.Semantic,
				Lexical:   s.Lexical,
				Niche:     s.Niche,
				Tag:       s.Tag,
				ExactName: s.ExactName,
			},
			MatchedFields: s.MatchedFields,
			MatchedTerms:  s.MatchedTerms,
		}
		cs.Merge([]companydb.ScoredHit{hit})
	}
	return cs
}

func combined(s companydb.Scores) float64 {
	return weightSemantic*s.Semantic +
		weightLexical*s.Lexical +
		weightNiche*s.Niche +
		weightTag*s.Tag +
		weightExactName*s.ExactName
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
