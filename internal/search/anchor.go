package search

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
)

const maxNameCandidates = 8

var (
	similarityIntentRe = regexp.MustCompile(`(?i)\b(like|similar to|similar|competitor(s)? (of|to)|alternative(s)? to|vs\.?|versus|comparable to)\b`)

	quotedRe = regexp.MustCompile(`"([^"]{2,64})"|'([^']{2,64})'|` + "`([^`]{2,64})`")

	// text following a similarity phrase, up to a clause boundary
	afterIntentRe = regexp.MustCompile(`(?i)\b(?:like|similar to|competitor(?:s)? of|alternative(?:s)? to|vs\.?|versus|comparable to)\s+([^,.;!?]{2,64})`)

	// tokens mixing letters and digits (e.g. "46elks", "c3ai")
	alnumTokenRe = regexp.MustCompile(`\b([a-zA-Z]+\d[a-zA-Z\d]*|\d+[a-zA-Z][a-zA-Z\d]*)\b`)

	genericSuffixes = []string{"company", "companies", "startup", "startups", "inc", "corp", "ltd", "app", "platform"}
)

// AnchorMode classifies the resolver outcome.
type AnchorMode int

const (
	// AnchorNone means no strong name match; the loop runs unanchored.
	AnchorNone AnchorMode = iota
	// AnchorSimilarity means a reference entity seeds the search and is
	// excluded from its own result set.
	AnchorSimilarity
	// AnchorShortCircuit means the request terminates immediately with the
	// matched entity as the sole result.
	AnchorShortCircuit
)

// AnchorResult is the resolver outcome.
type AnchorResult struct {
	Mode    AnchorMode
	ID      string
	Name    string
	Score   float64
	Profile *companydb.Company // hydrated for AnchorSimilarity
	// LookupCalls is the number of backend calls issued, for budget
	// accounting.
	LookupCalls int
}

// NameExtractor extracts candidate proper-noun strings from user text. It is
// pluggable so the heuristic default can be swapped for a proper NER step
// without touching the loop controller.
type NameExtractor interface {
	ExtractCandidates(text string) []string
}

// HeuristicExtractor is the default regex-based extractor.
type HeuristicExtractor struct{}

// ExtractCandidates returns up to 8 normalized candidate name strings with
// hyphen-collapsed and alphanumeric-only variants.
func (HeuristicExtractor) ExtractCandidates(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		for _, v := range expandVariants(normalizeName(raw)) {
			if v == "" {
				continue
			}
			key := strings.ToLower(v)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}

	add(text)
	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			if g != "" {
				add(g)
			}
		}
	}
	for _, m := range afterIntentRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range alnumTokenRe.FindAllString(text, -1) {
		add(m)
	}

	if len(out) > maxNameCandidates {
		out = out[:maxNameCandidates]
	}
	return out
}

func normalizeName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'.,:;!?()[]{}`)
	words := strings.Fields(s)
	for len(words) > 1 {
		last := strings.ToLower(strings.Trim(words[len(words)-1], ".,"))
		if !containsString(genericSuffixes, last) {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func expandVariants(s string) []string {
	if s == "" {
		return nil
	}
	variants := []string{s}
	if strings.Contains(s, "-") {
		variants = append(variants, strings.ReplaceAll(s, "-", ""))
	}
	alnum := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, s)
	if alnum != s && alnum != strings.ReplaceAll(s, "-", "") && len(alnum) >= 2 {
		variants = append(variants, alnum)
	}
	return variants
}

// HasSimilarityIntent reports whether the text asks for entities similar to a
// named reference.
func HasSimilarityIntent(text string) bool {
	return similarityIntentRe.MatchString(text)
}

// AnchorResolver resolves user text to an anchor entity or a short-circuit
// exact match via exact-name lookups.
type AnchorResolver struct {
	backend      Backend
	extractor    NameExtractor
	logger       *zap.Logger
	anchorThresh float64
	exactThresh  float64
}

func NewAnchorResolver(backend Backend, extractor NameExtractor, anchorThresh, exactThresh float64, logger *zap.Logger) *AnchorResolver {
	if extractor == nil {
		extractor = HeuristicExtractor{}
	}
	if anchorThresh <= 0 {
		anchorThresh = 0.8
	}
	if exactThresh <= 0 {
		exactThresh = 0.95
	}
	return &AnchorResolver{
		backend:      backend,
		extractor:    extractor,
		logger:       logger,
		anchorThresh: anchorThresh,
		exactThresh:  exactThresh,
	}
}

type anchorHit struct {
	id        string
	name      string
	score     float64
	candidate string // candidate string that produced the hit, for tiebreak
}

// Resolve extracts candidate names, looks each up, and decides between
// anchor mode, short-circuit, and none. Individual lookup failures are
// logged and skipped; they never abort the resolver.
func (r *AnchorResolver) Resolve(ctx context.Context, text string) (AnchorResult, error) {
	candidates := r.extractor.ExtractCandidates(text)
	if len(candidates) == 0 {
		return AnchorResult{Mode: AnchorNone}, nil
	}

	best := make(map[string]anchorHit)
	calls := 0
	for _, cand := range candidates {
		matches, err := r.backend.ExactName(ctx, cand, nil, 5)
		calls++
		if err != nil {
			r.logger.Warn("Exact-name lookup failed",
				zap.String("candidate", cand),
				zap.Error(err),
			)
			continue
		}
		for _, m := range matches {
			cur, ok := best[m.ID]
			if !ok || m.Score > cur.score || (m.Score == cur.score && cand < cur.candidate) {
				best[m.ID] = anchorHit{id: m.ID, name: m.Name, score: m.Score, candidate: cand}
			}
		}
	}

	if len(best) == 0 {
		return AnchorResult{Mode: AnchorNone, LookupCalls: calls}, nil
	}

	hits := make([]anchorHit, 0, len(best))
	for _, h := range best {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].candidate < hits[j].candidate
	})
	top := hits[0]

	intent := HasSimilarityIntent(text)
	switch {
	case top.score >= r.anchorThresh && intent:
		res := AnchorResult{
			Mode:        AnchorSimilarity,
			ID:          top.id,
			Name:        top.name,
			Score:       top.score,
			LookupCalls: calls,
		}
		companies, err := r.backend.Hydrate(ctx, []string{top.id})
		res.LookupCalls++
		if err != nil {
			r.logger.Warn("Anchor hydrate failed", zap.String("id", top.id), zap.Error(err))
		} else if len(companies) > 0 {
			profile := companies[0]
			res.Profile = &profile
		}
		return res, nil
	case top.score >= r.exactThresh:
		return AnchorResult{
			Mode:        AnchorShortCircuit,
			ID:          top.id,
			Name:        top.name,
			Score:       top.score,
			LookupCalls: calls,
		}, nil
	default:
		return AnchorResult{Mode: AnchorNone, LookupCalls: calls}, nil
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
