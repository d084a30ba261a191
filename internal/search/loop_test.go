package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/clarify"
	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
	"github.com/muthu-ramabadran/ceejay-new/internal/streaming"
)

// fakeBackend scripts the retrieval backend. Safe for the retriever's
// concurrent strategy calls.
type fakeBackend struct {
	mu          sync.Mutex
	nameMatches map[string][]companydb.NameMatch
	hits        []companydb.ScoredHit
	// hitsFor, when set, scripts hybrid/lexical results per query text and
	// takes precedence over hits.
	hitsFor     map[string][]companydb.ScoredHit
	tagHits     []companydb.ScoredHit
	companies   map[string]companydb.Company
	seenQueries []string
	// hydrateFailures fails the next N Hydrate calls
	hydrateFailures int
}

func (b *fakeBackend) ExactName(_ context.Context, text string, _ []string, _ int) ([]companydb.NameMatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nameMatches[strings.ToLower(text)], nil
}

func (b *fakeBackend) Hybrid(_ context.Context, text string, _ []float32, _, excludeIDs []string, _ int, _ float64) ([]companydb.ScoredHit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seenQueries = append(b.seenQueries, text)
	if b.hitsFor != nil {
		return withoutIDs(b.hitsFor[text], excludeIDs), nil
	}
	return withoutIDs(b.hits, excludeIDs), nil
}

func (b *fakeBackend) Lexical(_ context.Context, text string, _ []string, _ int) ([]companydb.ScoredHit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seenQueries = append(b.seenQueries, text)
	if b.hitsFor != nil {
		return b.hitsFor[text], nil
	}
	return b.hits, nil
}

func (b *fakeBackend) TagFilter(_ context.Context, _, _, _, _ []string, _ int) ([]companydb.ScoredHit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tagHits, nil
}

func (b *fakeBackend) Hydrate(_ context.Context, ids []string) ([]companydb.Company, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hydrateFailures > 0 {
		b.hydrateFailures--
		return nil, errors.New("hydrate backend unavailable")
	}
	out := make([]companydb.Company, 0, len(ids))
	for _, id := range ids {
		if c, ok := b.companies[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *fakeBackend) queries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.seenQueries...)
}

func withoutIDs(hits []companydb.ScoredHit, exclude []string) []companydb.ScoredHit {
	if len(exclude) == 0 {
		return hits
	}
	out := make([]companydb.ScoredHit, 0, len(hits))
	for _, h := range hits {
		skip := false
		for _, id := range exclude {
			if h.ID == id {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, h)
		}
	}
	return out
}

// fakeLLM scripts per-phase structured responses; the last script repeats
// when exhausted.
type fakeLLM struct {
	mu      sync.Mutex
	plans   []string
	reranks []string
	critics []string
	idx     map[string]int
	planErr error
	calls   int
	summary string
}

func (f *fakeLLM) Structured(_ context.Context, phase, _, _ string, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.idx == nil {
		f.idx = make(map[string]int)
	}

	var scripts []string
	switch phase {
	case "planner":
		if f.planErr != nil {
			return nil, f.planErr
		}
		scripts = f.plans
	case "rerank":
		scripts = f.reranks
	case "critic":
		scripts = f.critics
	}
	if len(scripts) == 0 {
		return nil, fmt.Errorf("no script for phase %s", phase)
	}
	i := f.idx[phase]
	if i >= len(scripts) {
		i = len(scripts) - 1
	}
	f.idx[phase]++
	return json.RawMessage(scripts[i]), nil
}

func (f *fakeLLM) Complete(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summary == "" {
		return "Here are the companies that fit.", nil
	}
	return f.summary, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEmbedder struct{}

func (fakeEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string, _ string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

// onceDisambiguator asks exactly one question, on its first check.
type onceDisambiguator struct {
	mu       sync.Mutex
	question string
	fired    bool
}

func (d *onceDisambiguator) Check(_ context.Context, _ string, _ []*Candidate) *Clarification {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired {
		return nil
	}
	d.fired = true
	return &Clarification{Question: d.question, Options: []string{"Consumer", "B2B"}}
}

func planJSON(target int, queries ...string) string {
	qs, _ := json.Marshal(queries)
	return fmt.Sprintf(`{
		"intent": "discovery",
		"target_results": %d,
		"queries": %s,
		"strategies": ["hybrid", "lexical"],
		"filters": {"statuses": ["active"], "sectors": [], "categories": [], "business_models": [], "niches": [], "niche_mode": "boost"},
		"success_criterion": "relevant companies found"
	}`, target, qs)
}

func rerankJSON(conf float64, ids ...string) string {
	ranking, _ := json.Marshal(ids)
	entries := make([]map[string]any, len(ids))
	for i, id := range ids {
		entries[i] = map[string]any{
			"id":         id,
			"reason":     "strong fit for the request",
			"confidence": 0.8,
		}
	}
	es, _ := json.Marshal(entries)
	return fmt.Sprintf(`{"confidence": %.2f, "ranking": %s, "entries": %s}`, conf, ranking, es)
}

func scoredHit(id, name string, semantic, lexical float64) companydb.ScoredHit {
	return companydb.ScoredHit{
		ID:   id,
		Name: name,
		Scores: companydb.Scores{
			Semantic: semantic,
			Lexical:  lexical,
		},
		MatchedTerms: []string{"payments"},
	}
}

func activeCompany(id, name, desc string) companydb.Company {
	return companydb.Company{
		ID:          id,
		Name:        name,
		Description: desc,
		Sectors:     []string{"fintech"},
		Status:      "active",
	}
}

func threeCompanyBackend() *fakeBackend {
	return &fakeBackend{
		nameMatches: map[string][]companydb.NameMatch{},
		hits: []companydb.ScoredHit{
			scoredHit("c-a", "Alpha Pay", 0.9, 0.4),
			scoredHit("c-b", "Beta Ledger", 0.8, 0.5),
			scoredHit("c-c", "Gamma Billing", 0.7, 0.3),
		},
		companies: map[string]companydb.Company{
			"c-a": activeCompany("c-a", "Alpha Pay", "Card processing for marketplaces."),
			"c-b": activeCompany("c-b", "Beta Ledger", "Double-entry ledgering APIs."),
			"c-c": activeCompany("c-c", "Gamma Billing", "Usage-based billing."),
		},
	}
}

func newTestController(t *testing.T, b *fakeBackend, llm *fakeLLM, d Disambiguator, store clarify.Store, opts Options) *Controller {
	t.Helper()
	logger := zap.NewNop()

	retr, err := NewRetriever(b, fakeEmbedder{}, 4, logger)
	require.NoError(t, err)
	t.Cleanup(retr.Release)

	tax := Taxonomy{
		Sectors:         []string{"fintech", "healthcare"},
		Categories:      []string{"payments", "billing"},
		BusinessModels:  []string{"saas", "api"},
		DefaultStatuses: []string{"active"},
	}

	return NewController(
		NewAnchorResolver(b, nil, 0.8, 0.95, logger),
		NewPlanner(llm, tax, logger),
		retr,
		NewReranker(llm, logger),
		NewCritic(llm, logger),
		NewFinalizer(b, llm, logger),
		store,
		d,
		streaming.Get(),
		nil,
		opts,
		logger,
	)
}

func userRequest(sessionID, text string) Request {
	return Request{
		SessionID: sessionID,
		Messages:  []Message{{Role: "user", Content: text}},
	}
}

func TestRunConvergesWhenTopIDsStable(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{
		plans:   []string{planJSON(3, "fintech payment infrastructure")},
		reranks: []string{rerankJSON(0.5, "c-a", "c-b", "c-c")},
		critics: []string{`{"decision": "continue"}`},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "payment infrastructure companies"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	assert.Equal(t, EndConverged, out.Result.EndReason)
	assert.Equal(t, 2, out.Result.Iterations)
	require.Len(t, out.Result.References, 3)
	assert.Equal(t, "c-a", out.Result.References[0].ID)
	assert.NotEmpty(t, out.Result.Summary)
}

func TestRunStopsWhenCriticConfident(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{
		plans:   []string{planJSON(2, "ledgering apis")},
		reranks: []string{rerankJSON(0.9, "c-b", "c-a")},
		critics: []string{`{"decision": "stop", "reason": "criterion met"}`},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "ledgering api companies"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	assert.Equal(t, EndConfidenceMet, out.Result.EndReason)
	assert.Equal(t, 1, out.Result.Iterations)
	require.Len(t, out.Result.References, 2)
	assert.Equal(t, "c-b", out.Result.References[0].ID)
	assert.InDelta(t, 0.9, out.Result.Confidence, 0.001)
}

func TestCriticStopBelowConfidenceDoesNotTerminate(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{
		plans: []string{planJSON(3, "billing companies")},
		reranks: []string{
			rerankJSON(0.5, "c-a", "c-b", "c-c"),
			rerankJSON(0.5, "c-a", "c-b", "c-c"),
		},
		critics: []string{`{"decision": "stop"}`},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "billing companies"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	// stop vote with confidence below the floor falls through to the
	// convergence check, which fires on the second stable iteration
	assert.Equal(t, EndConverged, out.Result.EndReason)
	assert.Equal(t, 2, out.Result.Iterations)
}

func TestExactNameShortCircuit(t *testing.T) {
	b := threeCompanyBackend()
	b.nameMatches["stripe"] = []companydb.NameMatch{{ID: "c-stripe", Name: "Stripe", Score: 0.97}}
	b.companies["c-stripe"] = activeCompany("c-stripe", "Stripe", "Payments infrastructure for the internet.")
	llm := &fakeLLM{}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "Stripe"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	assert.Equal(t, EndExactMatch, out.Result.EndReason)
	assert.Equal(t, 0, out.Result.Iterations)
	require.Len(t, out.Result.References, 1)
	assert.Equal(t, "c-stripe", out.Result.References[0].ID)
	assert.InDelta(t, 0.99, out.Result.Confidence, 0.001)
	assert.Equal(t, 0, llm.callCount(), "short-circuit must not invoke the completion service")
}

func TestAnchorSimilarityExcludesAnchor(t *testing.T) {
	b := threeCompanyBackend()
	b.nameMatches["stripe"] = []companydb.NameMatch{{ID: "c-stripe", Name: "Stripe", Score: 0.97}}
	b.companies["c-stripe"] = activeCompany("c-stripe", "Stripe", "Payments infrastructure for the internet.")
	b.hits = append(b.hits, scoredHit("c-stripe", "Stripe", 0.99, 0.9))

	llm := &fakeLLM{
		plans:   []string{planJSON(3, "companies similar to Stripe")},
		reranks: []string{rerankJSON(0.9, "c-a", "c-b", "c-c")},
		critics: []string{`{"decision": "stop"}`},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "companies similar to Stripe"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	assert.Equal(t, EndConfidenceMet, out.Result.EndReason)
	require.NotEmpty(t, out.Result.References)
	for _, ref := range out.Result.References {
		assert.NotEqual(t, "c-stripe", ref.ID, "anchor must not appear in its own similarity results")
		require.NotEmpty(t, ref.Evidence)
		assert.Equal(t, "Similar to Stripe", ref.Evidence[0])
	}
}

func TestIterationGuardrailStillReturnsResults(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{
		plans: []string{planJSON(3, "payments")},
		reranks: []string{
			rerankJSON(0.5, "c-a", "c-b", "c-c"),
			rerankJSON(0.5, "c-b", "c-a", "c-c"),
			rerankJSON(0.5, "c-a", "c-b", "c-c"),
		},
		critics: []string{`{"decision": "continue"}`},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{MaxIterations: 2})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "payment companies"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	assert.Equal(t, EndGuardrailHit, out.Result.EndReason)
	assert.Equal(t, 2, out.Result.Iterations)
	assert.NotEmpty(t, out.Result.References, "guardrail exits offer whatever was found")
}

func TestToolCallGuardrailBeforeFirstIteration(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{}
	ctrl := newTestController(t, b, llm, nil, nil, Options{MaxToolCalls: 1})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "fintech api companies"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	// anchor lookups alone exhaust the budget; no iteration ever runs
	assert.Equal(t, EndGuardrailHit, out.Result.EndReason)
	assert.Equal(t, 0, out.Result.Iterations)
	assert.Empty(t, out.Result.References)
}

func TestClarificationSuspendAndResume(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{
		plans:   []string{planJSON(2, "payment processors")},
		reranks: []string{rerankJSON(0.9, "c-a", "c-b")},
		critics: []string{`{"decision": "stop"}`},
	}
	store := clarify.NewMemoryStore(time.Minute)
	d := &onceDisambiguator{question: "Consumer or B2B payments?"}
	ctrl := newTestController(t, b, llm, d, store, Options{})
	ctx := context.Background()

	out, err := ctrl.Run(ctx, userRequest("sess-42", "payment processors"))
	require.NoError(t, err)
	require.NotNil(t, out.Clarification)
	assert.Nil(t, out.Result)
	assert.Equal(t, "Consumer or B2B payments?", out.Clarification.Question)
	assert.Equal(t, "sess-42", out.Clarification.SessionID)

	// the suspended loop state is in the store, keyed by the caller session
	sess, err := store.Get(ctx, "sess-42")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Loop.Iteration)
	assert.NotEmpty(t, sess.Loop.Candidates)

	resumed, err := ctrl.Resume(ctx, "sess-42", "B2B")
	require.NoError(t, err)
	require.NotNil(t, resumed.Result)
	assert.Equal(t, EndConfidenceMet, resumed.Result.EndReason)
	// iteration counter continues across the suspension
	assert.Equal(t, 2, resumed.Result.Iterations)

	// consumed on resume
	_, err = store.Get(ctx, "sess-42")
	assert.ErrorIs(t, err, clarify.ErrSessionNotFound)
}

func TestSuspendWithoutSessionIDIsStillResumable(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{
		plans:   []string{planJSON(2, "payment processors")},
		reranks: []string{rerankJSON(0.9, "c-a", "c-b")},
		critics: []string{`{"decision": "stop"}`},
	}
	store := clarify.NewMemoryStore(time.Minute)
	d := &onceDisambiguator{question: "Consumer or B2B payments?"}
	ctrl := newTestController(t, b, llm, d, store, Options{})
	ctx := context.Background()

	out, err := ctrl.Run(ctx, userRequest("", "payment processors"))
	require.NoError(t, err)
	require.NotNil(t, out.Clarification)

	// the controller mints a session key and hands it back so the caller
	// can resume even though the request carried none
	key := out.Clarification.SessionID
	require.NotEmpty(t, key)

	resumed, err := ctrl.Resume(ctx, key, "B2B")
	require.NoError(t, err)
	require.NotNil(t, resumed.Result)
	assert.Equal(t, EndConfidenceMet, resumed.Result.EndReason)
	assert.Equal(t, 2, resumed.Result.Iterations)
}

func TestTransientHydrateFailureDoesNotAbortRun(t *testing.T) {
	b := threeCompanyBackend()
	b.hydrateFailures = 1
	llm := &fakeLLM{
		plans: []string{
			planJSON(3, "payments"),
			planJSON(3, "payments"),
		},
		reranks: []string{rerankJSON(0.9, "c-a", "c-b", "c-c")},
		critics: []string{
			`{"decision": "continue"}`,
			`{"decision": "stop"}`,
		},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "payment companies"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	// the failed hydrate costs iteration 1 its survivors; the next pass
	// rehydrates and the run still completes normally
	assert.Equal(t, EndConfidenceMet, out.Result.EndReason)
	assert.Equal(t, 2, out.Result.Iterations)
	require.Len(t, out.Result.References, 3)
}

func TestResumeUnknownSessionReturnsExpired(t *testing.T) {
	b := threeCompanyBackend()
	store := clarify.NewMemoryStore(time.Minute)
	ctrl := newTestController(t, b, &fakeLLM{}, nil, store, Options{})

	out, err := ctrl.Resume(context.Background(), "missing", "B2B")
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, EndSessionLost, out.Result.EndReason)
	assert.Contains(t, out.Result.Summary, "expired")
}

func TestRunRejectsEmptyQuery(t *testing.T) {
	ctrl := newTestController(t, threeCompanyBackend(), &fakeLLM{}, nil, nil, Options{})

	_, err := ctrl.Run(context.Background(), Request{Messages: []Message{{Role: "assistant", Content: "hi"}}})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = ctrl.Run(context.Background(), Request{Messages: []Message{{Role: "user", Content: "   "}}})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestPlannerFailureYieldsStableErrorResult(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{planErr: errors.New("upstream 500: secret backend detail")}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "payment companies"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	assert.Equal(t, EndError, out.Result.EndReason)
	assert.Equal(t, userFacingError, out.Result.Summary)
	assert.NotContains(t, out.Result.Summary, "secret backend detail")
}

func TestCriticVariantsReachRetrieval(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{
		plans: []string{
			planJSON(3, "billing platforms"),
			planJSON(3, "billing platforms"),
		},
		reranks: []string{rerankJSON(0.5, "c-a", "c-b", "c-c")},
		critics: []string{
			`{"decision": "continue", "new_queries": ["usage-based billing apis"]}`,
			`{"decision": "continue"}`,
		},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "billing platforms"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, EndConverged, out.Result.EndReason)

	assert.Contains(t, b.queries(), "usage-based billing apis",
		"critic-injected variant must be executed in a later iteration")
}

func TestTaxonomyOnlyCandidatesAreRanked(t *testing.T) {
	b := threeCompanyBackend()
	b.hits = nil // no hybrid or lexical matches at all
	b.tagHits = []companydb.ScoredHit{{
		ID:     "c-tag",
		Name:   "Tagged Fintech",
		Scores: companydb.Scores{Tag: 0.6},
	}}
	b.companies["c-tag"] = activeCompany("c-tag", "Tagged Fintech", "fintech startup")

	llm := &fakeLLM{
		plans: []string{`{
			"intent": "discovery",
			"target_results": 3,
			"queries": ["fintech startups"],
			"strategies": ["hybrid", "lexical", "taxonomy"],
			"filters": {"statuses": ["active"], "sectors": ["fintech"], "categories": [], "business_models": [], "niches": [], "niche_mode": "boost"},
			"success_criterion": "fintech startups"
		}`},
		reranks: []string{rerankJSON(0.8, "c-tag")},
		critics: []string{`{"decision": "stop"}`},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "fintech startups"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	assert.Equal(t, EndConfidenceMet, out.Result.EndReason)
	assert.Equal(t, 1, out.Result.Iterations)
	require.Len(t, out.Result.References, 1)
	assert.Equal(t, "c-tag", out.Result.References[0].ID)
}

func TestEmptyFirstIterationRecoversViaCriticVariant(t *testing.T) {
	b := threeCompanyBackend()
	b.hitsFor = map[string][]companydb.ScoredHit{
		"usage-based billing apis": {scoredHit("c-c", "Gamma Billing", 0.8, 0.4)},
	}

	llm := &fakeLLM{
		plans: []string{
			planJSON(2, "billing platforms"),
			planJSON(2, "billing platforms"),
		},
		reranks: []string{rerankJSON(0.9, "c-c")},
		critics: []string{
			`{"decision": "continue", "new_queries": ["usage-based billing apis"]}`,
			`{"decision": "stop"}`,
		},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	out, err := ctrl.Run(context.Background(), userRequest("s1", "billing platforms"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	assert.Equal(t, EndConfidenceMet, out.Result.EndReason)
	assert.Equal(t, 2, out.Result.Iterations)
	require.Len(t, out.Result.References, 1)
	assert.Equal(t, "c-c", out.Result.References[0].ID)
}

func TestExcludeContextIDs(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{
		plans:   []string{planJSON(3, "payments")},
		reranks: []string{rerankJSON(0.9, "c-a", "c-b", "c-c")},
		critics: []string{`{"decision": "stop"}`},
	}
	ctrl := newTestController(t, b, llm, nil, nil, Options{})

	req := userRequest("s1", "more payment companies")
	req.ContextIDs = []string{"c-a"}
	req.ExcludeContextIDs = true

	out, err := ctrl.Run(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	for _, ref := range out.Result.References {
		assert.NotEqual(t, "c-a", ref.ID, "previously returned entity must be excluded in new-results-only mode")
	}
}
