package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFinalizer(b *fakeBackend, llm *fakeLLM) *Finalizer {
	return NewFinalizer(b, llm, zap.NewNop())
}

func TestFinalizeEmptyCandidatesIsNoMatch(t *testing.T) {
	f := newTestFinalizer(threeCompanyBackend(), &fakeLLM{})

	res, err := f.Finalize(context.Background(), FinalizeInput{
		RunID:     "r1",
		Query:     "quantum underwater basket weaving",
		EndReason: EndConverged,
	})
	require.NoError(t, err)
	assert.Equal(t, EndNoMatch, res.EndReason, "empty terminal set on a soft exit reads as no match")
	assert.InDelta(t, 0.1, res.Confidence, 0.001)
	assert.Empty(t, res.References)
	assert.NotEmpty(t, res.Summary)
}

func TestFinalizePreservesGuardrailReasonWhenEmpty(t *testing.T) {
	f := newTestFinalizer(threeCompanyBackend(), &fakeLLM{})

	res, err := f.Finalize(context.Background(), FinalizeInput{
		RunID:     "r1",
		Query:     "q",
		EndReason: EndGuardrailHit,
	})
	require.NoError(t, err)
	assert.Equal(t, EndGuardrailHit, res.EndReason)
}

func TestFinalizeSelectsTargetCount(t *testing.T) {
	b := threeCompanyBackend()
	f := newTestFinalizer(b, &fakeLLM{})

	cands := rerankCandidates("c-a", "c-b", "c-c")
	res, err := f.Finalize(context.Background(), FinalizeInput{
		RunID:      "r1",
		Query:      "payments",
		Plan:       &Plan{TargetResults: 2},
		Candidates: cands,
		EndReason:  EndConfidenceMet,
		Confidence: 0.8123,
		Iterations: 3,
	})
	require.NoError(t, err)
	require.Len(t, res.References, 2)
	assert.Equal(t, "c-a", res.References[0].ID)
	assert.Equal(t, EndConfidenceMet, res.EndReason)
	assert.InDelta(t, 0.812, res.Confidence, 0.0001, "confidence is rounded to three decimals")
	assert.Equal(t, 3, res.Iterations)
}

func TestFinalizeHydratesMissingProfiles(t *testing.T) {
	b := threeCompanyBackend()
	f := newTestFinalizer(b, &fakeLLM{})

	cands := rerankCandidates("c-a")
	require.Nil(t, cands[0].Company)

	res, err := f.Finalize(context.Background(), FinalizeInput{
		RunID:      "r1",
		Query:      "payments",
		Plan:       &Plan{TargetResults: 1},
		Candidates: cands,
		EndReason:  EndConverged,
	})
	require.NoError(t, err)
	require.Len(t, res.References, 1)
	assert.Equal(t, "Card processing for marketplaces.", res.References[0].Reason,
		"hydrated description backs the reason when the reranker gave none")
}

func TestFinalizeSummaryDegradesOnFailure(t *testing.T) {
	b := threeCompanyBackend()
	llm := &fakeLLM{}
	f := NewFinalizer(b, failingCompleter{llm}, zap.NewNop())

	res, err := f.Finalize(context.Background(), FinalizeInput{
		RunID:      "r1",
		Query:      "payments",
		Plan:       &Plan{TargetResults: 2},
		Candidates: rerankCandidates("c-a", "c-b"),
		EndReason:  EndConverged,
	})
	require.NoError(t, err, "summary generation is best-effort")
	assert.Equal(t, "Found 2 matching companies.", res.Summary)
}

func TestFinalizeEmitsPartialPreview(t *testing.T) {
	b := threeCompanyBackend()
	f := newTestFinalizer(b, &fakeLLM{summary: "Two ledger companies stand out."})

	var preview string
	_, err := f.Finalize(context.Background(), FinalizeInput{
		RunID:      "r1",
		Query:      "ledgers",
		Plan:       &Plan{TargetResults: 2},
		Candidates: rerankCandidates("c-a", "c-b"),
		EndReason:  EndConverged,
		OnPartial:  func(text string) { preview = text },
	})
	require.NoError(t, err)
	assert.Equal(t, "Two ledger companies stand out.", preview)
}

func TestShortCircuitResult(t *testing.T) {
	b := threeCompanyBackend()
	b.companies["c-stripe"] = activeCompany("c-stripe", "Stripe", "Payments infrastructure for the internet.")
	f := newTestFinalizer(b, &fakeLLM{})

	res, err := f.ShortCircuitResult(context.Background(), "r1", AnchorResult{
		Mode: AnchorShortCircuit, ID: "c-stripe", Name: "stripe", Score: 0.97,
	})
	require.NoError(t, err)
	assert.Equal(t, EndExactMatch, res.EndReason)
	require.Len(t, res.References, 1)
	assert.Equal(t, "Stripe", res.References[0].Name, "hydrated display name wins over the lookup candidate")
	assert.InDelta(t, 0.99, res.References[0].Confidence, 0.001)
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult("r1", 4)
	assert.Equal(t, EndError, res.EndReason)
	assert.Equal(t, userFacingError, res.Summary)
	assert.Equal(t, 4, res.Iterations)
	assert.Empty(t, res.References)
}

// failingCompleter fails free-text completion but keeps structured calls.
type failingCompleter struct {
	*fakeLLM
}

func (f failingCompleter) Complete(context.Context, string) (string, error) {
	return "", assert.AnError
}
