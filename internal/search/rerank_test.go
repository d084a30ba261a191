package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
)

func rerankCandidates(ids ...string) []*Candidate {
	out := make([]*Candidate, len(ids))
	for i, id := range ids {
		out[i] = &Candidate{
			ID:       id,
			Name:     "Co " + id,
			Combined: 0.9 - float64(i)*0.01,
			Scores:   companydb.Scores{Semantic: 0.9 - float64(i)*0.01},
		}
	}
	return out
}

func TestRerankReordersAndOverlays(t *testing.T) {
	llm := &fakeLLM{reranks: []string{`{
		"confidence": 0.85,
		"ranking": ["b", "a"],
		"entries": [
			{"id": "b", "reason": "best fit", "short_description": "ledger APIs", "evidence": ["e1", "e2"], "confidence": 0.9},
			{"id": "a", "reason": "close second", "confidence": 0.7}
		]
	}`}}
	r := NewReranker(llm, zap.NewNop())

	out, err := r.Rerank(context.Background(), "ledger apis", &Plan{Intent: "discovery", TargetResults: 2}, rerankCandidates("a", "b"))
	require.NoError(t, err)

	assert.InDelta(t, 0.85, out.Confidence, 0.001)
	require.Len(t, out.Candidates, 2)
	assert.Equal(t, "b", out.Candidates[0].ID)
	assert.Equal(t, 1, out.Candidates[0].Rank)
	assert.Equal(t, "best fit", out.Candidates[0].Reason)
	assert.Equal(t, "ledger APIs", out.Candidates[0].ShortDesc)
	assert.Equal(t, []string{"e1", "e2"}, out.Candidates[0].Evidence)
	assert.Equal(t, 2, out.Candidates[1].Rank)
}

func TestRerankSkipsInventedAndDuplicateIDs(t *testing.T) {
	llm := &fakeLLM{reranks: []string{`{
		"confidence": 0.6,
		"ranking": ["ghost", "b", "b", "a"],
		"entries": []
	}`}}
	r := NewReranker(llm, zap.NewNop())

	out, err := r.Rerank(context.Background(), "q", &Plan{TargetResults: 2}, rerankCandidates("a", "b"))
	require.NoError(t, err)
	require.Len(t, out.Candidates, 2)
	assert.Equal(t, "b", out.Candidates[0].ID)
	assert.Equal(t, "a", out.Candidates[1].ID)
}

func TestRerankAppendsUnrankedInPriorOrder(t *testing.T) {
	llm := &fakeLLM{reranks: []string{`{
		"confidence": 0.6,
		"ranking": ["c"],
		"entries": []
	}`}}
	r := NewReranker(llm, zap.NewNop())

	out, err := r.Rerank(context.Background(), "q", &Plan{TargetResults: 3}, rerankCandidates("a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, out.Candidates, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{out.Candidates[0].ID, out.Candidates[1].ID, out.Candidates[2].ID})
}

func TestRerankCapsInput(t *testing.T) {
	ids := make([]string, 35)
	for i := range ids {
		ids[i] = fmt.Sprintf("c-%02d", i)
	}
	llm := &fakeLLM{reranks: []string{`{"confidence": 0.5, "ranking": [], "entries": []}`}}
	r := NewReranker(llm, zap.NewNop())

	out, err := r.Rerank(context.Background(), "q", &Plan{TargetResults: 5}, rerankCandidates(ids...))
	require.NoError(t, err)
	assert.Len(t, out.Candidates, 30)
}

func TestRerankFailurePropagates(t *testing.T) {
	r := NewReranker(&fakeLLM{}, zap.NewNop())
	_, err := r.Rerank(context.Background(), "q", &Plan{TargetResults: 2}, rerankCandidates("a"))
	assert.Error(t, err, "rerank has no fallback ordering")
}
