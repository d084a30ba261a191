package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
)

func TestHeuristicExtractor(t *testing.T) {
	ex := HeuristicExtractor{}

	t.Run("quoted names", func(t *testing.T) {
		got := ex.ExtractCandidates(`find companies like "Plaid"`)
		assert.Contains(t, got, "Plaid")
	})

	t.Run("name after similarity phrase", func(t *testing.T) {
		got := ex.ExtractCandidates("competitors of Ramp in spend management")
		assert.Contains(t, got, "Ramp in spend management")
	})

	t.Run("strips generic suffixes", func(t *testing.T) {
		got := ex.ExtractCandidates("Brex startup")
		assert.Contains(t, got, "Brex")
	})

	t.Run("alphanumeric tokens", func(t *testing.T) {
		got := ex.ExtractCandidates("something like 46elks for telephony")
		assert.Contains(t, got, "46elks")
	})

	t.Run("hyphen variants", func(t *testing.T) {
		got := ex.ExtractCandidates("check-r")
		assert.Contains(t, got, "check-r")
		assert.Contains(t, got, "checkr")
	})

	t.Run("caps candidate count", func(t *testing.T) {
		got := ex.ExtractCandidates(`"a1" "b2" "c3" "d4" "e5" "f6" "g7" "h8" "i9" "j10"`)
		assert.LessOrEqual(t, len(got), 8)
	})
}

func TestHasSimilarityIntent(t *testing.T) {
	assert.True(t, HasSimilarityIntent("companies like Stripe"))
	assert.True(t, HasSimilarityIntent("alternatives to Notion"))
	assert.True(t, HasSimilarityIntent("Brex vs Ramp"))
	assert.False(t, HasSimilarityIntent("fintech payment processors"))
	assert.False(t, HasSimilarityIntent("Stripe"))
}

func TestResolveShortCircuitWithoutIntent(t *testing.T) {
	b := threeCompanyBackend()
	b.nameMatches["stripe"] = []companydb.NameMatch{{ID: "c-stripe", Name: "Stripe", Score: 0.97}}
	r := NewAnchorResolver(b, nil, 0.8, 0.95, zap.NewNop())

	res, err := r.Resolve(context.Background(), "Stripe")
	require.NoError(t, err)
	assert.Equal(t, AnchorShortCircuit, res.Mode)
	assert.Equal(t, "c-stripe", res.ID)
	assert.Positive(t, res.LookupCalls)
}

func TestResolveIntentWinsOverShortCircuit(t *testing.T) {
	// a score above the short-circuit threshold still yields anchor mode when
	// the text asks for similar companies
	b := threeCompanyBackend()
	b.nameMatches["stripe"] = []companydb.NameMatch{{ID: "c-stripe", Name: "Stripe", Score: 0.97}}
	b.companies["c-stripe"] = activeCompany("c-stripe", "Stripe", "Payments infrastructure.")
	r := NewAnchorResolver(b, nil, 0.8, 0.95, zap.NewNop())

	res, err := r.Resolve(context.Background(), "companies similar to Stripe")
	require.NoError(t, err)
	assert.Equal(t, AnchorSimilarity, res.Mode)
	assert.Equal(t, "c-stripe", res.ID)
	require.NotNil(t, res.Profile)
	assert.Equal(t, "Stripe", res.Profile.Name)
}

func TestResolveBelowThresholdIsNone(t *testing.T) {
	b := threeCompanyBackend()
	b.nameMatches["stripe"] = []companydb.NameMatch{{ID: "c-stripe", Name: "Stripe", Score: 0.6}}
	r := NewAnchorResolver(b, nil, 0.8, 0.95, zap.NewNop())

	res, err := r.Resolve(context.Background(), "companies similar to Stripe")
	require.NoError(t, err)
	assert.Equal(t, AnchorNone, res.Mode)
}

func TestResolveNoCandidates(t *testing.T) {
	b := threeCompanyBackend()
	r := NewAnchorResolver(b, fixedExtractor(nil), 0.8, 0.95, zap.NewNop())

	res, err := r.Resolve(context.Background(), "whatever")
	require.NoError(t, err)
	assert.Equal(t, AnchorNone, res.Mode)
	assert.Zero(t, res.LookupCalls)
}

func TestResolveSkipsFailedLookups(t *testing.T) {
	b := &flakyNameBackend{
		fakeBackend: threeCompanyBackend(),
		failFor:     "plaid",
	}
	b.nameMatches["stripe"] = []companydb.NameMatch{{ID: "c-stripe", Name: "Stripe", Score: 0.97}}
	r := NewAnchorResolver(b, fixedExtractor{"plaid", "stripe"}, 0.8, 0.95, zap.NewNop())

	res, err := r.Resolve(context.Background(), "Stripe or Plaid")
	require.NoError(t, err, "individual lookup failures never abort the resolver")
	assert.Equal(t, AnchorShortCircuit, res.Mode)
	assert.Equal(t, 2, res.LookupCalls, "failed lookups still count against the budget")
}

func TestResolveTiebreakIsDeterministic(t *testing.T) {
	b := threeCompanyBackend()
	b.nameMatches["alpha"] = []companydb.NameMatch{{ID: "c-1", Name: "Alpha", Score: 0.97}}
	b.nameMatches["beta"] = []companydb.NameMatch{{ID: "c-2", Name: "Beta", Score: 0.97}}
	r := NewAnchorResolver(b, fixedExtractor{"beta", "alpha"}, 0.8, 0.95, zap.NewNop())

	for i := 0; i < 5; i++ {
		res, err := r.Resolve(context.Background(), "Alpha Beta")
		require.NoError(t, err)
		assert.Equal(t, "c-1", res.ID, "equal scores break by candidate string order")
	}
}

// fixedExtractor returns a fixed candidate list regardless of input.
type fixedExtractor []string

func (f fixedExtractor) ExtractCandidates(string) []string { return f }

// flakyNameBackend fails exact-name lookups for one candidate string.
type flakyNameBackend struct {
	*fakeBackend
	failFor string
}

func (b *flakyNameBackend) ExactName(ctx context.Context, text string, statuses []string, limit int) ([]companydb.NameMatch, error) {
	if text == b.failFor {
		return nil, errors.New("lookup timeout")
	}
	return b.fakeBackend.ExactName(ctx, text, statuses, limit)
}
