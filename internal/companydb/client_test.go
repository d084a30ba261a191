package companydb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
}

func TestExactName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/search/exact-name", r.URL.Path)
		var req exactNameRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "stripe", req.Text)
		require.Equal(t, 5, req.Limit)
		_ = json.NewEncoder(w).Encode(exactNameResponse{Matches: []NameMatch{
			{ID: "c1", Name: "Stripe", Score: 0.97},
		}})
	})

	matches, err := c.ExactName(context.Background(), "stripe", nil, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "Stripe", matches[0].Name)
}

func TestTagFilterNormalizesOverlap(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/search/tag-filter", r.URL.Path)
		_ = json.NewEncoder(w).Encode(tagFilterResponse{Hits: []tagHit{
			{ID: "c1", Name: "A", Overlap: 2, MaxTags: 4},
			{ID: "c2", Name: "B", Overlap: 1, MaxTags: 0},
		}})
	})

	hits, err := c.TagFilter(context.Background(), []string{"Fintech"}, nil, nil, nil, 60)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.InDelta(t, 0.5, hits[0].Scores.Tag, 1e-9)
	require.InDelta(t, 1.0, hits[1].Scores.Tag, 1e-9)
	require.Equal(t, []string{"tags"}, hits[0].MatchedFields)
}

func TestHydrateEmptyIDsSkipsCall(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	companies, err := c.Hydrate(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, companies)
	require.False(t, called)
}

func TestSchemaMismatchDetection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"column embedding_v2 does not exist"}`, http.StatusBadRequest)
	})

	_, err := c.Hybrid(context.Background(), "q", []float32{0.1}, nil, nil, 10, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSchemaMismatch))
	require.Contains(t, err.Error(), "migration")
}

func TestTransientErrorIsNotSchemaMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend busy", http.StatusServiceUnavailable)
	})

	_, err := c.Lexical(context.Background(), "q", nil, 10)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrSchemaMismatch))
}
