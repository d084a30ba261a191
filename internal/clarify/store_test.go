package clarify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStore(cli, ttl, zap.NewNop())
	require.NoError(t, err)
	return store, mr
}

func sampleSession(id string) *Session {
	return &Session{
		SessionID: id,
		RunID:     "run-1",
		Query:     "companies like Stripe",
		Conversation: []Message{
			{Role: "user", Content: "companies like Stripe"},
		},
		Loop: LoopSnapshot{
			Iteration:      3,
			ToolCalls:      11,
			StartedAt:      time.Now().Add(-20 * time.Second),
			PreviousTopIDs: []string{"a", "b"},
			BestScore:      0.81,
			QueryVariants:  []string{"payments api", "developer payments"},
			AnchorID:       "stripe-id",
			AnchorName:     "Stripe",
			Candidates: []CandidateSnapshot{
				{ID: "a", Name: "Adyen", Semantic: 0.8, Lexical: 0.4},
			},
		},
		Question: "Did you mean payment infrastructure or billing?",
		Options:  []string{"payment infrastructure", "billing"},
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleSession("s1")))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, got.Loop.Iteration)
	require.Equal(t, 11, got.Loop.ToolCalls)
	require.Equal(t, []string{"a", "b"}, got.Loop.PreviousTopIDs)
	require.Equal(t, "Stripe", got.Loop.AnchorName)
	require.Len(t, got.Loop.Candidates, 1)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStoreUnknownSession(t *testing.T) {
	store, _ := newRedisStore(t, time.Minute)
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStoreExpiry(t *testing.T) {
	store, mr := newRedisStore(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleSession("s2")))
	mr.FastForward(time.Second)

	_, err := store.Get(ctx, "s2")
	require.True(t, errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired),
		"expired session must not resolve, got %v", err)
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleSession("s3")))
	require.NoError(t, store.Put(ctx, sampleSession("s4")))
	time.Sleep(40 * time.Millisecond)

	swept, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, swept)

	_, err = store.Get(ctx, "s3")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
