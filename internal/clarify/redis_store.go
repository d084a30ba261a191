package clarify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/metrics"
)

const keyPrefix = "clarify:"

// RedisStore keeps clarification sessions in Redis with a TTL so a pending
// session survives process restarts and is visible across instances.
type RedisStore struct {
	cli    redis.UniversalClient
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. ttl bounds how long a
// suspended run waits for the user's selection.
func NewRedisStore(cli redis.UniversalClient, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{cli: cli, logger: logger, ttl: ttl}, nil
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session is nil")
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(s.ttl)

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.cli.Set(ctx, keyPrefix+sess.SessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Info("Suspended search for clarification",
		zap.String("session_id", sess.SessionID),
		zap.String("run_id", sess.RunID),
		zap.Int("iteration", sess.Loop.Iteration),
	)
	metrics.ClarifySessionsCreated.Inc()
	metrics.ClarifySessionsActive.Inc()
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.cli.Get(ctx, keyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.IsExpired() {
		_ = s.Delete(ctx, sessionID)
		return nil, ErrSessionExpired
	}
	return &sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	n, err := s.cli.Del(ctx, keyPrefix+sessionID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n > 0 {
		metrics.ClarifySessionsActive.Dec()
	}
	return nil
}

// Sweep removes sessions whose embedded expiry has passed. Redis TTL already
// evicts most of them; the sweep keeps the active gauge honest and covers
// entries written with a longer key TTL than session TTL.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	keys, err := s.cli.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	swept := 0
	for _, key := range keys {
		data, err := s.cli.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if sess.IsExpired() {
			if err := s.cli.Del(ctx, key).Err(); err == nil {
				swept++
				metrics.ClarifySessionsExpired.Inc()
				metrics.ClarifySessionsActive.Dec()
			}
		}
	}
	if swept > 0 {
		s.logger.Info("Swept expired clarification sessions", zap.Int("count", swept))
	}
	return swept, nil
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled.
func RunSweeper(ctx context.Context, store Store, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.Sweep(ctx); err != nil {
				logger.Warn("Clarification sweep failed", zap.Error(err))
			}
		}
	}
}
