package coreratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSlidingWindow implements Limiter as a sorted-set sliding window,
// shared across every process behind the same realm, for deployments that
// run more than one instance of an engine and need a single source of
// truth for "how many attempts has this key made recently".
type RedisSlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisSlidingWindow(client *redis.Client, limit int, window time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{client: client, limit: limit, window: window}
}

func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Allow adds a timestamped entry for (scope, key), trims entries older than
// the window, and reports whether the count including the new entry stays
// within limit. The zset member is made unique per call so concurrent
// callers in the same millisecond don't collide and silently coalesce.
func (w *RedisSlidingWindow) Allow(scope, key string) bool {
	ctx := context.Background()
	zkey := "ratelimit:" + scope + ":" + key
	now := time.Now()
	cutoff := now.Add(-w.window).UnixNano()

	pipe := w.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", fmt.Sprintf("%d", cutoff))
	card := pipe.ZCard(ctx, zkey)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixNano()), Member: fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())})
	pipe.Expire(ctx, zkey, w.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// fail open: a transient Redis error should not block every request
		return true
	}
	return int(card.Val()) < w.limit
}
