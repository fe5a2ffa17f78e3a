// Package coreratelimit provides scope-keyed rate limiting (C5): an
// in-process token-bucket limiter for single-instance deployments, and an
// optional Redis-backed sliding window for multi-instance ones.
package coreratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is satisfied by both the in-memory and Redis-backed
// implementations, letting engines depend on the interface rather than a
// concrete deployment topology.
type Limiter interface {
	Allow(scope, key string) bool
}

// bucketLimiter wraps one golang.org/x/time/rate.Limiter per (scope, key).
type bucketLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewBucketLimiter builds an in-memory token-bucket limiter. A background
// goroutine empties the whole bucket map every 10 minutes so it doesn't
// grow unbounded across a long-lived process. Idle and active buckets are
// dropped alike, so every key starts again from a full burst after a sweep.
func NewBucketLimiter(rps rate.Limit, burst int) *bucketLimiter {
	l := &bucketLimiter{rps: rps, burst: burst}
	go l.cleanupLoop()
	return l
}

func (l *bucketLimiter) Allow(scope, key string) bool {
	k := scope + ":" + key
	v, _ := l.limiters.LoadOrStore(k, rate.NewLimiter(l.rps, l.burst))
	return v.(*rate.Limiter).Allow()
}

func (l *bucketLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.limiters.Range(func(k, _ interface{}) bool {
			l.limiters.Delete(k)
			return true
		})
	}
}
