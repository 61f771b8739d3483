// Package ratelimit provides rate limiter implementations.
package ratelimit

import (
	"context"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/bnema/dockyard/internal/boundaries/out"
)

var _ out.RateLimiter = (*MemoryStore)(nil)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one token bucket per key in process memory.
type MemoryStore struct {
	limiters *xsync.MapOf[string, *limiterEntry]
	rps      float64
	burst    int
	log      zerowrap.Logger
	nowFn    func() time.Time
}

// NewMemoryStore creates a new in-memory rate limiter store.
func NewMemoryStore(rps float64, burst int, log zerowrap.Logger) *MemoryStore {
	return &MemoryStore{
		limiters: xsync.NewMapOf[string, *limiterEntry](),
		rps:      rps,
		burst:    burst,
		log:      log,
		nowFn:    time.Now,
	}
}

// Allow reports whether one request for key may proceed now.
func (s *MemoryStore) Allow(ctx context.Context, key string) bool {
	return s.AllowN(ctx, key, 1)
}

// AllowN reports whether n requests for key may proceed now.
func (s *MemoryStore) AllowN(_ context.Context, key string, n int) bool {
	now := s.nowFn()
	e, _ := s.limiters.Compute(key, func(e *limiterEntry, loaded bool) (*limiterEntry, bool) {
		if !loaded {
			e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst)}
		}
		e.lastSeen = now
		return e, false
	})
	return e.limiter.AllowN(now, n)
}

// Sweep drops limiters for keys idle longer than idle and returns how many
// were removed. A dropped key starts again with a full bucket.
func (s *MemoryStore) Sweep(_ context.Context, idle time.Duration) int {
	cutoff := s.nowFn().Add(-idle)
	removed := 0
	s.limiters.Range(func(key string, e *limiterEntry) bool {
		s.limiters.Compute(key, func(cur *limiterEntry, loaded bool) (*limiterEntry, bool) {
			if loaded && cur.lastSeen.Before(cutoff) {
				removed++
				return cur, true
			}
			return cur, !loaded
		})
		return true
	})

	if removed > 0 {
		s.log.Debug().
			Str(zerowrap.FieldLayer, "adapter").
			Str(zerowrap.FieldAdapter, "ratelimit").
			Int(zerowrap.FieldCount, removed).
			Msg("idle rate limiters evicted")
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	return s.limiters.Size()
}
