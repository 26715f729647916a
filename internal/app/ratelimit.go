package app

import (
	"sync"

	"github.com/dkeye/collab-harness/internal/domain"
	"golang.org/x/time/rate"
)

// SessionRateLimiter keeps one token bucket per session. A zero rate
// disables limiting entirely.
type SessionRateLimiter struct {
	mu      sync.Mutex
	buckets map[domain.SessionID]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func NewSessionRateLimiter(perSecond float64, burst int) *SessionRateLimiter {
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &SessionRateLimiter{
		buckets: make(map[domain.SessionID]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

func (rl *SessionRateLimiter) Enabled() bool { return rl != nil && rl.limit > 0 }

func (rl *SessionRateLimiter) Allow(sid domain.SessionID) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	l, ok := rl.buckets[sid]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[sid] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

// Forget drops the bucket of a removed session.
func (rl *SessionRateLimiter) Forget(sid domain.SessionID) {
	if !rl.Enabled() {
		return
	}
	rl.mu.Lock()
	delete(rl.buckets, sid)
	rl.mu.Unlock()
}
