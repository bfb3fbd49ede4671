// Package ratelimit implements the per-caller token-bucket limits of
// spec §5: 100 req/min for /call/* and storage reads, 10 req/min for
// secrets endpoints. Each caller key (the HTTP middleware uses the client IP)
// gets its own *rate.Limiter, held in an LRU so a flood of distinct callers can't
// grow the bucket map without bound.
package ratelimit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// Limiter bounds request rate per caller key within one bucket class
// (e.g. "call", "secrets").
type Limiter struct {
	mu    sync.Mutex
	cache *lru.Cache
	rps   rate.Limit
	burst int
}

// New builds a Limiter allowing ratePerMinute requests/minute per caller,
// bursting up to burst, and remembering at most maxCallers distinct
// buckets.
func New(ratePerMinute, burst, maxCallers int) *Limiter {
	cache, err := lru.New(maxCallers)
	if err != nil {
		// lru.New only errors on size <= 0; a non-positive maxCallers is a
		// caller bug, not a runtime condition to recover from softly.
		panic(err)
	}
	return &Limiter{
		cache: cache,
		rps:   rate.Limit(float64(ratePerMinute) / 60),
		burst: burst,
	}
}

// Allow reports whether callerKey may proceed now, consuming one token if
// so.
func (l *Limiter) Allow(callerKey string) bool {
	l.mu.Lock()
	v, ok := l.cache.Get(callerKey)
	var rl *rate.Limiter
	if ok {
		rl = v.(*rate.Limiter)
	} else {
		rl = rate.NewLimiter(l.rps, l.burst)
		l.cache.Add(callerKey, rl)
	}
	l.mu.Unlock()
	return rl.Allow()
}

// Set groups the distinct bucket classes spec §5 names: per-IP buckets for
// /call/* and storage reads, and a tighter per-caller bucket for secrets
// endpoints.
type Set struct {
	CallAndStorage *Limiter
	Secrets        *Limiter
}

// NewDefaultSet builds the Set using the concrete numbers from spec §5.
func NewDefaultSet(maxCallers int) *Set {
	return &Set{
		CallAndStorage: New(100, 20, maxCallers),
		Secrets:        New(10, 3, maxCallers),
	}
}
