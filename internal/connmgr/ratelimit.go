package connmgr

import (
	"sync"
	"time"
)

// TokenBucket implements a byte-denominated token-bucket rate limiter
// (spec §4.K: "rate_bps, capacity, tokens, last_refill").
type TokenBucket struct {
	mu sync.Mutex

	rateBps    float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a bucket starting full, at the given sustained
// rate (bytes/sec) and burst capacity (bytes).
func NewTokenBucket(rateBps, capacity float64) *TokenBucket {
	return &TokenBucket{
		rateBps:    rateBps,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// refillLocked adds tokens for elapsed time since the last refill, capped
// at capacity (spec §4.K: "refill tokens by elapsed*rate").
func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rateBps
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Allow reports whether n bytes may be admitted right now and, if so,
// deducts them from the bucket.
func (b *TokenBucket) Allow(n uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Tokens returns the current token count, after an implicit refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// SetRate updates the sustained admission rate, e.g. in response to a
// fresh bandwidth estimate from the congestion controller.
func (b *TokenBucket) SetRate(rateBps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.rateBps = rateBps
}
