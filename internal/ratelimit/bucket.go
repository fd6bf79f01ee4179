// Package ratelimit implements the token bucket admission control used to
// throttle outbound RPC traffic to the exchange.
package ratelimit

import (
	"sync"
	"time"
)

// MaxTokens and RefillRate are the spec-mandated defaults: a bucket starts
// full at 20 tokens and refills at 5 tokens per second.
const (
	MaxTokens  = 20.0
	RefillRate = 5.0
)

// TokenBucket is a floating-point token bucket. Not intrinsically
// thread-safe beyond the mutex below: instances are single-owner (the
// Sender owns one, the façade owns a separate one for caller-side
// pre-checks) and the mutex only guards against accidental concurrent use
// from within one owner, not cross-owner sharing.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// New creates a token bucket constructed full, with the given capacity and
// refill rate (tokens per second).
func New(maxTokens, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// NewDefault creates a bucket using the spec's default capacity (20) and
// refill rate (5/sec).
func NewDefault() *TokenBucket {
	return New(MaxTokens, RefillRate)
}

// Allow refills the bucket for elapsed time, then admits the request iff
// at least one token is available, consuming it. Elapsed time beyond
// maxTokens/refillRate is clamped: the bucket never "owes" tokens for time
// spent idle beyond what it takes to refill completely.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	return false
}

// Tokens reports the current token count after applying a refill for
// elapsed time, without consuming anything. Intended for diagnostics and
// metrics export.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}

	return b.tokens
}
