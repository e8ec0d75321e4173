// Package ratelimit implements C1, a token-bucket rate limiter enforcing
// a bytes/second ceiling with a bounded burst.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a token bucket with capacity 2*rate (two seconds of burst)
// that refills continuously at rate tokens/second.
type Bucket struct {
	mu         sync.Mutex
	rate       int64
	capacity   int64
	tokens     int64
	lastRefill time.Time
}

// New creates a Bucket enforcing bytesPerSecond. A non-positive rate
// means unlimited; Throttle always succeeds immediately in that case.
func New(bytesPerSecond int64) *Bucket {
	return &Bucket{
		rate:       bytesPerSecond,
		capacity:   bytesPerSecond * 2,
		tokens:     bytesPerSecond * 2,
		lastRefill: time.Now(),
	}
}

// Throttle blocks until n tokens are available, or ctx is cancelled.
func (b *Bucket) Throttle(ctx context.Context, n int64) error {
	for {
		b.mu.Lock()
		if b.rate <= 0 {
			b.mu.Unlock()
			return nil
		}

		b.refillLocked()

		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return nil
		}

		shortage := n - b.tokens
		wait := time.Duration(float64(shortage) / float64(b.rate) * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-time.After(wait):
			// Re-evaluate: the rate (and thus the wait) may have
			// changed while we slept.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	b.lastRefill = now

	added := int64(elapsed.Seconds() * float64(b.rate))
	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// SetRate updates the bucket's rate and capacity, clamping any excess
// tokens. Callers already waiting re-evaluate against the new rate on
// their next wake rather than being woken early or losing their wait.
func (b *Bucket) SetRate(bytesPerSecond int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rate = bytesPerSecond
	b.capacity = bytesPerSecond * 2
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Rate returns the bucket's current configured rate.
func (b *Bucket) Rate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// GlobalLimiter wraps an optional, atomically swappable Bucket shared
// across every fetcher in the process. A nil bucket means unlimited.
type GlobalLimiter struct {
	bucket atomic.Pointer[Bucket]
}

// NewGlobalLimiter creates a GlobalLimiter. A zero bytesPerSecond leaves
// the limiter unlimited.
func NewGlobalLimiter(bytesPerSecond int64) *GlobalLimiter {
	g := &GlobalLimiter{}
	if bytesPerSecond > 0 {
		g.bucket.Store(New(bytesPerSecond))
	}
	return g
}

// Throttle blocks until n tokens are available on the current bucket,
// or immediately succeeds if unlimited.
func (g *GlobalLimiter) Throttle(ctx context.Context, n int64) error {
	b := g.bucket.Load()
	if b == nil {
		return nil
	}
	return b.Throttle(ctx, n)
}

// SetRate atomically replaces the underlying bucket. A non-positive
// rate disables limiting.
func (g *GlobalLimiter) SetRate(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		g.bucket.Store(nil)
		return
	}
	g.bucket.Store(New(bytesPerSecond))
}
