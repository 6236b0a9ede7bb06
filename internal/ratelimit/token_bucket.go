package ratelimit

import (
	"sync"
	"time"
)

// microsPerToken is the fixed-point scale: one token is stored as 1e6 units,
// so a rate of N tokens/sec refills N units per elapsed microsecond.
const microsPerToken int64 = int64(time.Second / time.Microsecond)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket limits raw inbound frames on a single control channel. It is
// applied before parsing so it also covers connections that never join.
type TokenBucket struct {
	clock Clock

	burst int64 // tokens
	rate  int64 // tokens/sec

	mu    sync.Mutex
	units int64
	last  time.Time
}

// NewTokenBucket returns a full bucket holding burst tokens that refills at
// rate tokens per second.
func NewTokenBucket(clock Clock, burst, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 0 {
		burst = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock: clock,
		burst: burst,
		rate:  rate,
		units: toUnits(burst),
		last:  clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toUnits(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.units < cost {
		return false
	}
	b.units -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 {
		return
	}

	full := toUnits(b.burst)
	if b.units >= full {
		b.units = full
		return
	}

	micros := elapsed.Microseconds()
	if micros >= (full-b.units)/b.rate+1 {
		b.units = full
		return
	}
	b.units += micros * b.rate
	if b.units > full {
		b.units = full
	}
}

func toUnits(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/microsPerToken {
		return maxInt64
	}
	return tokens * microsPerToken
}
