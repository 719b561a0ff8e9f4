package dispatch

import (
	"sync"
	"time"
)

// tokenBucket is a per-nest dispatch budget refilled continuously at rpm/60
// tokens per second, holding at most one minute of burst.
type tokenBucket struct {
	mu     sync.Mutex
	rpm    float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

func newTokenBucket(rpm int, now func() time.Time) *tokenBucket {
	return &tokenBucket{
		rpm:    float64(rpm),
		tokens: float64(rpm),
		last:   now(),
		now:    now,
	}
}

// take consumes one token if available.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rpm / 60
	if b.tokens > b.rpm {
		b.tokens = b.rpm
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
