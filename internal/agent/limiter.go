package agent

import (
	"context"
	"sync"
	"time"
)

// tokenBucket enforces the worker's rpm limit. Capacity equals one minute of
// budget; tokens refill continuously.
type tokenBucket struct {
	mu     sync.Mutex
	rpm    float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

func newTokenBucket(rpm int) *tokenBucket {
	return &tokenBucket{
		rpm:    float64(rpm),
		tokens: float64(rpm),
		now:    time.Now,
	}
}

func (b *tokenBucket) refill(now time.Time) {
	if b.last.IsZero() {
		b.last = now
		return
	}
	b.tokens += now.Sub(b.last).Minutes() * b.rpm
	if b.tokens > b.rpm {
		b.tokens = b.rpm
	}
	b.last = now
}

// take consumes one token, reporting how long to wait when none is available.
func (b *tokenBucket) take() (time.Duration, bool) {
	if b == nil || b.rpm <= 0 {
		return 0, true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	deficit := 1 - b.tokens
	wait := time.Duration(deficit / b.rpm * float64(time.Minute))
	return wait, false
}

// Wait blocks until a token is available or ctx is done.
func (b *tokenBucket) Wait(ctx context.Context) error {
	for {
		wait, ok := b.take()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
