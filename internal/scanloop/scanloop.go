// Package scanloop provides the shared jittered-loop primitive used by the
// dispatcher tick, heartbeat emitter, and buffer forwarder.
package scanloop

import (
	"context"
	"math/rand/v2"
	"time"
)

// Run executes fn at a jittered interval until ctx is done.
// The interval is: minInterval + random([0, jitterRange)).
func Run(ctx context.Context, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn()
	}
}

// Jitter returns d perturbed by up to ±fraction (e.g. 0.1 for ±10%).
func Jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	span := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * span
	return d + time.Duration(offset)
}
