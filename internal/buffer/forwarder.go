package buffer

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/guardant/guardant/internal/bus"
	"github.com/guardant/guardant/internal/scanloop"
)

const (
	forwardBatchSize = 32

	// Retry schedule after a failed delivery attempt.
	backoffBase = 30 * time.Second
	backoffCap  = 15 * time.Minute
)

// Forwarder drains the buffer into the result queue. Delivery failures back
// off exponentially so a broker outage does not turn into a publish storm,
// while a healthy broker drains the queue near-continuously.
type Forwarder struct {
	buf  *Buffer
	bus  bus.MessageBus
	tick time.Duration

	lagging atomic.Bool
}

// NewForwarder wires a forwarder over buf publishing through b.
func NewForwarder(buf *Buffer, b bus.MessageBus) *Forwarder {
	return &Forwarder{buf: buf, bus: b, tick: time.Second}
}

// Lagging reports whether the last delivery attempt failed. The agent uses
// this as a backpressure signal.
func (f *Forwarder) Lagging() bool {
	return f.lagging.Load()
}

// Run drains until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	backoff := time.Duration(0)
	for {
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(scanloop.Jitter(backoff, 0.2)):
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.tick):
			}
		}

		sent, err := f.drainOnce(ctx)
		switch {
		case err != nil:
			f.lagging.Store(true)
			if backoff == 0 {
				backoff = backoffBase
			} else {
				backoff = min(backoff*2, backoffCap)
			}
			log.Printf("[buffer] delivery failed, retrying in %s: %v", backoff, err)
		case sent > 0:
			f.lagging.Store(false)
			backoff = 0
		default:
			f.lagging.Store(false)
			backoff = 0
		}
	}
}

// drainOnce forwards one batch in enqueue order. Entries are removed only
// after the broker accepted them, so a crash between publish and ack can
// only cause duplicate delivery, never loss.
func (f *Forwarder) drainOnce(ctx context.Context) (int, error) {
	entries, err := f.buf.Peek(forwardBatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var delivered []int64
	for _, e := range entries {
		if err := f.bus.PublishResult(ctx, e.Result); err != nil {
			// Ack what already made it through before reporting failure.
			if ackErr := f.buf.Ack(delivered); ackErr != nil {
				log.Printf("[buffer] ack after partial batch: %v", ackErr)
			}
			return len(delivered), err
		}
		delivered = append(delivered, e.Seq)
	}
	if err := f.buf.Ack(delivered); err != nil {
		return len(delivered), err
	}
	return len(delivered), nil
}
