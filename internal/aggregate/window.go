package aggregate

import (
	"time"

	"github.com/guardant/guardant/internal/model"
)

// bucket accumulates probe outcomes for one fixed time slot.
type bucket struct {
	startNs int64
	up      int64
	total   int64
	rttSum  float64
	rttN    int64
}

// ring is a time-bucketed rolling window. Slots are addressed by absolute
// bucket index modulo the ring size, so an observation lands in the same
// slot no matter when it arrives; a stale slot is reset the first time its
// new time range is written.
type ring struct {
	width   time.Duration
	buckets []bucket
}

func newRing(count int, width time.Duration) *ring {
	return &ring{width: width, buckets: make([]bucket, count)}
}

// span is the total duration the ring covers.
func (r *ring) span() time.Duration {
	return time.Duration(len(r.buckets)) * r.width
}

// observe files one outcome into its bucket. Returns false when the
// observation predates the window and was discarded.
func (r *ring) observe(tsNs int64, up bool, rttMs float64, nowNs int64) bool {
	if tsNs <= nowNs-r.span().Nanoseconds() {
		return false
	}
	widthNs := r.width.Nanoseconds()
	start := tsNs - tsNs%widthNs
	b := &r.buckets[(tsNs/widthNs)%int64(len(r.buckets))]
	if b.startNs != start {
		if start < b.startNs {
			// Slot already holds newer data; the old bucket this belonged
			// to has been evicted.
			return false
		}
		*b = bucket{startNs: start}
	}
	b.total++
	if up {
		b.up++
	}
	if rttMs > 0 {
		b.rttSum += rttMs
		b.rttN++
	}
	return true
}

// stats aggregates the buckets still inside the window as of nowNs.
func (r *ring) stats(nowNs int64) model.WindowStats {
	cutoff := nowNs - r.span().Nanoseconds()
	var out model.WindowStats
	var up int64
	var rttSum float64
	var rttN int64
	for i := range r.buckets {
		b := &r.buckets[i]
		if b.total == 0 || b.startNs <= cutoff {
			continue
		}
		out.Samples += b.total
		up += b.up
		rttSum += b.rttSum
		rttN += b.rttN
	}
	if out.Samples > 0 {
		out.UptimePct = 100 * float64(up) / float64(out.Samples)
	}
	if rttN > 0 {
		out.AvgRTTMs = rttSum / float64(rttN)
	}
	return out
}
