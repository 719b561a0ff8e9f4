package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// RateLimiter enforces a fixed per-minute request budget per key.
type RateLimiter struct {
	rpm     int
	windows *xsync.Map[string, *rateWindow]
	now     func() time.Time
}

type rateWindow struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing rpm requests per key per minute.
// rpm <= 0 disables limiting.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm:     rpm,
		windows: xsync.NewMap[string, *rateWindow](),
		now:     time.Now,
	}
}

// Allow consumes one unit of key's budget. When the budget is exhausted it
// returns false and the time until the window resets.
func (rl *RateLimiter) Allow(key string) (retryAfter time.Duration, ok bool) {
	if rl == nil || rl.rpm <= 0 {
		return 0, true
	}
	win, _ := rl.windows.LoadOrCompute(key, func() (*rateWindow, bool) {
		return &rateWindow{start: rl.now()}, false
	})

	win.mu.Lock()
	defer win.mu.Unlock()

	now := rl.now()
	if now.Sub(win.start) >= time.Minute {
		win.start = now
		win.count = 0
	}
	if win.count >= rl.rpm {
		return win.start.Add(time.Minute).Sub(now), false
	}
	win.count++
	return 0, true
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
}
