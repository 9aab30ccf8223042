package network

import (
	"sync"
	"time"
)

// Window is one (limit, period) pair for the RateLimiter.
type Window struct {
	Limit  int
	Period time.Duration
}

type limiterWindow struct {
	limit     int
	period    time.Duration
	count     int
	lastReset time.Time
}

// RateLimiter caps an event rate across several rolling windows at once.
type RateLimiter struct {
	mu      sync.Mutex
	windows []limiterWindow
	now     func() time.Time
}

func NewRateLimiter(windows ...Window) *RateLimiter {
	l := &RateLimiter{now: time.Now}
	for _, w := range windows {
		l.windows = append(l.windows, limiterWindow{limit: w.Limit, period: w.Period})
	}
	return l
}

// Register accounts for one event. It commits to every window or to none:
// if any window is at capacity nothing is incremented and false is returned.
func (l *RateLimiter) Register() bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	ok := true
	for i := range l.windows {
		w := &l.windows[i]
		if w.lastReset.IsZero() || now.Sub(w.lastReset) > w.period {
			w.lastReset = now
			w.count = 0
		}
		if w.count >= w.limit {
			ok = false
		}
	}
	if !ok {
		return false
	}
	for i := range l.windows {
		l.windows[i].count++
	}
	return true
}
