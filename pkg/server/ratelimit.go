package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxLimiters = 10000
	limiterIdle = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// chatLimiter holds one token bucket per chat.
type chatLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// newChatLimiter returns nil, which allows everything, when perSecond <= 0.
func newChatLimiter(perSecond float64, burst int) *chatLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &chatLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *chatLimiter) Allow(chatID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[chatID]
	if !ok {
		if len(l.limiters) >= maxLimiters {
			l.prune(now)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[chatID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *chatLimiter) prune(now time.Time) {
	for id, e := range l.limiters {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.limiters, id)
		}
	}
}
