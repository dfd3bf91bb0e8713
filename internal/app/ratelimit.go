package app

import (
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// chatLimiter applies a per-user token bucket to the assistant endpoint.
// Entries not touched for two cleanup intervals are dropped.
type chatLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*userLimiter

	stopCh chan struct{}
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

const limiterCleanupInterval = 5 * time.Minute

func newChatLimiter(perMinute, burst int) *chatLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = perMinute
	}
	cl := &chatLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*userLimiter),
		stopCh:   make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

func (cl *chatLimiter) Allow(userID string) bool {
	cl.mu.Lock()
	ul, ok := cl.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.limiters[userID] = ul
	}
	ul.lastAccess = time.Now()
	cl.mu.Unlock()

	return ul.limiter.Allow()
}

// RetryAfter estimates seconds until one token is refilled.
func (cl *chatLimiter) RetryAfter() string {
	sec := int(math.Ceil(1.0 / float64(cl.limit)))
	if sec < 1 {
		sec = 1
	}
	return strconv.Itoa(sec)
}

func (cl *chatLimiter) Stop() {
	close(cl.stopCh)
}

func (cl *chatLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *chatLimiter) cleanup() {
	ttl := limiterCleanupInterval * 2
	now := time.Now()
	cl.mu.Lock()
	for userID, ul := range cl.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(cl.limiters, userID)
		}
	}
	cl.mu.Unlock()
}
