package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	httpWindow  = time.Minute
	httpCeiling = 30
)

// ipLimiter applies a fixed window request count per client address.
// Expired windows are swept opportunistically so one-shot addresses do not
// accumulate.
type ipLimiter struct {
	mu        sync.Mutex
	clock     func() time.Time
	entries   map[string]*ipWindow
	lastSweep time.Time
}

type ipWindow struct {
	start time.Time
	count int
}

func newIPLimiter(clock func() time.Time) *ipLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &ipLimiter{clock: clock, entries: make(map[string]*ipWindow), lastSweep: clock()}
}

func (l *ipLimiter) allow(ip string) bool {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= httpWindow {
		l.lastSweep = now
		for addr, entry := range l.entries {
			if now.Sub(entry.start) >= httpWindow {
				delete(l.entries, addr)
			}
		}
	}

	entry, ok := l.entries[ip]
	if !ok || now.Sub(entry.start) >= httpWindow {
		l.entries[ip] = &ipWindow{start: now, count: 1}
		return true
	}
	entry.count++
	return entry.count <= httpCeiling
}

func rateLimitMiddleware(limiter *ipLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.allow(clientIP(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
