package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// PerIPLimiter is an in-memory token bucket keyed by client IP. State lives
// in the process, so limits apply per instance; move to Redis when running
// more than one replica.
type PerIPLimiter struct {
	capacity  float64
	perSecond float64

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// staleAfter is how long an idle bucket survives before the sweep drops it.
const staleAfter = 10 * time.Minute

// NewPerIPLimiter creates a limiter allowing perMinute requests per client,
// with bursts up to capacity.
func NewPerIPLimiter(capacity, perMinute int) *PerIPLimiter {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &PerIPLimiter{
		capacity:  float64(capacity),
		perSecond: float64(perMinute) / 60,
		buckets:   make(map[string]*bucket),
		swept:     time.Now(),
	}
}

// Middleware rejects over-limit clients with 429.
func (l *PerIPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip, time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (l *PerIPLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > staleAfter {
		for k, b := range l.buckets {
			if now.Sub(b.last) > staleAfter {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	b.tokens += now.Sub(b.last).Seconds() * l.perSecond
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
