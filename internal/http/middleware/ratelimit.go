// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter built on
// golang.org/x/time/rate. Buckets are keyed per operator (falling back to
// client IP before identity is known) and idle buckets are evicted
// opportunistically. Idempotent replays bypass the limiter.
//
// The limiter is process-local; each replica enforces its own budget.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to its bucket.
type keyFunc func(*gin.Context) string

// KeyByOperatorOrIP keys buckets by "op:<operator id>" once Identity has
// run, else by "ip:<client ip>".
func KeyByOperatorOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id := OperatorIDFrom(c); id != "" {
			return "op:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket limiter, safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	lookups  uint64
}

// gcEvery is the number of lookups between idle-bucket sweeps.
const gcEvery = 5000

// NewRateLimiter returns a limiter allowing rps requests per second with the
// given burst (minimum 1) per key.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = KeyByOperatorOrIP()
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// limiterFor returns the bucket for key. Idle buckets are evicted before
// the lookup so a stale bucket is replaced rather than refreshed.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= gcEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator exempted the request.
func IsRateBypass(c *gin.Context) bool {
	v, _ := c.Get(ctxKeyRateBypass)
	b, _ := v.(bool)
	return b
}

// Handler enforces the limit, answering 429 with Retry-After when the
// bucket is empty.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		lim := rl.limiterFor(rl.keyFn(c))
		if r := lim.Reserve(); r.OK() && r.Delay() == 0 {
			c.Next()
			return
		} else if r.OK() {
			wait := r.Delay()
			r.Cancel()
			secs := int(wait.Seconds())
			if wait > time.Duration(secs)*time.Second {
				secs++
			}
			c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
		} else {
			c.Header("Retry-After", "1")
		}
		SetErrorCode(c, "too_many_requests")
		abortJSON(c, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
	}
}
