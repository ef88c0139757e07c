// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory sliding window rate limiter keyed per
// caller. Each key keeps the request count of the current and the previous
// fixed window; the effective count weights the previous window by how much
// of it still overlaps the sliding window:
//
//	estimate = prev * (1 - elapsed/window) + curr
//
// A request is admitted while estimate < limit. This smooths the burst a
// fixed window allows at its boundary while needing only two counters per key.
//
// The limiter is process-local and injected into the router, so tests and
// alternative deployments can supply their own instance and clock.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// keyFunc selects the identity used to key a rate-limit window.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the authenticated user id and falls back to the
// client IP. Keys are prefixed so the two namespaces never collide.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := UserID(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

type window struct {
	start    time.Time // start of the current fixed window
	curr     int
	prev     int
	lastSeen time.Time
}

// RateLimiter admits at most Limit requests per sliding Window per key.
// Safe for concurrent use.
type RateLimiter struct {
	limit  int
	window time.Duration
	keyFn  keyFunc

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	lookups uint64
}

// NewRateLimiter builds a limiter of limit requests per window, keyed by keyFn.
// limit < 1 is coerced to 1 and a non-positive window to one minute.
func NewRateLimiter(limit int, per time.Duration, keyFn keyFunc) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	if per <= 0 {
		per = time.Minute
	}
	if keyFn == nil {
		keyFn = KeyByUserOrIP()
	}
	return &RateLimiter{
		limit:   limit,
		window:  per,
		keyFn:   keyFn,
		Now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow records a request for key and reports whether it is admitted. When it
// is not, retryAfter estimates how long until it would be.
func (rl *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := rl.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups%1024 == 0 {
		rl.evict(now)
	}

	w, found := rl.windows[key]
	if !found {
		w = &window{start: now.Truncate(rl.window)}
		rl.windows[key] = w
	}
	w.lastSeen = now
	rl.advance(w, now)

	elapsed := now.Sub(w.start)
	weight := 1 - float64(elapsed)/float64(rl.window)
	estimate := float64(w.prev)*weight + float64(w.curr)
	if estimate < float64(rl.limit) {
		w.curr++
		return true, 0
	}

	// Time until enough of the previous window slides out, or until the next
	// window when the current one alone is full.
	wait := w.start.Add(rl.window).Sub(now)
	if w.prev > 0 && w.curr < rl.limit {
		excess := estimate - float64(rl.limit) + 1
		wait = time.Duration(excess / float64(w.prev) * float64(rl.window))
	}
	if wait < time.Second {
		wait = time.Second
	}
	return false, wait
}

// advance rolls w forward so that w.start is the window containing now.
func (rl *RateLimiter) advance(w *window, now time.Time) {
	cur := now.Truncate(rl.window)
	switch gap := cur.Sub(w.start); {
	case gap <= 0:
	case gap == rl.window:
		w.prev, w.curr, w.start = w.curr, 0, cur
	default:
		w.prev, w.curr, w.start = 0, 0, cur
	}
}

// evict drops keys idle for two windows; their counters no longer matter.
func (rl *RateLimiter) evict(now time.Time) {
	for k, w := range rl.windows {
		if now.Sub(w.lastSeen) >= 2*rl.window {
			delete(rl.windows, k)
		}
	}
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay, which is served without counting against the limit.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the Gin middleware. Rejected requests get 429 with a
// Retry-After header in whole seconds.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		ok, wait := rl.Allow(rl.keyFn(c))
		if ok {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		abortJSON(c, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
	}
}
