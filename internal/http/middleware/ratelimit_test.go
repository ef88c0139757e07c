package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time      { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t = f.t.Add(d) }

func newClock(at time.Time) *fakeClock { return &fakeClock{t: at} }

func windowStart() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func limiterAt(c *fakeClock, n int) *RateLimiter {
	rl := NewRateLimiter(n, time.Minute, nil)
	rl.Now = c.now
	return rl
}

func TestRateLimiter_LimitWithinWindow(t *testing.T) {
	clk := newClock(windowStart())
	rl := limiterAt(clk, 3)

	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("k"); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	ok, wait := rl.Allow("k")
	if ok {
		t.Fatalf("4th request must be limited")
	}
	if wait <= 0 || wait > time.Minute {
		t.Fatalf("retry-after out of range: %v", wait)
	}
	if ok, _ := rl.Allow("other"); !ok {
		t.Fatalf("keys are independent")
	}
}

func TestRateLimiter_SlidingWeightsPreviousWindow(t *testing.T) {
	clk := newClock(windowStart())
	rl := limiterAt(clk, 4)
	for i := 0; i < 4; i++ {
		rl.Allow("k")
	}

	// 15s into the next window, 75% of the previous window still counts:
	// 4*0.75 = 3 -> one more request fits, the next does not.
	clk.add(75 * time.Second)
	if ok, _ := rl.Allow("k"); !ok {
		t.Fatalf("estimate 3 < 4 should pass")
	}
	if ok, _ := rl.Allow("k"); ok {
		t.Fatalf("estimate 4 must be limited")
	}

	// 45s into the window only 25% of the previous window remains: 1 + 1 = 2.
	clk.add(30 * time.Second)
	if ok, _ := rl.Allow("k"); !ok {
		t.Fatalf("estimate 2 < 4 should pass")
	}
}

func TestRateLimiter_FixedWindowBoundaryBurstIsSmoothed(t *testing.T) {
	clk := newClock(windowStart().Add(59 * time.Second))
	rl := limiterAt(clk, 2)
	rl.Allow("k")
	rl.Allow("k")

	// A fixed window would reset here and admit two more immediately; the
	// sliding estimate (2*59/60 + curr) leaves room for one.
	clk.add(2 * time.Second)
	if ok, _ := rl.Allow("k"); !ok {
		t.Fatalf("first request after the boundary should pass")
	}
	if ok, _ := rl.Allow("k"); ok {
		t.Fatalf("burst across the boundary must be limited")
	}
}

func TestRateLimiter_GapResetsAndEvicts(t *testing.T) {
	clk := newClock(windowStart())
	rl := limiterAt(clk, 1)
	rl.Allow("idle")
	clk.add(3 * time.Minute)
	if ok, _ := rl.Allow("idle"); !ok {
		t.Fatalf("after two empty windows the key starts fresh")
	}

	rl.Allow("gone")
	clk.add(5 * time.Minute)
	rl.mu.Lock()
	rl.evict(clk.now())
	rl.mu.Unlock()
	if n := rl.Len(); n != 0 {
		t.Fatalf("idle keys should be evicted, %d left", n)
	}
}

func TestRateLimiter_HandlerAndBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := newClock(windowStart())
	rl := NewRateLimiter(1, time.Minute, KeyByUserOrIP())
	rl.Now = clk.now

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Replay") != "" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	})
	r.Use(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(replay bool) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if replay {
			req.Header.Set("X-Replay", "1")
		}
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(false); w.Code != http.StatusOK {
		t.Fatalf("first = %d", w.Code)
	}
	w := do(false)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After missing")
	}
	if w := do(true); w.Code != http.StatusOK {
		t.Fatalf("replay should bypass, got %d", w.Code)
	}
}

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "203.0.113.7:1234"

	kf := KeyByUserOrIP()
	if got := kf(c); got != "ip:203.0.113.7" {
		t.Fatalf("ip key = %q", got)
	}
	c.Set(UserIDKey, "stu")
	if got := kf(c); got != "user:stu" {
		t.Fatalf("user key = %q", got)
	}
}
