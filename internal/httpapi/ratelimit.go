package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimitConfig sizes the per-client token bucket on the credential
// endpoints. MaxRequests per WindowSeconds sets the refill rate; Burst
// is the bucket capacity.
type RateLimitConfig struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// DefaultRateLimit bounds the credential endpoints when no explicit
// limit is configured: 30 requests per minute with a burst of 10.
var DefaultRateLimit = RateLimitConfig{WindowSeconds: 60, MaxRequests: 30, Burst: 10}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = DefaultRateLimit.WindowSeconds
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultRateLimit.MaxRequests
	}
	if c.Burst <= 0 {
		c.Burst = DefaultRateLimit.Burst
	}
	return c
}

// tokenBucket is a classic token bucket: capacity tokens, refilled
// continuously, one token consumed per request.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity int, refillRate float64, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: now,
	}
}

// allow consumes one token if available. It returns whether the request
// may proceed, the whole tokens remaining, and the instant the next
// token becomes available when it may not.
func (tb *tokenBucket) allow(now time.Time) (bool, int, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now
	}

	wait := (1.0 - tb.tokens) / tb.refillRate
	return false, 0, now.Add(time.Duration(wait * float64(time.Second)))
}

// RateLimiter manages one token bucket per client key.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.RWMutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a limiter. A nil now func uses real time.
func NewRateLimiter(cfg RateLimitConfig, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		cfg:     cfg.withDefaults(),
		now:     now,
		buckets: make(map[string]*tokenBucket),
	}
}

func (rl *RateLimiter) bucket(key string) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		return b
	}
	refillRate := float64(rl.cfg.MaxRequests) / float64(rl.cfg.WindowSeconds)
	b = newTokenBucket(rl.cfg.Burst, refillRate, rl.now())
	rl.buckets[key] = b
	return b
}

// Allow reports whether the client identified by key may proceed.
func (rl *RateLimiter) Allow(key string) (bool, int, time.Time) {
	return rl.bucket(key).allow(rl.now())
}

// Sweep drops buckets idle longer than maxIdle so abandoned clients do
// not accumulate. It returns the number of buckets removed.
func (rl *RateLimiter) Sweep(maxIdle time.Duration) int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, b := range rl.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastRefill)
		b.mu.Unlock()
		if idle > maxIdle {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// sweepLoop evicts idle buckets until ctx is done.
func (rl *RateLimiter) sweepEvery(stop <-chan struct{}, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Sweep(maxIdle)
		}
	}
}

// RateLimitMiddleware enforces the limiter per client IP. The credential
// endpoints sit in front of authentication, so the remote address is
// the only stable key available; RealIP middleware must run first so
// proxied deployments key on the true client.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	limiter := NewRateLimiter(cfg, nil)
	stop := make(chan struct{})
	go limiter.sweepEvery(stop, 10*time.Minute, time.Hour)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)

			allowed, remaining, nextToken := limiter.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(cfg.Burst))

			if !allowed {
				retryAfter := int(time.Until(nextToken).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("client", key).
					Str("path", r.URL.Path).
					Int("retry_after", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests, "rate_limited",
					"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+" seconds")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from the remote address. RealIP middleware
// already replaced it with the forwarded client address where present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
