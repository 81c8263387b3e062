package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityHeadersMiddleware adds security headers to all responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			h.Set("Content-Security-Policy", "default-src 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			// Key material must never be cached by intermediaries.
			h.Set("Cache-Control", "no-store")

			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.WithFields(logrus.Fields{
						"panic":      rec,
						"path":       r.URL.Path,
						"request_id": RequestIDFromContext(r.Context()),
						"stack":      string(debug.Stack()),
					}).Error("Recovered from handler panic")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter is a per-client token bucket. A client may burst up to limit
// requests and regains limit tokens over each window.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	burst    float64
	perToken time.Duration
	idle     time.Duration
	exempt   map[string]bool
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	logger   *logrus.Logger
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter and starts evicting idle clients.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	rl := &RateLimiter{
		buckets:  make(map[string]*tokenBucket),
		burst:    float64(limit),
		perToken: window / time.Duration(limit),
		idle:     2 * window,
		exempt:   make(map[string]bool),
		now:      time.Now,
		stop:     make(chan struct{}),
		logger:   logger,
	}

	go rl.evictIdle()

	return rl
}

// Exempt excludes request paths from limiting, such as health probes.
func (rl *RateLimiter) Exempt(paths ...string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, p := range paths {
		rl.exempt[p] = true
	}
}

func (rl *RateLimiter) isExempt(path string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.exempt[path]
}

// evictIdle drops clients whose bucket has been refilled completely.
func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, bucket := range rl.buckets {
				if now.Sub(bucket.last) > rl.idle {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stop stops idle client eviction.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow takes a token for key. When none is left it reports how long the
// client must wait for the next one.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: rl.burst, last: now}
		rl.buckets[key] = bucket
	}

	if elapsed := now.Sub(bucket.last); elapsed > 0 {
		bucket.tokens = math.Min(rl.burst, bucket.tokens+float64(elapsed)/float64(rl.perToken))
		bucket.last = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}
	return false, time.Duration((1 - bucket.tokens) * float64(rl.perToken))
}

// getClientKey identifies the client by the first X-Forwarded-For address,
// falling back to the connection's host.
func getClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// retryAfter rounds wait up to whole seconds, at least one.
func retryAfter(wait time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(wait.Seconds()))))
}

// RateLimitMiddleware rejects clients that exhausted their tokens with 429
// and a JSON error body.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.isExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := getClientKey(r)
			allowed, wait := limiter.Allow(clientKey)
			if !allowed {
				requestID := RequestIDFromContext(r.Context())
				limiter.logger.WithFields(logrus.Fields{
					"client":     clientKey,
					"path":       r.URL.Path,
					"request_id": requestID,
					"wait":       wait.String(),
				}).Warn("Rate limit exceeded")

				w.Header().Set("Retry-After", retryAfter(wait))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code":       "TooManyRequests",
					"message":    "rate limit exceeded",
					"request_id": requestID,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
