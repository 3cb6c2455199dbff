package internal

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiters keeps one token bucket per client address.
type clientLimiters struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimitHandler wraps next with a per-client token bucket refilled at
// rps. Clients idle for longer than ttl are forgotten. A non-positive rps
// disables limiting.
func NewRateLimitHandler(next http.Handler, rps int64, burst int64, ttl time.Duration) http.Handler {
	if rps <= 0 {
		return next
	}
	limiters := newClientLimiters(rps, burst, ttl)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / float64(limiters.limit))))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiters.allow(clientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", retryAfter)
		w.WriteHeader(http.StatusTooManyRequests)
	})
}

func newClientLimiters(rps int64, burst int64, ttl time.Duration) *clientLimiters {
	if burst <= 0 {
		burst = max(rps, 1)
	}
	return &clientLimiters{
		clients: make(map[string]*clientBucket),
		limit:   rate.Limit(rps),
		burst:   int(burst),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *clientLimiters) allow(client string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(now)
	bucket, ok := c.clients[client]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[client] = bucket
	}
	bucket.seen = now
	return bucket.limiter.AllowN(now, 1)
}

// sweep runs at most once per ttl and drops clients not seen within it.
// Caller holds c.mu.
func (c *clientLimiters) sweep(now time.Time) {
	if c.ttl <= 0 || now.Sub(c.lastSweep) < c.ttl {
		return
	}
	c.lastSweep = now
	for client, bucket := range c.clients {
		if now.Sub(bucket.seen) >= c.ttl {
			delete(c.clients, client)
		}
	}
}

func (c *clientLimiters) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-Ip, then the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
