package p2p

import (
	"math"
	"sync"
	"time"
)

// tokenBucket meters inbound message rates. A nil bucket admits everything,
// which keeps call sites free of limiter-disabled checks.
type tokenBucket struct {
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	mu       sync.Mutex
}

func newTokenBucket(rate float64, burst float64) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if burst < rate {
		burst = rate
	}
	return &tokenBucket{
		capacity: burst,
		tokens:   burst,
		rate:     rate,
		last:     time.Now(),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

func (b *tokenBucket) refillLocked(now time.Time) {
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

func (b *tokenBucket) idleSince(now time.Time) time.Duration {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.last)
}

// ipRateLimiter tracks one bucket per remote IP so a single host cannot
// exhaust the accept path.
type ipRateLimiter struct {
	rate  float64
	burst float64

	mu     sync.Mutex
	limits map[string]*tokenBucket
}

func newIPRateLimiter(rate float64, burst float64) *ipRateLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ipRateLimiter{
		rate:   rate,
		burst:  burst,
		limits: make(map[string]*tokenBucket),
	}
}

func (l *ipRateLimiter) allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		return true
	}

	l.mu.Lock()
	bucket := l.limits[ip]
	if bucket == nil {
		bucket = newTokenBucket(l.rate, l.burst)
		l.limits[ip] = bucket
	}
	l.mu.Unlock()

	return bucket.allow(now)
}

// prune drops buckets that have been idle longer than maxIdle so the map
// does not grow with every address that ever connected.
func (l *ipRateLimiter) prune(now time.Time, maxIdle time.Duration) {
	if l == nil || maxIdle <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, bucket := range l.limits {
		if bucket.idleSince(now) > maxIdle {
			delete(l.limits, ip)
		}
	}
}
