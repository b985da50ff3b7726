package services

import (
	"sync"
	"time"
)

type rateBucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is a per-key token bucket guarding the mutating API routes.
type RateLimiter struct {
	burst              int
	sustainedPerMinute int

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

func NewRateLimiter(burst, sustainedPerMinute int) *RateLimiter {
	return &RateLimiter{
		burst:              burst,
		sustainedPerMinute: sustainedPerMinute,
		buckets:            make(map[string]*rateBucket),
	}
}

// Allow spends one token from key's bucket. A non-positive burst disables
// limiting.
func (r *RateLimiter) Allow(key string, now time.Time) bool {
	if r.burst <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.buckets[key]
	if !ok {
		bucket = &rateBucket{tokens: float64(r.burst), lastRefill: now}
		r.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		refillRate := float64(r.sustainedPerMinute) / 60.0
		bucket.tokens = min(float64(r.burst), bucket.tokens+elapsed*refillRate)
		bucket.lastRefill = now
	}

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}
