package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	bucketTTL     = 10 * time.Minute
	maxBuckets    = 10000
	evictInterval = time.Minute
)

// bucket is one IP's token bucket plus the bookkeeping for eviction.
type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles connection attempts per client IP. Buckets for
// IPs not seen within bucketTTL are evicted by a background goroutine,
// and the map is capped at maxBuckets so a spray of spoofed addresses
// cannot grow it without bound.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	max     int

	cancel context.CancelFunc
}

// NewRateLimiter creates a per-IP limiter allowing r events per second
// with the given burst. Call Stop to release the eviction goroutine.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		r:       r,
		burst:   burst,
		max:     maxBuckets,
		cancel:  cancel,
	}
	go rl.evictLoop(ctx)
	return rl
}

// Allow reports whether a connection attempt from ip may proceed.
// An unknown IP at the map cap is rejected outright.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.max {
			rl.mu.Unlock()
			return false
		}
		b = &bucket{lim: rate.NewLimiter(rl.r, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.lim.Allow()
}

// UpdateRate applies new limits on config reload. Existing buckets are
// dropped so every IP picks up the new rate on its next attempt.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	rl.buckets = make(map[string]*bucket)
}

// Stop ends the eviction goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-bucketTTL)
			rl.mu.Lock()
			for ip, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
