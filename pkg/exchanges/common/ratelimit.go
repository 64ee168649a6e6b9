package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// RateLimiter tracks API weight usage reported by exchange response headers.
type RateLimiter struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewRateLimiter creates a limiter for the given weight budget per window
// (2400/min for USDT-M futures).
func NewRateLimiter(limit int, resetInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the used weight from an API response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(weight) / float64(rl.limit) * 100
	if pct >= 95 {
		log.Printf("rate limit critical: %d/%d (%.1f%%)", weight, rl.limit, pct)
	} else if pct >= 80 {
		log.Printf("rate limit warning: %d/%d (%.1f%%)", weight, rl.limit, pct)
	}
}

// Usage returns current usage and the percentage of budget consumed.
func (rl *RateLimiter) Usage() (used, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// Delay returns how long callers should back off before the next request.
// Zero means the weight budget still has headroom.
func (rl *RateLimiter) Delay() time.Duration {
	_, _, pct := rl.Usage()
	switch {
	case pct >= 95:
		return 3 * time.Second
	case pct >= 90:
		return time.Second
	}
	return 0
}
