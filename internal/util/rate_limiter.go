// Package util holds small shared helpers with no domain knowledge.
package util

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/evanharte/playsync/internal/logger"
)

const (
	// DefaultRate is the floor delay between requests
	DefaultRate = 200 * time.Millisecond
	// DefaultBurst is the default burst size
	DefaultBurst = 5

	// maxRate caps how far repeated rate limit responses widen the delay
	maxRate = 5 * time.Second
	// rateDropWindow is how long a widened delay is held after a rate
	// limit response before successes may shrink it again
	rateDropWindow = 5 * time.Minute
)

// RateLimiter paces calls to the playback server. It is a token bucket
// whose refill delay widens when the server reports rate limiting and
// returns to its floor once the responses stop.
type RateLimiter struct {
	mu           sync.Mutex
	last         time.Time
	rate         time.Duration
	minRate      time.Duration
	tokens       int
	maxTokens    int
	lastRateDrop time.Time
	log          *logger.Logger
}

// NewRateLimiter creates a limiter with the given floor delay between
// requests and burst size
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}

	return &RateLimiter{
		last:         time.Now(),
		rate:         rate,
		minRate:      rate,
		tokens:       burst,
		maxTokens:    burst,
		lastRateDrop: time.Now(),
		log:          logger.Get(),
	}
}

// Wait blocks until a token is available or the context is cancelled
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()

	now := time.Now()

	// Refill tokens based on elapsed time
	delta := now.Sub(r.last)
	newTokens := int(float64(delta) / float64(r.rate))
	if newTokens > 0 {
		r.tokens += newTokens
		if r.tokens > r.maxTokens {
			r.tokens = r.maxTokens
		}
		r.last = now
	}

	if r.tokens > 0 {
		r.tokens--
		r.mu.Unlock()
		return nil
	}

	// Wait time with jitter, up to 20% of the current rate
	waitTime := r.rate + time.Duration(rand.Float64()*0.2*float64(r.rate))
	next := r.last.Add(waitTime)

	r.mu.Unlock()

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.mu.Lock()
		r.last = next
		r.tokens = 0
		r.mu.Unlock()
		return nil
	}
}

// OnRateLimit is called when the remote API reports a rate limit. It widens
// the delay between requests and returns the time to wait before retrying.
func (r *RateLimiter) OnRateLimit(retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// Back off harder when limits arrive in quick succession
	if now.Sub(r.lastRateDrop) < rateDropWindow {
		r.rate = time.Duration(1.5 * float64(r.rate))
	} else {
		r.rate = time.Duration(1.2 * float64(r.rate))
	}

	if r.rate > maxRate {
		r.rate = maxRate
	}

	r.lastRateDrop = now

	r.log.Warn("Rate limited, increasing delay between requests", map[string]interface{}{
		"new_rate":    r.rate.String(),
		"retry_after": retryAfter.String(),
	})

	if retryAfter > 0 && retryAfter > r.rate {
		return retryAfter
	}
	return r.rate
}

// ResetRate shrinks the delay back to its floor once rate limit responses
// have stopped for a while. Called after successful requests; a recent
// drop keeps the widened delay in place.
func (r *RateLimiter) ResetRate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rate == r.minRate || time.Since(r.lastRateDrop) < rateDropWindow {
		return
	}
	r.rate = r.minRate
}

// GetRate returns the current delay between requests
func (r *RateLimiter) GetRate() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}
