package gateway

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	defaultRequestsPerMinute = 120
	defaultMaxConcurrent     = 10
)

// ClientRateLimiter implements sliding window rate limiting per client.
// A zero limit disables that check.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	window            time.Duration
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientRateLimiter creates a new rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(defaultRequestsPerMinute, defaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		window:            time.Minute,
		requests:          make([]time.Time, 0),
		now:               time.Now,
	}
}

// Acquire admits one request, or returns the RPC error explaining why not.
// Every successful Acquire must be paired with Release.
func (r *ClientRateLimiter) Acquire() *RPCError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConcurrent > 0 && r.inFlight >= r.maxConcurrent {
		return &RPCError{Code: TooManyConcurrent, Message: "too many concurrent requests"}
	}

	now := r.now()
	r.prune(now)
	if r.requestsPerMinute > 0 && len(r.requests) >= r.requestsPerMinute {
		return &RPCError{
			Code:    RateLimitExceeded,
			Message: "rate limit exceeded",
			Data:    map[string]int64{"retryAfterMs": r.requests[0].Add(r.window).Sub(now).Milliseconds()},
		}
	}

	r.requests = append(r.requests, now)
	r.inFlight++
	return nil
}

// Release marks an admitted request as finished
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
}

// GetStats returns the requests in the current window and those in flight
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests), r.inFlight
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	r.requests = lo.Filter(r.requests, func(t time.Time, _ int) bool {
		return t.After(cutoff)
	})
}
