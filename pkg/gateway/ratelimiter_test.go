package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_Acquire(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(10, 5)

		for i := 0; i < 5; i++ {
			assert.Nil(t, limiter.Acquire())
		}
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 3)

		for i := 0; i < 3; i++ {
			require.Nil(t, limiter.Acquire())
		}

		rpcErr := limiter.Acquire()
		require.NotNil(t, rpcErr)
		assert.Equal(t, TooManyConcurrent, rpcErr.Code)

		limiter.Release()
		assert.Nil(t, limiter.Acquire())
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(5, 10)

		for i := 0; i < 5; i++ {
			require.Nil(t, limiter.Acquire())
			limiter.Release()
		}

		rpcErr := limiter.Acquire()
		require.NotNil(t, rpcErr)
		assert.Equal(t, RateLimitExceeded, rpcErr.Code)
		assert.Equal(t, "rate limit exceeded", rpcErr.Message)
	})

	t.Run("should allow requests after window expires", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(2, 10)
		now := time.Now()
		limiter.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			require.Nil(t, limiter.Acquire())
			limiter.Release()
		}
		require.NotNil(t, limiter.Acquire())

		now = now.Add(time.Minute + time.Second)
		assert.Nil(t, limiter.Acquire())
	})

	t.Run("zero limits disable checks", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(0, 0)
		for i := 0; i < 500; i++ {
			require.Nil(t, limiter.Acquire())
		}
	})
}

func TestClientRateLimiter_Release(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(100, 2)

	require.Nil(t, limiter.Acquire())
	limiter.Release()
	limiter.Release()

	_, inFlight := limiter.GetStats()
	assert.Equal(t, 0, inFlight)
}

func TestClientRateLimiter_UpdateLimits(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(1, 1)
	require.Nil(t, limiter.Acquire())
	limiter.Release()
	require.NotNil(t, limiter.Acquire())

	limiter.UpdateLimits(10, 5)
	assert.Nil(t, limiter.Acquire())
}

func TestClientRateLimiter_GetStats(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(100, 10)

	for i := 0; i < 3; i++ {
		require.Nil(t, limiter.Acquire())
	}
	limiter.Release()

	requests, inFlight := limiter.GetStats()
	assert.Equal(t, 3, requests)
	assert.Equal(t, 2, inFlight)
}

func TestClientRateLimiter_Concurrent(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(1000, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Acquire() == nil {
				limiter.Release()
			}
		}()
	}
	wg.Wait()

	requests, inFlight := limiter.GetStats()
	assert.Equal(t, 100, requests)
	assert.Equal(t, 0, inFlight)
}
