package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(url string) Options {
	return Options{
		URL:        url,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		RetryDelay: 1 * time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestSendSucceedsAfterTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "test@example.com", payload["email"])
		assert.Contains(t, payload["message"], "birthday")

		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv.URL))
	res, err := c.Send(context.Background(), "test@example.com", "Hey, Ana it's your birthday")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "two 500s then success")
}

func TestSendReturnsAPIErrorOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid email"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv.URL))
	res, err := c.Send(context.Background(), "bad", "msg")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "invalid email")
	require.NotNil(t, res, "4xx still yields the response for diagnostics")
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState(), "4xx must not trip the breaker")
}

func TestSendExhaustedRetriesCountAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.MaxRetries = 1
	c := NewClient(opts)

	_, err := c.Send(context.Background(), "a@b.c", "msg")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestBreakerOpensAndFastFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var opened int32
	opts := testOptions(srv.URL)
	opts.MaxRetries = 1
	opts.BreakerVolumeThreshold = 3
	opts.BreakerErrorThreshold = 0.5
	opts.OnBreakerStateChange = func(_, to gobreaker.State) {
		if to == gobreaker.StateOpen {
			atomic.AddInt32(&opened, 1)
		}
	}
	c := NewClient(opts)

	for i := 0; i < 3; i++ {
		_, err := c.Send(context.Background(), "a@b.c", "msg")
		require.Error(t, err)
	}

	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())
	assert.EqualValues(t, 1, atomic.LoadInt32(&opened))

	_, err := c.Send(context.Background(), "a@b.c", "msg")
	assert.ErrorIs(t, err, ErrCircuitOpen, "open breaker fails fast without hitting the API")
}

func TestSendRateLimiterAllowsWithinLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewSendRateLimiter(client, 3)
	rl.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := rl.Allow(ctx)
		require.NoError(t, err)
		assert.True(t, allowed, "call %d should fit the per-second cap", i+1)
	}

	allowed, err := rl.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, allowed, "fourth call in the same second is denied")
}

func TestSendRateLimiterWaitHonorsContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewSendRateLimiter(client, 1)
	rl.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	allowed, err := rl.Allow(context.Background())
	require.NoError(t, err)
	require.True(t, allowed)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err = rl.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSendRateLimiterDegradesOpenOnRedisFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewSendRateLimiter(client, 1)
	mr.Close()

	err := rl.Wait(context.Background())
	assert.NoError(t, err, "a Redis outage must not block sends")
}
