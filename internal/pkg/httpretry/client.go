// Package httpretry provides an HTTP client with automatic retry logic,
// exponential or linear backoff, and jitter for resilient external API calls.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
)

// Options tune the retry behavior. Zero values fall back to defaults.
type Options struct {
	MaxRetries int           // retry attempts after the initial request (default 3)
	BaseDelay  time.Duration // first backoff step (default 1s)
	MaxDelay   time.Duration // backoff cap (default 30s)
	Backoff    Backoff       // exponential (default) or linear
}

// RetryClient wraps an HTTPDoer with retry logic and jittered backoff.
type RetryClient struct {
	client HTTPDoer
	opts   Options
}

// NewRetryClient creates a new RetryClient that wraps the given HTTPDoer.
// If client is nil, a default http.Client with 30s timeout is used.
func NewRetryClient(client HTTPDoer, opts Options) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 1 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Backoff != BackoffLinear {
		opts.Backoff = BackoffExponential
	}
	return &RetryClient{client: client, opts: opts}
}

// Do executes the HTTP request with retry logic.
// It retries on retryable status codes (429 and all 5xx) and transient
// network/timeout errors. It does NOT retry on client errors
// (400, 401, 403, 404) or context cancellation.
// On the final attempt, it returns the response as-is so the caller
// can inspect the status code and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.opts.MaxRetries; attempt++ {
		// Check if context is already canceled
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		// Backoff before retry (skip on first attempt)
		if attempt > 0 {
			// Reset request body for retry if applicable
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: failed to reset request body: %w", err)
				}
				req.Body = body
			}

			delay := rc.calculateDelay(attempt)
			log.Printf("httpretry: retry attempt %d/%d for %s %s%s (waiting %s)",
				attempt, rc.opts.MaxRetries, req.Method, req.URL.Host, req.URL.Path, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			// If the context was canceled/expired, don't retry
			if req.Context().Err() != nil {
				return nil, err
			}
			// Network/connection/timeout error — retry
			continue
		}

		// Non-retryable status code — return immediately (success or client error)
		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		// If this is the last attempt, return the response as-is
		// so the caller can read the body and handle the error
		if attempt == rc.opts.MaxRetries {
			return resp, nil
		}

		// Retryable status code — drain body for connection reuse, then retry
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// calculateDelay returns the backoff duration for the given retry attempt:
// base * 2^(attempt-1) (or base * attempt when linear), capped at MaxDelay,
// plus uniform jitter in [0, 25%] so retrying clients don't herd.
func (rc *RetryClient) calculateDelay(attempt int) time.Duration {
	var delay float64
	switch rc.opts.Backoff {
	case BackoffLinear:
		delay = float64(rc.opts.BaseDelay) * float64(attempt)
	default:
		delay = float64(rc.opts.BaseDelay) * math.Pow(2, float64(attempt-1))
	}

	// Cap at MaxDelay
	if delay > float64(rc.opts.MaxDelay) {
		delay = float64(rc.opts.MaxDelay)
	}

	// Uniform jitter in [0, 25%] on top of the base delay
	jittered := time.Duration(delay * (1 + 0.25*rand.Float64()))

	// Ensure a minimum delay of 100ms to avoid busy-looping
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}

	return jittered
}

// isRetryableStatus returns true if the HTTP status code indicates a
// transient failure that should be retried: 429 (Too Many Requests) and
// all 5xx. Other client errors are returned to the caller untouched.
func isRetryableStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}
