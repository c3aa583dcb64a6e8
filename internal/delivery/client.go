// Package delivery wraps the external delivery API behind the resilience
// envelope: per-attempt timeout, jittered retries, a circuit breaker, and
// an optional send-rate limiter. Workers call Send and classify the
// outcome; this package never mutates pipeline state.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ignite/greeting-service/internal/pkg/httpretry"
)

// ErrCircuitOpen is surfaced while the breaker is fast-failing. It is a
// transient condition: the message should be retried later, not dead-lettered.
var ErrCircuitOpen = errors.New("delivery: circuit breaker open")

// APIError carries the delivery API's non-2xx response for classification.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("delivery api: http %d: %s", e.StatusCode, e.Body)
}

// Result is the delivery API outcome handed back to the worker.
type Result struct {
	StatusCode int
	Body       string
}

// Options configure the client and its envelope.
type Options struct {
	URL     string
	Timeout time.Duration // per-attempt bound

	// Inner retry layer: absorbs fast transient blips so most messages
	// never bounce back through the broker.
	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Backoff    httpretry.Backoff

	// Circuit breaker trip condition: failure rate over a volume floor.
	BreakerErrorThreshold  float64       // default 0.5
	BreakerVolumeThreshold uint32        // default 10
	BreakerResetTimeout    time.Duration // default 30s
	BreakerInterval        time.Duration // counting window, default 60s

	// OnBreakerStateChange feeds the metrics surface; may be nil.
	OnBreakerStateChange func(from, to gobreaker.State)
}

// Client posts greeting messages to the delivery API.
type Client struct {
	url     string
	doer    httpretry.HTTPDoer
	breaker *gobreaker.CircuitBreaker
	limiter *SendRateLimiter
}

// NewClient builds the client with its full envelope.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	errThreshold := opts.BreakerErrorThreshold
	if errThreshold <= 0 {
		errThreshold = 0.5
	}
	volume := opts.BreakerVolumeThreshold
	if volume == 0 {
		volume = 10
	}
	reset := opts.BreakerResetTimeout
	if reset <= 0 {
		reset = 30 * time.Second
	}
	interval := opts.BreakerInterval
	if interval <= 0 {
		interval = time.Minute
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "delivery-api",
		Interval: interval,
		Timeout:  reset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < volume {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= errThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if opts.OnBreakerStateChange != nil {
				opts.OnBreakerStateChange(from, to)
			}
		},
	})

	retryClient := httpretry.NewRetryClient(
		&http.Client{Timeout: timeout},
		httpretry.Options{
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.RetryDelay,
			MaxDelay:   opts.MaxDelay,
			Backoff:    opts.Backoff,
		},
	)

	return &Client{url: opts.URL, doer: retryClient, breaker: breaker}
}

// SetRateLimiter attaches the optional Redis send-rate limiter.
func (c *Client) SetRateLimiter(l *SendRateLimiter) { c.limiter = l }

// BreakerState exposes the breaker state for the health surface.
func (c *Client) BreakerState() gobreaker.State { return c.breaker.State() }

// sendPayload is the delivery API request body.
type sendPayload struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// Send delivers one message. The returned Result is populated whenever the
// API answered at all; err is non-nil for transport failures, exhausted
// transient responses, circuit-open, and non-2xx statuses. Callers classify
// err (worker.Classify) to choose retry vs dead-letter.
func (c *Client) Send(ctx context.Context, email, message string) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("delivery rate limit: %w", err)
		}
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, email, message)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		// Transport errors and transient statuses come back here; an
		// *APIError keeps code and body for the log row's diagnostic tail.
		return nil, err
	}

	res := out.(*Result)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		// Permanent 4xx: the breaker saw a healthy endpoint answering,
		// so it does not count toward tripping.
		return res, &APIError{StatusCode: res.StatusCode, Body: res.Body}
	}
	return res, nil
}

// post runs one (internally retried) request. Transient statuses that
// survive the retry budget are returned as errors so the breaker counts
// them; permanent 4xx responses are successful calls to an unhappy API.
func (c *Client) post(ctx context.Context, email, message string) (*Result, error) {
	body, err := json.Marshal(sendPayload{Email: email, Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshal delivery payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivery request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	res := &Result{StatusCode: resp.StatusCode, Body: string(respBody)}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &APIError{StatusCode: res.StatusCode, Body: res.Body}
	}
	return res, nil
}
