// Package worker consumes job envelopes from the broker and drives each
// message log row through SENDING to its terminal state. All delivery-path
// idempotency lives here: a redelivered envelope for an already-sent row is
// acknowledged and dropped without touching the delivery API.
package worker

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/ignite/greeting-service/internal/delivery"
)

// Class partitions delivery failures by how the pipeline reacts.
type Class string

const (
	// ClassTransient failures consume a retry and go back on the queue.
	ClassTransient Class = "TRANSIENT"

	// ClassPermanent failures dead-letter immediately; retrying cannot help.
	ClassPermanent Class = "PERMANENT"
)

var (
	transientPattern = regexp.MustCompile(`(?i)network|timeout|timed out|ECONNREFUSED|ECONNRESET|ETIMEDOUT|connection refused|connection reset|rate limit|temporarily unavailable|too many requests`)
	permanentPattern = regexp.MustCompile(`(?i)validation|not found|unauthorized|forbidden|invalid|malformed|bad request`)
)

// Classify decides how a delivery failure is handled. Status codes beat
// message text: 429 and 5xx are transient, other 4xx are permanent. Errors
// with no status fall back to message matching, and anything unrecognized is
// treated as transient so an unknown blip gets its retries before the row is
// given up on.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, delivery.ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var apiErr *delivery.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ClassTransient
		case apiErr.StatusCode >= 500:
			return ClassTransient
		case apiErr.StatusCode >= 400:
			return ClassPermanent
		}
	}

	msg := err.Error()
	if transientPattern.MatchString(msg) {
		return ClassTransient
	}
	if permanentPattern.MatchString(msg) {
		return ClassPermanent
	}
	return ClassTransient
}
