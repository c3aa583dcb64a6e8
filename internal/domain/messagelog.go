package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/greeting-service/internal/civiltime"
)

// Status is the lifecycle state of a message log row.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusQueued    Status = "QUEUED"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusRetrying  Status = "RETRYING"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// RecoverableStatuses are the states the recovery sweeper may re-drive:
// anything non-terminal whose scheduled send time has passed.
var RecoverableStatuses = []Status{StatusScheduled, StatusQueued, StatusRetrying}

// MessageLog is one row per scheduled occurrence. Created by the
// pre-calculator, mutated only by the enqueuer, workers, and the recovery
// sweeper, and never hard-deleted (retention is by partition drop).
type MessageLog struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	MessageType       string
	MessageContent    string
	ScheduledSendTime time.Time // UTC
	ActualSendTime    *time.Time
	Status            Status
	RetryCount        int
	LastRetryAt       *time.Time
	APIResponseCode   *int
	APIResponseBody   string
	ErrorMessage      string
	IdempotencyKey    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IdempotencyKey builds the deterministic key that identifies one occurrence:
// {userId}:{messageType}:{occurrenceDate}:{timezone}. The storage layer
// enforces uniqueness on it; concurrent pre-calculation attempts race on the
// INSERT and all but one observe a unique violation.
func IdempotencyKey(userID uuid.UUID, messageType string, occurrence civiltime.Date, zone string) string {
	return fmt.Sprintf("%s:%s:%s:%s", userID, messageType, occurrence.ISO(), zone)
}
