// Package strategy defines the pluggable per-kind message logic and the
// process-wide registry the pipeline routes through. A strategy decides
// whether a user's event fires today, when to send it, and what the message
// says. New kinds plug in at startup without touching the pipeline.
package strategy

import (
	"time"

	"github.com/ignite/greeting-service/internal/civiltime"
	"github.com/ignite/greeting-service/internal/domain"
)

// Cadence declares how often a strategy's trigger recurs.
type Cadence string

const (
	CadenceYearly Cadence = "YEARLY"
)

// Schedule declares a strategy's trigger field and local send time.
type Schedule struct {
	Cadence      Cadence
	TriggerField string // the User field driving the trigger, e.g. "birthdayDate"
	SendHour     int
	SendMinute   int
}

// Context carries the time-derived inputs to ComposeMessage so that
// composition stays pure: no clock reads inside a strategy.
type Context struct {
	CurrentYear    int
	OccurrenceDate civiltime.Date
	Timezone       string
}

// ValidationResult is the outcome of a pre-flight user check. Errors abort
// scheduling for that user; warnings are logged and scheduling proceeds.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Strategy is the capability set every message kind implements.
type Strategy interface {
	// MessageType is the kind tag, stored uppercase.
	MessageType() string

	// ShouldSend reports whether the user's anchor date recurs today as
	// seen from the user's zone at nowUTC, and the concrete occurrence
	// date when it does.
	ShouldSend(user *domain.User, nowUTC time.Time) (bool, civiltime.Date, error)

	// CalculateSendTime maps the occurrence date to the UTC instant of the
	// kind's local send time in the user's zone.
	CalculateSendTime(user *domain.User, occurrence civiltime.Date) (time.Time, error)

	// ComposeMessage renders the message content. Pure and deterministic.
	ComposeMessage(user *domain.User, ctx Context) string

	// Schedule declares cadence, trigger field, and local send time.
	Schedule() Schedule

	// Validate runs the pre-flight check on the user record.
	Validate(user *domain.User) ValidationResult
}
