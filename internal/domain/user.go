package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignite/greeting-service/internal/civiltime"
)

// User is the read-only user record consumed by the pipeline. It is
// populated by the external CRUD surface; the core never writes it.
type User struct {
	ID              uuid.UUID
	FirstName       string
	LastName        string
	Email           string
	Timezone        string // IANA zone name, e.g. "America/New_York"
	BirthdayDate    *civiltime.Date
	AnniversaryDate *civiltime.Date
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Deleted reports whether the user is soft-deleted. Deleted users are
// invisible to the pipeline but their message logs survive.
func (u *User) Deleted() bool {
	return u.DeletedAt != nil
}

// FullName returns the display name used in message content.
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}
