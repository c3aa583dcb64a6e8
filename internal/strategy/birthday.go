package strategy

import (
	"fmt"
	"time"

	"github.com/ignite/greeting-service/internal/civiltime"
	"github.com/ignite/greeting-service/internal/domain"
)

// TypeBirthday is the kind tag for birthday greetings.
const TypeBirthday = "BIRTHDAY"

// Birthday sends a greeting at 09:00 local on the user's birthday.
type Birthday struct{}

// NewBirthday constructs the birthday strategy.
func NewBirthday() *Birthday { return &Birthday{} }

func (b *Birthday) MessageType() string { return TypeBirthday }

func (b *Birthday) Schedule() Schedule {
	return Schedule{
		Cadence:      CadenceYearly,
		TriggerField: "birthdayDate",
		SendHour:     9,
		SendMinute:   0,
	}
}

func (b *Birthday) ShouldSend(user *domain.User, nowUTC time.Time) (bool, civiltime.Date, error) {
	if user.BirthdayDate == nil {
		return false, civiltime.Date{}, nil
	}
	return civiltime.Occurrence(*user.BirthdayDate, user.Timezone, nowUTC)
}

func (b *Birthday) CalculateSendTime(user *domain.User, occurrence civiltime.Date) (time.Time, error) {
	sched := b.Schedule()
	return civiltime.SendTimeAt(occurrence, user.Timezone, sched.SendHour, sched.SendMinute)
}

func (b *Birthday) ComposeMessage(user *domain.User, _ Context) string {
	return fmt.Sprintf("Hey, %s it's your birthday", user.FullName())
}

func (b *Birthday) Validate(user *domain.User) ValidationResult {
	return validateTriggerUser(user, user.BirthdayDate, "birthdayDate")
}

// validateTriggerUser is the shared pre-flight check for yearly anchor
// strategies: routable email, resolvable zone, valid anchor date.
func validateTriggerUser(user *domain.User, anchor *civiltime.Date, field string) ValidationResult {
	res := ValidationResult{Valid: true}

	if user.Email == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "email is empty")
	}
	if _, err := civiltime.LoadZone(user.Timezone); err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("timezone %q is not a valid IANA zone", user.Timezone))
	}
	if anchor == nil {
		res.Valid = false
		res.Errors = append(res.Errors, field+" is not set")
	} else if !anchor.Valid() {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("%s %s is not a valid calendar date", field, anchor))
	}
	if user.FirstName == "" {
		res.Warnings = append(res.Warnings, "firstName is empty; greeting will look odd")
	}
	return res
}
