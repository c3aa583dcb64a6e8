package strategy

import (
	"fmt"
	"time"

	"github.com/ignite/greeting-service/internal/civiltime"
	"github.com/ignite/greeting-service/internal/domain"
)

// TypeAnniversary is the kind tag for work-anniversary greetings.
const TypeAnniversary = "ANNIVERSARY"

// Anniversary sends a greeting at 09:00 local on the user's work
// anniversary, including the years-of-service count.
type Anniversary struct{}

// NewAnniversary constructs the anniversary strategy.
func NewAnniversary() *Anniversary { return &Anniversary{} }

func (a *Anniversary) MessageType() string { return TypeAnniversary }

func (a *Anniversary) Schedule() Schedule {
	return Schedule{
		Cadence:      CadenceYearly,
		TriggerField: "anniversaryDate",
		SendHour:     9,
		SendMinute:   0,
	}
}

func (a *Anniversary) ShouldSend(user *domain.User, nowUTC time.Time) (bool, civiltime.Date, error) {
	if user.AnniversaryDate == nil {
		return false, civiltime.Date{}, nil
	}
	return civiltime.Occurrence(*user.AnniversaryDate, user.Timezone, nowUTC)
}

func (a *Anniversary) CalculateSendTime(user *domain.User, occurrence civiltime.Date) (time.Time, error) {
	sched := a.Schedule()
	return civiltime.SendTimeAt(occurrence, user.Timezone, sched.SendHour, sched.SendMinute)
}

func (a *Anniversary) ComposeMessage(user *domain.User, ctx Context) string {
	years := 0
	if user.AnniversaryDate != nil {
		years = ctx.CurrentYear - user.AnniversaryDate.Year
	}
	unit := "years"
	if years == 1 {
		unit = "year"
	}
	return fmt.Sprintf("Hey, %s it's your work anniversary! %d %s with us!", user.FullName(), years, unit)
}

func (a *Anniversary) Validate(user *domain.User) ValidationResult {
	return validateTriggerUser(user, user.AnniversaryDate, "anniversaryDate")
}
