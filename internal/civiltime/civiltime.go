// Package civiltime maps civil calendar dates and wall-clock times to UTC
// instants through IANA zone rules, and answers whether a yearly anchor date
// recurs "today" as seen from a given zone.
//
// All DST handling is delegated to the zone database. The one policy decision
// made here: when a wall-clock time does not exist on a given day (DST
// spring-forward gap), SendTimeAt returns the next valid local instant after
// the requested time.
package civiltime

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidZone is returned for zone names unknown to the IANA database.
	ErrInvalidZone = errors.New("civiltime: invalid timezone")

	// ErrInvalidDate is returned for calendar dates that do not exist.
	ErrInvalidDate = errors.New("civiltime: invalid date")
)

// Date is a calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate validates and constructs a Date.
func NewDate(year int, month time.Month, day int) (Date, error) {
	d := Date{Year: year, Month: month, Day: day}
	if !d.Valid() {
		return Date{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	return d, nil
}

// ParseDate parses an ISO YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// Valid reports whether the date exists on the calendar.
func (d Date) Valid() bool {
	if d.Month < time.January || d.Month > time.December || d.Day < 1 {
		return false
	}
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	return t.Year() == d.Year && t.Month() == d.Month && t.Day() == d.Day
}

// ISO formats the date as YYYY-MM-DD.
func (d Date) ISO() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) String() string { return d.ISO() }

// IsLeapDay reports whether the date is February 29.
func (d Date) IsLeapDay() bool {
	return d.Month == time.February && d.Day == 29
}

// LoadZone resolves an IANA zone name, mapping unknown names to
// ErrInvalidZone. Offset strings like "+05:00" are rejected; only canonical
// zone names carry the DST rules the calculator depends on.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty zone name", ErrInvalidZone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, name)
	}
	return loc, nil
}

// SendTimeAt returns the UTC instant at which wall-clock (hour, minute)
// occurs on date d in zone. If the wall-clock time falls into a DST
// spring-forward gap, the next valid local instant after it is returned.
func SendTimeAt(d Date, zone string, hour, minute int) (time.Time, error) {
	if !d.Valid() {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidDate, d)
	}
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}

	t := time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
	if local := t.In(loc); local.Hour() == hour && local.Minute() == minute && onDay(local, d) {
		return t.UTC(), nil
	}

	// The wall clock does not exist on this day: time.Date slid it across a
	// DST spring-forward gap. Probe forward minute by minute; the first wall
	// clock that round-trips cleanly is the gap end, the next valid local
	// instant after the requested time. Gaps are short, so the walk is too.
	for m := hour*60 + minute + 1; m < 24*60; m++ {
		probe := time.Date(d.Year, d.Month, d.Day, m/60, m%60, 0, 0, loc)
		if local := probe.In(loc); local.Hour()*60+local.Minute() == m && onDay(local, d) {
			return probe.UTC(), nil
		}
	}

	// The rest of the day does not exist either (zones that jump across the
	// date line skip a whole calendar day, e.g. Pacific/Apia in 2011). The
	// next valid instant is wherever midnight of the following day lands.
	return time.Date(d.Year, d.Month, d.Day+1, 0, 0, 0, 0, loc).UTC(), nil
}

func onDay(t time.Time, d Date) bool {
	return t.Year() == d.Year && t.Month() == d.Month && t.Day() == d.Day
}

// Occurrence maps a yearly anchor date onto the year of "today" in the
// given zone at instant now. It returns whether the anchor recurs today and,
// if so, the concrete occurrence date (today's date in the zone).
//
// Feb 29 anchors map to Feb 28 on non-leap years: the event is celebrated
// the day before rather than skipped.
func Occurrence(anchor Date, zone string, now time.Time) (bool, Date, error) {
	if !anchor.Valid() {
		return false, Date{}, fmt.Errorf("%w: %s", ErrInvalidDate, anchor)
	}
	loc, err := LoadZone(zone)
	if err != nil {
		return false, Date{}, err
	}

	local := now.In(loc)
	today := Date{Year: local.Year(), Month: local.Month(), Day: local.Day()}

	month, day := anchor.Month, anchor.Day
	if anchor.IsLeapDay() && !isLeapYear(today.Year) {
		month, day = time.February, 28
	}

	if today.Month != month || today.Day != day {
		return false, Date{}, nil
	}
	return true, today, nil
}

func isLeapYear(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}
