package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// ParseDate reads a YYYY-MM-DD calendar date as local midnight in loc.
// The components are parsed explicitly so the weekday never shifts with the UTC offset.
func ParseDate(date string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}

	parts := strings.Split(date, "-")
	if len(parts) != 3 || len(parts[0]) != 4 || len(parts[1]) != 2 || len(parts[2]) != 2 {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}

	y, errY := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	d, errD := strconv.Atoi(parts[2])
	if errY != nil || errM != nil || errD != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}

	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, loc)
	// time.Date normalises overflow (2024-02-30 -> 2024-03-01); reject it
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, fmt.Errorf("invalid date %q: no such calendar day", date)
	}
	return t, nil
}

// FormatDate renders t as YYYY-MM-DD in loc
func FormatDate(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(dateLayout)
}

// Today returns the current clinic-local date
func Today(now time.Time, loc *time.Location) string {
	return FormatDate(now, loc)
}

// WeekdayName returns the English weekday of a YYYY-MM-DD date, as used for working-day keys
func WeekdayName(date string, loc *time.Location) (string, error) {
	t, err := ParseDate(date, loc)
	if err != nil {
		return "", err
	}
	return t.Weekday().String(), nil
}

// IsPastDate reports whether date is before the clinic-local today
func IsPastDate(date string, now time.Time, loc *time.Location) (bool, error) {
	if _, err := ParseDate(date, loc); err != nil {
		return false, err
	}
	// YYYY-MM-DD compares lexically in calendar order
	return date < Today(now, loc), nil
}

// parseClock converts HH:MM to minutes since midnight
func parseClock(hhmm string) (int, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(hhmm))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", hhmm)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// formatClock converts minutes since midnight to HH:MM
func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
