// Package recurrence holds the pure calendar arithmetic of the recurring
// task engine. It performs no I/O: callers pass already normalized
// calendar dates (midnight in the actor's timezone, expressed as midnight
// UTC per the store's convention) so date-only math never shifts a day.
package recurrence

import (
	"time"

	"taskplan/internal/model"
)

// DateOnly truncates t to midnight UTC of its calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the actor's current calendar date as midnight UTC.
func Today(loc *time.Location) time.Time {
	return DateOnly(time.Now().In(loc))
}

// NextDueDate computes the occurrence following anchor under the rule.
// It returns ok=false when the rule is inactive or the candidate falls
// past the inclusive end date.
//
// Edge policy: a non-positive interval is treated as 1; an unknown
// frequency behaves as none.
func NextDueDate(r Rule, anchor time.Time) (time.Time, bool) {
	interval := r.Interval
	if interval <= 0 {
		interval = 1
	}
	a := DateOnly(anchor)

	var next time.Time
	switch r.Freq {
	case model.RecurDaily:
		next = a.AddDate(0, 0, interval)
	case model.RecurWeekly:
		next = nextWeekly(a, r.Weekday, interval)
	case model.RecurMonthly:
		next = advanceMonths(a, interval, r)
	case model.RecurYearly:
		next = advanceMonths(a, 12*interval, r)
	default:
		return time.Time{}, false
	}

	if r.EndDate != nil && next.After(DateOnly(*r.EndDate)) {
		return time.Time{}, false
	}
	return next, true
}

// nextWeekly advances to the next occurrence of the target weekday at or
// after anchor+1 day. When the anchor already sits on the target weekday a
// full interval of weeks is skipped rather than returning the same day.
// Without a target weekday the rule is a plain interval of weeks.
func nextWeekly(a time.Time, weekday *time.Weekday, interval int) time.Time {
	if weekday == nil {
		return a.AddDate(0, 0, 7*interval)
	}
	days := (int(*weekday) - int(a.Weekday()) + 7) % 7
	if days == 0 {
		days = 7 * interval
	}
	return a.AddDate(0, 0, days)
}

// advanceMonths moves the anchor forward by a whole number of months and
// lands on the day the rule selects: an explicit month-day, the Nth weekday
// of the month, or the anchor's own day. Days past the end of a short month
// clamp to its last day (Jan 31 + 1 month is Feb 28/29, never Mar 3).
func advanceMonths(a time.Time, months int, r Rule) time.Time {
	year, month, day := a.Date()
	total := int(month) - 1 + months
	year += total / 12
	month = time.Month(total%12 + 1)

	switch {
	case r.WeekOfMonth != nil && r.Weekday != nil:
		return nthWeekdayOfMonth(year, month, *r.Weekday, *r.WeekOfMonth)
	case r.MonthDay != nil:
		return clampToMonth(year, month, *r.MonthDay)
	default:
		return clampToMonth(year, month, day)
	}
}

func clampToMonth(year int, month time.Month, day int) time.Time {
	if last := daysInMonth(month, year); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// nthWeekdayOfMonth returns the Nth occurrence of the weekday in the month;
// an ordinal past the last occurrence (a fifth Friday in a four-Friday
// month) clamps to the last one.
func nthWeekdayOfMonth(year int, month time.Month, wd time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	day := 1 + offset + 7*(n-1)
	for day > daysInMonth(month, year) {
		day -= 7
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(month time.Month, year int) int {
	// Move to next month, roll back a day.
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 1, -1).Day()
}
