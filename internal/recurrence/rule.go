package recurrence

import (
	"errors"
	"fmt"
	"time"

	"taskplan/internal/model"
)

// ErrInvalidRule marks a malformed interval/weekday/month-day combination.
// Rules are rejected at template save time, never at generation time.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Rule is the typed form of a template's recurrence settings. Only the
// fields relevant to each frequency are populated; Validate rejects
// combinations the evaluator cannot interpret.
type Rule struct {
	Freq     model.RecurrenceType
	Interval int

	// EndDate is the inclusive cutoff: a candidate equal to it is still valid.
	EndDate *time.Time

	// Weekday selects the target day for weekly rules and, together with
	// WeekOfMonth, the "Nth weekday of month" mode for monthly/yearly rules.
	Weekday     *time.Weekday
	MonthDay    *int
	WeekOfMonth *int

	// CompletionBased schedules the next occurrence from completion time
	// rather than from the fixed calendar cadence.
	CompletionBased bool
}

// FromTask builds the typed rule from a template's stored columns.
func FromTask(t *model.Task) Rule {
	r := Rule{
		Freq:            t.RecurrenceType,
		Interval:        t.RecurrenceInterval,
		EndDate:         t.RecurrenceEndDate,
		MonthDay:        t.RecurrenceMonthDay,
		WeekOfMonth:     t.RecurrenceWeekOfMonth,
		CompletionBased: t.CompletionBased,
	}
	if t.RecurrenceWeekday != nil {
		wd := time.Weekday(*t.RecurrenceWeekday)
		r.Weekday = &wd
	}
	return r
}

// Validate checks the rule at save time. The zero frequency ("" / none) is
// valid and means no recurrence.
func (r Rule) Validate() error {
	switch r.Freq {
	case "", model.RecurNone:
		return nil
	case model.RecurDaily, model.RecurWeekly, model.RecurMonthly, model.RecurYearly:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Freq)
	}

	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidRule, r.Interval)
	}
	if r.Weekday != nil && (*r.Weekday < time.Sunday || *r.Weekday > time.Saturday) {
		return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, *r.Weekday)
	}

	switch r.Freq {
	case model.RecurDaily:
		if r.Weekday != nil || r.MonthDay != nil || r.WeekOfMonth != nil {
			return fmt.Errorf("%w: daily rules take no weekday or month-day", ErrInvalidRule)
		}
	case model.RecurWeekly:
		if r.MonthDay != nil || r.WeekOfMonth != nil {
			return fmt.Errorf("%w: weekly rules take no month-day", ErrInvalidRule)
		}
	case model.RecurMonthly, model.RecurYearly:
		if r.MonthDay != nil && r.WeekOfMonth != nil {
			return fmt.Errorf("%w: month-day and week-of-month are mutually exclusive", ErrInvalidRule)
		}
		if r.MonthDay != nil && (*r.MonthDay < 1 || *r.MonthDay > 31) {
			return fmt.Errorf("%w: month-day %d out of range", ErrInvalidRule, *r.MonthDay)
		}
		if r.WeekOfMonth != nil {
			if *r.WeekOfMonth < 1 || *r.WeekOfMonth > 5 {
				return fmt.Errorf("%w: week-of-month %d out of range", ErrInvalidRule, *r.WeekOfMonth)
			}
			if r.Weekday == nil {
				return fmt.Errorf("%w: week-of-month requires a weekday", ErrInvalidRule)
			}
		}
	}
	return nil
}

// Active reports whether the rule produces occurrences at all.
func (r Rule) Active() bool {
	switch r.Freq {
	case model.RecurDaily, model.RecurWeekly, model.RecurMonthly, model.RecurYearly:
		return true
	}
	return false
}
