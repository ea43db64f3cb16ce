// Package daterange provides day-granularity date ranges and overlap tests
// for loan scheduling. Time-of-day is always discarded: two timestamps on the
// same calendar day compare equal.
package daterange

import (
	"time"

	"github.com/EPFLSWENT2024G1/partageix/internal/errs"
)

// Range is an inclusive day-granularity interval. Start and End are
// normalized to UTC midnight.
type Range struct {
	Start time.Time
	End   time.Time
}

// Day truncates t to its calendar day in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// New builds a normalized range. Returns errs.ErrInvalidRange when the
// normalized start is after the normalized end.
func New(start, end time.Time) (Range, error) {
	r := Range{Start: Day(start), End: Day(end)}
	if r.Start.After(r.End) {
		return Range{}, errs.ErrInvalidRange
	}
	return r, nil
}

// Days enumerates every calendar day of the range, inclusive.
func (r Range) Days() []time.Time {
	days := make([]time.Time, 0, int(r.End.Sub(r.Start).Hours()/24)+1)
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Overlaps reports whether the two ranges share at least one day.
// Closed-interval test: startA <= endB && startB <= endA.
func (r Range) Overlaps(other Range) bool {
	return !r.Start.After(other.End) && !other.Start.After(r.End)
}

// Contains reports whether day d falls inside the range.
func (r Range) Contains(d time.Time) bool {
	d = Day(d)
	return !d.Before(r.Start) && !d.After(r.End)
}

// FromLoan extracts the range of a loan without re-validating it; loans are
// validated on creation.
func FromLoan(start, end time.Time) Range {
	return Range{Start: Day(start), End: Day(end)}
}
