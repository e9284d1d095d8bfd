package domain

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day in UTC. The zero value is not a valid date.
type Date struct {
	t time.Time
}

// NewDate constructs a Date from year, month, and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a time to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Today returns the current UTC calendar day from the injected clock.
func Today() Date {
	return DateOf(clock.Now())
}

func (d Date) String() string     { return d.t.Format(dateLayout) }
func (d Date) Time() time.Time    { return d.t }
func (d Date) Year() int          { return d.t.Year() }
func (d Date) Month() time.Month  { return d.t.Month() }
func (d Date) Day() int           { return d.t.Day() }
func (d Date) IsZero() bool       { return d.t.IsZero() }
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) After(o Date) bool  { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool  { return d.t.Equal(o.t) }

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateOf(d.t.AddDate(0, 0, n))
}

// MonthKey returns the YYYY-MM archive key for the date's month.
func (d Date) MonthKey() string {
	return d.t.Format("2006-01")
}

// DaysSince returns the number of whole days from o to d.
func (d Date) DaysSince(o Date) int {
	return int(d.t.Sub(o.t) / (24 * time.Hour))
}

// DatesBetween enumerates all days from first to last inclusive.
// Returns nil when last precedes first.
func DatesBetween(first, last Date) []Date {
	if last.Before(first) {
		return nil
	}
	var out []Date
	for d := first; !d.After(last); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// ParseDateArg resolves the CLI date argument into an inclusive range.
// Accepted forms: an exact day (2024-03-05), a month (2024-03), a year
// (2024), or an explicit range joined by a colon (2024-03-01:2024-03-10).
func ParseDateArg(arg string) (first, last Date, err error) {
	if from, to, ok := strings.Cut(arg, ":"); ok {
		first, err = ParseDate(from)
		if err != nil {
			return Date{}, Date{}, err
		}
		last, err = ParseDate(to)
		if err != nil {
			return Date{}, Date{}, err
		}
		if last.Before(first) {
			return Date{}, Date{}, fmt.Errorf("range %q ends before it starts", arg)
		}
		return first, last, nil
	}

	switch len(arg) {
	case len("2006-01-02"):
		d, err := ParseDate(arg)
		if err != nil {
			return Date{}, Date{}, err
		}
		return d, d, nil
	case len("2006-01"):
		t, err := time.Parse("2006-01", arg)
		if err != nil {
			return Date{}, Date{}, fmt.Errorf("parse month %q: %w", arg, err)
		}
		first = NewDate(t.Year(), t.Month(), 1)
		return first, first.AddDays(daysInMonth(t.Year(), t.Month()) - 1), nil
	case len("2006"):
		t, err := time.Parse("2006", arg)
		if err != nil {
			return Date{}, Date{}, fmt.Errorf("parse year %q: %w", arg, err)
		}
		return NewDate(t.Year(), time.January, 1), NewDate(t.Year(), time.December, 31), nil
	}
	return Date{}, Date{}, fmt.Errorf("unrecognized date argument %q", arg)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// MonthsCovered returns the distinct YYYY-MM months the dates span,
// in first-seen order.
func MonthsCovered(dates []Date) []Date {
	seen := make(map[string]bool)
	var months []Date
	for _, d := range dates {
		key := d.MonthKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		months = append(months, NewDate(d.Year(), d.Month(), 1))
	}
	return months
}
