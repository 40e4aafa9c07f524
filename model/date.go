package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is a publication date with optional month and day precision.
// Month and Day are zero when unknown.
type Date struct {
	Year  int `json:"year"`
	Month int `json:"month,omitempty"`
	Day   int `json:"day,omitempty"`
}

// ParseDate parses "YYYY", "YYYY-MM" or "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "-")
	if s == "" || len(parts) > 3 {
		return Date{}, Invalid("publication_date", fmt.Sprintf("unparseable date %q", s))
	}
	var nums [3]int
	widths := [3]int{4, 2, 2}
	for i, p := range parts {
		if len(p) != widths[i] {
			return Date{}, Invalid("publication_date", fmt.Sprintf("unparseable date %q", s))
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Date{}, Invalid("publication_date", fmt.Sprintf("unparseable date %q", s))
		}
		nums[i] = n
	}
	d := Date{Year: nums[0], Month: nums[1], Day: nums[2]}
	if err := d.Validate(); err != nil {
		return Date{}, err
	}
	return d, nil
}

// MustParseDate is ParseDate that panics on error. Intended for tests and constants.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Validate checks the ranges of the date fields.
func (d Date) Validate() error {
	if d.Year < 1 || d.Year > 9999 {
		return Invalid("publication_date", fmt.Sprintf("year %d out of range", d.Year))
	}
	if d.Month < 0 || d.Month > 12 {
		return Invalid("publication_date", fmt.Sprintf("month %d out of range", d.Month))
	}
	if d.Month == 0 && d.Day != 0 {
		return Invalid("publication_date", "day without month")
	}
	if d.Day != 0 {
		last := time.Date(d.Year, time.Month(d.Month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
		if d.Day < 1 || d.Day > last {
			return Invalid("publication_date", fmt.Sprintf("day %d out of range", d.Day))
		}
	}
	return nil
}

// String renders the date at its known precision.
func (d Date) String() string {
	switch {
	case d.Month == 0:
		return fmt.Sprintf("%04d", d.Year)
	case d.Day == 0:
		return fmt.Sprintf("%04d-%02d", d.Year, d.Month)
	default:
		return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
	}
}

// Ordinal maps the date onto an integer that sorts chronologically.
// Unknown month or day sort first within their enclosing period.
func (d Date) Ordinal() int {
	return d.Year*10000 + d.Month*100 + d.Day
}

// Before reports whether d sorts strictly before o.
func (d Date) Before(o Date) bool { return d.Ordinal() < o.Ordinal() }

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
