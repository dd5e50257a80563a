// Package cron evaluates five-field cron expressions
// (minute hour day-of-month month day-of-week) minute by minute.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxScanMinutes bounds the forward search of NextFireAfter to one leap year.
const MaxScanMinutes = 366 * 24 * 60

// ErrInvalidExpression is returned for malformed or out-of-range expressions
var ErrInvalidExpression = errors.New("invalid cron expression")

type bounds struct {
	name   string
	min    int
	max    int
	sunday bool // 7 is an alias of 0
	names  map[string]int
}

var (
	minuteBounds = bounds{name: "minute", min: 0, max: 59}
	hourBounds   = bounds{name: "hour", min: 0, max: 23}
	domBounds    = bounds{name: "day-of-month", min: 1, max: 31}
	monthBounds  = bounds{name: "month", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	dowBounds = bounds{name: "day-of-week", min: 0, max: 7, sunday: true, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

// Schedule is an immutable matcher built from a cron expression
type Schedule struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
	domAny bool
	dowAny bool
}

// Parse builds a Schedule from a five-field expression. Any malformed or
// out-of-range field rejects the whole expression.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidExpression, len(fields))
	}

	s := &Schedule{expr: strings.Join(fields, " ")}
	var err error
	if s.minute, _, err = parseField(fields[0], minuteBounds); err != nil {
		return nil, err
	}
	if s.hour, _, err = parseField(fields[1], hourBounds); err != nil {
		return nil, err
	}
	if s.dom, s.domAny, err = parseField(fields[2], domBounds); err != nil {
		return nil, err
	}
	if s.month, _, err = parseField(fields[3], monthBounds); err != nil {
		return nil, err
	}
	if s.dow, s.dowAny, err = parseField(fields[4], dowBounds); err != nil {
		return nil, err
	}
	return s, nil
}

// String returns the normalized expression
func (s *Schedule) String() string {
	return s.expr
}

// NextFireAfter returns the first minute strictly after from that matches the
// schedule, evaluated in loc. It reports false when nothing matches within
// MaxScanMinutes, e.g. for "0 0 30 2 *".
func (s *Schedule) NextFireAfter(from time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	t := from.In(loc)
	t = t.Add(-time.Duration(t.Second())*time.Second - time.Duration(t.Nanosecond()))
	t = t.Add(time.Minute)

	for i := 0; i < MaxScanMinutes; i++ {
		if s.Matches(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}

// Matches reports whether the minute containing t (in t's location) fires.
func (s *Schedule) Matches(t time.Time) bool {
	if !has(s.month, int(t.Month())) || !has(s.hour, t.Hour()) || !has(s.minute, t.Minute()) {
		return false
	}

	domMatch := has(s.dom, t.Day())
	dowMatch := has(s.dow, int(t.Weekday()))
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dowMatch
	case s.dowAny:
		return domMatch
	default:
		// both restricted: either one is enough
		return domMatch || dowMatch
	}
}

func has(bits uint64, v int) bool {
	return bits&(1<<uint(v)) != 0
}

// parseField parses one field into a bitset. wildcard is true only for a bare
// "*" or "?".
func parseField(text string, b bounds) (bits uint64, wildcard bool, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false, fieldError(b, text, "empty")
	}
	if text == "*" || text == "?" {
		return span(b.min, b.max), true, nil
	}

	for _, part := range strings.Split(text, ",") {
		if strings.TrimSpace(part) == "" {
			return 0, false, fieldError(b, text, "empty list item")
		}

		base, stepText, stepped := strings.Cut(part, "/")
		step := 1
		if stepped {
			step, err = strconv.Atoi(stepText)
			if err != nil || step <= 0 {
				return 0, false, fieldError(b, text, "bad step")
			}
		}

		var start, end int
		switch {
		case base == "*" || base == "?":
			start, end = b.min, b.max
		case strings.Contains(base, "-"):
			lo, hi, _ := strings.Cut(base, "-")
			if start, err = b.value(lo); err != nil {
				return 0, false, fieldError(b, text, "bad range")
			}
			if end, err = b.value(hi); err != nil {
				return 0, false, fieldError(b, text, "bad range")
			}
			if start > end {
				return 0, false, fieldError(b, text, "range start after end")
			}
		default:
			if start, err = b.value(base); err != nil {
				return 0, false, fieldError(b, text, "not a number")
			}
			end = start
		}

		for v := start; v <= end; v += step {
			n := v
			if b.sunday && n == 7 {
				n = 0
			}
			if n < b.min || n > b.max {
				return 0, false, fieldError(b, text, "value out of range")
			}
			bits |= 1 << uint(n)
		}
	}

	if bits == 0 {
		return 0, false, fieldError(b, text, "matches nothing")
	}
	return bits, false, nil
}

// value parses a number or, for month and day-of-week, a three-letter name.
func (b bounds) value(text string) (int, error) {
	if v, ok := b.names[strings.ToLower(text)]; ok {
		return v, nil
	}
	return strconv.Atoi(text)
}

func span(lo, hi int) uint64 {
	var bits uint64
	for v := lo; v <= hi; v++ {
		bits |= 1 << uint(v)
	}
	return bits
}

func fieldError(b bounds, text, reason string) error {
	return fmt.Errorf("%w: %s field %q: %s", ErrInvalidExpression, b.name, text, reason)
}
