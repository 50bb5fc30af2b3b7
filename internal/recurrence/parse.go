package recurrence

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidExpression is the sentinel behind every parse failure.
var ErrInvalidExpression = errors.New("invalid recurrence expression")

// ParseError describes which field of an expression could not be parsed.
type ParseError struct {
	Expr   string
	Field  string
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("%s: %q: %s: %s", ErrInvalidExpression, e.Expr, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %q: %s %q: %s", ErrInvalidExpression, e.Expr, e.Field, e.Token, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrInvalidExpression }

var monthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var weekdayNames = map[string]int{
	"SUN": Sunday, "MON": Monday, "TUE": Tuesday, "WED": Wednesday,
	"THU": Thursday, "FRI": Friday, "SAT": Saturday,
}

// fieldError is returned by the per-field parsers and turned into a
// ParseError by Parse.
type fieldError struct {
	reason string
}

func (e fieldError) Error() string { return e.reason }

func failf(format string, args ...any) error {
	return fieldError{reason: fmt.Sprintf(format, args...)}
}

// MustParse is like Parse but panics on error. It is meant for constants in
// tests and package initialisation.
func MustParse(text string) Expression {
	e, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return e
}

// Parse parses a six or seven field expression:
//
//	seconds minutes hours day-of-month month day-of-week [year]
//
// Day-of-month and day-of-week may not both be restricted; the unrestricted
// one is written as "?" (or "*").
func Parse(text string) (Expression, error) {
	var e Expression

	fields := strings.Fields(text)
	if len(fields) != 6 && len(fields) != 7 {
		return e, &ParseError{
			Expr:   text,
			Field:  "expression",
			Reason: fmt.Sprintf("expected 6 or 7 fields, got %d", len(fields)),
		}
	}

	wrap := func(field, token string, err error) error {
		return &ParseError{Expr: text, Field: field, Token: token, Reason: err.Error()}
	}

	var err error
	if e.Second, err = parseTimeField(fields[0], 59); err != nil {
		return Expression{}, wrap("seconds", fields[0], err)
	}
	if e.Minute, err = parseTimeField(fields[1], 59); err != nil {
		return Expression{}, wrap("minutes", fields[1], err)
	}
	if e.Hour, err = parseTimeField(fields[2], 23); err != nil {
		return Expression{}, wrap("hours", fields[2], err)
	}
	if e.DayOfMonth, err = parseDayOfMonth(fields[3]); err != nil {
		return Expression{}, wrap("day-of-month", fields[3], err)
	}
	if e.Month, err = parseMonth(fields[4]); err != nil {
		return Expression{}, wrap("month", fields[4], err)
	}
	if e.DayOfWeek, err = parseDayOfWeek(fields[5]); err != nil {
		return Expression{}, wrap("day-of-week", fields[5], err)
	}
	if len(fields) == 7 {
		if e.Year, err = parseYear(fields[6]); err != nil {
			return Expression{}, wrap("year", fields[6], err)
		}
	}

	if e.DayOfMonth.Restricted() && e.DayOfWeek.Restricted() {
		reason := "day-of-month and day-of-week cannot both be restricted; use '?' for one of them"
		if e.DayOfWeek.Kind == DayOfWeekOrdinal {
			reason = "ordinal weekday cannot be combined with a day-of-month restriction"
		}
		return Expression{}, &ParseError{Expr: text, Field: "day-of-month/day-of-week", Reason: reason}
	}

	return e, nil
}

func parseTimeField(tok string, max int) (TimeField, error) {
	if tok == "*" {
		return Every(), nil
	}
	v, err := parseNumber(tok, 0, max)
	if err != nil {
		return TimeField{}, err
	}
	return At(v), nil
}

func parseDayOfMonth(tok string) (DayOfMonth, error) {
	switch strings.ToUpper(tok) {
	case "*", "?":
		return AllDays(), nil
	case "L":
		return LastDayOfMonth(), nil
	}

	if base, step, ok := strings.Cut(tok, "/"); ok {
		start := 1
		if base != "*" {
			v, err := parseNumber(base, 1, 31)
			if err != nil {
				return DayOfMonth{}, err
			}
			start = v
		}
		s, err := parseNumber(step, 1, 31)
		if err != nil {
			return DayOfMonth{}, err
		}
		return DaysFrom(start, s), nil
	}

	days, err := parseSet(tok, 1, 31, nil)
	if err != nil {
		return DayOfMonth{}, err
	}
	return DayOfMonth{Kind: DayOfMonthSelected, Days: uint32(days)}, nil
}

func parseMonth(tok string) (Month, error) {
	if tok == "*" {
		return AllMonths(), nil
	}

	if base, step, ok := strings.Cut(tok, "/"); ok {
		anchor := 1
		if base != "*" {
			v, err := parseNamed(base, 1, 12, monthNames)
			if err != nil {
				return Month{}, err
			}
			anchor = v
		}
		s, err := parseSignedStep(step, 12)
		if err != nil {
			return Month{}, err
		}
		return MonthsEvery(anchor, s), nil
	}

	months, err := parseSet(tok, 1, 12, monthNames)
	if err != nil {
		return Month{}, err
	}
	return Month{Kind: MonthSelected, Months: uint16(months)}, nil
}

func parseDayOfWeek(tok string) (DayOfWeek, error) {
	if tok == "*" || tok == "?" {
		return AllWeekdays(), nil
	}
	if strings.Contains(tok, "/") {
		return DayOfWeek{}, failf("intervals are not supported for weekdays")
	}

	if day, nth, ok := strings.Cut(tok, "#"); ok {
		wd, err := parseNamed(day, Sunday, Saturday, weekdayNames)
		if err != nil {
			return DayOfWeek{}, err
		}
		if strings.EqualFold(nth, "L") {
			return NthWeekday(wd, LastOrdinal), nil
		}
		n, err := parseNumber(nth, 1, 5)
		if err != nil {
			return DayOfWeek{}, err
		}
		return NthWeekday(wd, n), nil
	}

	if !strings.Contains(tok, ",") {
		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			start, err := parseNamed(lo, Sunday, Saturday, weekdayNames)
			if err != nil {
				return DayOfWeek{}, err
			}
			end, err := parseNamed(hi, Sunday, Saturday, weekdayNames)
			if err != nil {
				return DayOfWeek{}, err
			}
			return WeekdayRange(start, end), nil
		}
	}

	days, err := parseSet(tok, Sunday, Saturday, weekdayNames)
	if err != nil {
		return DayOfWeek{}, err
	}
	return DayOfWeek{Kind: DayOfWeekSelected, Days: uint8(days)}, nil
}

func parseYear(tok string) (Year, error) {
	if tok == "*" {
		return AllYears(), nil
	}
	if base, step, ok := strings.Cut(tok, "/"); ok {
		anchor, err := parseNumber(base, 1, 9999)
		if err != nil {
			return Year{}, err
		}
		s, err := parseSignedStep(step, 9999)
		if err != nil {
			return Year{}, err
		}
		return YearsEvery(anchor, s), nil
	}
	v, err := parseNumber(tok, 1, 9999)
	if err != nil {
		return Year{}, err
	}
	return InYear(v), nil
}

// parseSet parses a comma separated list of values and inclusive ranges into
// a bit set.
func parseSet(tok string, min, max int, names map[string]int) (uint64, error) {
	var set uint64
	for _, item := range strings.Split(tok, ",") {
		if item == "" {
			return 0, failf("empty list item")
		}
		lo, hi, isRange := strings.Cut(item, "-")
		start, err := parseNamed(lo, min, max, names)
		if err != nil {
			return 0, err
		}
		end := start
		if isRange {
			if end, err = parseNamed(hi, min, max, names); err != nil {
				return 0, err
			}
			if end < start {
				return 0, failf("range %s is reversed", item)
			}
		}
		for v := start; v <= end; v++ {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func parseNamed(tok string, min, max int, names map[string]int) (int, error) {
	if v, ok := names[strings.ToUpper(tok)]; ok {
		return v, nil
	}
	return parseNumber(tok, min, max)
}

func parseNumber(tok string, min, max int) (int, error) {
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, failf("%q is not a number", tok)
	}
	if v < min || v > max {
		return 0, failf("%d out of range [%d, %d]", v, min, max)
	}
	return v, nil
}

func parseSignedStep(tok string, max int) (int, error) {
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, failf("step %q is not a number", tok)
	}
	if v == 0 || v > max || v < -max {
		return 0, failf("step %d out of range", v)
	}
	return v, nil
}
