// Package recurrence models cron-style recurrence expressions with the
// extensions calendar users need (last day of month, ordinal weekdays, month
// and year intervals) and evaluates them forward from a reference time.
//
// An expression has six or seven positional fields:
//
//	seconds minutes hours day-of-month month day-of-week [year]
//
// Every field is a closed set of variants (see the *Kind types). Expressions
// are comparable values: two expressions are == exactly when they select the
// same variants with the same parameters.
package recurrence

import (
	"math/bits"
	"time"
)

// Weekday numbers follow the cron convention used by the text format.
const (
	Sunday = iota + 1
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

// LastOrdinal selects the last matching weekday of a month ("MON#L").
const LastOrdinal = -1

// TimeField is a seconds, minutes or hours field: every unit or one value.
type TimeField struct {
	Any   bool
	Value int
}

// Every matches every value of the unit.
func Every() TimeField { return TimeField{Any: true} }

// At matches a single value of the unit.
func At(v int) TimeField { return TimeField{Value: v} }

func (f TimeField) matches(v int) bool {
	return f.Any || f.Value == v
}

type DayOfMonthKind uint8

const (
	DayOfMonthAll DayOfMonthKind = iota
	DayOfMonthSelected
	DayOfMonthInterval
	DayOfMonthLast
)

// DayOfMonth restricts the day within a month.
type DayOfMonth struct {
	Kind DayOfMonthKind
	// Days has bit d set for each selected day d (DayOfMonthSelected).
	Days uint32
	// Start and Step describe DayOfMonthInterval: Start, Start+Step, ...
	Start int
	Step  int
}

func AllDays() DayOfMonth { return DayOfMonth{} }

func SelectedDays(days ...int) DayOfMonth {
	d := DayOfMonth{Kind: DayOfMonthSelected}
	for _, v := range days {
		d.Days |= 1 << uint(v)
	}
	return d
}

func DaysFrom(start, step int) DayOfMonth {
	return DayOfMonth{Kind: DayOfMonthInterval, Start: start, Step: step}
}

func LastDayOfMonth() DayOfMonth { return DayOfMonth{Kind: DayOfMonthLast} }

// Restricted reports whether the field is anything other than the wildcard.
func (d DayOfMonth) Restricted() bool { return d.Kind != DayOfMonthAll }

func (d DayOfMonth) matches(day, lastDay int) bool {
	switch d.Kind {
	case DayOfMonthSelected:
		return d.Days&(1<<uint(day)) != 0
	case DayOfMonthInterval:
		if d.Step <= 0 {
			return day == d.Start
		}
		return day >= d.Start && (day-d.Start)%d.Step == 0
	case DayOfMonthLast:
		return day == lastDay
	default:
		return true
	}
}

// List returns the selected days in ascending order. It is nil for the
// wildcard and for the last day of the month.
func (d DayOfMonth) List() []int {
	if d.Kind != DayOfMonthSelected && d.Kind != DayOfMonthInterval {
		return nil
	}
	var out []int
	for day := 1; day <= 31; day++ {
		if d.matches(day, 31) {
			out = append(out, day)
		}
	}
	return out
}

type MonthKind uint8

const (
	MonthAll MonthKind = iota
	MonthSelected
	MonthInterval
)

// Month restricts the month of the year.
//
// A positive interval step selects Anchor, Anchor+Step, ... up to December.
// A negative step counts backward from the anchor: Anchor, Anchor-|Step|, ...
// down to January, which expresses "the last such month" style rules.
type Month struct {
	Kind   MonthKind
	Months uint16
	Anchor int
	Step   int
}

func AllMonths() Month { return Month{} }

func SelectedMonths(months ...int) Month {
	m := Month{Kind: MonthSelected}
	for _, v := range months {
		m.Months |= 1 << uint(v)
	}
	return m
}

func MonthsEvery(anchor, step int) Month {
	return Month{Kind: MonthInterval, Anchor: anchor, Step: step}
}

func (m Month) matches(month int) bool {
	switch m.Kind {
	case MonthSelected:
		return m.Months&(1<<uint(month)) != 0
	case MonthInterval:
		return stepMatches(m.Anchor, m.Step, month)
	default:
		return true
	}
}

// List returns the months the field selects, in ascending order.
func (m Month) List() []int {
	out := make([]int, 0, 12)
	for month := 1; month <= 12; month++ {
		if m.matches(month) {
			out = append(out, month)
		}
	}
	return out
}

type DayOfWeekKind uint8

const (
	DayOfWeekAll DayOfWeekKind = iota
	DayOfWeekSelected
	DayOfWeekRange
	DayOfWeekOrdinal
)

// DayOfWeek restricts the weekday. Ranges are kept symbolic (MON-FRI) rather
// than expanded, and may wrap around the end of the week (SAT-SUN).
type DayOfWeek struct {
	Kind DayOfWeekKind
	// Days has bit d set for each selected weekday number d.
	Days uint8
	// Start and End bound a DayOfWeekRange, both inclusive.
	Start int
	End   int
	// Weekday and Ordinal describe DayOfWeekOrdinal; Ordinal is 1..5 or
	// LastOrdinal.
	Weekday int
	Ordinal int
}

func AllWeekdays() DayOfWeek { return DayOfWeek{} }

func SelectedWeekdays(days ...int) DayOfWeek {
	w := DayOfWeek{Kind: DayOfWeekSelected}
	for _, v := range days {
		w.Days |= 1 << uint(v)
	}
	return w
}

func WeekdayRange(start, end int) DayOfWeek {
	return DayOfWeek{Kind: DayOfWeekRange, Start: start, End: end}
}

func NthWeekday(weekday, ordinal int) DayOfWeek {
	return DayOfWeek{Kind: DayOfWeekOrdinal, Weekday: weekday, Ordinal: ordinal}
}

func (w DayOfWeek) Restricted() bool { return w.Kind != DayOfWeekAll }

// IsWeekdays reports whether the field is the Monday to Friday range.
func (w DayOfWeek) IsWeekdays() bool {
	return w.Kind == DayOfWeekRange && w.Start == Monday && w.End == Friday
}

// IsWeekends reports whether the field is the Saturday to Sunday range.
func (w DayOfWeek) IsWeekends() bool {
	return w.Kind == DayOfWeekRange && w.Start == Saturday && w.End == Sunday
}

// IsSingleDay reports whether exactly one weekday is selected.
func (w DayOfWeek) IsSingleDay() bool {
	return w.Kind == DayOfWeekSelected && bits.OnesCount8(w.Days) == 1
}

// List returns the weekday numbers of a Selected or Range field in ascending
// order, and nil for the other kinds.
func (w DayOfWeek) List() []int {
	var out []int
	for wd := Sunday; wd <= Saturday; wd++ {
		switch w.Kind {
		case DayOfWeekSelected:
			if w.Days&(1<<uint(wd)) != 0 {
				out = append(out, wd)
			}
		case DayOfWeekRange:
			if (w.Start <= w.End && wd >= w.Start && wd <= w.End) ||
				(w.Start > w.End && (wd >= w.Start || wd <= w.End)) {
				out = append(out, wd)
			}
		}
	}
	return out
}

func (w DayOfWeek) matches(t time.Time, lastDay int) bool {
	wd := weekdayNumber(t.Weekday())
	switch w.Kind {
	case DayOfWeekSelected:
		return w.Days&(1<<uint(wd)) != 0
	case DayOfWeekRange:
		if w.Start <= w.End {
			return wd >= w.Start && wd <= w.End
		}
		return wd >= w.Start || wd <= w.End
	case DayOfWeekOrdinal:
		if wd != w.Weekday {
			return false
		}
		if w.Ordinal == LastOrdinal {
			return t.Day()+7 > lastDay
		}
		return (t.Day()-1)/7+1 == w.Ordinal
	default:
		return true
	}
}

type YearKind uint8

const (
	YearAll YearKind = iota
	YearExact
	YearInterval
)

// Year restricts the year. Interval steps are signed like Month steps.
type Year struct {
	Kind   YearKind
	Anchor int
	Step   int
}

func AllYears() Year { return Year{} }

func InYear(year int) Year { return Year{Kind: YearExact, Anchor: year} }

func YearsEvery(anchor, step int) Year {
	return Year{Kind: YearInterval, Anchor: anchor, Step: step}
}

func (y Year) matches(year int) bool {
	switch y.Kind {
	case YearExact:
		return year == y.Anchor
	case YearInterval:
		return stepMatches(y.Anchor, y.Step, year)
	default:
		return true
	}
}

// exhausted reports whether no year after year can match.
func (y Year) exhausted(year int) bool {
	switch y.Kind {
	case YearExact:
		return year > y.Anchor
	case YearInterval:
		return y.Step < 0 && year > y.Anchor
	default:
		return false
	}
}

// Expression is a parsed recurrence expression.
type Expression struct {
	Second     TimeField
	Minute     TimeField
	Hour       TimeField
	DayOfMonth DayOfMonth
	Month      Month
	DayOfWeek  DayOfWeek
	Year       Year
}

// Matches reports whether t satisfies every field of e.
func (e Expression) Matches(t time.Time) bool {
	return e.Year.matches(t.Year()) &&
		e.Month.matches(int(t.Month())) &&
		e.dayMatches(t) &&
		e.Hour.matches(t.Hour()) &&
		e.Minute.matches(t.Minute()) &&
		e.Second.matches(t.Second())
}

func (e Expression) dayMatches(t time.Time) bool {
	last := daysIn(t.Year(), t.Month())
	return e.DayOfMonth.matches(t.Day(), last) && e.DayOfWeek.matches(t, last)
}

func stepMatches(anchor, step, v int) bool {
	switch {
	case step == 0:
		return v == anchor
	case step > 0:
		return v >= anchor && (v-anchor)%step == 0
	default:
		return v <= anchor && (anchor-v)%(-step) == 0
	}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func weekdayNumber(w time.Weekday) int {
	return int(w) + 1
}
