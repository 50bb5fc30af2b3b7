package recurrence

import "time"

// Daily repeats every day at the time of day of start.
func Daily(start time.Time) Expression {
	return atClockOf(start)
}

// Weekly repeats on the weekday of start.
func Weekly(start time.Time) Expression {
	e := atClockOf(start)
	e.DayOfWeek = SelectedWeekdays(weekdayNumber(start.Weekday()))
	return e
}

// Monthly repeats on the day of month of start. Months without that day are
// skipped.
func Monthly(start time.Time) Expression {
	e := atClockOf(start)
	e.DayOfMonth = SelectedDays(start.Day())
	return e
}

// Yearly repeats on the month and day of start.
func Yearly(start time.Time) Expression {
	e := Monthly(start)
	e.Month = SelectedMonths(int(start.Month()))
	return e
}

// Weekdays repeats Monday to Friday at the time of day of start.
func Weekdays(start time.Time) Expression {
	e := atClockOf(start)
	e.DayOfWeek = WeekdayRange(Monday, Friday)
	return e
}

func atClockOf(t time.Time) Expression {
	h, m, s := t.Clock()
	return Expression{Second: At(s), Minute: At(m), Hour: At(h)}
}

// Unit is a calendar unit a rule can be expressed in. Rules built by Daily,
// Weekly, Monthly and Yearly are unit rules: their k-th repetition lies k
// units after the anchor they were built from.
type Unit uint8

const (
	UnitNone Unit = iota
	UnitDay
	UnitWeek
	UnitMonth
	UnitYear
)

func (u Unit) String() string {
	switch u {
	case UnitDay:
		return "day"
	case UnitWeek:
		return "week"
	case UnitMonth:
		return "month"
	case UnitYear:
		return "year"
	default:
		return "none"
	}
}

// UnitOf reports the calendar unit of expr when it is exactly the unit rule
// built from anchor, and UnitNone otherwise.
func UnitOf(expr Expression, anchor time.Time) Unit {
	for _, u := range []Unit{UnitDay, UnitWeek, UnitMonth, UnitYear} {
		if u.Expression(anchor) == expr {
			return u
		}
	}
	return UnitNone
}

// Expression returns the unit rule anchored at anchor.
func (u Unit) Expression(anchor time.Time) Expression {
	switch u {
	case UnitDay:
		return Daily(anchor)
	case UnitWeek:
		return Weekly(anchor)
	case UnitMonth:
		return Monthly(anchor)
	case UnitYear:
		return Yearly(anchor)
	default:
		return Expression{}
	}
}
