package ics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/teambition/rrule-go"

	"recurcal/internal/recurrence"
)

// ErrUnsupportedRule is returned when a rule has no equivalent in the other
// notation.
var ErrUnsupportedRule = errors.New("rule cannot be converted")

// UnboundedImportSpan bounds imported RRULEs that have neither COUNT nor
// UNTIL.
const UnboundedImportSpan = 1 // year

// rrule-go numbers weekdays from Monday.
var rruleWeekdays = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

func toRRuleWeekday(wd int) rrule.Weekday {
	return rruleWeekdays[(wd+5)%7]
}

func fromRRuleWeekday(wd rrule.Weekday) int {
	return (wd.Day()+1)%7 + 1
}

// RRule renders the series rooted at start as RRULE options. The first
// occurrence of the options is start itself only when start matches expr;
// callers compare the expansion against the real events before relying on
// it.
func RRule(expr recurrence.Expression, cond *recurrence.Condition, start time.Time) (rrule.ROption, error) {
	opt := rrule.ROption{Dtstart: start, Interval: 1}

	if expr.Second.Any || expr.Minute.Any || expr.Hour.Any {
		return opt, errors.Wrap(ErrUnsupportedRule, "sub-daily repetition")
	}
	if expr.Year.Kind != recurrence.YearAll {
		return opt, errors.Wrap(ErrUnsupportedRule, "year restriction")
	}
	opt.Byhour = []int{expr.Hour.Value}
	opt.Byminute = []int{expr.Minute.Value}
	opt.Bysecond = []int{expr.Second.Value}

	if expr.Month.Kind != recurrence.MonthAll {
		opt.Bymonth = expr.Month.List()
		if len(opt.Bymonth) == 0 {
			return opt, errors.Wrap(ErrUnsupportedRule, "empty month set")
		}
	}

	switch {
	case expr.DayOfWeek.Kind == recurrence.DayOfWeekOrdinal:
		opt.Freq = rrule.MONTHLY
		wd := toRRuleWeekday(expr.DayOfWeek.Weekday)
		opt.Byweekday = []rrule.Weekday{wd.Nth(expr.DayOfWeek.Ordinal)}
	case expr.DayOfWeek.Restricted():
		opt.Freq = rrule.WEEKLY
		for _, wd := range expr.DayOfWeek.List() {
			opt.Byweekday = append(opt.Byweekday, toRRuleWeekday(wd))
		}
	case expr.DayOfMonth.Kind == recurrence.DayOfMonthLast:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = []int{-1}
	case expr.DayOfMonth.Restricted():
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = expr.DayOfMonth.List()
	default:
		opt.Freq = rrule.DAILY
	}

	c := recurrence.Once()
	if cond != nil {
		c = *cond
	}
	switch c.Kind {
	case recurrence.ConditionTimes:
		opt.Count = c.Count + 1
	case recurrence.ConditionUntil:
		y, m, d := c.Until.Date()
		opt.Until = time.Date(y, m, d, 23, 59, 59, 0, start.Location())
	default:
		opt.Count = 1
	}
	return opt, nil
}

// FromRRule converts an RRULE value (without DTSTART) into an expression and
// condition anchored at start. Only the shapes the calendar builders produce
// are recognized: daily, weekly on the start's weekday or on a weekday set,
// monthly on a day, the last day or an ordinal weekday, and yearly.
func FromRRule(raw string, start time.Time) (recurrence.Expression, recurrence.Condition, error) {
	var (
		expr recurrence.Expression
		cond recurrence.Condition
	)

	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return expr, cond, errors.Wrapf(ErrUnsupportedRule, "%s: %v", raw, err)
	}
	if len(opt.Bysetpos) > 0 || len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 ||
		len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 || len(opt.Byeaster) > 0 {
		return expr, cond, errors.Wrapf(ErrUnsupportedRule, "%s: unsupported BY part", raw)
	}
	interval := opt.Interval
	if interval <= 0 {
		interval = 1
	}

	switch opt.Freq {
	case rrule.DAILY:
		if interval != 1 || len(opt.Bymonthday) > 0 {
			return expr, cond, errors.Wrapf(ErrUnsupportedRule, "%s", raw)
		}
		expr = recurrence.Daily(start)
		if len(opt.Byweekday) > 0 {
			expr.DayOfWeek, err = weekdaySet(opt.Byweekday)
		}
	case rrule.WEEKLY:
		if interval != 1 || len(opt.Bymonthday) > 0 {
			return expr, cond, errors.Wrapf(ErrUnsupportedRule, "%s", raw)
		}
		expr = recurrence.Weekly(start)
		if len(opt.Byweekday) > 0 {
			expr.DayOfWeek, err = weekdaySet(opt.Byweekday)
		}
	case rrule.MONTHLY:
		expr = recurrence.Monthly(start)
		if interval != 1 {
			expr.Month = recurrence.MonthsEvery(int(start.Month()), interval)
		}
		switch {
		case len(opt.Bymonthday) == 1 && opt.Bymonthday[0] == -1:
			expr.DayOfMonth = recurrence.LastDayOfMonth()
		case len(opt.Bymonthday) > 0:
			expr.DayOfMonth = recurrence.SelectedDays(opt.Bymonthday...)
			for _, d := range opt.Bymonthday {
				if d < 1 || d > 31 {
					err = errors.Errorf("BYMONTHDAY=%d", d)
				}
			}
		case len(opt.Byweekday) == 1:
			wd := opt.Byweekday[0]
			n := wd.N()
			if n == 0 || n < -1 || n > 5 {
				err = errors.Errorf("BYDAY ordinal %d", n)
				break
			}
			expr.DayOfMonth = recurrence.AllDays()
			expr.DayOfWeek = recurrence.NthWeekday(fromRRuleWeekday(wd), n)
		case len(opt.Byweekday) > 1:
			err = errors.New("several BYDAY values")
		}
	case rrule.YEARLY:
		if len(opt.Byweekday) > 0 || len(opt.Bymonthday) > 0 {
			return expr, cond, errors.Wrapf(ErrUnsupportedRule, "%s", raw)
		}
		expr = recurrence.Yearly(start)
		if interval != 1 {
			expr.Year = recurrence.YearsEvery(start.Year(), interval)
		}
	default:
		return expr, cond, errors.Wrapf(ErrUnsupportedRule, "%s: frequency %v", raw, opt.Freq)
	}
	if err != nil {
		return expr, cond, errors.Wrapf(ErrUnsupportedRule, "%s: %v", raw, err)
	}
	if len(opt.Bymonth) > 0 && opt.Freq != rrule.YEARLY {
		expr.Month = recurrence.SelectedMonths(opt.Bymonth...)
	}

	switch {
	case opt.Count == 1:
		cond = recurrence.Once()
	case opt.Count > 1:
		cond = recurrence.Times(opt.Count - 1)
	case !opt.Until.IsZero():
		cond = recurrence.Until(opt.Until.In(start.Location()))
	default:
		cond = recurrence.Until(start.AddDate(UnboundedImportSpan, 0, 0))
	}
	return expr, cond, nil
}

func weekdaySet(days []rrule.Weekday) (recurrence.DayOfWeek, error) {
	set := make([]int, 0, len(days))
	for _, wd := range days {
		if wd.N() != 0 {
			return recurrence.DayOfWeek{}, errors.Errorf("BYDAY ordinal %d", wd.N())
		}
		set = append(set, fromRRuleWeekday(wd))
	}
	w := recurrence.SelectedWeekdays(set...)
	if w == recurrence.SelectedWeekdays(recurrence.Monday, recurrence.Tuesday, recurrence.Wednesday, recurrence.Thursday, recurrence.Friday) {
		return recurrence.WeekdayRange(recurrence.Monday, recurrence.Friday), nil
	}
	return w, nil
}

// Expand returns every start the options produce.
func Expand(opt rrule.ROption) ([]time.Time, error) {
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build RRULE")
	}
	return r.All(), nil
}
