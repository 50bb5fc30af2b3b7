package recurrence

import (
	"strconv"
	"strings"
)

var monthLabels = [...]string{"", "JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}

var weekdayLabels = [...]string{"", "SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

// String renders the canonical text form. The year field is omitted when it
// is unrestricted. Parse(e.String()) == e for every valid e.
func (e Expression) String() string {
	fields := []string{
		e.Second.String(),
		e.Minute.String(),
		e.Hour.String(),
		e.formatDayOfMonth(),
		e.Month.String(),
		e.formatDayOfWeek(),
	}
	if e.Year.Kind != YearAll {
		fields = append(fields, e.Year.String())
	}
	return strings.Join(fields, " ")
}

func (f TimeField) String() string {
	if f.Any {
		return "*"
	}
	return strconv.Itoa(f.Value)
}

func (e Expression) formatDayOfMonth() string {
	d := e.DayOfMonth
	switch d.Kind {
	case DayOfMonthSelected:
		return formatSet(uint64(d.Days), 1, 31, nil, true)
	case DayOfMonthInterval:
		return strconv.Itoa(d.Start) + "/" + strconv.Itoa(d.Step)
	case DayOfMonthLast:
		return "L"
	default:
		if e.DayOfWeek.Restricted() {
			return "?"
		}
		return "*"
	}
}

func (m Month) String() string {
	switch m.Kind {
	case MonthSelected:
		return formatSet(uint64(m.Months), 1, 12, monthLabels[:], true)
	case MonthInterval:
		return strconv.Itoa(m.Anchor) + "/" + strconv.Itoa(m.Step)
	default:
		return "*"
	}
}

func (e Expression) formatDayOfWeek() string {
	w := e.DayOfWeek
	switch w.Kind {
	case DayOfWeekSelected:
		// Never compress into ranges: a range token parses as DayOfWeekRange.
		return formatSet(uint64(w.Days), Sunday, Saturday, weekdayLabels[:], false)
	case DayOfWeekRange:
		return weekdayLabels[w.Start] + "-" + weekdayLabels[w.End]
	case DayOfWeekOrdinal:
		if w.Ordinal == LastOrdinal {
			return weekdayLabels[w.Weekday] + "#L"
		}
		return weekdayLabels[w.Weekday] + "#" + strconv.Itoa(w.Ordinal)
	default:
		return "?"
	}
}

func (y Year) String() string {
	switch y.Kind {
	case YearExact:
		return strconv.Itoa(y.Anchor)
	case YearInterval:
		return strconv.Itoa(y.Anchor) + "/" + strconv.Itoa(y.Step)
	default:
		return "*"
	}
}

// formatSet lists the members of set, optionally folding runs of three or
// more consecutive values into a range.
func formatSet(set uint64, min, max int, labels []string, ranges bool) string {
	label := func(v int) string {
		if labels != nil {
			return labels[v]
		}
		return strconv.Itoa(v)
	}

	var parts []string
	for v := min; v <= max; v++ {
		if set&(1<<uint(v)) == 0 {
			continue
		}
		end := v
		for ranges && end+1 <= max && set&(1<<uint(end+1)) != 0 {
			end++
		}
		switch {
		case end-v >= 2:
			parts = append(parts, label(v)+"-"+label(end))
		case end > v:
			parts = append(parts, label(v), label(end))
		default:
			parts = append(parts, label(v))
		}
		v = end
	}
	return strings.Join(parts, ",")
}
