package recurrence

import (
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultHorizonYears bounds the forward search of the default evaluator.
	DefaultHorizonYears = 100
	// DefaultMaxRejections bounds how many matching candidates a predicate
	// may reject in a row before the search gives up.
	DefaultMaxRejections = 1 << 20
)

// ErrNoMatch is returned when no time within the search horizon satisfies an
// expression and the caller's predicate.
var ErrNoMatch = errors.New("no matching time within search horizon")

// Predicate filters candidate occurrences. Returning false skips the
// candidate and the search continues after it.
type Predicate func(time.Time) bool

// Evaluator computes occurrences of expressions. The zero value uses
// DefaultHorizonYears and DefaultMaxRejections.
type Evaluator struct {
	// HorizonYears is how many calendar years past the reference year the
	// search may reach before giving up with ErrNoMatch.
	HorizonYears int
	// MaxRejections is how many consecutive candidates the predicate may
	// reject before the search gives up with ErrNoMatch.
	MaxRejections int
}

// DefaultEvaluator searches up to DefaultHorizonYears ahead.
var DefaultEvaluator = Evaluator{HorizonYears: DefaultHorizonYears, MaxRejections: DefaultMaxRejections}

// Next returns the first time strictly after ref that matches e.
func (e Expression) Next(ref time.Time) (time.Time, error) {
	return DefaultEvaluator.RepeatAfter(e, ref, nil)
}

// RepeatAfter returns the first time strictly after ref, at second
// granularity, that matches expr and is accepted by accept (nil accepts
// everything). The result is in ref's location.
//
// Each iteration finds the largest field that does not match and rolls the
// candidate forward to the start of that field's next value, letting
// time.Date carry overflow into larger fields.
func (ev Evaluator) RepeatAfter(expr Expression, ref time.Time, accept Predicate) (time.Time, error) {
	horizon := ev.HorizonYears
	if horizon <= 0 {
		horizon = DefaultHorizonYears
	}
	maxRejections := ev.MaxRejections
	if maxRejections <= 0 {
		maxRejections = DefaultMaxRejections
	}
	rejected := 0

	loc := ref.Location()
	limit := ref.Year() + horizon
	t := ref.Truncate(time.Second).Add(time.Second)

	for {
		y, mo, d := t.Date()
		if y > limit || expr.Year.exhausted(y) {
			return time.Time{}, errors.Wrapf(ErrNoMatch, "%q after %s", expr.String(), ref.Format(time.RFC3339))
		}

		if !expr.Year.matches(y) {
			t = advance(t, time.Date(y+1, time.January, 1, 0, 0, 0, 0, loc))
			continue
		}
		if !expr.Month.matches(int(mo)) {
			t = advance(t, time.Date(y, mo+1, 1, 0, 0, 0, 0, loc))
			continue
		}
		if !expr.dayMatches(t) {
			t = advance(t, time.Date(y, mo, d+1, 0, 0, 0, 0, loc))
			continue
		}

		h, mi, s := t.Clock()
		if !expr.Hour.matches(h) {
			if h < expr.Hour.Value {
				t = advance(t, time.Date(y, mo, d, expr.Hour.Value, 0, 0, 0, loc))
			} else {
				t = advance(t, time.Date(y, mo, d+1, 0, 0, 0, 0, loc))
			}
			continue
		}
		if !expr.Minute.matches(mi) {
			if mi < expr.Minute.Value {
				t = advance(t, time.Date(y, mo, d, h, expr.Minute.Value, 0, 0, loc))
			} else {
				t = advance(t, time.Date(y, mo, d, h+1, 0, 0, 0, loc))
			}
			continue
		}
		if !expr.Second.matches(s) {
			if s < expr.Second.Value {
				t = advance(t, time.Date(y, mo, d, h, mi, expr.Second.Value, 0, loc))
			} else {
				t = advance(t, time.Date(y, mo, d, h, mi+1, 0, 0, loc))
			}
			continue
		}

		if accept != nil && !accept(t) {
			if rejected++; rejected >= maxRejections {
				return time.Time{}, errors.Wrapf(ErrNoMatch, "%q after %s: %d candidates rejected", expr.String(), ref.Format(time.RFC3339), rejected)
			}
			t = expr.skip(t)
			continue
		}
		return t, nil
	}
}

// Occurrences returns up to n successive occurrences after ref. It stops
// early, without error, when the horizon is exhausted after at least one
// match.
func (ev Evaluator) Occurrences(expr Expression, ref time.Time, n int, accept Predicate) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	for len(out) < n {
		next, err := ev.RepeatAfter(expr, ref, accept)
		if err != nil {
			if len(out) > 0 && errors.Is(err, ErrNoMatch) {
				break
			}
			return nil, err
		}
		out = append(out, next)
		ref = next
	}
	return out, nil
}

// skip returns the start of the next period in which expr can match again
// after matching at t: the next second when seconds are unrestricted,
// otherwise the next minute, hour or day past the restricted time fields.
func (e Expression) skip(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, _ := t.Clock()
	loc := t.Location()
	switch {
	case e.Second.Any:
		return t.Add(time.Second)
	case e.Minute.Any:
		return advance(t, time.Date(y, mo, d, h, mi+1, 0, 0, loc))
	case e.Hour.Any:
		return advance(t, time.Date(y, mo, d, h+1, 0, 0, 0, loc))
	default:
		return advance(t, time.Date(y, mo, d+1, 0, 0, 0, 0, loc))
	}
}

// advance moves to next, or by one second when a DST transition makes the
// wall-clock target resolve to an instant that is not ahead of t.
func advance(t, next time.Time) time.Time {
	if next.After(t) {
		return next
	}
	return t.Add(time.Second)
}
