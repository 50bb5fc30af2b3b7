package recurrence

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, m, d, h, mi, s, 0, time.UTC)
}

func TestRepeatAfter_Sequences(t *testing.T) {
	tests := []struct {
		name string
		expr string
		from time.Time
		want []time.Time
	}{
		{
			name: "every monday at noon",
			expr: "0 0 12 ? * MON",
			from: date(2015, 1, 1, 0, 0, 0),
			want: []time.Time{date(2015, 1, 5, 12, 0, 0), date(2015, 1, 12, 12, 0, 0)},
		},
		{
			name: "first monday of every second month",
			expr: "0 0 12 ? 1/2 MON#1",
			from: date(2015, 1, 5, 12, 0, 0),
			want: []time.Time{date(2015, 3, 2, 12, 0, 0), date(2015, 5, 4, 12, 0, 0), date(2015, 7, 6, 12, 0, 0)},
		},
		{
			name: "year interval",
			expr: "0 0 12 1 1 ? 2015/2",
			from: date(2015, 1, 1, 12, 0, 0),
			want: []time.Time{date(2017, 1, 1, 12, 0, 0), date(2019, 1, 1, 12, 0, 0), date(2021, 1, 1, 12, 0, 0)},
		},
		{
			name: "january second every year from 2015",
			expr: "0 30 9 2 1 ? 2015/1",
			from: date(2014, 6, 1, 0, 0, 0),
			want: []time.Time{date(2015, 1, 2, 9, 30, 0), date(2016, 1, 2, 9, 30, 0)},
		},
		{
			name: "weekdays skip the weekend",
			expr: "0 30 9 ? * MON-FRI *",
			from: date(2015, 1, 2, 10, 0, 0),
			want: []time.Time{date(2015, 1, 5, 9, 30, 0), date(2015, 1, 6, 9, 30, 0)},
		},
		{
			name: "weekend range wraps",
			expr: "0 0 10 ? * SAT-SUN",
			from: date(2015, 1, 5, 0, 0, 0),
			want: []time.Time{date(2015, 1, 10, 10, 0, 0), date(2015, 1, 11, 10, 0, 0), date(2015, 1, 17, 10, 0, 0)},
		},
		{
			name: "last day of month",
			expr: "0 0 0 L * ?",
			from: date(2016, 1, 31, 0, 0, 0),
			want: []time.Time{date(2016, 2, 29, 0, 0, 0), date(2016, 3, 31, 0, 0, 0), date(2016, 4, 30, 0, 0, 0)},
		},
		{
			name: "last friday of month",
			expr: "0 0 18 ? * FRI#L",
			from: date(2015, 1, 1, 0, 0, 0),
			want: []time.Time{date(2015, 1, 30, 18, 0, 0), date(2015, 2, 27, 18, 0, 0)},
		},
		{
			name: "backward month interval",
			expr: "0 0 0 1 12/-3 ?",
			from: date(2015, 1, 1, 0, 0, 0),
			want: []time.Time{date(2015, 3, 1, 0, 0, 0), date(2015, 6, 1, 0, 0, 0), date(2015, 9, 1, 0, 0, 0), date(2015, 12, 1, 0, 0, 0), date(2016, 3, 1, 0, 0, 0)},
		},
		{
			name: "day of month interval stays within the month",
			expr: "0 0 0 1/10 * ?",
			from: date(2015, 1, 21, 0, 0, 0),
			want: []time.Time{date(2015, 1, 31, 0, 0, 0), date(2015, 2, 1, 0, 0, 0), date(2015, 2, 11, 0, 0, 0)},
		},
		{
			name: "every second",
			expr: "* * * * * ?",
			from: date(2015, 12, 31, 23, 59, 58),
			want: []time.Time{date(2015, 12, 31, 23, 59, 59), date(2016, 1, 1, 0, 0, 0)},
		},
		{
			name: "every minute at second 30",
			expr: "30 * * * * ?",
			from: date(2015, 1, 1, 10, 0, 45),
			want: []time.Time{date(2015, 1, 1, 10, 1, 30), date(2015, 1, 1, 10, 2, 30)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.expr)
			require.NoError(t, err)

			got, err := DefaultEvaluator.Occurrences(e, tt.from, len(tt.want), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRepeatAfter_Monotonic(t *testing.T) {
	exprs := []string{
		"* * * * * ?",
		"0 0 12 ? * MON",
		"0 0 12 ? 1/2 MON#1",
		"0 0 0 L * ?",
		"0 30 9 ? * MON-FRI",
		"59 59 23 31 12 ?",
	}
	refs := []time.Time{
		date(2015, 1, 5, 12, 0, 0),
		date(2015, 1, 5, 12, 0, 0).Add(500 * time.Millisecond),
		date(2016, 2, 29, 23, 59, 59),
		date(2015, 12, 31, 23, 59, 59),
	}

	for _, s := range exprs {
		e := MustParse(s)
		for _, ref := range refs {
			next, err := e.Next(ref)
			require.NoError(t, err, s)
			assert.True(t, next.After(ref), "%s after %s gave %s", s, ref, next)
			assert.True(t, e.Matches(next), "%s does not match %s", s, next)
		}
	}
}

func TestRepeatAfter_KeepsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	ref := time.Date(2015, 1, 1, 0, 0, 0, 0, loc)

	next, err := MustParse("0 0 12 ? * MON").Next(ref)
	require.NoError(t, err)
	assert.Equal(t, loc, next.Location())
	assert.Equal(t, time.Date(2015, 1, 5, 12, 0, 0, 0, loc), next)
}

func TestRepeatAfter_Predicate(t *testing.T) {
	blackout := []time.Time{date(2015, 1, 1, 12, 0, 0), date(2015, 1, 2, 12, 0, 0)}
	accept := func(t time.Time) bool {
		for _, b := range blackout {
			if b.Equal(t) {
				return false
			}
		}
		return true
	}

	next, err := DefaultEvaluator.RepeatAfter(MustParse("0 0 12 * * ?"), date(2015, 1, 1, 0, 0, 0), accept)
	require.NoError(t, err)
	assert.Equal(t, date(2015, 1, 3, 12, 0, 0), next)
}

func TestRepeatAfter_NoMatch(t *testing.T) {
	small := Evaluator{HorizonYears: 2}

	tests := []struct {
		name string
		expr string
		ev   Evaluator
	}{
		{"february thirty-first", "0 0 0 31 2 ?", small},
		{"fifth monday of february 2015", "0 0 0 ? 2 MON#5 2015", DefaultEvaluator},
		{"past year", "0 0 0 1 1 ? 2010", DefaultEvaluator},
		{"backward year interval exhausted", "0 0 0 1 1 ? 2012/-1", DefaultEvaluator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.ev.RepeatAfter(MustParse(tt.expr), date(2015, 1, 1, 0, 0, 0), nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNoMatch))
		})
	}

	_, err := small.RepeatAfter(MustParse("0 0 12 * * ?"), date(2015, 1, 1, 0, 0, 0), func(time.Time) bool { return false })
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func TestRepeatAfter_RejectedCandidates(t *testing.T) {
	t.Run("every second rejected is bounded", func(t *testing.T) {
		calls := 0
		ev := Evaluator{HorizonYears: 100, MaxRejections: 1000}
		_, err := ev.RepeatAfter(MustParse("* * * * * ?"), date(2015, 1, 1, 0, 0, 0), func(time.Time) bool {
			calls++
			return false
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoMatch))
		assert.Equal(t, 1000, calls)
	})

	t.Run("every second resumes after a rejected hour", func(t *testing.T) {
		end := date(2015, 1, 1, 1, 0, 0)
		next, err := DefaultEvaluator.RepeatAfter(MustParse("* * * * * ?"), date(2015, 1, 1, 0, 0, 0), func(t time.Time) bool {
			return !t.Before(end)
		})
		require.NoError(t, err)
		assert.Equal(t, end, next)
	})

	t.Run("fixed time of day skips whole days", func(t *testing.T) {
		var seen []time.Time
		next, err := DefaultEvaluator.RepeatAfter(MustParse("0 0 12 * * ?"), date(2015, 1, 1, 0, 0, 0), func(t time.Time) bool {
			seen = append(seen, t)
			return len(seen) > 2
		})
		require.NoError(t, err)
		assert.Equal(t, date(2015, 1, 3, 12, 0, 0), next)
		assert.Equal(t, []time.Time{date(2015, 1, 1, 12, 0, 0), date(2015, 1, 2, 12, 0, 0), next}, seen)
	})

	t.Run("fixed second skips whole minutes", func(t *testing.T) {
		var seen []time.Time
		next, err := DefaultEvaluator.RepeatAfter(MustParse("15 * * * * ?"), date(2015, 1, 1, 0, 0, 0), func(t time.Time) bool {
			seen = append(seen, t)
			return len(seen) > 1
		})
		require.NoError(t, err)
		assert.Equal(t, date(2015, 1, 1, 0, 1, 15), next)
		assert.Len(t, seen, 2)
	})
}

func TestOccurrences_StopsAtHorizon(t *testing.T) {
	got, err := DefaultEvaluator.Occurrences(MustParse("0 0 0 1 1 ? 2016"), date(2015, 1, 1, 0, 0, 0), 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{date(2016, 1, 1, 0, 0, 0)}, got)
}
