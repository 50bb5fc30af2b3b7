package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurcal/internal/model"
	"recurcal/internal/recurrence"
	"recurcal/internal/series"
	"recurcal/internal/store"
	"recurcal/internal/store/memory"
)

func saveSeries(t *testing.T, st store.Store, start time.Time, d time.Duration, rule string, n int) string {
	t.Helper()
	ctx := context.Background()
	root := &model.Event{Title: "slot", Times: model.Times{Start: start, End: start.Add(d)}}
	require.NoError(t, store.Create(ctx, st, root))

	s, err := series.Open(ctx, st, root.ID)
	require.NoError(t, err)
	expr := recurrence.MustParse(rule)
	s.SetExpression(&expr)
	cond := recurrence.Times(n)
	require.NoError(t, s.SetCondition(&cond))
	require.NoError(t, s.Save(ctx))
	return root.ID
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Off))
	assert.NoError(t, Validate("0 0 3 * * *"))
	assert.NoError(t, Validate("@every 1h"))
	assert.Error(t, Validate("0 3 * * *"))
	assert.Error(t, Validate("nonsense"))
}

func TestRunOnce(t *testing.T) {
	st := memory.New()
	start := time.Date(2015, 1, 1, 9, 0, 0, 0, time.UTC)
	saveSeries(t, st, start, time.Hour, "0 0 9 ? * THU", 3)
	// Two-hour slots repeating hourly overlap from the first repetition.
	bad := saveSeries(t, st, start.AddDate(0, 1, 0), 2*time.Hour, "0 0 * * * ?", 2)

	// A plain event is not a series and is not checked.
	plain := &model.Event{Title: "single", Times: model.Times{Start: start, End: start.Add(time.Hour)}}
	require.NoError(t, store.Create(context.Background(), st, plain))

	a := New(st)
	rep, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Zero(t, rep.Failed)
	require.Len(t, rep.Findings, 1)
	assert.Equal(t, bad, rep.Findings[0].Root)
	assert.Equal(t, bad, rep.Findings[0].Overlap.First.ID)
	assert.NotEmpty(t, rep.Findings[0].Overlap.Second.ID)
	assert.Equal(t, rep, a.Last())
}

func TestRunOnce_BrokenRule(t *testing.T) {
	st := memory.New()
	start := time.Date(2015, 1, 1, 9, 0, 0, 0, time.UTC)
	root := &model.Event{
		Title:    "broken",
		SeriesID: "s1",
		Rule:     "not a rule",
		Times:    model.Times{Start: start, End: start.Add(time.Hour)},
	}
	require.NoError(t, store.Create(context.Background(), st, root))

	rep, err := New(st).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 1, rep.Failed)
	assert.Empty(t, rep.Findings)
}

func TestSchedule(t *testing.T) {
	st := memory.New()
	saveSeries(t, st, time.Date(2015, 1, 1, 9, 0, 0, 0, time.UTC), time.Hour, "0 0 9 ? * THU", 2)

	a := New(st)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Schedule(ctx, "@every 1s", time.UTC) }()

	assert.Eventually(t, func() bool { return a.Last().Checked == 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedule_InvalidSpec(t *testing.T) {
	err := New(memory.New()).Schedule(context.Background(), "every day", time.UTC)
	assert.Error(t, err)
}
