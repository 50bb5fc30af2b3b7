package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
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

var stamp = utc(2020, 1, 1, 0, 0)

func seriesEvents(t *testing.T, st store.Store, start time.Time, rule string, cond recurrence.Condition) []*model.Event {
	t.Helper()
	ctx := context.Background()
	root := &model.Event{
		Title:        "planning",
		Location:     "room 4",
		Type:         "meeting",
		Participants: []string{"ana@example.com"},
		Times:        model.Times{Start: start, End: start.Add(time.Hour)},
	}
	require.NoError(t, store.Create(ctx, st, root))

	s, err := series.Open(ctx, st, root.ID)
	require.NoError(t, err)
	expr := recurrence.MustParse(rule)
	s.SetExpression(&expr)
	require.NoError(t, s.SetCondition(&cond))
	require.NoError(t, s.Save(ctx))
	return s.Events()
}

func TestExport_RecurringSeries(t *testing.T) {
	events := seriesEvents(t, memory.New(), utc(2015, 1, 1, 9, 0), "0 0 9 ? * THU", recurrence.Times(2))
	require.Len(t, events, 3)

	out := Export(events, stamp)
	assert.Contains(t, out, "RRULE:FREQ=WEEKLY")
	assert.Contains(t, out, "X-RECURCAL-RULE:0 0 9 ? * THU")
	assert.Contains(t, out, "X-RECURCAL-CONDITION:times:2")

	parsed, err := ParseICS([]byte(out))
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, events[0].ID, parsed[0].UID)
	assert.Equal(t, "planning", parsed[0].Summary)
	assert.Equal(t, "meeting", parsed[0].Categories)
	assert.Equal(t, []string{"ana@example.com"}, parsed[0].Participants)
	assert.True(t, events[0].Times.Start.Equal(parsed[0].Start))
	assert.True(t, events[0].Times.End.Equal(parsed[0].End))

	// Importing recreates the same series.
	st := memory.New()
	res, err := Import(context.Background(), st, []byte(out))
	require.NoError(t, err)
	require.Len(t, res.Roots, 1)
	assert.Equal(t, 1, res.Series)

	s, err := series.Open(context.Background(), st, res.Roots[0])
	require.NoError(t, err)
	imported := s.Events()
	require.Len(t, imported, 3)
	for i := range events {
		assert.True(t, events[i].Times.Equal(imported[i].Times))
	}
	assert.Equal(t, "times:2", s.Root().Condition)
}

func TestExport_IrregularSeriesWritesEveryEvent(t *testing.T) {
	// The root is a Thursday but the rule repeats on Mondays.
	events := seriesEvents(t, memory.New(), utc(2015, 1, 1, 9, 0), "0 0 9 ? * MON", recurrence.Times(2))
	require.Len(t, events, 3)

	out := Export(events, stamp)
	assert.NotContains(t, out, "RRULE:")

	parsed, err := ParseICS([]byte(out))
	require.NoError(t, err)
	require.Len(t, parsed, 3)
	assert.Equal(t, "0 0 9 ? * MON", parsed[0].Rule)
	assert.Empty(t, parsed[1].Rule)
	for i := range events {
		assert.Equal(t, events[i].ID, parsed[i].UID)
		assert.True(t, events[i].Times.Start.Equal(parsed[i].Start))
	}
}

func TestExport_PlainEvent(t *testing.T) {
	ev := &model.Event{ID: "e1", Title: "dentist", Times: model.Times{Start: utc(2015, 1, 1, 9, 0), End: utc(2015, 1, 1, 10, 0)}}
	out := Export([]*model.Event{ev}, stamp)
	assert.Contains(t, out, "SUMMARY:dentist")
	assert.NotContains(t, out, "RRULE:")
	assert.NotContains(t, out, "X-RECURCAL-RULE")
}

const foreignCalendar = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//example//calendar//EN
BEGIN:VEVENT
UID:monthly@example.com
DTSTAMP:20150101T000000Z
DTSTART:20150105T120000Z
DTEND:20150105T130000Z
SUMMARY:Board meeting
RRULE:FREQ=MONTHLY;BYDAY=1MO;COUNT=3
END:VEVENT
BEGIN:VEVENT
UID:monthly@example.com
DTSTAMP:20150101T000000Z
RECURRENCE-ID:20150202T120000Z
DTSTART:20150203T120000Z
DTEND:20150203T130000Z
SUMMARY:Board meeting (moved)
END:VEVENT
BEGIN:VEVENT
UID:hourly@example.com
DTSTAMP:20150101T000000Z
DTSTART:20150105T080000Z
DTEND:20150105T081500Z
SUMMARY:Ping
RRULE:FREQ=HOURLY;COUNT=5
END:VEVENT
END:VCALENDAR
`

func TestImport_ForeignCalendar(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	body := strings.ReplaceAll(foreignCalendar, "\n", "\r\n")

	res, err := Import(ctx, st, []byte(body))
	require.NoError(t, err)
	require.Len(t, res.Roots, 2)
	assert.Equal(t, 1, res.Series)
	assert.Equal(t, 1, res.Skipped)

	s, err := series.Open(ctx, st, res.Roots[0])
	require.NoError(t, err)
	var starts []time.Time
	for _, ev := range s.Events() {
		starts = append(starts, ev.Times.Start)
		assert.Equal(t, "Board meeting", ev.Title)
	}
	require.Len(t, starts, 3)
	assert.True(t, utc(2015, 1, 5, 12, 0).Equal(starts[0]))
	assert.True(t, utc(2015, 2, 2, 12, 0).Equal(starts[1]))
	assert.True(t, utc(2015, 3, 2, 12, 0).Equal(starts[2]))
	assert.Equal(t, "0 0 12 ? * MON#1", s.Root().Rule)

	// The hourly rule has no equivalent; only its first occurrence is kept.
	single, err := st.LoadEvent(ctx, res.Roots[1])
	require.NoError(t, err)
	assert.Empty(t, single.SeriesID)
	assert.Equal(t, 15*time.Minute, single.Times.Duration())
	assert.Equal(t, 4, st.Len())
}

func TestParseICS_Empty(t *testing.T) {
	_, err := ParseICS(nil)
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cal.ics" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		w.Write([]byte(foreignCalendar))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	body, err := f.Fetch(context.Background(), srv.URL+"/cal.ics")
	require.NoError(t, err)
	assert.Equal(t, foreignCalendar, string(body))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.ics")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "cal.ics")
	require.NoError(t, os.WriteFile(path, []byte(foreignCalendar), 0o600))
	body, err = f.Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, foreignCalendar, string(body))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/private/cal.ics?token=abcd"))
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com"))
	assert.Equal(t, "ics://...(redacted)", redactURL("cal.ics"))
}
