package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurcal/internal/model"
	"recurcal/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func event(id, series string, day int) *model.Event {
	start := time.Date(2015, 1, day, 9, 30, 0, 0, time.UTC)
	return &model.Event{
		ID:           id,
		SeriesID:     series,
		Title:        "review " + id,
		Location:     "room 2",
		Participants: []string{"ana"},
		Times:        model.Times{Start: start, End: start.Add(90 * time.Minute)},
	}
}

func TestPersistAndLoad(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	root := event("a", "s1", 1)
	root.Rule = "0 30 9 * * ?"
	root.Condition = "times:2"
	require.NoError(t, db.Persist(ctx, store.Changes{Created: []*model.Event{event("c", "s1", 3), root, event("b", "s1", 2), event("x", "", 1)}}))

	got, err := db.LoadEvent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "0 30 9 * * ?", got.Rule)
	assert.Equal(t, "times:2", got.Condition)
	assert.Equal(t, []string{"ana"}, got.Participants)
	assert.True(t, root.Times.Equal(got.Times))
	assert.Equal(t, time.UTC, got.Times.Start.Location())

	series, err := db.LoadSeriesEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{series[0].ID, series[1].ID, series[2].ID})

	roots, err := db.ListSeriesRoots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "a", roots[0].ID)

	moved := event("b", "s1", 5)
	require.NoError(t, db.Persist(ctx, store.Changes{
		Updated: []*model.Event{moved},
		Deleted: []*model.Event{event("c", "s1", 3)},
	}))
	series, err = db.LoadSeriesEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.True(t, moved.Times.Equal(series[1].Times))
}

func TestPersist_RollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	err := db.Persist(ctx, store.Changes{
		Created: []*model.Event{event("a", "", 1)},
		Updated: []*model.Event{event("missing", "", 2)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = db.LoadEvent(ctx, "a")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestTimezoneRoundTrip(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("timezone database not available")
	}
	ctx := context.Background()
	db := openTestDB(t)

	ev := event("a", "", 1)
	start := time.Date(2015, 3, 29, 1, 30, 0, 0, loc)
	ev.Times = model.Times{Start: start, End: start.Add(2 * time.Hour)}
	require.NoError(t, db.Persist(ctx, store.Changes{Created: []*model.Event{ev}}))

	got, err := db.LoadEvent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", got.Times.Start.Location().String())
	assert.True(t, ev.Times.Equal(got.Times))
}

func TestInMemory(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, store.Create(ctx, db, event("", "", 1)))
	roots, err := db.ListSeriesRoots(ctx)
	require.NoError(t, err)
	assert.Empty(t, roots)
}
