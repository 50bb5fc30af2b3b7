// Package sqlite stores events in a SQLite database through the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS event (
	id               TEXT PRIMARY KEY,
	series_id        TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	location         TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL DEFAULT '',
	participants     TEXT NOT NULL DEFAULT '[]',
	start_ts         INTEGER NOT NULL,
	end_ts           INTEGER NOT NULL,
	timezone         TEXT NOT NULL DEFAULT 'UTC',
	recurrence_rule  TEXT NOT NULL DEFAULT '',
	repeat_condition TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_event_series ON event (series_id, start_ts);
`

const columns = `id, series_id, title, description, location, type, participants,
	start_ts, end_ts, timezone, recurrence_rule, repeat_condition`

// DB is a Store backed by a single SQLite database file.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	// A single connection keeps ":memory:" databases intact and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}
	log.Debug("database opened", "path", path)
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) LoadEvent(ctx context.Context, id string) (*model.Event, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+columns+` FROM event WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(store.ErrNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load event %s", id)
	}
	return ev, nil
}

func (d *DB) LoadSeriesEvents(ctx context.Context, seriesID string) ([]*model.Event, error) {
	if seriesID == "" {
		return make([]*model.Event, 0), nil
	}
	return d.list(ctx, `series_id = ?`, seriesID)
}

func (d *DB) ListSeriesRoots(ctx context.Context) ([]*model.Event, error) {
	return d.list(ctx, `series_id != '' AND recurrence_rule != ''`)
}

func (d *DB) list(ctx context.Context, where string, args ...any) ([]*model.Event, error) {
	query := `SELECT ` + columns + ` FROM event WHERE ` + where + ` ORDER BY start_ts ASC, id ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	defer rows.Close()

	list := make([]*model.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		list = append(list, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate events")
	}
	return list, nil
}

// Persist applies all changes in one transaction.
func (d *DB) Persist(ctx context.Context, changes store.Changes) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, ev := range changes.Created {
		args, err := values(ev)
		if err != nil {
			return err
		}
		stmt := `INSERT INTO event (` + columns + `) VALUES (` + placeholders(len(args)) + `)`
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrapf(err, "failed to insert event %s", ev.ID)
		}
	}

	for _, ev := range changes.Updated {
		args, err := values(ev)
		if err != nil {
			return err
		}
		stmt := `UPDATE event SET series_id = ?, title = ?, description = ?, location = ?, type = ?,
			participants = ?, start_ts = ?, end_ts = ?, timezone = ?, recurrence_rule = ?, repeat_condition = ?
			WHERE id = ?`
		res, err := tx.ExecContext(ctx, stmt, append(args[1:], ev.ID)...)
		if err != nil {
			return errors.Wrapf(err, "failed to update event %s", ev.ID)
		}
		if err := expectOne(res, ev.ID); err != nil {
			return err
		}
	}

	for _, ev := range changes.Deleted {
		res, err := tx.ExecContext(ctx, `DELETE FROM event WHERE id = ?`, ev.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to delete event %s", ev.ID)
		}
		if err := expectOne(res, ev.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit")
	}
	return nil
}

func (d *DB) NextIdentity(context.Context) (string, error) {
	return uuid.NewString(), nil
}

func (d *DB) AllocateSeriesIdentity(context.Context) (string, error) {
	return uuid.NewString(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*model.Event, error) {
	var (
		ev           model.Event
		participants string
		startTs      int64
		endTs        int64
		timezone     string
	)
	if err := row.Scan(
		&ev.ID,
		&ev.SeriesID,
		&ev.Title,
		&ev.Description,
		&ev.Location,
		&ev.Type,
		&participants,
		&startTs,
		&endTs,
		&timezone,
		&ev.Rule,
		&ev.Condition,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(participants), &ev.Participants); err != nil {
		return nil, errors.Wrapf(err, "event %s has malformed participants", ev.ID)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Error("unknown event timezone, using UTC", err, "id", ev.ID, "timezone", timezone)
		loc = time.UTC
	}
	ev.Times = model.Times{
		Start: time.Unix(startTs, 0).In(loc),
		End:   time.Unix(endTs, 0).In(loc),
	}
	return &ev, nil
}

func values(ev *model.Event) ([]any, error) {
	participants := ev.Participants
	if participants == nil {
		participants = []string{}
	}
	raw, err := json.Marshal(participants)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode participants of %s", ev.ID)
	}
	return []any{
		ev.ID, ev.SeriesID, ev.Title, ev.Description, ev.Location, ev.Type, string(raw),
		ev.Times.Start.Unix(), ev.Times.End.Unix(), ev.Times.Start.Location().String(),
		ev.Rule, ev.Condition,
	}, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n != 1 {
		return errors.Wrapf(store.ErrNotFound, "id %s", id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
