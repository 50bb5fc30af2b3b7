// Package store defines the persistence collaborator used by the series
// synchronizer. Implementations live in the memory and sqlite subpackages.
package store

import (
	"context"

	"github.com/pkg/errors"

	"recurcal/internal/model"
)

// ErrNotFound is returned when an event id is unknown.
var ErrNotFound = errors.New("event not found")

// Changes is one atomic unit of work. Persist either applies all of it or
// none of it.
type Changes struct {
	Created []*model.Event
	Updated []*model.Event
	Deleted []*model.Event
}

// Empty reports whether there is nothing to persist.
func (c Changes) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Store persists calendar events.
type Store interface {
	// LoadEvent returns the event with the given id or ErrNotFound.
	LoadEvent(ctx context.Context, id string) (*model.Event, error)
	// LoadSeriesEvents returns every event of a series ordered by start.
	LoadSeriesEvents(ctx context.Context, seriesID string) ([]*model.Event, error)
	// Persist applies changes in a single transaction.
	Persist(ctx context.Context, changes Changes) error
	// NextIdentity allocates a fresh event id.
	NextIdentity(ctx context.Context) (string, error)
	// AllocateSeriesIdentity allocates a fresh series id.
	AllocateSeriesIdentity(ctx context.Context) (string, error)
	// ListSeriesRoots returns the root event of every stored series.
	ListSeriesRoots(ctx context.Context) ([]*model.Event, error)
}

// Create stores a single new event, assigning it an id when it has none.
func Create(ctx context.Context, s Store, ev *model.Event) error {
	if ev.ID == "" {
		id, err := s.NextIdentity(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to allocate event id")
		}
		ev.ID = id
	}
	return s.Persist(ctx, Changes{Created: []*model.Event{ev}})
}
