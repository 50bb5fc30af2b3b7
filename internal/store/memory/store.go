// Package memory is an in-process Store used by tests and by runs started
// with an in-memory database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"recurcal/internal/model"
	"recurcal/internal/store"
)

// Store keeps events in a map guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	events map[string]*model.Event
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{events: make(map[string]*model.Event)}
}

func (s *Store) LoadEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "id %s", id)
	}
	return ev.Copy(), nil
}

func (s *Store) LoadSeriesEvents(_ context.Context, seriesID string) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*model.Event, 0)
	if seriesID == "" {
		return list, nil
	}
	for _, ev := range s.events {
		if ev.SeriesID == seriesID {
			list = append(list, ev.Copy())
		}
	}
	sortByStart(list)
	return list, nil
}

func (s *Store) ListSeriesRoots(_ context.Context) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*model.Event, 0)
	for _, ev := range s.events {
		if ev.SeriesID != "" && ev.Rule != "" {
			list = append(list, ev.Copy())
		}
	}
	sortByStart(list)
	return list, nil
}

// Persist validates the whole change set before applying any of it.
func (s *Store) Persist(_ context.Context, changes store.Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range changes.Created {
		if ev.ID == "" {
			return errors.New("created event has no id")
		}
		if _, ok := s.events[ev.ID]; ok {
			return errors.Errorf("event %s already exists", ev.ID)
		}
	}
	for _, list := range [][]*model.Event{changes.Updated, changes.Deleted} {
		for _, ev := range list {
			if _, ok := s.events[ev.ID]; !ok {
				return errors.Wrapf(store.ErrNotFound, "id %s", ev.ID)
			}
		}
	}

	for _, ev := range changes.Created {
		s.events[ev.ID] = ev.Copy()
	}
	for _, ev := range changes.Updated {
		s.events[ev.ID] = ev.Copy()
	}
	for _, ev := range changes.Deleted {
		delete(s.events, ev.ID)
	}
	return nil
}

func (s *Store) NextIdentity(context.Context) (string, error) {
	return uuid.NewString(), nil
}

func (s *Store) AllocateSeriesIdentity(context.Context) (string, error) {
	return uuid.NewString(), nil
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func sortByStart(list []*model.Event) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].Times.Start, list[j].Times.Start
		if a.Equal(b) {
			return list[i].ID < list[j].ID
		}
		return a.Before(b)
	})
}
