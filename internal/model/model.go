package model

import (
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidTimes is returned by NewTimes when start is after end.
var ErrInvalidTimes = errors.New("times: start is after end")

// Times is the span of a single occurrence. Start is never after End; the two
// are equal for zero-duration events.
type Times struct {
	Start time.Time
	End   time.Time
}

// NewTimes validates and builds a Times value.
func NewTimes(start, end time.Time) (Times, error) {
	if start.After(end) {
		return Times{}, ErrInvalidTimes
	}
	return Times{Start: start, End: end}, nil
}

// Duration returns End - Start.
func (t Times) Duration() time.Duration {
	return t.End.Sub(t.Start)
}

// StartingAt returns a span of the same duration beginning at start.
func (t Times) StartingAt(start time.Time) Times {
	return Times{Start: start, End: start.Add(t.Duration())}
}

// Overlaps reports whether the two half-open spans intersect.
func (t Times) Overlaps(o Times) bool {
	return t.Start.Before(o.End) && o.Start.Before(t.End)
}

// Equal compares instants, ignoring location.
func (t Times) Equal(o Times) bool {
	return t.Start.Equal(o.Start) && t.End.Equal(o.End)
}

// Event is a single persisted calendar event. Events that belong to a series
// share SeriesID; the root of a series additionally carries the recurrence
// rule and condition in their text forms.
type Event struct {
	ID       string
	SeriesID string

	Title        string
	Description  string
	Location     string
	Type         string
	Participants []string

	Times Times

	// Rule and Condition are only set on the root event of a series.
	Rule      string
	Condition string
}

// Clone copies the non-temporal fields of e into a new event with the given
// span. Identity and recurrence fields are not copied.
func (e *Event) Clone(times Times) *Event {
	participants := make([]string, len(e.Participants))
	copy(participants, e.Participants)

	return &Event{
		SeriesID:     e.SeriesID,
		Title:        e.Title,
		Description:  e.Description,
		Location:     e.Location,
		Type:         e.Type,
		Participants: participants,
		Times:        times,
	}
}

// Copy returns a deep copy of e.
func (e *Event) Copy() *Event {
	c := *e
	c.Participants = make([]string, len(e.Participants))
	copy(c.Participants, e.Participants)
	return &c
}
