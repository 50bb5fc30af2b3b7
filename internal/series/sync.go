package series

import (
	"context"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/mo"

	"recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/recurrence"
	"recurcal/internal/store"
)

// Overlap names two consecutive events of a series whose spans intersect.
// Events that were never saved have an empty ID.
type Overlap struct {
	First  *model.Event
	Second *model.Event
}

// FirstOverlap returns the earliest pair of consecutive events, root
// included, whose spans intersect in the series as it would be saved. The
// rule's first repetition is always considered, even for a series that would
// not generate it.
func (s *Series) FirstOverlap() (mo.Option[Overlap], error) {
	planned, err := s.plan(true)
	if err != nil {
		return mo.None[Overlap](), err
	}

	prev := s.root
	for i, span := range planned {
		var cur *model.Event
		if i < len(s.generated) && s.generated[i].Times.Equal(span) {
			cur = s.generated[i]
		} else {
			cur = s.root.Clone(span)
		}
		if prev.Times.Overlaps(cur.Times) {
			return mo.Some(Overlap{First: prev.Copy(), Second: cur.Copy()}), nil
		}
		prev = cur
	}
	return mo.None[Overlap](), nil
}

// OverlapAfterEdit reports the first overlap the series would have after
// EditFrom with the same arguments. Nothing is modified or persisted, so an
// edit that would overlap can be refused before any split happens.
func (s *Series) OverlapAfterEdit(position int, expr *recurrence.Expression, cond *recurrence.Condition) (mo.Option[Overlap], error) {
	members := append([]*model.Event{s.root}, s.saved...)
	if position < 0 || position >= len(members) {
		return mo.None[Overlap](), errors.Wrapf(ErrInvalidPosition, "position %d of %d", position, len(members))
	}

	var trial *Series
	if position == 0 {
		c := *s
		c.generated = copyEvents(s.generated)
		trial = &c
	} else {
		trial = Draft(members[position], s.opts...)
	}
	trial.SetExpression(expr)
	if err := trial.SetCondition(cond); err != nil {
		return mo.None[Overlap](), err
	}
	return trial.FirstOverlap()
}

// Save persists the series as one unit of work. Existing events are paired
// with the planned occurrences by position; surplus events are deleted and
// missing ones created. Events whose span did not change are left untouched.
// A series returned by EditFrom also writes the truncated original in the
// same unit of work. Save does not check for overlaps.
func (s *Series) Save(ctx context.Context) error {
	if s.store == nil {
		return ErrDraft
	}
	planned, err := s.plan(false)
	if err != nil {
		return err
	}

	root := s.pendingRoot()
	var changes store.Changes

	switch {
	case len(planned) > 0 && root.SeriesID == "":
		id, err := s.store.AllocateSeriesIdentity(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to allocate series id")
		}
		root.SeriesID = id
	case len(planned) == 0 && root.SeriesID != "":
		root.SeriesID = ""
	}

	next := make([]*model.Event, 0, len(planned))
	for i, span := range planned {
		if i < len(s.saved) {
			ev := s.saved[i].Copy()
			if !ev.Times.Equal(span) || ev.SeriesID != root.SeriesID {
				ev.Times = span
				ev.SeriesID = root.SeriesID
				changes.Updated = append(changes.Updated, ev)
			}
			next = append(next, ev)
			continue
		}

		ev := root.Clone(span)
		id, err := s.store.NextIdentity(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to allocate event id")
		}
		ev.ID = id
		changes.Created = append(changes.Created, ev)
		next = append(next, ev)
	}
	if len(s.saved) > len(planned) {
		changes.Deleted = append(changes.Deleted, s.saved[len(planned):]...)
	}
	if !sameEvent(root, s.persisted) {
		changes.Updated = append([]*model.Event{root}, changes.Updated...)
	}
	if s.cut != nil {
		changes.Updated = append(changes.Updated, s.cut.root)
	}

	if !changes.Empty() {
		if err := s.store.Persist(ctx, changes); err != nil {
			return errors.Wrapf(err, "failed to persist series of %s", root.ID)
		}
	}

	if s.cut != nil {
		s.cut.apply(root.ID)
		s.cut = nil
	}
	s.root = root
	s.persisted = root.Copy()
	s.saved = next
	s.generated = copyEvents(next)
	s.basis = s.Expression()
	s.moved = false

	log.Info("series saved",
		"root", root.ID,
		"series", root.SeriesID,
		"created", len(changes.Created),
		"updated", len(changes.Updated),
		"deleted", len(changes.Deleted),
	)
	return nil
}

// Refresh reloads the root event after it was edited elsewhere and lets the
// generated events follow it as UpdateRoot does. The refreshed series must be
// saved to persist the new dates.
func (s *Series) Refresh(ctx context.Context) error {
	if s.store == nil {
		return ErrDraft
	}
	root, err := s.store.LoadEvent(ctx, s.root.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to reload root event %s", s.root.ID)
	}
	if err := s.UpdateRoot(root); err != nil {
		return err
	}
	s.persisted = root
	return nil
}

// UpdateRoot applies the descriptive fields and the span of ev to the root.
// When the root moves, the generated events follow it: a rule that repeats by
// calendar unit is first re-anchored on the new root, then the rule is
// re-evaluated from the new start so every event lands on a date the rule
// matches. Durations follow the root. Nothing is persisted until Save.
func (s *Series) UpdateRoot(ev *model.Event) error {
	old := s.root.Times
	span := ev.Times
	follow := !old.Equal(span) && s.basis != nil && len(s.generated) > 0

	var basis recurrence.Expression
	var starts []time.Time
	if follow {
		basis = *s.basis
		if unit := recurrence.UnitOf(basis, old.Start); unit != recurrence.UnitNone {
			basis = unit.Expression(span.Start)
		}
		var err error
		starts, err = s.eval.Occurrences(basis, span.Start, len(s.generated), s.accept)
		if err != nil {
			return errors.Wrapf(err, "failed to re-evaluate series of %s", s.root.ID)
		}
	}

	s.root.Title = ev.Title
	s.root.Description = ev.Description
	s.root.Location = ev.Location
	s.root.Type = ev.Type
	s.root.Participants = slices.Clone(ev.Participants)
	s.root.Times = span
	if !follow {
		return nil
	}

	if s.expr != nil && *s.expr == *s.basis {
		e := basis
		s.expr = &e
	}
	s.basis = &basis
	s.generated = s.generated[:len(starts)]
	for k, g := range s.generated {
		g.Times = span.StartingAt(starts[k])
	}
	s.moved = true

	log.Debug("series follows root", "root", s.root.ID, "from", old.Start, "to", span.Start)
	return nil
}

// cut is the truncated original of a series detached by EditFrom, written by
// the detached series' Save.
type cut struct {
	head *Series
	root *model.Event
	cond *recurrence.Condition
	keep int
}

func (c *cut) apply(tailRoot string) {
	h := c.head
	h.root = c.root
	h.persisted = c.root.Copy()
	h.saved = h.saved[:c.keep]
	h.generated = copyEvents(h.saved)
	h.cond = c.cond
	if c.cond == nil {
		h.expr, h.basis = nil, nil
	}
	log.Info("series split", "root", c.root.ID, "new_root", tailRoot, "position", c.keep+1)
}

// detach builds, without persisting anything, the series rooted at the event
// at position. It keeps the rule and whatever is left of the condition, and
// saving it also truncates s to the events before position.
func (s *Series) detach(position int) (*Series, error) {
	if s.store == nil {
		return nil, ErrDraft
	}
	if s.IsModified() {
		return nil, ErrModified
	}
	members := append([]*model.Event{s.root}, s.saved...)
	if position <= 0 || position >= len(members) {
		return nil, errors.Wrapf(ErrInvalidPosition, "position %d of %d", position, len(members))
	}
	cond := s.condition()
	head, tail := members[:position], members[position:]

	t := &Series{
		store:          s.store,
		eval:           s.eval,
		accept:         s.accept,
		maxOccurrences: s.maxOccurrences,
		opts:           s.opts,
		root:           tail[0].Copy(),
		persisted:      tail[0].Copy(),
		saved:          copyEvents(tail[1:]),
		generated:      copyEvents(tail[1:]),
	}
	// A fresh series id is allocated on save.
	t.root.SeriesID, t.root.Rule, t.root.Condition = "", "", ""
	if remaining := len(tail) - 1; remaining > 0 && s.expr != nil {
		e, b := *s.expr, *s.expr
		c := remainder(cond, remaining)
		t.expr, t.basis, t.cond = &e, &b, &c
	}

	c := &cut{head: s, root: s.root.Copy(), keep: position - 1}
	if remaining := len(head) - 1; remaining > 0 {
		hc := remainder(cond, remaining)
		if cond.Kind == recurrence.ConditionUntil {
			hc = recurrence.Until(head[len(head)-1].Times.Start)
		}
		c.cond = &hc
		c.root.Condition = hc.String()
	} else {
		c.root.SeriesID, c.root.Rule, c.root.Condition = "", "", ""
	}
	t.cut = c
	return t, nil
}

// SplitAt detaches the events from position onwards, position 0 being the
// root, into a new series rooted at the event at that position. The new
// series keeps the rule and whatever is left of the condition; the original
// series is truncated to the events before position. Both are persisted in
// one unit of work.
func (s *Series) SplitAt(ctx context.Context, position int) (*Series, error) {
	tail, err := s.detach(position)
	if err != nil {
		return nil, err
	}
	if err := tail.Save(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to split series of %s", s.root.ID)
	}
	return tail, nil
}

// EditFrom changes the rule and condition of the events from position
// onwards. Editing at the root changes the whole series in place; any other
// position detaches the events from there into a new series. Nothing is
// persisted: saving the returned series writes the edit and, for a detached
// series, the truncated original at once.
func (s *Series) EditFrom(ctx context.Context, position int, expr *recurrence.Expression, cond *recurrence.Condition) (*Series, error) {
	target := s
	if position != 0 {
		var err error
		if target, err = s.detach(position); err != nil {
			return nil, err
		}
	}
	target.SetExpression(expr)
	if err := target.SetCondition(cond); err != nil {
		return nil, err
	}
	return target, nil
}

// remainder is the condition covering n repetitions of a series cut from cond.
func remainder(cond recurrence.Condition, n int) recurrence.Condition {
	if cond.Kind == recurrence.ConditionUntil {
		return cond
	}
	return recurrence.Times(n)
}
