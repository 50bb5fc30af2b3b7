// Package series keeps the persisted events of a recurring calendar series in
// step with its recurrence rule and repetition condition.
//
// A series is anchored at its root event. The root carries the rule and the
// condition; every other event of the series is generated from the rule and
// shares the root's series id. Saving grows or shrinks the persisted events
// with the smallest set of creates, updates and deletes: existing events are
// paired with the planned occurrences by position and only re-dated when the
// plan moved them.
package series

import (
	"context"
	"slices"
	"time"

	"github.com/pkg/errors"

	"recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/recurrence"
	"recurcal/internal/store"
)

// DefaultMaxOccurrences caps the number of generated events of a series.
const DefaultMaxOccurrences = 1000

var (
	// ErrModified is returned by operations that need the in-memory series to
	// match what is persisted.
	ErrModified = errors.New("series has unsaved changes")
	// ErrInvalidPosition is returned for a split position outside the series.
	ErrInvalidPosition = errors.New("invalid position in series")
	// ErrDraft is returned when persisting a series built by Draft.
	ErrDraft = errors.New("draft series cannot be persisted")
)

// Option configures a Series.
type Option func(*Series)

// WithEvaluator replaces the default evaluator, typically to change its
// search horizon.
func WithEvaluator(ev recurrence.Evaluator) Option {
	return func(s *Series) { s.eval = ev }
}

// WithSkip rejects candidate occurrences for which skip returns true. Skipped
// dates do not count towards the condition.
func WithSkip(skip func(time.Time) bool) Option {
	return func(s *Series) {
		if skip == nil {
			s.accept = nil
			return
		}
		s.accept = func(t time.Time) bool { return !skip(t) }
	}
}

// WithMaxOccurrences bounds the number of generated events.
func WithMaxOccurrences(n int) Option {
	return func(s *Series) {
		if n > 0 {
			s.maxOccurrences = n
		}
	}
}

// Series is the in-memory view of one recurring series. It is not safe for
// concurrent use.
type Series struct {
	store          store.Store
	eval           recurrence.Evaluator
	accept         recurrence.Predicate
	maxOccurrences int
	opts           []Option

	root *model.Event
	expr *recurrence.Expression
	cond *recurrence.Condition

	// generated holds the non-root events as they should be after the next
	// save, ordered by start. basis is the expression they follow.
	generated []*model.Event
	basis     *recurrence.Expression

	// saved holds the non-root events as last loaded or persisted, and
	// persisted the root as it is in the store.
	saved     []*model.Event
	persisted *model.Event

	// moved is set when the generated events were re-dated to follow the
	// root. cut is set on a series detached by EditFrom until it is saved.
	moved bool
	cut   *cut
}

// Open loads the root event and, when it belongs to a series, the rest of
// its events.
func Open(ctx context.Context, st store.Store, rootID string, opts ...Option) (*Series, error) {
	s := &Series{
		store:          st,
		eval:           recurrence.DefaultEvaluator,
		maxOccurrences: DefaultMaxOccurrences,
		opts:           opts,
	}
	for _, opt := range opts {
		opt(s)
	}

	root, err := st.LoadEvent(ctx, rootID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load root event %s", rootID)
	}
	s.root = root
	s.persisted = root.Copy()

	if root.Rule != "" {
		expr, err := recurrence.Parse(root.Rule)
		if err != nil {
			return nil, errors.Wrapf(err, "root event %s has an invalid rule", rootID)
		}
		s.expr = &expr
		s.basis = &expr
	}
	if root.Condition != "" {
		cond, err := recurrence.ParseCondition(root.Condition)
		if err != nil {
			return nil, errors.Wrapf(err, "root event %s has an invalid condition", rootID)
		}
		s.cond = &cond
	}

	if root.SeriesID != "" {
		events, err := st.LoadSeriesEvents(ctx, root.SeriesID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load series %s", root.SeriesID)
		}
		for _, ev := range events {
			if ev.ID != root.ID {
				s.saved = append(s.saved, ev)
			}
		}
	}
	s.generated = copyEvents(s.saved)

	log.Debug("series opened", "root", root.ID, "series", root.SeriesID, "events", len(s.saved)+1)
	return s, nil
}

// Draft returns an unsaved series rooted at a copy of root, without any
// generated events. It answers Preview and FirstOverlap for a prospective
// rule but cannot be saved, refreshed or split.
func Draft(root *model.Event, opts ...Option) *Series {
	s := &Series{
		eval:           recurrence.DefaultEvaluator,
		maxOccurrences: DefaultMaxOccurrences,
		opts:           opts,
		root:           root.Copy(),
		persisted:      root.Copy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns a copy of the root event.
func (s *Series) Root() *model.Event {
	return s.root.Copy()
}

// Expression returns the current rule, or nil when the root does not recur.
func (s *Series) Expression() *recurrence.Expression {
	if s.expr == nil {
		return nil
	}
	e := *s.expr
	return &e
}

// Condition returns the current repetition condition, or nil.
func (s *Series) Condition() *recurrence.Condition {
	if s.cond == nil {
		return nil
	}
	c := *s.cond
	return &c
}

// SetExpression replaces the rule. A nil expression removes recurrence; the
// next save then deletes every generated event.
func (s *Series) SetExpression(expr *recurrence.Expression) {
	if expr == nil {
		s.expr = nil
		return
	}
	e := *expr
	s.expr = &e
}

// SetCondition replaces the repetition condition. A nil condition behaves
// like Once.
func (s *Series) SetCondition(cond *recurrence.Condition) error {
	if cond == nil {
		s.cond = nil
		return nil
	}
	if err := cond.Validate(); err != nil {
		return err
	}
	c := *cond
	s.cond = &c
	return nil
}

// IsModified reports whether the series differs from what is persisted.
// Setting the rule or condition it already has is not a modification.
func (s *Series) IsModified() bool {
	if s.moved || s.cut != nil {
		return true
	}
	return !sameEvent(s.pendingRoot(), s.persisted)
}

// pendingRoot is the root as the next save would write it, before a series
// id is allocated or released.
func (s *Series) pendingRoot() *model.Event {
	root := s.root.Copy()
	root.Rule, root.Condition = "", ""
	if s.expr != nil {
		root.Rule = s.expr.String()
		if s.cond != nil {
			root.Condition = s.cond.String()
		}
	}
	return root
}

// Events returns copies of the root followed by the generated events as of
// the last save or refresh.
func (s *Series) Events() []*model.Event {
	out := make([]*model.Event, 0, len(s.generated)+1)
	out = append(out, s.root.Copy())
	return append(out, copyEvents(s.generated)...)
}

// Preview returns the spans the series would have after the next save,
// root first.
func (s *Series) Preview() ([]model.Times, error) {
	planned, err := s.plan(false)
	if err != nil {
		return nil, err
	}
	return append([]model.Times{s.root.Times}, planned...), nil
}

func (s *Series) condition() recurrence.Condition {
	if s.cond == nil {
		return recurrence.Once()
	}
	return *s.cond
}

// plan computes the spans of the generated events. When the rule is the one
// the current events follow, those events are kept as they are and only the
// missing tail is computed, continuing from the last kept event. A changed
// rule re-expands from the root.
//
// With firstRepeat set, a series that would generate nothing still yields the
// rule's first repetition so overlap checks see at least one pair.
func (s *Series) plan(firstRepeat bool) ([]model.Times, error) {
	if s.expr == nil {
		return nil, nil
	}
	cond := s.condition()
	span := s.root.Times

	var out []model.Times
	if s.basis != nil && *s.basis == *s.expr {
		for i, ev := range s.generated {
			if i >= s.maxOccurrences || !cond.Admits(i+1, ev.Times.Start) {
				break
			}
			out = append(out, ev.Times)
		}
	}

	last := span.Start
	if len(out) > 0 {
		last = out[len(out)-1].Start
	}
	for {
		n := len(out) + 1
		if cond.Kind == recurrence.ConditionOnce || (cond.Kind == recurrence.ConditionTimes && n > cond.Count) {
			break
		}
		if n > s.maxOccurrences {
			log.Info("series truncated", "root", s.root.ID, "max", s.maxOccurrences)
			break
		}
		next, err := s.eval.RepeatAfter(*s.expr, last, s.accept)
		if err != nil {
			if errors.Is(err, recurrence.ErrNoMatch) && len(out) > 0 {
				break
			}
			return nil, errors.Wrapf(err, "failed to expand series of %s", s.root.ID)
		}
		if !cond.Admits(n, next) {
			break
		}
		out = append(out, span.StartingAt(next))
		last = next
	}

	if firstRepeat && len(out) == 0 {
		next, err := s.eval.RepeatAfter(*s.expr, span.Start, s.accept)
		if err != nil {
			if errors.Is(err, recurrence.ErrNoMatch) {
				return nil, nil
			}
			return nil, err
		}
		out = append(out, span.StartingAt(next))
	}
	return out, nil
}

// sameEvent compares every persisted field of two events.
func sameEvent(a, b *model.Event) bool {
	return a.ID == b.ID &&
		a.SeriesID == b.SeriesID &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.Location == b.Location &&
		a.Type == b.Type &&
		slices.Equal(a.Participants, b.Participants) &&
		a.Times.Equal(b.Times) &&
		a.Rule == b.Rule &&
		a.Condition == b.Condition
}

func copyEvents(events []*model.Event) []*model.Event {
	out := make([]*model.Event, len(events))
	for i, ev := range events {
		out[i] = ev.Copy()
	}
	return out
}
