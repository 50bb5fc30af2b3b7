package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidCondition is returned for malformed or out-of-range conditions.
var ErrInvalidCondition = errors.New("invalid repeat condition")

type ConditionKind uint8

const (
	// ConditionOnce keeps the root event alone.
	ConditionOnce ConditionKind = iota + 1
	// ConditionTimes adds Count occurrences after the root.
	ConditionTimes
	// ConditionUntil adds every occurrence up to and including the Until date.
	ConditionUntil
)

const untilLayout = "2006-01-02"

// Condition terminates the expansion of a series.
type Condition struct {
	Kind  ConditionKind
	Count int
	// Until holds a calendar date; only its year, month and day are used.
	Until time.Time
}

func Once() Condition { return Condition{Kind: ConditionOnce} }

func Times(n int) Condition { return Condition{Kind: ConditionTimes, Count: n} }

func Until(date time.Time) Condition {
	y, m, d := date.Date()
	return Condition{Kind: ConditionUntil, Until: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Validate reports whether c is one of the supported forms.
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionOnce, ConditionUntil:
		return nil
	case ConditionTimes:
		if c.Count < 1 {
			return errors.Wrapf(ErrInvalidCondition, "times must be positive, got %d", c.Count)
		}
		return nil
	default:
		return errors.Wrapf(ErrInvalidCondition, "unknown kind %d", c.Kind)
	}
}

// Admits reports whether the n-th repetition after the root (n starts at 1)
// starting at start belongs to the series.
func (c Condition) Admits(n int, start time.Time) bool {
	switch c.Kind {
	case ConditionTimes:
		return n <= c.Count
	case ConditionUntil:
		y, m, d := start.Date()
		uy, um, ud := c.Until.Date()
		if y != uy {
			return y < uy
		}
		if m != um {
			return m < um
		}
		return d <= ud
	default:
		return false
	}
}

// Equal reports whether both conditions describe the same bound.
func (c Condition) Equal(o Condition) bool {
	if c.Kind != o.Kind {
		return false
	}
	switch c.Kind {
	case ConditionTimes:
		return c.Count == o.Count
	case ConditionUntil:
		return c.Until.Equal(o.Until)
	default:
		return true
	}
}

// String renders "once", "times:N" or "until:YYYY-MM-DD".
func (c Condition) String() string {
	switch c.Kind {
	case ConditionOnce:
		return "once"
	case ConditionTimes:
		return "times:" + strconv.Itoa(c.Count)
	case ConditionUntil:
		return "until:" + c.Until.Format(untilLayout)
	default:
		return fmt.Sprintf("condition(%d)", c.Kind)
	}
}

// ParseCondition parses the String form.
func ParseCondition(text string) (Condition, error) {
	text = strings.TrimSpace(text)
	if strings.EqualFold(text, "once") {
		return Once(), nil
	}

	kind, value, ok := strings.Cut(text, ":")
	if !ok {
		return Condition{}, errors.Wrapf(ErrInvalidCondition, "%q", text)
	}

	switch strings.ToLower(kind) {
	case "times":
		n, err := strconv.Atoi(value)
		if err != nil {
			return Condition{}, errors.Wrapf(ErrInvalidCondition, "%q: %v", text, err)
		}
		c := Times(n)
		if err := c.Validate(); err != nil {
			return Condition{}, err
		}
		return c, nil
	case "until":
		d, err := time.Parse(untilLayout, value)
		if err != nil {
			return Condition{}, errors.Wrapf(ErrInvalidCondition, "%q: %v", text, err)
		}
		return Until(d), nil
	default:
		return Condition{}, errors.Wrapf(ErrInvalidCondition, "%q", text)
	}
}
