package ics

import (
	"bytes"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/pkg/errors"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
)

// Properties carrying the native rule and condition text alongside RRULE, so
// a calendar exported here re-imports without loss.
const (
	propertyRule      ical.ComponentProperty = "X-RECURCAL-RULE"
	propertyCondition ical.ComponentProperty = "X-RECURCAL-CONDITION"

	propertyCategories   ical.ComponentProperty = "CATEGORIES"
	propertyRecurrenceID ical.ComponentProperty = "RECURRENCE-ID"
)

// ParsedEvent is the normalized representation of a VEVENT.
type ParsedEvent struct {
	UID string

	Summary      string
	Description  string
	Location     string
	Categories   string
	Participants []string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule  string
	Rule      string
	Condition string

	// RecurrenceID is set on overrides of a single instance; those are
	// not imported.
	RecurrenceID string
}

// Event converts the parsed VEVENT into a root event without identity.
func (p ParsedEvent) Event() (*model.Event, error) {
	end := p.End
	if end.IsZero() {
		end = p.Start
		if p.AllDay {
			end = p.Start.AddDate(0, 0, 1)
		}
	}
	times, err := model.NewTimes(p.Start, end)
	if err != nil {
		return nil, errors.Wrapf(err, "event %s", p.UID)
	}
	return &model.Event{
		Title:        p.Summary,
		Description:  p.Description,
		Location:     p.Location,
		Type:         p.Categories,
		Participants: p.Participants,
		Times:        times,
	}, nil
}

// ParseICS parses a single ICS payload into a list of ParsedEvent. VEVENTs
// that cannot be parsed are logged and skipped.
func ParseICS(body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse calendar")
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	out.Summary = propertyValue(ve, ical.ComponentPropertySummary)
	out.Description = propertyValue(ve, ical.ComponentPropertyDescription)
	out.Location = propertyValue(ve, ical.ComponentPropertyLocation)
	out.Categories = propertyValue(ve, propertyCategories)
	out.RawRRule = propertyValue(ve, ical.ComponentPropertyRrule)
	out.Rule = propertyValue(ve, propertyRule)
	out.Condition = propertyValue(ve, propertyCondition)
	out.RecurrenceID = propertyValue(ve, propertyRecurrenceID)

	for _, p := range ve.GetProperties(ical.ComponentPropertyAttendee) {
		if v := strings.TrimPrefix(p.Value, "mailto:"); v != "" {
			out.Participants = append(out.Participants, v)
		}
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, errors.Wrapf(err, "event %s has no usable DTSTART", out.UID)
	}
	out.Start = start
	if end, err := ve.GetEndAt(); err == nil {
		out.End = end
	}

	// VALUE=DATE or no 'T' in the value -> all-day
	if dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart); dtStartProp != nil {
		if vs, ok := dtStartProp.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(dtStartProp.Value, "T") {
			out.AllDay = true
		}
	}

	return out, nil
}

func propertyValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}
