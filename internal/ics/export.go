package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/recurrence"
)

const productID = "-//recurcal//series export//EN"

// Export renders a series, root first, as an iCalendar document. When the
// rule has an RRULE equivalent that reproduces exactly the given events the
// series becomes a single recurring VEVENT; otherwise every event is written
// on its own. A root without a rule is written as a plain event.
func Export(events []*model.Event, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if len(events) == 0 {
		return cal.Serialize()
	}

	root := events[0]
	if raw, ok := recurringRule(events); ok {
		ve := addEvent(cal, root, now)
		ve.SetProperty(ical.ComponentPropertyRrule, raw)
		ve.SetProperty(propertyRule, root.Rule)
		if root.Condition != "" {
			ve.SetProperty(propertyCondition, root.Condition)
		}
		return cal.Serialize()
	}

	for _, ev := range events {
		ve := addEvent(cal, ev, now)
		if ev.ID == root.ID && root.Rule != "" {
			ve.SetProperty(propertyRule, root.Rule)
			if root.Condition != "" {
				ve.SetProperty(propertyCondition, root.Condition)
			}
		}
	}
	return cal.Serialize()
}

func addEvent(cal *ical.Calendar, ev *model.Event, now time.Time) *ical.VEvent {
	ve := cal.AddEvent(ev.ID)
	ve.SetDtStampTime(now)
	ve.SetStartAt(ev.Times.Start)
	ve.SetEndAt(ev.Times.End)
	ve.SetSummary(ev.Title)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	if ev.Type != "" {
		ve.SetProperty(propertyCategories, ev.Type)
	}
	for _, p := range ev.Participants {
		ve.AddProperty(ical.ComponentPropertyAttendee, "mailto:"+p)
	}
	return ve
}

// recurringRule returns the RRULE text for the series when expanding it
// yields exactly the starts of events.
func recurringRule(events []*model.Event) (string, bool) {
	root := events[0]
	if root.Rule == "" {
		return "", false
	}
	expr, err := recurrence.Parse(root.Rule)
	if err != nil {
		appLog.Error("export: stored rule does not parse", err, "id", root.ID)
		return "", false
	}
	var cond *recurrence.Condition
	if root.Condition != "" {
		c, err := recurrence.ParseCondition(root.Condition)
		if err != nil {
			appLog.Error("export: stored condition does not parse", err, "id", root.ID)
			return "", false
		}
		cond = &c
	}

	opt, err := RRule(expr, cond, root.Times.Start)
	if err != nil {
		appLog.Debug("export: rule has no RRULE form", "id", root.ID, "rule", root.Rule, "reason", err)
		return "", false
	}
	starts, err := Expand(opt)
	if err != nil || len(starts) != len(events) {
		return "", false
	}
	for i, ev := range events {
		if !starts[i].Equal(ev.Times.Start) || ev.Times.Duration() != root.Times.Duration() {
			return "", false
		}
	}
	return opt.RRuleString(), true
}
