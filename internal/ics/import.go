package ics

import (
	"context"

	"github.com/pkg/errors"

	appLog "recurcal/internal/log"
	"recurcal/internal/recurrence"
	"recurcal/internal/series"
	"recurcal/internal/store"
)

// ImportResult reports what Import stored.
type ImportResult struct {
	// Roots holds the id of every stored root event, in input order.
	Roots []string
	// Series counts the roots that recur.
	Series int
	// Skipped counts VEVENTs that were not imported.
	Skipped int
}

// Import stores every VEVENT of body as a root event. Recurring VEVENTs become
// series: the native rule is used when present, else the RRULE is converted.
// An RRULE without an equivalent imports the first occurrence only. Instance
// overrides (RECURRENCE-ID) are skipped.
func Import(ctx context.Context, st store.Store, body []byte, opts ...series.Option) (ImportResult, error) {
	var res ImportResult

	parsed, err := ParseICS(body)
	if err != nil {
		return res, err
	}

	for _, p := range parsed {
		if p.RecurrenceID != "" {
			res.Skipped++
			continue
		}
		root, err := p.Event()
		if err != nil {
			appLog.Error("ics import: invalid event", err, "uid", p.UID)
			res.Skipped++
			continue
		}

		expr, cond, recurring := ruleOf(p)
		if err := store.Create(ctx, st, root); err != nil {
			return res, errors.Wrapf(err, "failed to store event %s", p.UID)
		}
		res.Roots = append(res.Roots, root.ID)
		if !recurring {
			continue
		}

		s, err := series.Open(ctx, st, root.ID, opts...)
		if err != nil {
			return res, err
		}
		s.SetExpression(&expr)
		if err := s.SetCondition(&cond); err != nil {
			return res, err
		}
		if err := s.Save(ctx); err != nil {
			return res, errors.Wrapf(err, "failed to save series of %s", p.UID)
		}
		res.Series++
	}

	appLog.Info("ics import completed", "roots", len(res.Roots), "series", res.Series, "skipped", res.Skipped)
	return res, nil
}

func ruleOf(p ParsedEvent) (recurrence.Expression, recurrence.Condition, bool) {
	if p.Rule != "" {
		expr, err := recurrence.Parse(p.Rule)
		if err == nil {
			cond := recurrence.Once()
			if p.Condition != "" {
				cond, err = recurrence.ParseCondition(p.Condition)
			}
			if err == nil {
				return expr, cond, true
			}
		}
		appLog.Error("ics import: ignoring native rule", err, "uid", p.UID)
	}
	if p.RawRRule == "" {
		return recurrence.Expression{}, recurrence.Condition{}, false
	}
	expr, cond, err := FromRRule(p.RawRRule, p.Start)
	if err != nil {
		appLog.Error("ics import: importing first occurrence only", err, "uid", p.UID)
		return recurrence.Expression{}, recurrence.Condition{}, false
	}
	return expr, cond, true
}
