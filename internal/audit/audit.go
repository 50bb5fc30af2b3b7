// Package audit periodically checks every stored series for consecutive
// events whose spans intersect. Series are never modified; findings are
// logged and kept as the last report.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	appLog "recurcal/internal/log"
	"recurcal/internal/series"
	"recurcal/internal/store"
)

// Off disables the scheduled audit.
const Off = "off"

// parser accepts six-field schedules with a leading seconds field, plus
// descriptors such as @daily or @every 1h.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether spec is a usable schedule. Off is accepted.
func Validate(spec string) error {
	if spec == Off {
		return nil
	}
	if _, err := parser.Parse(spec); err != nil {
		return errors.Wrapf(err, "invalid audit schedule %q", spec)
	}
	return nil
}

// Finding is one series whose events overlap.
type Finding struct {
	Root   string
	Series string
	Overlap series.Overlap
}

// Report summarises one audit pass.
type Report struct {
	Started  time.Time
	Checked  int
	Failed   int
	Findings []Finding
}

// Auditor checks the series of a store.
type Auditor struct {
	store store.Store
	opts  []series.Option

	mu   sync.Mutex
	last Report
}

// New returns an Auditor. opts are applied to every series it opens.
func New(st store.Store, opts ...series.Option) *Auditor {
	return &Auditor{store: st, opts: opts}
}

// Last returns the report of the most recent pass.
func (a *Auditor) Last() Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// RunOnce audits every stored series. A series that cannot be opened or
// evaluated is counted as failed and skipped.
func (a *Auditor) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{Started: time.Now()}

	roots, err := a.store.ListSeriesRoots(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "failed to list series")
	}

	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++

		s, err := series.Open(ctx, a.store, root.ID, a.opts...)
		if err != nil {
			appLog.Error("audit: failed to open series", err, "root", root.ID)
			rep.Failed++
			continue
		}
		overlap, err := s.FirstOverlap()
		if err != nil {
			appLog.Error("audit: failed to evaluate series", err, "root", root.ID)
			rep.Failed++
			continue
		}
		if pair, ok := overlap.Get(); ok {
			appLog.Warn("audit: overlapping events",
				"root", root.ID,
				"series", root.SeriesID,
				"first", pair.First.Times.Start,
				"second", pair.Second.Times.Start,
			)
			rep.Findings = append(rep.Findings, Finding{Root: root.ID, Series: root.SeriesID, Overlap: pair})
		}
	}

	a.mu.Lock()
	a.last = rep
	a.mu.Unlock()

	appLog.Info("audit completed", "checked", rep.Checked, "overlaps", len(rep.Findings), "failed", rep.Failed)
	return rep, nil
}

// Schedule runs RunOnce on spec, interpreted in loc, until ctx is cancelled.
// A pass still running when the next one is due is skipped.
func (a *Auditor) Schedule(ctx context.Context, spec string, loc *time.Location) error {
	if spec == Off {
		appLog.Info("audit disabled")
		<-ctx.Done()
		return nil
	}
	if err := Validate(spec); err != nil {
		return err
	}
	if loc == nil {
		loc = time.UTC
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() {
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			appLog.Error("audit failed", err)
		}
	}); err != nil {
		return errors.Wrapf(err, "failed to schedule audit %q", spec)
	}

	c.Start()
	appLog.Info("audit scheduled", "schedule", spec, "timezone", loc.String())

	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("audit scheduler stopped")
	return nil
}

// cronLogger routes scheduler messages to the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
