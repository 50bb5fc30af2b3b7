package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"recurcal/internal/audit"
	"recurcal/internal/ics"
	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/recurrence"
	"recurcal/internal/series"
	"recurcal/internal/store"
	"recurcal/internal/web"
)

const timeLayout = "2006-01-02 15:04 MST"

func newNextCmd() *cobra.Command {
	var from string
	var count int

	cmd := &cobra.Command{
		Use:   "next EXPRESSION",
		Short: "Print the next occurrences of an expression",
		Example: `  recurcal next "0 0 9 ? * MON-FRI" --count 3
  recurcal next "0 30 18 L * ?" --from 2015-01-01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			expr, err := recurrence.Parse(args[0])
			if err != nil {
				return err
			}
			ref := time.Now().In(a.loc)
			if from != "" {
				if ref, err = a.parseTime(from); err != nil {
					return err
				}
			}

			occurrences, err := a.eval.Occurrences(expr, ref, count, nil)
			if err != nil && !errors.Is(err, recurrence.ErrNoMatch) {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range occurrences {
				fmt.Fprintln(out, t.Format(timeLayout))
			}
			if len(occurrences) < count {
				fmt.Fprintf(out, "(no further match within %d years)\n", a.cfg.HorizonYears)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "reference time (default now)")
	cmd.Flags().IntVar(&count, "count", 5, "number of occurrences")
	return cmd
}

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled overlap audit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// SIGINT/SIGTERM 수신 시 서버와 감사 스케줄러를 함께 종료한다.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if listen != "" {
				a.cfg.Listen = listen
			}

			appLog.Info("recurcal starting",
				"version", version,
				"listen", a.cfg.Listen,
				"timezone", a.cfg.Timezone,
				"database", a.cfg.Database,
				"horizon_years", a.cfg.HorizonYears,
				"max_occurrences", a.cfg.MaxOccurrences,
				"audit", a.cfg.Audit,
				"skip_dates", len(a.cfg.SkipDates),
			)

			srv := web.NewServer(a.cfg, a.store, a.opts...)
			auditor := audit.New(a.store, a.opts...)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			g.Go(func() error { return auditor.Schedule(gctx, a.cfg.Audit, a.loc) })
			if err := g.Wait(); err != nil {
				return err
			}
			appLog.Info("recurcal exiting")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check every stored series for overlapping events once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := audit.New(a.store, a.opts...).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range rep.Findings {
				fmt.Fprintf(out, "%s: %s overlaps %s\n", f.Root,
					f.Overlap.First.Times.Start.In(a.loc).Format(timeLayout),
					f.Overlap.Second.Times.Start.In(a.loc).Format(timeLayout))
			}
			fmt.Fprintf(out, "checked %d series, %d overlapping, %d failed\n", rep.Checked, len(rep.Findings), rep.Failed)
			return nil
		},
	}
}

func newEventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Manage single events",
	}

	var title, start, end, location, kind string
	var duration time.Duration
	var participants []string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an event and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			from, err := a.parseTime(start)
			if err != nil {
				return err
			}
			to := from.Add(duration)
			if end != "" {
				if to, err = a.parseTime(end); err != nil {
					return err
				}
			}
			times, err := model.NewTimes(from, to)
			if err != nil {
				return err
			}
			ev := &model.Event{
				Title:        title,
				Location:     location,
				Type:         kind,
				Participants: participants,
				Times:        times,
			}
			if err := store.Create(cmd.Context(), a.store, ev); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ev.ID)
			return nil
		},
	}
	add.Flags().StringVar(&title, "title", "", "event title")
	add.Flags().StringVar(&start, "start", "", "start time")
	add.Flags().StringVar(&end, "end", "", "end time (overrides --duration)")
	add.Flags().DurationVar(&duration, "duration", time.Hour, "event duration")
	add.Flags().StringVar(&location, "location", "", "event location")
	add.Flags().StringVar(&kind, "type", "", "event type")
	add.Flags().StringSliceVar(&participants, "participant", nil, "participant (repeatable)")
	_ = add.MarkFlagRequired("start")

	cmd.AddCommand(add)
	return cmd
}

func newSeriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Inspect and edit recurring series",
	}

	show := &cobra.Command{
		Use:   "show ROOT_ID",
		Short: "List the events of a series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := series.Open(cmd.Context(), a.store, args[0], a.opts...)
			if err != nil {
				return err
			}
			printSeries(cmd.OutOrStdout(), a, s)
			return nil
		},
	}

	var condition string
	var position int
	var force bool
	set := &cobra.Command{
		Use:   "set ROOT_ID EXPRESSION",
		Short: "Apply a rule to a series from the given position on",
		Example: `  recurcal series set 4f1c... "0 0 9 ? * MON" --condition times:10
  recurcal series set 4f1c... "0 0 9 ? * TUE" --condition until:2015-12-31 --position 3`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			expr, err := recurrence.Parse(args[1])
			if err != nil {
				return err
			}
			cond, err := recurrence.ParseCondition(condition)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := series.Open(ctx, a.store, args[0], a.opts...)
			if err != nil {
				return err
			}
			if !force {
				overlap, err := s.OverlapAfterEdit(position, &expr, &cond)
				if err != nil {
					return err
				}
				if pair, ok := overlap.Get(); ok {
					return errors.Errorf("events at %s and %s would overlap (use --force to save anyway)",
						pair.First.Times.Start.In(a.loc).Format(timeLayout),
						pair.Second.Times.Start.In(a.loc).Format(timeLayout))
				}
			}

			target, err := s.EditFrom(ctx, position, &expr, &cond)
			if err != nil {
				return err
			}
			if err := target.Save(ctx); err != nil {
				return err
			}
			printSeries(cmd.OutOrStdout(), a, target)
			return nil
		},
	}
	set.Flags().StringVar(&condition, "condition", "once", "once, times:N or until:YYYY-MM-DD")
	set.Flags().IntVar(&position, "position", 0, "first event the rule applies to, 0 being the root")
	set.Flags().BoolVar(&force, "force", false, "save even if events would overlap")

	clearCmd := &cobra.Command{
		Use:   "clear ROOT_ID",
		Short: "Remove the rule and delete the generated events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := series.Open(ctx, a.store, args[0], a.opts...)
			if err != nil {
				return err
			}
			s.SetExpression(nil)
			if err := s.Save(ctx); err != nil {
				return err
			}
			printSeries(cmd.OutOrStdout(), a, s)
			return nil
		},
	}

	cmd.AddCommand(show, set, clearCmd)
	return cmd
}

func printSeries(w io.Writer, a *app, s *series.Series) {
	root := s.Root()
	rule, cond := "-", "-"
	if root.Rule != "" {
		rule, cond = root.Rule, root.Condition
	}
	fmt.Fprintf(w, "root %s  series %s  rule %q  condition %s\n", root.ID, orDash(root.SeriesID), rule, cond)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tSTART\tEND\tTITLE")
	for i, ev := range s.Events() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i, ev.ID,
			ev.Times.Start.In(a.loc).Format(timeLayout),
			ev.Times.End.In(a.loc).Format(timeLayout),
			ev.Title)
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newImportCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "import FILE|URL",
		Short: "Import the events of an iCalendar file or URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			body, err := ics.NewFetcher(&http.Client{Timeout: timeout}).Fetch(ctx, args[0])
			if err != nil {
				return err
			}
			res, err := ics.Import(cmd.Context(), a.store, body, a.opts...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range res.Roots {
				fmt.Fprintln(out, id)
			}
			fmt.Fprintf(out, "imported %d events (%d recurring), skipped %d\n", len(res.Roots), res.Series, res.Skipped)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "fetch timeout for URLs")
	return cmd
}

func newExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export ROOT_ID",
		Short: "Write a series as iCalendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := series.Open(cmd.Context(), a.store, args[0], a.opts...)
			if err != nil {
				return err
			}
			body := ics.Export(s.Events(), time.Now())
			if output == "" || output == "-" {
				_, err := io.WriteString(cmd.OutOrStdout(), body)
				return err
			}
			if err := os.WriteFile(output, []byte(body), 0o644); err != nil {
				return errors.Wrapf(err, "failed to write %s", output)
			}
			appLog.Info("series exported", "root", args[0], "path", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
