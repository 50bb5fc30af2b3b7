package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"recurcal/internal/audit"
	"recurcal/internal/config"
	appLog "recurcal/internal/log"
	"recurcal/internal/recurrence"
	"recurcal/internal/series"
	"recurcal/internal/store"
	"recurcal/internal/store/memory"
	"recurcal/internal/store/sqlite"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "recurcal",
	Short:         "Recurring calendar series kept in step with cron-style rules",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "./recurcal.yaml", "path to config file (written with defaults on first run)")
	flags.String("db", "", "SQLite database path or :memory: (overrides config)")
	flags.String("log-level", "", "debug, info, warn or error (overrides config)")

	for _, name := range []string{"config", "db", "log-level"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("recurcal")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newNextCmd(),
		newServeCmd(),
		newAuditCmd(),
		newEventCmd(),
		newSeriesCmd(),
		newImportCmd(),
		newExportCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		appLog.Error("recurcal failed", err)
		os.Exit(1)
	}
}

// app bundles what every command needs once the config is loaded.
type app struct {
	cfg   *config.Config
	loc   *time.Location
	opts  []series.Option
	eval  recurrence.Evaluator
	store store.Store
	close func() error
}

// loadConfig reads the config file and applies flag and environment
// overrides.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if db := viper.GetString("db"); db != "" {
		cfg.Database = db
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := audit.Validate(cfg.Audit); err != nil {
		return nil, err
	}

	level, err := appLog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	appLog.SetLevel(level)
	return cfg, nil
}

// newApp loads the config and, when withStore is set, opens the store.
func newApp(ctx context.Context, withStore bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	skip, err := cfg.Skip()
	if err != nil {
		return nil, err
	}

	eval := recurrence.Evaluator{HorizonYears: cfg.HorizonYears}
	a := &app{
		cfg:  cfg,
		loc:  loc,
		eval: eval,
		opts: []series.Option{
			series.WithEvaluator(eval),
			series.WithMaxOccurrences(cfg.MaxOccurrences),
			series.WithSkip(skip),
		},
		close: func() error { return nil },
	}
	if !withStore {
		return a, nil
	}

	if cfg.Database == config.MemoryDatabase {
		appLog.Warn("using in-memory store; nothing will be kept after exit")
		a.store = memory.New()
		return a, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}
	db, err := sqlite.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = db
	a.close = db.Close
	appLog.Debug("store opened", "database", cfg.Database)
	return a, nil
}

func (a *app) Close() {
	if err := a.close(); err != nil {
		appLog.Error("failed to close store", err)
	}
}

// parseTime accepts RFC 3339, "2006-01-02 15:04" or a bare date, the latter
// two in the configured timezone.
func (a *app) parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(a.loc), nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, a.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("invalid time %q", s)
}
