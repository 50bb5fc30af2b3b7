package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"recurcal/internal/log"
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "UTC"
	defaultDatabase       = "./var/recurcal.db"
	defaultHorizonYears   = 100
	defaultMaxOccurrences = 1000
	defaultAudit          = "0 0 3 * * *"
	defaultLogLevel       = "info"

	// MemoryDatabase selects the in-process store instead of SQLite.
	MemoryDatabase = ":memory:"

	dateLayout = "2006-01-02"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone new events and CLI input are interpreted in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the SQLite file path, or ":memory:" for a throwaway store.
	Database string `yaml:"database" json:"database"`

	// HorizonYears bounds how far ahead the evaluator searches for a match.
	HorizonYears int `yaml:"horizon_years" json:"horizon_years"`

	// MaxOccurrences caps the generated events of one series.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	// Audit is a six-field cron schedule (seconds first) for the periodic
	// overlap audit. "off" disables it.
	Audit string `yaml:"audit" json:"audit"`

	// SkipDates lists dates (YYYY-MM-DD) on which no occurrence is generated.
	SkipDates []string `yaml:"skip_dates" json:"skip_dates"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Timezone:       defaultTimezone,
		Database:       defaultDatabase,
		HorizonYears:   defaultHorizonYears,
		MaxOccurrences: defaultMaxOccurrences,
		Audit:          defaultAudit,
		SkipDates:      []string{},
		LogLevel:       defaultLogLevel,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.HorizonYears <= 0 {
		c.HorizonYears = defaultHorizonYears
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	}
	if c.Audit == "" {
		c.Audit = defaultAudit
	}
	if c.SkipDates == nil {
		c.SkipDates = []string{}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil || c.LogLevel == "" {
		// Unknown value; fall back to info rather than refusing to start.
		c.LogLevel = defaultLogLevel
	}
}

// Validate reports settings that cannot be normalized away.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Skip(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", c.Timezone)
	}
	return loc, nil
}

// Skip returns a predicate reporting whether a candidate falls on one of
// SkipDates, or nil when there are none.
func (c *Config) Skip() (func(time.Time) bool, error) {
	if len(c.SkipDates) == 0 {
		return nil, nil
	}
	dates := make(map[string]struct{}, len(c.SkipDates))
	for _, d := range c.SkipDates {
		t, err := time.Parse(dateLayout, d)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid skip date %q", d)
		}
		dates[t.Format(dateLayout)] = struct{}{}
	}
	return func(t time.Time) bool {
		_, ok := dates[t.Format(dateLayout)]
		return ok
	}, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and returned.
//   - If the file exists, it is unmarshaled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			log.Info("wrote default config", "path", path)
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically via a
// temp file in the same directory, with final permissions 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}

	tmp, err := os.CreateTemp(dir, ".recurcal-config-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
