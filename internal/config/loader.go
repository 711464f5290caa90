package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels: HUBSYNC_SCHEDULE__INTERVAL -> schedule.interval.
const EnvPrefix = "HUBSYNC_"

// listKeys are decoded explicitly so that an override replaces the default
// list instead of being merged into it element by element.
var listKeys = []string{
	"aws.regions",
	"aws.fallback_regions",
	"aws.exclude_regions",
	"fetch.record_states",
	"fetch.severity_labels",
	"fetch.product_names",
}

// FileLoader reads a YAML file (optional) and HUBSYNC_* environment
// variables. EnvFile, when present on disk, is loaded into the process
// environment first without overriding variables that are already set.
type FileLoader struct {
	Path    string
	EnvFile string
}

// NewFileLoader returns a loader for path, falling back to DefaultPath.
func NewFileLoader(path string) *FileLoader {
	if path == "" {
		path = DefaultPath
	}
	return &FileLoader{Path: path, EnvFile: ".env"}
}

// ConfigPath implements Loader.
func (l *FileLoader) ConfigPath() string { return l.Path }

// Load implements Loader.
func (l *FileLoader) Load() (*Config, error) {
	if l.EnvFile != "" {
		if _, err := os.Stat(l.EnvFile); err == nil {
			if err := godotenv.Load(l.EnvFile); err != nil {
				return nil, fmt.Errorf("load env file %s: %w", l.EnvFile, err)
			}
		}
	}

	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(l.Path); err == nil {
		if err := k.Load(file.Provider(l.Path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.Path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("access config %s: %w", l.Path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyLists(k, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.Path, err)
	}
	return cfg, nil
}

// envKey maps HUBSYNC_FETCH__MAX_PAGES to fetch.max_pages.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func applyLists(k *koanf.Koanf, cfg *Config) {
	targets := map[string]*[]string{
		"aws.regions":           &cfg.AWS.Regions,
		"aws.fallback_regions":  &cfg.AWS.FallbackRegions,
		"aws.exclude_regions":   &cfg.AWS.ExcludeRegions,
		"fetch.record_states":   &cfg.Fetch.RecordStates,
		"fetch.severity_labels": &cfg.Fetch.SeverityLabels,
		"fetch.product_names":   &cfg.Fetch.ProductNames,
	}
	for _, key := range listKeys {
		if !k.Exists(key) {
			continue
		}
		*targets[key] = stringList(k.Get(key))
	}
}

// stringList accepts a YAML sequence or a comma-separated string (env).
func stringList(v any) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			raw = append(raw, fmt.Sprint(item))
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	if c.Fetch.PageSize < 1 || c.Fetch.PageSize > 100 {
		return fmt.Errorf("fetch.page_size must be between 1 and 100, got %d", c.Fetch.PageSize)
	}
	if c.Fetch.MaxPages < 1 {
		return fmt.Errorf("fetch.max_pages must be positive, got %d", c.Fetch.MaxPages)
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be non-negative")
	}
	if c.Fetch.RequestsPerSecond <= 0 {
		return fmt.Errorf("fetch.requests_per_second must be positive")
	}
	if c.Fetch.RegionTimeout <= 0 {
		return fmt.Errorf("fetch.region_timeout must be positive")
	}
	if c.Ingest.BatchWidth < 1 {
		return fmt.Errorf("ingest.batch_width must be positive, got %d", c.Ingest.BatchWidth)
	}
	if c.Ingest.StorageRetries < 0 || c.Ingest.StorageFailureThreshold < 0 {
		return fmt.Errorf("ingest storage settings must be non-negative")
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("invalid database.driver %q: must be %s or %s", c.Database.Driver, DriverSQLite, DriverPostgres)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("invalid schedule.cron %q: %w", c.Schedule.Cron, err)
		}
	} else if c.Schedule.Interval < time.Second {
		return fmt.Errorf("schedule.interval must be at least 1s, got %s", c.Schedule.Interval)
	}
	return nil
}

// CronSchedule returns the polling cadence: the cron expression when set,
// otherwise a constant interval measured from each run's start.
func (c *Config) CronSchedule() (cron.Schedule, error) {
	if c.Schedule.Cron != "" {
		return cron.ParseStandard(c.Schedule.Cron)
	}
	return cron.Every(c.Schedule.Interval), nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
