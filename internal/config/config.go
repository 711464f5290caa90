package config

import "time"

// Config is the top-level application configuration.
// It is loaded from hubsync.yaml (optional), then overlaid with HUBSYNC_*
// environment variables. It must never be committed with real secrets.
type Config struct {
	AWS      AWSConfig      `yaml:"aws"      koanf:"aws"`
	Fetch    FetchConfig    `yaml:"fetch"    koanf:"fetch"`
	Ingest   IngestConfig   `yaml:"ingest"   koanf:"ingest"`
	Schedule ScheduleConfig `yaml:"schedule" koanf:"schedule"`
	Database DatabaseConfig `yaml:"database" koanf:"database"`
	Snapshot SnapshotConfig `yaml:"snapshot" koanf:"snapshot"`
	Log      LogConfig      `yaml:"log"      koanf:"log"`
	Server   ServerConfig   `yaml:"server"   koanf:"server"`
}

// AWSConfig selects credentials and the regions to poll.
type AWSConfig struct {
	// Profile is the shared-config profile. Empty uses the default chain.
	Profile string `yaml:"profile" koanf:"profile"`

	// Region is the home region used for STS and region discovery.
	Region string `yaml:"region" koanf:"region"`

	// Regions, when set, is polled as-is and discovery is skipped.
	Regions []string `yaml:"regions" koanf:"regions"`

	// FallbackRegions is used when region discovery fails.
	FallbackRegions []string `yaml:"fallback_regions" koanf:"fallback_regions"`

	// ExcludeRegions are removed from whatever list was resolved.
	ExcludeRegions []string `yaml:"exclude_regions" koanf:"exclude_regions"`
}

// FetchConfig bounds the paginated findings fetch for one region.
type FetchConfig struct {
	PageSize          int           `yaml:"page_size"           koanf:"page_size"`
	MaxPages          int           `yaml:"max_pages"           koanf:"max_pages"`
	MaxRetries        int           `yaml:"max_retries"         koanf:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"     koanf:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"         koanf:"max_backoff"`
	RegionTimeout     time.Duration `yaml:"region_timeout"      koanf:"region_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" koanf:"requests_per_second"`
	Burst             int           `yaml:"burst"               koanf:"burst"`

	// Upstream filters. Values within one list are OR-ed, lists are AND-ed.
	RecordStates      []string `yaml:"record_states"       koanf:"record_states"`
	SeverityLabels    []string `yaml:"severity_labels"     koanf:"severity_labels"`
	ProductNames      []string `yaml:"product_names"       koanf:"product_names"`
	UpdatedWithinDays int      `yaml:"updated_within_days" koanf:"updated_within_days"`
}

// IngestConfig controls run-level concurrency and failure policy.
type IngestConfig struct {
	// BatchWidth is the number of regions fetched concurrently.
	BatchWidth int `yaml:"batch_width" koanf:"batch_width"`

	// StorageRetries is the number of extra attempts per finding write.
	StorageRetries int `yaml:"storage_retries" koanf:"storage_retries"`

	// StorageFailureThreshold aborts the run once this many findings failed
	// to persist. Zero disables the threshold.
	StorageFailureThreshold int `yaml:"storage_failure_threshold" koanf:"storage_failure_threshold"`
}

// ScheduleConfig sets the polling cadence.
type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval" koanf:"interval"`

	// Cron is a standard cron expression or descriptor. It takes precedence
	// over Interval when set.
	Cron string `yaml:"cron" koanf:"cron"`

	RunOnStart bool `yaml:"run_on_start" koanf:"run_on_start"`
}

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver       string `yaml:"driver"         koanf:"driver"`
	DSN          string `yaml:"dsn"            koanf:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" koanf:"max_open_conns"`
}

// SnapshotConfig enables the per-run S3 snapshot when Bucket is set.
type SnapshotConfig struct {
	Bucket string `yaml:"bucket" koanf:"bucket"`
	Prefix string `yaml:"prefix" koanf:"prefix"`
	Region string `yaml:"region" koanf:"region"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"  koanf:"level"`
	Format string `yaml:"format" koanf:"format"`
}

// ServerConfig configures the operator HTTP endpoint.
type ServerConfig struct {
	Addr string `yaml:"addr" koanf:"addr"`
}

// Loader is the interface for reading Config.
// FileLoader reads hubsync.yaml plus environment overrides.
type Loader interface {
	// Load reads, parses, and validates the configuration.
	Load() (*Config, error)

	// ConfigPath returns the path of the configuration file.
	ConfigPath() string
}
