package config

import "time"

// DefaultPath is the configuration file read when no --config flag is given.
const DefaultPath = "hubsync.yaml"

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Fetch: FetchConfig{
			PageSize:          100,
			MaxPages:          500,
			MaxRetries:        5,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        20 * time.Second,
			RegionTimeout:     10 * time.Minute,
			RequestsPerSecond: 3,
			Burst:             6,
			RecordStates:      []string{"ACTIVE"},
		},
		Ingest: IngestConfig{
			BatchWidth:              3,
			StorageRetries:          2,
			StorageFailureThreshold: 100,
		},
		Schedule: ScheduleConfig{
			Interval:   30 * time.Minute,
			RunOnStart: true,
		},
		Database: DatabaseConfig{
			Driver:       DriverSQLite,
			DSN:          "hubsync.db",
			MaxOpenConns: 10,
		},
		Snapshot: SnapshotConfig{
			Prefix: "security-hub-findings/",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}
