package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/hubsync/internal/config"
	"github.com/pankaj-dahiya-devops/hubsync/internal/engine"
	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/logging"
	"github.com/pankaj-dahiya-devops/hubsync/internal/metrics"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/findings"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/snapshot"
	"github.com/pankaj-dahiya-devops/hubsync/internal/store"
)

// loadConfig reads the file named by --config plus HUBSYNC_* overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.NewFileLoader(path).Load()
}

// setupLogger initialises zerolog from cfg. --verbose forces debug level.
func setupLogger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	level := cfg.Log.Level
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		level = "debug"
	}
	return logging.Init(logging.Config{Format: cfg.Log.Format, Level: level})
}

// discoverer returns a DiscoverFunc that loads the AWS profile on first use,
// so an explicit region list never touches AWS.
func discoverer(provider common.AWSClientProvider, profileName string) engine.DiscoverFunc {
	return func(ctx context.Context) ([]string, error) {
		profile, err := provider.LoadProfile(ctx, profileName)
		if err != nil {
			return nil, err
		}
		return provider.GetActiveRegions(ctx, profile)
	}
}

func fetchOptions(c config.FetchConfig) findings.FetchOptions {
	return findings.FetchOptions{
		PageSize:          int32(c.PageSize),
		MaxPages:          c.MaxPages,
		MaxRetries:        c.MaxRetries,
		InitialBackoff:    c.InitialBackoff,
		MaxBackoff:        c.MaxBackoff,
		RegionTimeout:     c.RegionTimeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		Filters: findings.Filters{
			RecordStates:      c.RecordStates,
			SeverityLabels:    c.SeverityLabels,
			ProductNames:      c.ProductNames,
			UpdatedWithinDays: c.UpdatedWithinDays,
		},
	}
}

// buildEngine wires resolver, fetcher, store and optional snapshot uploader
// into a DefaultEngine. It loads the AWS profile, which resolves the account
// through STS.
func buildEngine(ctx context.Context, cfg *config.Config, st store.Store, logger zerolog.Logger) (*engine.DefaultEngine, error) {
	provider := common.NewDefaultAWSClientProvider(cfg.AWS.Region)
	profile, err := provider.LoadProfile(ctx, cfg.AWS.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("profile", profile.ProfileName).Str("account_id", profile.AccountID).
		Str("home_region", profile.Region).Msg("AWS profile loaded")

	resolver := engine.NewRegionResolver(func(ctx context.Context) ([]string, error) {
		return provider.GetActiveRegions(ctx, profile)
	}, cfg.AWS, logger)

	fetcher := findings.NewFetcher(provider, profile, fetchOptions(cfg.Fetch), logger)
	fetcher.OnRetry(func(region string, kind ingesterr.FetchKind) {
		metrics.FetchRetries.WithLabelValues(region, string(kind)).Inc()
	})

	opts := engine.Options{
		BatchWidth:              cfg.Ingest.BatchWidth,
		StorageRetries:          cfg.Ingest.StorageRetries,
		StorageFailureThreshold: cfg.Ingest.StorageFailureThreshold,
	}
	return engine.NewDefaultEngine(resolver, fetcher, st, snapshotWriter(provider, profile, cfg.Snapshot, logger), opts, logger), nil
}

// snapshotWriter returns nil when no bucket is configured.
func snapshotWriter(provider common.AWSClientProvider, profile *common.ProfileConfig, cfg config.SnapshotConfig, logger zerolog.Logger) engine.SnapshotWriter {
	if cfg.Bucket == "" {
		return nil
	}
	awsCfg := profile.Config
	if cfg.Region != "" {
		awsCfg = provider.ConfigForRegion(profile, cfg.Region)
	}
	return snapshot.NewUploader(awsCfg, cfg.Bucket, cfg.Prefix, logger)
}

// withStore opens the configured store, runs fn, and closes the store.
func withStore(cmd *cobra.Command, fn func(st store.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogger(cmd, cfg)
	st, err := store.Open(cmd.Context(), cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(st)
}
