package engine

import (
	"context"
	"time"

	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/findings"
)

// Engine is the central orchestration interface. One call to Run performs
// one complete ingestion cycle across all resolved regions and returns the
// finalised RunMetadata.
//
// Engine must not call the AWS SDK directly; it delegates to the resolver,
// the page source, and the store.
type Engine interface {
	Run(ctx context.Context, trigger models.RunTrigger) (*models.RunMetadata, error)
}

// Resolver returns the regions to poll for one run.
type Resolver interface {
	Resolve(ctx context.Context) ([]string, error)
}

// PageSource opens a findings pager for one region.
// *findings.Fetcher is the production implementation.
type PageSource interface {
	Pages(region string) *findings.Pager
}

// SnapshotWriter receives the findings observed during a run after it
// finishes. Failures are logged and never change the run outcome.
type SnapshotWriter interface {
	Write(ctx context.Context, run *models.RunMetadata, observed []models.Finding) error
}

// Options configures run-level behaviour of DefaultEngine.
type Options struct {
	// BatchWidth is the number of regions processed concurrently.
	// Defaults to 3 when zero.
	BatchWidth int

	// StorageRetries is the number of extra attempts per finding write.
	StorageRetries int

	// StorageBackoff is the initial delay between storage attempts.
	// Defaults to 100ms when zero.
	StorageBackoff time.Duration

	// StorageFailureThreshold aborts the run once this many findings failed
	// to persist. Zero disables the threshold.
	StorageFailureThreshold int
}
