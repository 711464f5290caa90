package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/metrics"
	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/findings"
	"github.com/pankaj-dahiya-devops/hubsync/internal/store"
)

// DefaultEngine is the production implementation of Engine.
// It resolves regions, fans them out in fixed-width batches, and pushes every
// page of findings through normalisation, change detection and the store.
type DefaultEngine struct {
	resolver Resolver
	source   PageSource
	store    store.Store
	snapshot SnapshotWriter
	opts     Options
	logger   zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewDefaultEngine constructs a DefaultEngine. snapshot may be nil.
func NewDefaultEngine(
	resolver Resolver,
	source PageSource,
	st store.Store,
	snapshot SnapshotWriter,
	opts Options,
	logger zerolog.Logger,
) *DefaultEngine {
	if opts.BatchWidth <= 0 {
		opts.BatchWidth = defaultBatchWidth
	}
	if opts.StorageRetries < 0 {
		opts.StorageRetries = 0
	}
	if opts.StorageBackoff <= 0 {
		opts.StorageBackoff = 100 * time.Millisecond
	}
	return &DefaultEngine{
		resolver: resolver,
		source:   source,
		store:    st,
		snapshot: snapshot,
		opts:     opts,
		logger:   logger.With().Str("component", "engine").Logger(),
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
}

// Run implements Engine.
//
// Region-scoped failures are recorded in the returned RunMetadata and never
// abort the run. The returned error is non-nil only when region discovery
// failed, the storage-failure threshold was crossed, every region failed, or
// the run record itself could not be written. The metadata is returned in
// every case where a run record was created.
func (e *DefaultEngine) Run(ctx context.Context, trigger models.RunTrigger) (*models.RunMetadata, error) {
	run := &models.RunMetadata{
		ID:        e.newID(),
		Trigger:   trigger,
		Status:    models.RunStatusRunning,
		StartedAt: e.now().UTC(),
	}
	log := e.logger.With().Str("run_id", run.ID).Str("trigger", string(trigger)).Logger()

	// Run bookkeeping must survive cancellation of the caller's context.
	bookCtx := context.WithoutCancel(ctx)
	if err := e.store.CreateRun(bookCtx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}
	log.Info().Msg("ingestion run started")

	state := newRunState(run, e.snapshot != nil)
	runErr := e.execute(ctx, state, log)

	runErr = e.finalise(state, runErr)
	if err := e.store.FinishRun(bookCtx, run); err != nil {
		log.Error().Err(err).Msg("failed to finalise run record")
		if runErr == nil {
			runErr = fmt.Errorf("finish run record: %w", err)
		}
	}

	metrics.RunsTotal.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
	metrics.RunDuration.Observe(run.Duration().Seconds())
	metrics.LastRunTimestamp.Set(float64(run.FinishedAt.Unix()))

	ev := log.Info()
	if run.Status != models.RunStatusSucceeded {
		ev = log.Warn()
	}
	ev.Str("status", string(run.Status)).
		Int("regions_succeeded", len(run.RegionsSucceeded)).
		Int("regions_failed", len(run.RegionsFailed)).
		Int("findings_seen", run.FindingsSeen).
		Int("findings_created", run.FindingsCreated).
		Int("changes_detected", run.ChangesDetected).
		Dur("duration", run.Duration()).
		Msg("ingestion run finished")

	e.writeSnapshot(bookCtx, state, log)
	return run, runErr
}

// execute resolves regions and drives the batches. It returns the run-level
// error, if any.
func (e *DefaultEngine) execute(ctx context.Context, state *runState, log zerolog.Logger) error {
	regions, err := e.resolver.Resolve(ctx)
	if err != nil {
		log.Error().Err(err).Msg("region resolution failed")
		return err
	}
	state.run.RegionsAttempted = regions
	if len(regions) == 0 {
		log.Warn().Msg("no regions to poll")
		return nil
	}

	batches := Batches(regions, e.opts.BatchWidth)
	log.Info().Int("regions", len(regions)).Int("batches", len(batches)).
		Int("batch_width", e.opts.BatchWidth).Msg("regions resolved")

	// Tasks are shielded from the caller's cancellation; only the storage
	// threshold stops them early.
	taskCtx, abort := context.WithCancelCause(context.WithoutCancel(ctx))
	defer abort(nil)
	state.abort = abort

	skipped := runBatches(ctx, taskCtx, batches, func(tctx context.Context, batch int, region string) {
		e.processRegion(tctx, state, batch, region, log)
	})

	if cause := context.Cause(taskCtx); errors.Is(cause, ingesterr.ErrStorageThreshold) {
		for _, region := range skipped {
			state.failRegion(region, ingesterr.FetchCancelled, cause.Error())
		}
		return fmt.Errorf("run %s aborted after %d storage failures: %w",
			state.run.ID, state.run.StorageFailures, ingesterr.ErrStorageThreshold)
	}
	if len(skipped) > 0 {
		for _, region := range skipped {
			state.failRegion(region, ingesterr.FetchCancelled, ingesterr.ErrRunCancelled.Error())
		}
		state.cancelled = true
		log.Warn().Strs("skipped", skipped).Msg("run cancelled at batch boundary")
	}
	return nil
}

// processRegion runs the fetch-normalise-persist pipeline for one region.
// The pager's deadline bounds the whole pipeline, persistence included.
func (e *DefaultEngine) processRegion(ctx context.Context, state *runState, batch int, region string, runLog zerolog.Logger) {
	log := runLog.With().Str("region", region).Int("batch", batch).Logger()
	pager := e.source.Pages(region)
	defer pager.Close()

	regionCtx := ctx
	if deadline, ok := pager.Deadline(); ok {
		var cancel context.CancelFunc
		regionCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for pager.HasMorePages() {
		if e.regionStopped(ctx, regionCtx, state, region, log) {
			return
		}

		page, err := pager.NextPage(ctx)
		if err != nil {
			kind := ingesterr.KindOf(err)
			log.Warn().Err(err).Str("kind", string(kind)).Msg("region fetch failed")
			state.failRegion(region, kind, err.Error())
			metrics.RegionFetchesTotal.WithLabelValues(region, string(kind)).Inc()
			return
		}
		metrics.PagesFetched.WithLabelValues(region).Inc()
		state.addSeen(len(page.Records))

		for _, rec := range page.Records {
			if regionCtx.Err() != nil {
				break
			}
			f, err := findings.Normalize(rec, region)
			if err != nil {
				log.Debug().Err(err).Msg("skipping malformed finding")
				state.addMalformed()
				metrics.FindingsProcessed.WithLabelValues(metrics.OutcomeMalformed).Inc()
				continue
			}
			e.persist(regionCtx, state, f, log)
		}
		if page.Truncated {
			log.Warn().Int("pages", page.Number).Msg("region truncated at page cap")
		}
	}
	if e.regionStopped(ctx, regionCtx, state, region, log) {
		return
	}

	state.succeedRegion(region)
	metrics.RegionFetchesTotal.WithLabelValues(region, "ok").Inc()
}

// regionStopped records the region as failed when the run was aborted or the
// region's deadline passed, and reports whether it did.
func (e *DefaultEngine) regionStopped(ctx, regionCtx context.Context, state *runState, region string, log zerolog.Logger) bool {
	kind := ingesterr.FetchCancelled
	var reason string
	switch cause := context.Cause(ctx); {
	case cause != nil:
		reason = cause.Error()
	case regionCtx.Err() != nil:
		kind = ingesterr.FetchTimeout
		reason = "region timeout exceeded: " + regionCtx.Err().Error()
		log.Warn().Str("kind", string(kind)).Msg("region timed out")
	default:
		return false
	}
	state.failRegion(region, kind, reason)
	metrics.RegionFetchesTotal.WithLabelValues(region, string(kind)).Inc()
	return true
}

// persist reconciles one finding with the store, retrying storage errors.
// A finding that still fails is counted; crossing the threshold aborts the
// run. Work interrupted by ctx is not a storage failure.
func (e *DefaultEngine) persist(ctx context.Context, state *runState, f models.Finding, log zerolog.Logger) {
	diff := func(incoming models.Finding, prior *models.Finding) (models.Finding, *models.HistoryEntry) {
		stored, entry := Diff(incoming, prior, e.now())
		if entry != nil {
			entry.RunID = state.run.ID
		}
		return stored, entry
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.StorageBackoff
	out, err := backoff.Retry(ctx, func() (store.Outcome, error) {
		return e.store.Reconcile(ctx, f, diff)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.opts.StorageRetries+1)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug().Err(err).Str("finding_id", f.ID).Msg("finding not persisted: region stopped")
			return
		}
		log.Error().Err(err).Str("finding_id", f.ID).Msg("failed to persist finding")
		metrics.FindingsProcessed.WithLabelValues(metrics.OutcomeStorageFailed).Inc()
		if n := state.addStorageFailure(); e.opts.StorageFailureThreshold > 0 && n >= e.opts.StorageFailureThreshold {
			state.abortRun(ingesterr.ErrStorageThreshold)
		}
		return
	}

	switch {
	case out.Created():
		metrics.FindingsProcessed.WithLabelValues(metrics.OutcomeCreated).Inc()
	case out.Changed():
		log.Debug().Str("finding_id", f.ID).Strs("fields", ChangedFields(out.Entry)).Msg("finding changed")
		metrics.FindingsProcessed.WithLabelValues(metrics.OutcomeChanged).Inc()
	default:
		metrics.FindingsProcessed.WithLabelValues(metrics.OutcomeUnchanged).Inc()
	}
	state.recordOutcome(out)
}

// finalise sets the terminal status and end time of the run and returns the
// run-level error.
func (e *DefaultEngine) finalise(state *runState, runErr error) error {
	run := state.run
	run.FinishedAt = e.now().UTC()
	sort.Strings(run.RegionsSucceeded)
	sort.Slice(run.RegionsFailed, func(i, j int) bool {
		return run.RegionsFailed[i].Region < run.RegionsFailed[j].Region
	})

	switch {
	case runErr != nil:
		run.Status = models.RunStatusFailed
		run.Error = runErr.Error()
	case state.cancelled:
		run.Status = models.RunStatusCancelled
	case len(run.RegionsAttempted) > 0 && len(run.RegionsSucceeded) == 0:
		run.Status = models.RunStatusFailed
		run.Error = ingesterr.ErrAllRegionsFailed.Error()
		return fmt.Errorf("run %s: %w", run.ID, ingesterr.ErrAllRegionsFailed)
	case len(run.RegionsFailed) > 0:
		run.Status = models.RunStatusPartial
	default:
		run.Status = models.RunStatusSucceeded
	}
	return runErr
}

func (e *DefaultEngine) writeSnapshot(ctx context.Context, state *runState, log zerolog.Logger) {
	if e.snapshot == nil {
		return
	}
	if err := e.snapshot.Write(ctx, state.run, state.observedFindings()); err != nil {
		log.Warn().Err(err).Msg("run snapshot upload failed")
	}
}

// ── run state ────────────────────────────────────────────────────────────────

// runState is the mutable state shared by the region tasks of one run.
// observed is nil unless a snapshot will be written.
type runState struct {
	mu        sync.Mutex
	run       *models.RunMetadata
	observed  map[string]models.Finding
	cancelled bool
	abort     context.CancelCauseFunc
}

func newRunState(run *models.RunMetadata, keepObserved bool) *runState {
	s := &runState{run: run}
	if keepObserved {
		s.observed = make(map[string]models.Finding)
	}
	return s
}

func (s *runState) failRegion(region string, kind ingesterr.FetchKind, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.RegionsFailed = append(s.run.RegionsFailed, models.RegionFailure{
		Region: region,
		Reason: reason,
		Kind:   string(kind),
	})
}

func (s *runState) succeedRegion(region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.RegionsSucceeded = append(s.run.RegionsSucceeded, region)
}

func (s *runState) addSeen(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.FindingsSeen += n
}

func (s *runState) addMalformed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.MalformedSkipped++
}

func (s *runState) addStorageFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.StorageFailures++
	return s.run.StorageFailures
}

func (s *runState) abortRun(cause error) {
	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()
	if abort != nil {
		abort(cause)
	}
}

func (s *runState) recordOutcome(out store.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case out.Created():
		s.run.FindingsCreated++
	case out.Changed():
		s.run.ChangesDetected++
	}
	if s.observed != nil {
		s.observed[out.Finding.ID] = out.Finding
	}
}

// observedFindings returns the findings stored during the run, sorted by id.
func (s *runState) observedFindings() []models.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Finding, 0, len(s.observed))
	for _, f := range s.observed {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
