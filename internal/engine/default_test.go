package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	shtypes "github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/hubsync/internal/config"
	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/findings"
	"github.com/pankaj-dahiya-devops/hubsync/internal/store"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeProvider struct{}

func (fakeProvider) LoadProfile(context.Context, string) (*common.ProfileConfig, error) {
	return &common.ProfileConfig{}, nil
}

func (fakeProvider) GetActiveRegions(context.Context, *common.ProfileConfig) ([]string, error) {
	return nil, nil
}

func (fakeProvider) ConfigForRegion(_ *common.ProfileConfig, region string) aws.Config {
	return aws.Config{Region: region}
}

// regionHub serves one region's findings in pages of pageSize, or fails
// every call with err.
type regionHub struct {
	records  []shtypes.AwsSecurityFinding
	pageSize int
	err      error
}

func (h *regionHub) GetFindings(_ context.Context, in *securityhub.GetFindingsInput, _ ...func(*securityhub.Options)) (*securityhub.GetFindingsOutput, error) {
	if h.err != nil {
		return nil, h.err
	}
	start := 0
	if in.NextToken != nil {
		for i := range h.records {
			if aws.ToString(h.records[i].Id) == aws.ToString(in.NextToken) {
				start = i
				break
			}
		}
	}
	size := h.pageSize
	if size <= 0 {
		size = 2
	}
	end := min(start+size, len(h.records))
	out := &securityhub.GetFindingsOutput{Findings: h.records[start:end]}
	if end < len(h.records) {
		out.NextToken = h.records[end].Id
	}
	return out, nil
}

// hubSet routes clients by region.
type hubSet struct {
	mu   sync.Mutex
	hubs map[string]*regionHub
}

func (s *hubSet) set(region string, h *regionHub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hubs[region] = h
}

func (s *hubSet) factory(cfg aws.Config) findings.HubAPI {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hubs[cfg.Region]; ok {
		return h
	}
	return &regionHub{}
}

func record(id string, region string, sev shtypes.SeverityLabel) shtypes.AwsSecurityFinding {
	return shtypes.AwsSecurityFinding{
		Id:           aws.String(id),
		Title:        aws.String("finding " + id),
		Severity:     &shtypes.Severity{Label: sev},
		RecordState:  shtypes.RecordStateActive,
		ProductName:  aws.String("Security Hub"),
		AwsAccountId: aws.String("111122223333"),
		Region:       aws.String(region),
		Workflow:     &shtypes.Workflow{Status: shtypes.WorkflowStatusNew},
	}
}

type staticResolver []string

func (r staticResolver) Resolve(context.Context) ([]string, error) { return r, nil }

type failingResolver struct{ err error }

func (r failingResolver) Resolve(context.Context) ([]string, error) { return nil, r.err }

// flakyStore fails Reconcile for the configured ids.
type flakyStore struct {
	store.Store
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (s *flakyStore) Reconcile(ctx context.Context, f models.Finding, diff store.DiffFunc) (store.Outcome, error) {
	s.mu.Lock()
	s.calls++
	fail := s.fail[f.ID]
	s.mu.Unlock()
	if fail {
		return store.Outcome{}, &ingesterr.StorageError{FindingID: f.ID, Op: "reconcile", Err: errors.New("disk I/O error")}
	}
	return s.Store.Reconcile(ctx, f, diff)
}

// slowStore delays every Reconcile by delay, or until ctx ends.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s *slowStore) Reconcile(ctx context.Context, f models.Finding, diff store.DiffFunc) (store.Outcome, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return store.Outcome{}, &ingesterr.StorageError{FindingID: f.ID, Op: "reconcile", Err: ctx.Err()}
	}
	return s.Store.Reconcile(ctx, f, diff)
}

type captureSnapshot struct {
	run      *models.RunMetadata
	observed []models.Finding
}

func (c *captureSnapshot) Write(_ context.Context, run *models.RunMetadata, observed []models.Finding) error {
	c.run, c.observed = run, observed
	return nil
}

// ── harness ───────────────────────────────────────────────────────────────────

type harness struct {
	hubs    *hubSet
	store   *store.SQLStore
	opts    findings.FetchOptions
	fetcher *findings.Fetcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "engine.db"),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hubs := &hubSet{hubs: map[string]*regionHub{}}
	opts := findings.FetchOptions{
		PageSize:          2,
		MaxPages:          50,
		MaxRetries:        1,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		RegionTimeout:     10 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}
	h := &harness{hubs: hubs, store: st, opts: opts}
	h.setRegionTimeout(opts.RegionTimeout)
	return h
}

func (h *harness) setRegionTimeout(d time.Duration) {
	h.opts.RegionTimeout = d
	h.fetcher = findings.NewFetcherWithFactory(h.hubs.factory, fakeProvider{}, &common.ProfileConfig{}, h.opts, zerolog.Nop())
}

func (h *harness) engine(resolver Resolver, st store.Store, snap SnapshotWriter, opts Options) *DefaultEngine {
	if st == nil {
		st = h.store
	}
	opts.StorageBackoff = time.Millisecond
	return NewDefaultEngine(resolver, h.fetcher, st, snap, opts, zerolog.Nop())
}

func failedRegions(run *models.RunMetadata) map[string]string {
	out := map[string]string{}
	for _, f := range run.RegionsFailed {
		out[f.Region] = f.Kind
	}
	return out
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestRun_SevenRegionsAuthFailureIsolated(t *testing.T) {
	h := newHarness(t)
	regions := []string{"ap-south-1", "eu-central-1", "eu-west-1", "sa-east-1", "us-east-1", "us-east-2", "us-west-2"}
	for _, r := range regions {
		h.hubs.set(r, &regionHub{records: []shtypes.AwsSecurityFinding{
			record(r+"/a", r, shtypes.SeverityLabelHigh),
			record(r+"/b", r, shtypes.SeverityLabelLow),
			record(r+"/c", r, shtypes.SeverityLabelMedium),
		}})
	}
	h.hubs.set("eu-west-1", &regionHub{err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized"}})

	run, err := h.engine(staticResolver(regions), nil, nil, Options{BatchWidth: 3}).Run(context.Background(), models.TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(run.RegionsAttempted) != 7 {
		t.Errorf("RegionsAttempted = %v; want all 7", run.RegionsAttempted)
	}
	if len(run.RegionsSucceeded) != 6 {
		t.Errorf("RegionsSucceeded = %v; want 6", run.RegionsSucceeded)
	}
	failed := failedRegions(run)
	if len(failed) != 1 || failed["eu-west-1"] != string(ingesterr.FetchUnauthorized) {
		t.Errorf("RegionsFailed = %+v; want eu-west-1 unauthorized", run.RegionsFailed)
	}
	if run.Status != models.RunStatusPartial {
		t.Errorf("Status = %s; want partial", run.Status)
	}
	if run.FindingsSeen != 18 || run.FindingsCreated != 18 {
		t.Errorf("seen=%d created=%d; want 18/18", run.FindingsSeen, run.FindingsCreated)
	}
	if _, err := h.store.GetFinding(context.Background(), "us-west-2/c"); err != nil {
		t.Errorf("finding from a healthy region not persisted: %v", err)
	}

	stored, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != models.RunStatusPartial || stored.FinishedAt.IsZero() {
		t.Errorf("stored run = %+v", stored)
	}
}

func TestRun_SecondIdenticalRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.hubs.set("us-east-1", &regionHub{records: []shtypes.AwsSecurityFinding{
		record("f1", "us-east-1", shtypes.SeverityLabelHigh),
		record("f2", "us-east-1", shtypes.SeverityLabelLow),
	}})
	eng := h.engine(staticResolver{"us-east-1"}, nil, nil, Options{})

	if _, err := eng.Run(context.Background(), models.TriggerScheduled); err != nil {
		t.Fatalf("Run #1: %v", err)
	}
	first, _ := h.store.GetFinding(context.Background(), "f1")

	run, err := eng.Run(context.Background(), models.TriggerScheduled)
	if err != nil {
		t.Fatalf("Run #2: %v", err)
	}
	if run.FindingsCreated != 0 || run.ChangesDetected != 0 {
		t.Errorf("second run created=%d changed=%d; want 0/0", run.FindingsCreated, run.ChangesDetected)
	}

	hist, _ := h.store.ListHistory(context.Background(), "f1")
	if len(hist) != 1 || !hist[0].Created {
		t.Errorf("history = %+v; want only the created entry", hist)
	}
	second, _ := h.store.GetFinding(context.Background(), "f1")
	if !second.FirstSeenAt.Equal(first.FirstSeenAt) {
		t.Error("FirstSeenAt changed on re-observation")
	}
	if second.LastUpdatedAt.Before(first.LastUpdatedAt) {
		t.Error("LastUpdatedAt moved backward")
	}
}

func TestRun_SeverityChangeProducesOneEntry(t *testing.T) {
	h := newHarness(t)
	h.hubs.set("us-east-1", &regionHub{records: []shtypes.AwsSecurityFinding{record("f1", "us-east-1", shtypes.SeverityLabelHigh)}})
	eng := h.engine(staticResolver{"us-east-1"}, nil, nil, Options{})
	if _, err := eng.Run(context.Background(), models.TriggerScheduled); err != nil {
		t.Fatalf("Run #1: %v", err)
	}

	h.hubs.set("us-east-1", &regionHub{records: []shtypes.AwsSecurityFinding{record("f1", "us-east-1", shtypes.SeverityLabelCritical)}})
	run, err := eng.Run(context.Background(), models.TriggerScheduled)
	if err != nil {
		t.Fatalf("Run #2: %v", err)
	}
	if run.ChangesDetected != 1 {
		t.Errorf("ChangesDetected = %d; want 1", run.ChangesDetected)
	}

	hist, _ := h.store.ListHistory(context.Background(), "f1")
	if len(hist) != 2 {
		t.Fatalf("history entries = %d; want 2", len(hist))
	}
	change := hist[1]
	if len(change.Changes) != 1 {
		t.Errorf("Changes = %v; only severity should be recorded", change.Changes)
	}
	if c := change.Changes[models.FieldSeverity]; c.Old != "HIGH" || c.New != "CRITICAL" {
		t.Errorf("severity change = %+v", c)
	}
	if change.RunID != run.ID {
		t.Errorf("entry RunID = %q; want %q", change.RunID, run.ID)
	}
}

func TestRun_NewFindingFirstSeenEqualsLastUpdated(t *testing.T) {
	h := newHarness(t)
	h.hubs.set("eu-west-1", &regionHub{records: []shtypes.AwsSecurityFinding{record("new", "eu-west-1", shtypes.SeverityLabelMedium)}})
	eng := h.engine(staticResolver{"eu-west-1"}, nil, nil, Options{})
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return fixed }

	if _, err := eng.Run(context.Background(), models.TriggerManual); err != nil {
		t.Fatalf("Run: %v", err)
	}
	f, err := h.store.GetFinding(context.Background(), "new")
	if err != nil {
		t.Fatalf("GetFinding: %v", err)
	}
	if !f.FirstSeenAt.Equal(fixed) || !f.LastUpdatedAt.Equal(f.FirstSeenAt) {
		t.Errorf("first seen %s, last updated %s", f.FirstSeenAt, f.LastUpdatedAt)
	}
}

func TestRun_MalformedRecordsSkipped(t *testing.T) {
	h := newHarness(t)
	h.hubs.set("us-east-1", &regionHub{pageSize: 10, records: []shtypes.AwsSecurityFinding{
		record("ok", "us-east-1", shtypes.SeverityLabelLow),
		{Title: aws.String("no id")},
	}})

	run, err := h.engine(staticResolver{"us-east-1"}, nil, nil, Options{}).Run(context.Background(), models.TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.MalformedSkipped != 1 || run.FindingsCreated != 1 || run.Status != models.RunStatusSucceeded {
		t.Errorf("run = %+v", run)
	}
}

func TestRun_CrossRegionDuplicateStoredOnce(t *testing.T) {
	h := newHarness(t)
	shared := record("shared", "us-east-1", shtypes.SeverityLabelHigh)
	h.hubs.set("us-east-1", &regionHub{records: []shtypes.AwsSecurityFinding{shared}})
	h.hubs.set("eu-west-1", &regionHub{records: []shtypes.AwsSecurityFinding{shared}})

	run, err := h.engine(staticResolver{"eu-west-1", "us-east-1"}, nil, nil, Options{BatchWidth: 2}).Run(context.Background(), models.TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.FindingsCreated != 1 || run.ChangesDetected != 0 {
		t.Errorf("created=%d changed=%d; want 1/0", run.FindingsCreated, run.ChangesDetected)
	}
	hist, _ := h.store.ListHistory(context.Background(), "shared")
	if len(hist) != 1 {
		t.Errorf("history = %d entries; want 1", len(hist))
	}
}

func TestRun_StorageThresholdAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.hubs.set("us-east-1", &regionHub{records: []shtypes.AwsSecurityFinding{
		record("bad1", "us-east-1", shtypes.SeverityLabelLow),
		record("bad2", "us-east-1", shtypes.SeverityLabelLow),
		record("bad3", "us-east-1", shtypes.SeverityLabelLow),
		record("bad4", "us-east-1", shtypes.SeverityLabelLow),
	}})
	flaky := &flakyStore{Store: h.store, fail: map[string]bool{"bad1": true, "bad2": true, "bad3": true, "bad4": true}}

	eng := h.engine(staticResolver{"us-east-1"}, flaky, nil, Options{StorageRetries: 1, StorageFailureThreshold: 2})
	run, err := eng.Run(context.Background(), models.TriggerManual)
	if !errors.Is(err, ingesterr.ErrStorageThreshold) {
		t.Fatalf("err = %v; want ErrStorageThreshold", err)
	}
	if run.Status != models.RunStatusFailed || run.StorageFailures != 2 {
		t.Errorf("status=%s failures=%d; want failed/2", run.Status, run.StorageFailures)
	}
	// Each failed finding was attempted 1 + StorageRetries times and the
	// run stopped before the remaining findings.
	if flaky.calls != 4 {
		t.Errorf("Reconcile calls = %d; want 4", flaky.calls)
	}
}

func TestRun_StorageFailureBelowThresholdIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.hubs.set("us-east-1", &regionHub{records: []shtypes.AwsSecurityFinding{
		record("bad", "us-east-1", shtypes.SeverityLabelLow),
		record("good", "us-east-1", shtypes.SeverityLabelLow),
	}})
	flaky := &flakyStore{Store: h.store, fail: map[string]bool{"bad": true}}

	run, err := h.engine(staticResolver{"us-east-1"}, flaky, nil, Options{StorageFailureThreshold: 10}).Run(context.Background(), models.TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.StorageFailures != 1 || run.FindingsCreated != 1 || run.Status != models.RunStatusSucceeded {
		t.Errorf("run = %+v", run)
	}
}

func TestRun_DiscoveryFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	cause := &ingesterr.RegionDiscoveryError{Err: errors.New("ec2 unavailable")}

	run, err := h.engine(failingResolver{err: cause}, nil, nil, Options{}).Run(context.Background(), models.TriggerScheduled)
	var de *ingesterr.RegionDiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v; want RegionDiscoveryError", err)
	}
	if run == nil || run.Status != models.RunStatusFailed || run.Error == "" {
		t.Errorf("run = %+v; want failed with error", run)
	}
}

func TestRun_AllRegionsFailed(t *testing.T) {
	h := newHarness(t)
	denied := &regionHub{err: &smithy.GenericAPIError{Code: "AccessDeniedException"}}
	h.hubs.set("us-east-1", denied)
	h.hubs.set("us-west-2", denied)

	run, err := h.engine(staticResolver{"us-east-1", "us-west-2"}, nil, nil, Options{}).Run(context.Background(), models.TriggerManual)
	if !errors.Is(err, ingesterr.ErrAllRegionsFailed) {
		t.Fatalf("err = %v; want ErrAllRegionsFailed", err)
	}
	if run.Status != models.RunStatusFailed || len(run.RegionsFailed) != 2 {
		t.Errorf("run = %+v", run)
	}
}

func TestRun_CancelledBeforeStartMarksRegionsCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.engine(staticResolver{"us-east-1", "us-west-2"}, nil, nil, Options{}).Run(ctx, models.TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != models.RunStatusCancelled {
		t.Errorf("Status = %s; want cancelled", run.Status)
	}
	failed := failedRegions(run)
	if failed["us-east-1"] != string(ingesterr.FetchCancelled) || failed["us-west-2"] != string(ingesterr.FetchCancelled) {
		t.Errorf("RegionsFailed = %+v", run.RegionsFailed)
	}
}

func TestRun_SnapshotReceivesObservedFindings(t *testing.T) {
	h := newHarness(t)
	h.hubs.set("us-east-1", &regionHub{records: []shtypes.AwsSecurityFinding{
		record("b", "us-east-1", shtypes.SeverityLabelLow),
		record("a", "us-east-1", shtypes.SeverityLabelHigh),
	}})
	snap := &captureSnapshot{}

	run, err := h.engine(staticResolver{"us-east-1"}, nil, snap, Options{}).Run(context.Background(), models.TriggerManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.run == nil || snap.run.ID != run.ID {
		t.Fatal("snapshot not written for the run")
	}
	ids := make([]string, 0, len(snap.observed))
	for _, f := range snap.observed {
		ids = append(ids, f.ID)
	}
	if !sort.StringsAreSorted(ids) || len(ids) != 2 {
		t.Errorf("observed ids = %v; want 2 sorted", ids)
	}
}

func TestRun_RegionTimeoutBoundsPersistence(t *testing.T) {
	h := newHarness(t)
	h.setRegionTimeout(50 * time.Millisecond)
	recs := make([]shtypes.AwsSecurityFinding, 10)
	for i := range recs {
		recs[i] = record(fmt.Sprintf("slow-%d", i), "us-east-1", shtypes.SeverityLabelLow)
	}
	h.hubs.set("us-east-1", &regionHub{pageSize: 10, records: recs})
	slow := &slowStore{Store: h.store, delay: 40 * time.Millisecond}

	start := time.Now()
	run, err := h.engine(staticResolver{"us-east-1"}, slow, nil, Options{StorageFailureThreshold: 1}).Run(context.Background(), models.TriggerManual)
	elapsed := time.Since(start)

	if !errors.Is(err, ingesterr.ErrAllRegionsFailed) {
		t.Fatalf("err = %v; want ErrAllRegionsFailed", err)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("run took %s; region timeout is 50ms", elapsed)
	}
	if failed := failedRegions(run); failed["us-east-1"] != string(ingesterr.FetchTimeout) {
		t.Errorf("RegionsFailed = %+v; want us-east-1 timeout", run.RegionsFailed)
	}
	if len(run.RegionsSucceeded) != 0 {
		t.Errorf("RegionsSucceeded = %v; want none", run.RegionsSucceeded)
	}
	if run.StorageFailures != 0 {
		t.Errorf("StorageFailures = %d; an interrupted write is not a storage failure", run.StorageFailures)
	}
}

func TestRunState_ObservedOnlyKeptForSnapshots(t *testing.T) {
	out := store.Outcome{
		Finding: models.Finding{ID: "f1"},
		Entry:   &models.HistoryEntry{FindingID: "f1", Created: true},
	}

	without := newRunState(&models.RunMetadata{}, false)
	without.recordOutcome(out)
	if got := without.observedFindings(); len(got) != 0 {
		t.Errorf("observed = %v; want none without a snapshot writer", got)
	}
	if without.run.FindingsCreated != 1 {
		t.Errorf("FindingsCreated = %d; want 1", without.run.FindingsCreated)
	}

	with := newRunState(&models.RunMetadata{}, true)
	with.recordOutcome(out)
	if got := with.observedFindings(); len(got) != 1 || got[0].ID != "f1" {
		t.Errorf("observed = %v; want [f1]", got)
	}
}
