package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pankaj-dahiya-devops/hubsync/internal/config"
	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "hubsync.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func sampleFinding(id string, sev models.Severity) models.Finding {
	return models.Finding{
		ID:            id,
		Title:         "Security group allows 0.0.0.0/0 on port 22",
		Severity:      sev,
		Status:        models.StatusActive,
		ProductName:   "Security Hub",
		AccountID:     "111122223333",
		Region:        "us-east-1",
		Workflow:      models.WorkflowNew,
		Compliance:    models.ComplianceFailed,
		Types:         []string{"Software and Configuration Checks"},
		ResourceIDs:   []string{"arn:aws:ec2:us-east-1:111122223333:security-group/sg-1"},
		FirstSeenAt:   t0,
		LastUpdatedAt: t0,
	}
}

// simpleDiff stands in for the engine's change detector.
func simpleDiff(now time.Time) DiffFunc {
	return func(in models.Finding, prior *models.Finding) (models.Finding, *models.HistoryEntry) {
		in.LastUpdatedAt = now
		if prior == nil {
			in.FirstSeenAt = now
			return in, &models.HistoryEntry{FindingID: in.ID, ChangedAt: now, Created: true}
		}
		in.FirstSeenAt = prior.FirstSeenAt
		if prior.Severity != in.Severity {
			return in, &models.HistoryEntry{
				FindingID: in.ID,
				ChangedAt: now,
				Changes: map[string]models.FieldChange{
					models.FieldSeverity: {Old: string(prior.Severity), New: string(in.Severity)},
				},
			}
		}
		return in, nil
	}
}

// ── findings ──────────────────────────────────────────────────────────────────

func TestUpsert_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := sampleFinding("f-1", models.SeverityHigh)
	f.UpstreamUpdatedAt = t0.Add(-time.Hour)
	if err := s.Upsert(ctx, f, &models.HistoryEntry{FindingID: f.ID, ChangedAt: t0, Created: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.GetFinding(ctx, "f-1")
	if err != nil {
		t.Fatalf("GetFinding: %v", err)
	}
	if !reflect.DeepEqual(*got, f) {
		t.Errorf("GetFinding = %+v\nwant %+v", *got, f)
	}
}

func TestGetFinding_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetFinding(context.Background(), "missing")
	if !errors.Is(err, ingesterr.ErrNotFound) {
		t.Errorf("err = %v; want ErrNotFound", err)
	}
}

func TestUpsert_LastUpdatedNeverMovesBackward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := sampleFinding("f-1", models.SeverityHigh)
	f.LastUpdatedAt = t0.Add(time.Hour)
	if err := s.Upsert(ctx, f, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	older := f
	older.LastUpdatedAt = t0
	older.FirstSeenAt = t0.Add(24 * time.Hour)
	if err := s.Upsert(ctx, older, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, _ := s.GetFinding(ctx, "f-1")
	if !got.LastUpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("LastUpdatedAt = %s; must not move backward", got.LastUpdatedAt)
	}
	if !got.FirstSeenAt.Equal(t0) {
		t.Errorf("FirstSeenAt = %s; must never be rewritten", got.FirstSeenAt)
	}
}

func TestReconcile_CreateChangeAndIdempotence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	out, err := s.Reconcile(ctx, sampleFinding("f-1", models.SeverityHigh), simpleDiff(t0))
	if err != nil {
		t.Fatalf("Reconcile #1: %v", err)
	}
	if !out.Created() {
		t.Error("first observation should be created")
	}

	out, err = s.Reconcile(ctx, sampleFinding("f-1", models.SeverityHigh), simpleDiff(t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Reconcile #2: %v", err)
	}
	if out.Entry != nil {
		t.Errorf("unchanged observation produced history: %+v", out.Entry)
	}

	out, err = s.Reconcile(ctx, sampleFinding("f-1", models.SeverityCritical), simpleDiff(t0.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Reconcile #3: %v", err)
	}
	if !out.Changed() {
		t.Error("severity change should be reported")
	}

	hist, err := s.ListHistory(ctx, "f-1")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history entries = %d; want 2", len(hist))
	}
	if !hist[0].Created || hist[0].ID == 0 {
		t.Errorf("first entry = %+v; want created with an id", hist[0])
	}
	want := map[string]models.FieldChange{models.FieldSeverity: {Old: "HIGH", New: "CRITICAL"}}
	if !reflect.DeepEqual(hist[1].Changes, want) {
		t.Errorf("changes = %v; want %v", hist[1].Changes, want)
	}

	got, _ := s.GetFinding(ctx, "f-1")
	if !got.FirstSeenAt.Equal(t0) || !got.LastUpdatedAt.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("timestamps = %s / %s", got.FirstSeenAt, got.LastUpdatedAt)
	}
}

func TestReconcile_DiffSeesCommittedPriorUnderConcurrency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reconcile(ctx, sampleFinding("shared", models.SeverityLow), simpleDiff(t0))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
	}

	hist, err := s.ListHistory(ctx, "shared")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 1 || !hist[0].Created {
		t.Errorf("history = %+v; want exactly one created entry", hist)
	}
	if n := s.locks.size(); n != 0 {
		t.Errorf("key locks still held: %d", n)
	}
}

// Two stores model two hubsync processes sharing one database: their
// in-process key locks do not see each other.
func TestReconcile_SeparateStoresCreateOnce_Postgres(t *testing.T) {
	dsn := os.Getenv("HUBSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HUBSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	open := func() *SQLStore {
		s, err := Open(ctx, config.DatabaseConfig{Driver: "postgres", DSN: dsn})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	a, b := open(), open()
	id := "arn:aws:securityhub:us-east-1:111122223333:finding/concurrent-" + time.Now().Format("20060102T150405.000000000")

	// A slow diff on a new finding keeps the first transaction open while
	// the second one reads.
	slowDiff := func(in models.Finding, prior *models.Finding) (models.Finding, *models.HistoryEntry) {
		if prior == nil {
			time.Sleep(100 * time.Millisecond)
		}
		return simpleDiff(t0)(in, prior)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, s := range []*SQLStore{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reconcile(ctx, sampleFinding(id, models.SeverityLow), slowDiff)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
	}

	hist, err := a.ListHistory(ctx, id)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 1 || !hist[0].Created {
		t.Errorf("history = %+v; want exactly one created entry", hist)
	}
}

func TestReconcile_FailureIsStorageError(t *testing.T) {
	s := openTestStore(t)
	_ = s.Close()

	_, err := s.Reconcile(context.Background(), sampleFinding("f-1", models.SeverityLow), simpleDiff(t0))
	var se *ingesterr.StorageError
	if !errors.As(err, &se) || se.FindingID != "f-1" {
		t.Errorf("err = %v; want StorageError for f-1", err)
	}
}

// ── runs ──────────────────────────────────────────────────────────────────────

func TestRuns_CreateFinishList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &models.RunMetadata{ID: "01A", Trigger: models.TriggerScheduled, Status: models.RunStatusRunning, StartedAt: t0}
	second := &models.RunMetadata{ID: "01B", Trigger: models.TriggerManual, Status: models.RunStatusRunning, StartedAt: t0.Add(time.Hour)}
	for _, r := range []*models.RunMetadata{first, second} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	first.Status = models.RunStatusPartial
	first.FinishedAt = t0.Add(5 * time.Minute)
	first.RegionsAttempted = []string{"eu-west-1", "us-east-1"}
	first.RegionsSucceeded = []string{"us-east-1"}
	first.RegionsFailed = []models.RegionFailure{{Region: "eu-west-1", Reason: "access denied", Kind: "unauthorized"}}
	first.FindingsSeen = 12
	first.ChangesDetected = 3
	if err := s.FinishRun(ctx, first); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := s.GetRun(ctx, "01A")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !reflect.DeepEqual(got, first) {
		t.Errorf("GetRun = %+v\nwant %+v", got, first)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "01B" {
		t.Errorf("ListRuns order = %v; want most recent first", runs)
	}

	if err := s.FinishRun(ctx, &models.RunMetadata{ID: "nope"}); !errors.Is(err, ingesterr.ErrNotFound) {
		t.Errorf("FinishRun(unknown) = %v; want ErrNotFound", err)
	}
}

// ── dialect ───────────────────────────────────────────────────────────────────

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := dialectSQLite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := "SELECT a FROM t WHERE x = $1 AND y = $2"
	if got := dialectPostgres.rebind(q); got != want {
		t.Errorf("postgres rebind = %q; want %q", got, want)
	}
}

func TestDialectFor(t *testing.T) {
	if _, err := dialectFor("mysql"); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if d, err := dialectFor(config.DriverPostgres); err != nil || d != dialectPostgres {
		t.Errorf("dialectFor(postgres) = %v, %v", d, err)
	}
	// Only the names config validation accepts are valid here.
	if _, err := dialectFor("postgresql"); err == nil {
		t.Error("expected error for the postgresql alias")
	}
}

func TestFindingLockSQL(t *testing.T) {
	if got := dialectSQLite.findingLockSQL(); got != "" {
		t.Errorf("sqlite findingLockSQL = %q; want none", got)
	}
	want := "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))"
	if got := dialectPostgres.findingLockSQL(); got != want {
		t.Errorf("postgres findingLockSQL = %q; want %q", got, want)
	}
}

func TestSQLiteDSN(t *testing.T) {
	got := sqliteDSN("/tmp/x.db")
	if want := "/tmp/x.db?_pragma="; len(got) < len(want) || got[:len(want)] != want {
		t.Errorf("sqliteDSN = %q", got)
	}
	custom := "file:x.db?_pragma=busy_timeout(1)"
	if got := sqliteDSN(custom); got != custom {
		t.Errorf("sqliteDSN overrode caller pragmas: %q", got)
	}
}
