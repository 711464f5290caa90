package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	locks   *keyLock
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, locks: newKeyLock()}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// transaction runs fn inside a transaction, rolling back on error.
func (s *SQLStore) transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback transaction: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ── findings ─────────────────────────────────────────────────────────────────

const findingColumns = `id, title, description, severity, status, product_name, product_arn,
	generator_id, account_id, region, workflow_state, compliance_state, verification_state,
	types, resource_ids, remediation_text, remediation_url,
	upstream_created_at, upstream_updated_at, first_observed_at, last_observed_at,
	first_seen_at, last_updated_at`

// upsertFindingSQL never rewrites first_seen_at and only moves
// last_updated_at forward.
const upsertFindingSQL = `INSERT INTO findings (` + findingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		severity = excluded.severity,
		status = excluded.status,
		product_name = excluded.product_name,
		product_arn = excluded.product_arn,
		generator_id = excluded.generator_id,
		account_id = excluded.account_id,
		region = excluded.region,
		workflow_state = excluded.workflow_state,
		compliance_state = excluded.compliance_state,
		verification_state = excluded.verification_state,
		types = excluded.types,
		resource_ids = excluded.resource_ids,
		remediation_text = excluded.remediation_text,
		remediation_url = excluded.remediation_url,
		upstream_created_at = excluded.upstream_created_at,
		upstream_updated_at = excluded.upstream_updated_at,
		first_observed_at = excluded.first_observed_at,
		last_observed_at = excluded.last_observed_at,
		last_updated_at = CASE
			WHEN excluded.last_updated_at > findings.last_updated_at THEN excluded.last_updated_at
			ELSE findings.last_updated_at
		END`

// GetFinding returns the stored finding with the given identifier.
func (s *SQLStore) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+findingColumns+` FROM findings WHERE id = ?`), id)
	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding %q: %w", id, ingesterr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get finding %q: %w", id, err)
	}
	return f, nil
}

// Upsert writes f and entry atomically.
func (s *SQLStore) Upsert(ctx context.Context, f models.Finding, entry *models.HistoryEntry) error {
	unlock := s.locks.Lock(f.ID)
	defer unlock()

	err := s.transaction(ctx, func(tx *sql.Tx) error {
		if err := s.writeFinding(ctx, tx, f); err != nil {
			return err
		}
		if entry != nil {
			return s.insertHistory(ctx, tx, entry)
		}
		return nil
	})
	if err != nil {
		return &ingesterr.StorageError{FindingID: f.ID, Op: "upsert", Err: err}
	}
	return nil
}

// Reconcile performs the read-diff-write cycle for one finding under its
// per-identifier lock and inside one transaction. The in-process lock covers
// concurrent region tasks; lockFinding covers other processes writing to the
// same database.
func (s *SQLStore) Reconcile(ctx context.Context, incoming models.Finding, diff DiffFunc) (Outcome, error) {
	unlock := s.locks.Lock(incoming.ID)
	defer unlock()

	var out Outcome
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		if err := s.lockFinding(ctx, tx, incoming.ID); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT `+findingColumns+` FROM findings WHERE id = ?`+s.dialect.forUpdate()), incoming.ID)
		prior, err := scanFinding(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			prior = nil
		case err != nil:
			return fmt.Errorf("read prior: %w", err)
		}

		stored, entry := diff(incoming, prior)
		if err := s.writeFinding(ctx, tx, stored); err != nil {
			return err
		}
		if entry != nil {
			if err := s.insertHistory(ctx, tx, entry); err != nil {
				return err
			}
		}
		out = Outcome{Finding: stored, Entry: entry}
		return nil
	})
	if err != nil {
		return Outcome{}, &ingesterr.StorageError{FindingID: incoming.ID, Op: "reconcile", Err: err}
	}
	return out, nil
}

func (s *SQLStore) lockFinding(ctx context.Context, tx *sql.Tx, id string) error {
	stmt := s.dialect.findingLockSQL()
	if stmt == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
		return fmt.Errorf("lock finding: %w", err)
	}
	return nil
}

func (s *SQLStore) writeFinding(ctx context.Context, tx *sql.Tx, f models.Finding) error {
	types, err := json.Marshal(nonNil(f.Types))
	if err != nil {
		return fmt.Errorf("encode types: %w", err)
	}
	resources, err := json.Marshal(nonNil(f.ResourceIDs))
	if err != nil {
		return fmt.Errorf("encode resource ids: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.dialect.rebind(upsertFindingSQL),
		f.ID, f.Title, f.Description, string(f.Severity), string(f.Status),
		f.ProductName, f.ProductARN, f.GeneratorID, f.AccountID, f.Region,
		string(f.Workflow), string(f.Compliance), string(f.Verification),
		string(types), string(resources), f.RemediationText, f.RemediationURL,
		toNanos(f.UpstreamCreatedAt), toNanos(f.UpstreamUpdatedAt),
		toNanos(f.FirstObservedAt), toNanos(f.LastObservedAt),
		toNanos(f.FirstSeenAt), toNanos(f.LastUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("write finding: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinding(row rowScanner) (*models.Finding, error) {
	var (
		f                                       models.Finding
		severity, status, workflow              string
		compliance, verification                string
		types, resources                        string
		upCreated, upUpdated, firstObs, lastObs int64
		firstSeen, lastUpdated                  int64
	)
	err := row.Scan(
		&f.ID, &f.Title, &f.Description, &severity, &status, &f.ProductName, &f.ProductARN,
		&f.GeneratorID, &f.AccountID, &f.Region, &workflow, &compliance, &verification,
		&types, &resources, &f.RemediationText, &f.RemediationURL,
		&upCreated, &upUpdated, &firstObs, &lastObs,
		&firstSeen, &lastUpdated,
	)
	if err != nil {
		return nil, err
	}
	f.Severity = models.Severity(severity)
	f.Status = models.RecordStatus(status)
	f.Workflow = models.WorkflowState(workflow)
	f.Compliance = models.ComplianceState(compliance)
	f.Verification = models.VerificationState(verification)
	if err := decodeList(types, &f.Types); err != nil {
		return nil, fmt.Errorf("decode types: %w", err)
	}
	if err := decodeList(resources, &f.ResourceIDs); err != nil {
		return nil, fmt.Errorf("decode resource ids: %w", err)
	}
	f.UpstreamCreatedAt = fromNanos(upCreated)
	f.UpstreamUpdatedAt = fromNanos(upUpdated)
	f.FirstObservedAt = fromNanos(firstObs)
	f.LastObservedAt = fromNanos(lastObs)
	f.FirstSeenAt = fromNanos(firstSeen)
	f.LastUpdatedAt = fromNanos(lastUpdated)
	return &f, nil
}

// ── history ──────────────────────────────────────────────────────────────────

func (s *SQLStore) insertHistory(ctx context.Context, tx *sql.Tx, e *models.HistoryEntry) error {
	changes := []byte("{}")
	if len(e.Changes) > 0 {
		var err error
		if changes, err = json.Marshal(e.Changes); err != nil {
			return fmt.Errorf("encode changes: %w", err)
		}
	}
	row := tx.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO finding_history (finding_id, run_id, changed_at, created, changes)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		e.FindingID, e.RunID, toNanos(e.ChangedAt), e.Created, string(changes))
	if err := row.Scan(&e.ID); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ListHistory returns the history of one finding, oldest first.
func (s *SQLStore) ListHistory(ctx context.Context, findingID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, finding_id, run_id, changed_at, created, changes
		 FROM finding_history WHERE finding_id = ? ORDER BY changed_at, id`), findingID)
	if err != nil {
		return nil, fmt.Errorf("list history for %q: %w", findingID, err)
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var (
			e       models.HistoryEntry
			changed int64
			changes string
		)
		if err := rows.Scan(&e.ID, &e.FindingID, &e.RunID, &changed, &e.Created, &changes); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.ChangedAt = fromNanos(changed)
		if changes != "" && changes != "{}" {
			if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
				return nil, fmt.Errorf("decode changes: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── runs ─────────────────────────────────────────────────────────────────────

const runColumns = `id, trigger_source, status, started_at, finished_at,
	regions_attempted, regions_succeeded, regions_failed,
	findings_seen, findings_created, changes_detected, malformed_skipped,
	storage_failures, error`

// CreateRun inserts a run record at run start.
func (s *SQLStore) CreateRun(ctx context.Context, run *models.RunMetadata) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun finalises a run record.
func (s *SQLStore) FinishRun(ctx context.Context, run *models.RunMetadata) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	// Reorder so id is the trailing WHERE argument.
	args = append(args[1:], args[0])
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE runs SET trigger_source = ?, status = ?, started_at = ?, finished_at = ?,
			regions_attempted = ?, regions_succeeded = ?, regions_failed = ?,
			findings_seen = ?, findings_created = ?, changes_detected = ?, malformed_skipped = ?,
			storage_failures = ?, error = ?
		 WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ingesterr.ErrNotFound)
	}
	return nil
}

// GetRun returns one run by id.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*models.RunMetadata, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ingesterr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %q: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]models.RunMetadata, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []models.RunMetadata
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func runArgs(run *models.RunMetadata) ([]any, error) {
	attempted, err := json.Marshal(nonNil(run.RegionsAttempted))
	if err != nil {
		return nil, fmt.Errorf("encode regions: %w", err)
	}
	succeeded, err := json.Marshal(nonNil(run.RegionsSucceeded))
	if err != nil {
		return nil, fmt.Errorf("encode regions: %w", err)
	}
	failed := run.RegionsFailed
	if failed == nil {
		failed = []models.RegionFailure{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return nil, fmt.Errorf("encode region failures: %w", err)
	}
	return []any{
		run.ID, string(run.Trigger), string(run.Status),
		toNanos(run.StartedAt), toNanos(run.FinishedAt),
		string(attempted), string(succeeded), string(failedJSON),
		run.FindingsSeen, run.FindingsCreated, run.ChangesDetected, run.MalformedSkipped,
		run.StorageFailures, run.Error,
	}, nil
}

func scanRun(row rowScanner) (*models.RunMetadata, error) {
	var (
		run                          models.RunMetadata
		trigger, status              string
		started, finished            int64
		attempted, succeeded, failed string
	)
	err := row.Scan(&run.ID, &trigger, &status, &started, &finished,
		&attempted, &succeeded, &failed,
		&run.FindingsSeen, &run.FindingsCreated, &run.ChangesDetected, &run.MalformedSkipped,
		&run.StorageFailures, &run.Error)
	if err != nil {
		return nil, err
	}
	run.Trigger = models.RunTrigger(trigger)
	run.Status = models.RunStatus(status)
	run.StartedAt = fromNanos(started)
	run.FinishedAt = fromNanos(finished)
	if err := decodeList(attempted, &run.RegionsAttempted); err != nil {
		return nil, err
	}
	if err := decodeList(succeeded, &run.RegionsSucceeded); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(failed), &run.RegionsFailed); err != nil {
		return nil, err
	}
	return &run, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// decodeList decodes a JSON string array, leaving dst nil when empty.
func decodeList(raw string, dst *[]string) error {
	if raw == "" || raw == "[]" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
