package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pankaj-dahiya-devops/hubsync/internal/config"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// dialectFor accepts the same driver names as config.Config.Validate.
func dialectFor(driver string) (dialect, error) {
	switch driver {
	case config.DriverSQLite:
		return dialectSQLite, nil
	case config.DriverPostgres:
		return dialectPostgres, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (d dialect) driverName() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-lock suffix for a SELECT inside a transaction.
func (d dialect) forUpdate() string {
	if d == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// findingLockSQL returns the statement that serialises transactions on one
// finding identifier across processes, or "" when the database does that
// itself. FOR UPDATE locks nothing while the row does not exist yet, so
// PostgreSQL takes a transaction-scoped advisory lock on the identifier
// before the read.
func (d dialect) findingLockSQL() string {
	if d == dialectPostgres {
		return d.rebind(`SELECT pg_advisory_xact_lock(hashtextextended(?, 0))`)
	}
	return ""
}

func (d dialect) schema() []string {
	historyID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == dialectPostgres {
		historyID = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS findings (
			id                  TEXT PRIMARY KEY,
			title               TEXT NOT NULL DEFAULT '',
			description         TEXT NOT NULL DEFAULT '',
			severity            TEXT NOT NULL,
			status              TEXT NOT NULL,
			product_name        TEXT NOT NULL DEFAULT '',
			product_arn         TEXT NOT NULL DEFAULT '',
			generator_id        TEXT NOT NULL DEFAULT '',
			account_id          TEXT NOT NULL DEFAULT '',
			region              TEXT NOT NULL DEFAULT '',
			workflow_state      TEXT NOT NULL,
			compliance_state    TEXT NOT NULL DEFAULT '',
			verification_state  TEXT NOT NULL DEFAULT '',
			types               TEXT NOT NULL DEFAULT '[]',
			resource_ids        TEXT NOT NULL DEFAULT '[]',
			remediation_text    TEXT NOT NULL DEFAULT '',
			remediation_url     TEXT NOT NULL DEFAULT '',
			upstream_created_at BIGINT NOT NULL DEFAULT 0,
			upstream_updated_at BIGINT NOT NULL DEFAULT 0,
			first_observed_at   BIGINT NOT NULL DEFAULT 0,
			last_observed_at    BIGINT NOT NULL DEFAULT 0,
			first_seen_at       BIGINT NOT NULL,
			last_updated_at     BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_region ON findings(region)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity)`,
		`CREATE TABLE IF NOT EXISTS finding_history (
			id         ` + historyID + `,
			finding_id TEXT NOT NULL REFERENCES findings(id),
			run_id     TEXT NOT NULL DEFAULT '',
			changed_at BIGINT NOT NULL,
			created    BOOLEAN NOT NULL DEFAULT FALSE,
			changes    TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_finding_history_finding ON finding_history(finding_id, changed_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id                TEXT PRIMARY KEY,
			trigger_source    TEXT NOT NULL,
			status            TEXT NOT NULL,
			started_at        BIGINT NOT NULL,
			finished_at       BIGINT NOT NULL DEFAULT 0,
			regions_attempted TEXT NOT NULL DEFAULT '[]',
			regions_succeeded TEXT NOT NULL DEFAULT '[]',
			regions_failed    TEXT NOT NULL DEFAULT '[]',
			findings_seen     INTEGER NOT NULL DEFAULT 0,
			findings_created  INTEGER NOT NULL DEFAULT 0,
			changes_detected  INTEGER NOT NULL DEFAULT 0,
			malformed_skipped INTEGER NOT NULL DEFAULT 0,
			storage_failures  INTEGER NOT NULL DEFAULT 0,
			error             TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}
}
