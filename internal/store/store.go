// Package store persists findings, their change history, and run metadata in
// a relational database (SQLite or PostgreSQL) through database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/pankaj-dahiya-devops/hubsync/internal/config"
	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
)

// DiffFunc computes what to store for incoming given the currently persisted
// version (nil when the finding is new). It returns the finding to write and
// at most one history entry.
type DiffFunc func(incoming models.Finding, prior *models.Finding) (models.Finding, *models.HistoryEntry)

// Outcome is the result of one Reconcile call.
type Outcome struct {
	Finding models.Finding
	Entry   *models.HistoryEntry
}

// Created reports whether the finding was stored for the first time.
func (o Outcome) Created() bool { return o.Entry != nil && o.Entry.Created }

// Changed reports whether tracked fields changed.
func (o Outcome) Changed() bool { return o.Entry != nil && !o.Entry.Created }

// Store is the persistence contract used by the engine and operator tooling.
// All finding writes are atomic per finding and serialised per identifier.
type Store interface {
	// GetFinding returns ingesterr.ErrNotFound for unknown identifiers.
	GetFinding(ctx context.Context, id string) (*models.Finding, error)

	// Upsert writes f and, when non-nil, entry in one transaction.
	Upsert(ctx context.Context, f models.Finding, entry *models.HistoryEntry) error

	// Reconcile reads the stored version of incoming.ID, applies diff, and
	// writes the result, all while holding the finding's lock.
	Reconcile(ctx context.Context, incoming models.Finding, diff DiffFunc) (Outcome, error)

	// ListHistory returns a finding's history ordered oldest first.
	ListHistory(ctx context.Context, findingID string) ([]models.HistoryEntry, error)

	CreateRun(ctx context.Context, run *models.RunMetadata) error
	FinishRun(ctx context.Context, run *models.RunMetadata) error
	GetRun(ctx context.Context, id string) (*models.RunMetadata, error)

	// ListRuns returns up to limit runs, most recent first.
	ListRuns(ctx context.Context, limit int) ([]models.RunMetadata, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the database named by cfg and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if d == dialectSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	if d == dialectSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
			db.SetMaxIdleConns(cfg.MaxOpenConns)
		}
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}

	s := newSQLStore(db, d)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN appends the connection pragmas unless the DSN already sets some.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
}
