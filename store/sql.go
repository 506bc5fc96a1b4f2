package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nhalm/quotakit/period"
)

const (
	createCountersTableSQL = `
CREATE TABLE IF NOT EXISTS quota_counters (
    resource VARCHAR(255) NOT NULL,
    identifier VARCHAR(255) NOT NULL,
    period VARCHAR(16) NOT NULL,
    period_start BIGINT NOT NULL,
    value BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (resource, identifier, period, period_start)
)`

	createPeriodStartIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_quota_counters_period_start ON quota_counters(period_start)`

	// maxUpsertAttempts bounds the update-then-insert retry loop used by
	// dialects without an atomic increment upsert.
	maxUpsertAttempts = 3
)

// SQL is a relational implementation of Store over database/sql.
// It supports Postgres, MySQL, and SQLite and suits multi-instance
// deployments that already run a shared database.
//
// Postgres increments use a single INSERT ... ON CONFLICT DO UPDATE
// statement, which the database applies atomically per row. MySQL and
// SQLite use an update-then-insert loop: the UPDATE adds the delta in
// place (atomic per row); when no row exists yet, the INSERT may race a
// concurrent creator on the primary key, in which case the loop retries
// up to a bounded attempt count and then reports ErrConflict.
type SQL struct {
	db      *sql.DB
	dialect string
}

// NewSQL creates a SQL-backed store over an existing database handle and
// initializes the counters table. Supported dialects: "postgres",
// "mysql", "sqlite". The handle is shared with the caller and is never
// closed by the store.
func NewSQL(db *sql.DB, dialect string) (*SQL, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
		// Valid dialects
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQL{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQL) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createCountersTableSQL); err != nil {
		return fmt.Errorf("failed to create quota_counters table: %w", err)
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; the primary key already
	// covers its lookups.
	if s.dialect != "mysql" {
		if _, err := s.db.ExecContext(ctx, createPeriodStartIndexSQL); err != nil {
			return fmt.Errorf("failed to create quota_counters index: %w", err)
		}
	}

	return nil
}

func (s *SQL) Find(ctx context.Context, resource, identifier string, at time.Time, p period.Period) (Record, bool, error) {
	start := period.BucketStart(p, at).Unix()

	query := `SELECT value FROM quota_counters WHERE resource = ? AND identifier = ? AND period = ? AND period_start = ?`
	if s.dialect == "postgres" {
		query = `SELECT value FROM quota_counters WHERE resource = $1 AND identifier = $2 AND period = $3 AND period_start = $4`
	}

	var value int64
	err := s.db.QueryRowContext(ctx, query, resource, identifier, string(p), start).Scan(&value)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to query counter: %w: %v", ErrUnavailable, err)
	}

	return Record{
		Resource:    resource,
		Identifier:  identifier,
		Period:      p,
		PeriodStart: start,
		Value:       value,
	}, true, nil
}

func (s *SQL) Increment(ctx context.Context, resource, identifier string, at time.Time, delta int64) error {
	starts := period.AllBucketStarts(at)

	for _, p := range period.Periods {
		if err := s.upsert(ctx, resource, identifier, p, starts[p].Unix(), delta); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) upsert(ctx context.Context, resource, identifier string, p period.Period, start, delta int64) error {
	now := time.Now().UTC()

	if s.dialect == "postgres" {
		query := `
			INSERT INTO quota_counters (resource, identifier, period, period_start, value, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (resource, identifier, period, period_start)
			DO UPDATE SET value = quota_counters.value + EXCLUDED.value, updated_at = EXCLUDED.updated_at
		`
		if _, err := s.db.ExecContext(ctx, query, resource, identifier, string(p), start, delta, now); err != nil {
			return fmt.Errorf("failed to upsert counter: %w: %v", ErrUnavailable, err)
		}
		return nil
	}

	updateQuery := `
		UPDATE quota_counters
		SET value = value + ?, updated_at = ?
		WHERE resource = ? AND identifier = ? AND period = ? AND period_start = ?
	`
	insertQuery := `
		INSERT INTO quota_counters (resource, identifier, period, period_start, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var insertErr error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		result, err := s.db.ExecContext(ctx, updateQuery, delta, now, resource, identifier, string(p), start)
		if err != nil {
			return fmt.Errorf("failed to update counter: %w: %v", ErrUnavailable, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w: %v", ErrUnavailable, err)
		}
		if rowsAffected > 0 {
			return nil
		}

		// No row yet. Insert, and on a primary key race with another
		// creator fall back to the update on the next attempt.
		if _, insertErr = s.db.ExecContext(ctx, insertQuery, resource, identifier, string(p), start, delta, now); insertErr == nil {
			return nil
		}
		if !isUniqueViolation(insertErr) {
			return fmt.Errorf("failed to insert counter: %w: %v", ErrUnavailable, insertErr)
		}
	}

	return fmt.Errorf("failed to upsert counter for %s/%s %s@%d: %w: %v", resource, identifier, p, start, ErrConflict, insertErr)
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint violation. database/sql exposes no portable error code, so
// the driver message is matched: postgres says "duplicate key value
// violates unique constraint", mysql "Duplicate entry", and sqlite
// "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// Close releases store resources. The underlying database handle is
// shared with the caller and stays open.
func (s *SQL) Close() error {
	return nil
}

// Dialect returns the SQL dialect in use.
func (s *SQL) Dialect() string {
	return s.dialect
}
