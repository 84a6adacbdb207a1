package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
)

// Migrate applies pgflow's forward-only, idempotent schema. It is safe
// to call on every process startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrationStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement: %s)", err, firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                 UUID NOT NULL,
		dataset_id         TEXT NOT NULL,
		queue              TEXT NOT NULL DEFAULT 'default',
		job_type           TEXT NOT NULL,
		payload_json       JSONB NOT NULL DEFAULT '{}'::jsonb,
		run_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		status             TEXT NOT NULL DEFAULT 'queued',
		priority           INTEGER NOT NULL DEFAULT 0,
		max_attempts       INTEGER NOT NULL DEFAULT 25,
		attempts_used      INTEGER NOT NULL DEFAULT 0,
		locked_at          TIMESTAMPTZ,
		locked_by          TEXT,
		lock_expires_at    TIMESTAMPTZ,
		last_error_code    TEXT,
		last_error_message TEXT,
		dlq_reason_code    TEXT,
		dlq_at             TIMESTAMPTZ,
		replay_of_job_id   UUID,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (dataset_id, id)
	) PARTITION BY LIST (dataset_id)`,

	// Default partition catches any dataset_id not yet materialized by
	// EnsureDatasetPartition — keeps enqueue working before the first
	// explicit partition call lands.
	`CREATE TABLE IF NOT EXISTS jobs_default PARTITION OF jobs DEFAULT`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_runnable
		ON jobs (dataset_id, queue, status, priority DESC, run_at ASC, created_at ASC, id ASC)
		WHERE status = 'queued'`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_cross_dataset_runnable
		ON jobs (queue, status, run_at, created_at, dataset_id)
		WHERE status = 'queued'`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_lease_reaper
		ON jobs (status, lock_expires_at)
		WHERE status = 'running'`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_id_lookup ON jobs (id)`,

	`CREATE TABLE IF NOT EXISTS attempts (
		id            UUID PRIMARY KEY,
		dataset_id    TEXT NOT NULL,
		job_id        UUID NOT NULL,
		attempt_no    INTEGER NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		finished_at   TIMESTAMPTZ,
		status        TEXT NOT NULL DEFAULT 'running',
		error_code    TEXT,
		error_message TEXT,
		reason_code   TEXT,
		latency_ms    BIGINT,
		worker_id     TEXT,
		UNIQUE (job_id, attempt_no)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_attempts_job ON attempts (job_id, attempt_no)`,

	`CREATE TABLE IF NOT EXISTS queue_policies (
		queue                    TEXT PRIMARY KEY,
		max_attempts_per_minute  INTEGER NOT NULL,
		max_in_flight            INTEGER NOT NULL,
		throttle_delay_ms        INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS policy_decisions (
		id           UUID PRIMARY KEY,
		dataset_id   TEXT NOT NULL,
		job_id       UUID NOT NULL,
		decision     TEXT NOT NULL,
		reason_code  TEXT NOT NULL,
		details_json JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_policy_decisions_job ON policy_decisions (job_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS ingest_decisions (
		id           UUID PRIMARY KEY,
		queue        TEXT NOT NULL,
		decision     TEXT NOT NULL,
		reason_code  TEXT NOT NULL,
		details_json JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_ingest_decisions_queue ON ingest_decisions (queue, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS enqueue_rate_counters (
		queue       TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		count        BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (queue, window_start)
	)`,

	`CREATE TABLE IF NOT EXISTS jobs_archive (
		id                 UUID NOT NULL,
		dataset_id         TEXT NOT NULL,
		queue              TEXT NOT NULL,
		job_type           TEXT NOT NULL,
		payload_json       JSONB NOT NULL,
		status             TEXT NOT NULL,
		priority           INTEGER NOT NULL,
		max_attempts       INTEGER NOT NULL,
		attempts_used      INTEGER NOT NULL,
		last_error_code    TEXT,
		last_error_message TEXT,
		replay_of_job_id   UUID,
		created_at         TIMESTAMPTZ NOT NULL,
		archived_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (archived_at, id)
	) PARTITION BY RANGE (archived_at)`,

	`CREATE TABLE IF NOT EXISTS jobs_archive_default PARTITION OF jobs_archive DEFAULT`,
}

var datasetIDSafe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// EnsureDatasetPartition creates (idempotently) a list partition of jobs
// for datasetID. Postgres has no "create on demand" primitive for list
// partitions, so the runtime helper issues an ATTACH-style
// CREATE TABLE ... PARTITION OF ... FOR VALUES IN (...).
func EnsureDatasetPartition(ctx context.Context, db *sql.DB, datasetID string) error {
	name := "jobs_" + partitionSuffix(datasetID)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF jobs FOR VALUES IN (%s)`,
		pq.QuoteIdentifier(name), pq.QuoteLiteral(datasetID),
	)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		// The DEFAULT partition already accepts rows for any dataset_id
		// that hasn't been materialized yet; a duplicate-partition-key
		// race between two callers is not fatal.
		if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "partition") {
			return nil
		}
		return fmt.Errorf("ensure dataset partition %s: %w", datasetID, err)
	}
	return nil
}

// EnsureArchiveMonthPartition creates (idempotently) the jobs_archive
// range partition covering the given YYYYMM bucket.
func EnsureArchiveMonthPartition(ctx context.Context, db *sql.DB, yearMonth string, lowerBound, upperBound string) error {
	name := "jobs_archive_" + yearMonth
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF jobs_archive FOR VALUES FROM (%s) TO (%s)`,
		pq.QuoteIdentifier(name), pq.QuoteLiteral(lowerBound), pq.QuoteLiteral(upperBound),
	)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "partition") {
			return nil
		}
		return fmt.Errorf("ensure archive partition %s: %w", yearMonth, err)
	}
	return nil
}

func partitionSuffix(datasetID string) string {
	safe := datasetIDSafe.ReplaceAllString(datasetID, "_")
	if len(safe) > 48 {
		sum := sha1.Sum([]byte(datasetID))
		return safe[:40] + "_" + hex.EncodeToString(sum[:])[:8]
	}
	return safe
}
