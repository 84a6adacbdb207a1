package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Stats answers the per-queue counting queries behind the metrics
// snapshot: how many jobs are runnable right now, how many are running,
// and how attempts in a trailing window split between succeeded/failed.
type Stats struct {
	db *sql.DB
}

// NewStats constructs a Stats reader.
func NewStats(db *sql.DB) *Stats {
	return &Stats{db: db}
}

// QueueDepth counts jobs in queue that are queued and due to run now.
func (s *Stats) QueueDepth(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM jobs WHERE queue = $1 AND status = $2 AND run_at <= $3`,
		queue, StatusQueued, time.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// RunningCount counts jobs in queue currently leased and running.
func (s *Stats) RunningCount(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM jobs WHERE queue = $1 AND status = $2`, queue, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("running count: %w", err)
	}
	return n, nil
}

// WindowCounts returns the number of attempts in queue that finished
// succeeded and failed within the trailing window, plus the mean
// latency in milliseconds of the succeeded ones.
func (s *Stats) WindowCounts(ctx context.Context, queue string, window time.Duration) (succeeded, failed int64, meanLatencyMs float64, err error) {
	cutoff := time.Now().UTC().Add(-window)

	row := s.db.QueryRowContext(ctx, `
		SELECT count(*) FILTER (WHERE at.status = $2),
			count(*) FILTER (WHERE at.status = $3),
			coalesce(avg(at.latency_ms) FILTER (WHERE at.status = $2), 0)
		FROM attempts at JOIN jobs j ON j.id = at.job_id
		WHERE j.queue = $1 AND at.finished_at >= $4`,
		queue, AttemptSucceeded, AttemptFailed, cutoff)

	if err := row.Scan(&succeeded, &failed, &meanLatencyMs); err != nil {
		return 0, 0, 0, fmt.Errorf("window counts: %w", err)
	}
	return succeeded, failed, meanLatencyMs, nil
}
