package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// Attempts is the attempts repository. Writes happen only through Jobs
// (co-transactional with job updates); this type is read-only.
type Attempts struct {
	db *sql.DB
}

// NewAttempts constructs an Attempts repository.
func NewAttempts(db *sql.DB) *Attempts {
	return &Attempts{db: db}
}

// AttemptsFor returns every attempt for jobID ordered by attempt_no ASC.
func (a *Attempts) AttemptsFor(ctx context.Context, jobID string) ([]*Attempt, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, dataset_id, job_id, attempt_no, started_at, finished_at, status,
			error_code, error_message, reason_code, latency_ms, worker_id
		FROM attempts WHERE job_id = $1 ORDER BY attempt_no ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("attempts for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("attempts for %s: scan: %w", jobID, err)
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// LatencyPercentiles computes p50/p95/p99 latency in milliseconds over
// the trailing window for succeeded attempts in queue. The metrics
// snapshot does not call it.
func (a *Attempts) LatencyPercentiles(ctx context.Context, queue string, window time.Duration) (p50, p95, p99 float64, err error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT at.latency_ms FROM attempts at
		JOIN jobs j ON j.id = at.job_id
		WHERE j.queue = $1 AND at.status = $2 AND at.finished_at >= $3 AND at.latency_ms IS NOT NULL`,
		queue, AttemptSucceeded, time.Now().UTC().Add(-window))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("latency percentiles: %w", err)
	}
	defer rows.Close()

	var samples []float64
	for rows.Next() {
		var v sql.NullInt64
		if err := rows.Scan(&v); err != nil {
			return 0, 0, 0, fmt.Errorf("latency percentiles: scan: %w", err)
		}
		if v.Valid {
			samples = append(samples, float64(v.Int64))
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, 0, err
	}

	return Percentile(samples, 0.50), Percentile(samples, 0.95), Percentile(samples, 0.99), nil
}

// Percentile computes the nearest-rank percentile p (0..1) of samples.
// Exported so the metrics package can reuse it for in-memory windows.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
