package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IngestDecisions persists and lists pre-job admission events.
type IngestDecisions struct {
	db *sql.DB
}

// NewIngestDecisions constructs the ingest decision log.
func NewIngestDecisions(db *sql.DB) *IngestDecisions {
	return &IngestDecisions{db: db}
}

// Record writes one IngestDecision row.
func (s *IngestDecisions) Record(ctx context.Context, queue string, decision IngestDecisionKind, reasonCode string, detailsJSON []byte) error {
	if detailsJSON == nil {
		detailsJSON = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_decisions (id, queue, decision, reason_code, details_json)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), queue, decision, reasonCode, detailsJSON)
	if err != nil {
		return fmt.Errorf("record ingest decision: %w", err)
	}
	return nil
}

// List returns the most recent ingest decisions, optionally filtered by queue.
func (s *IngestDecisions) List(ctx context.Context, queue string, limit int) ([]*IngestDecision, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, queue, decision, reason_code, details_json, created_at
		FROM ingest_decisions`
	args := []interface{}{}
	if queue != "" {
		query += ` WHERE queue = $1`
		args = append(args, queue)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ingest decisions: %w", err)
	}
	defer rows.Close()

	var out []*IngestDecision
	for rows.Next() {
		var d IngestDecision
		if err := rows.Scan(&d.ID, &d.Queue, &d.Decision, &d.ReasonCode, &d.DetailsJSON, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("list ingest decisions: scan: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// EnqueueRateCounters implements the atomic upsert-increment admission
// counter: the increment and the over-limit comparison happen in one
// round trip so two concurrent producers can never both slip past the
// limit.
type EnqueueRateCounters struct {
	db *sql.DB
}

// NewEnqueueRateCounters constructs the rate-limit counter store.
func NewEnqueueRateCounters(db *sql.DB) *EnqueueRateCounters {
	return &EnqueueRateCounters{db: db}
}

// IncrementAndCheck increments the counter for (queue, minute-of(now))
// and returns the post-increment count in the same statement.
func (c *EnqueueRateCounters) IncrementAndCheck(ctx context.Context, queue string, now time.Time) (count int64, err error) {
	windowStart := now.UTC().Truncate(time.Minute)
	row := c.db.QueryRowContext(ctx, `
		INSERT INTO enqueue_rate_counters (queue, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (queue, window_start) DO UPDATE SET count = enqueue_rate_counters.count + 1
		RETURNING count`, queue, windowStart)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("increment enqueue rate counter: %w", err)
	}
	return count, nil
}
