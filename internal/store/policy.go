package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Policies stores per-queue storm-control configuration.
type Policies struct {
	db *sql.DB
}

// NewPolicies constructs the queue policy store.
func NewPolicies(db *sql.DB) *Policies {
	return &Policies{db: db}
}

// Get returns the policy for queue, or nil if none is configured — the
// policy engine treats a missing policy as advisory no-op.
func (p *Policies) Get(ctx context.Context, queue string) (*QueuePolicy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT queue, max_attempts_per_minute, max_in_flight, throttle_delay_ms
		FROM queue_policies WHERE queue = $1`, queue)

	var qp QueuePolicy
	err := row.Scan(&qp.Queue, &qp.MaxAttemptsPerMinute, &qp.MaxInFlight, &qp.ThrottleDelayMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue policy: %w", err)
	}
	return &qp, nil
}

// Upsert creates or replaces a queue's policy.
func (p *Policies) Upsert(ctx context.Context, policy QueuePolicy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO queue_policies (queue, max_attempts_per_minute, max_in_flight, throttle_delay_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (queue) DO UPDATE SET
			max_attempts_per_minute = EXCLUDED.max_attempts_per_minute,
			max_in_flight = EXCLUDED.max_in_flight,
			throttle_delay_ms = EXCLUDED.throttle_delay_ms`,
		policy.Queue, policy.MaxAttemptsPerMinute, policy.MaxInFlight, policy.ThrottleDelayMs)
	if err != nil {
		return fmt.Errorf("upsert queue policy: %w", err)
	}
	return nil
}

// CountInFlight counts running jobs for queue, used by the policy
// engine's IN_FLIGHT check.
func (p *Policies) CountInFlight(ctx context.Context, queue string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM jobs WHERE queue = $1 AND status = $2`, queue, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}
	return n, nil
}

// CountAttemptsLastMinute counts attempts started in the last minute for
// queue, used by the policy engine's RETRY_RATE check.
func (p *Policies) CountAttemptsLastMinute(ctx context.Context, queue string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM attempts at JOIN jobs j ON j.id = at.job_id
		WHERE j.queue = $1 AND at.started_at >= $2`,
		queue, time.Now().UTC().Add(-time.Minute)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts last minute: %w", err)
	}
	return n, nil
}

// PolicyDecisions persists storm-control throttle events.
type PolicyDecisions struct {
	db *sql.DB
}

// NewPolicyDecisions constructs the policy decision log.
func NewPolicyDecisions(db *sql.DB) *PolicyDecisions {
	return &PolicyDecisions{db: db}
}

// Record writes one PolicyDecision row.
func (d *PolicyDecisions) Record(ctx context.Context, job *Job, decision PolicyDecisionKind, reasonCode string, detailsJSON []byte) error {
	if detailsJSON == nil {
		detailsJSON = []byte("{}")
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO policy_decisions (id, dataset_id, job_id, decision, reason_code, details_json)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), job.DatasetID, job.ID, decision, reasonCode, detailsJSON)
	if err != nil {
		return fmt.Errorf("record policy decision: %w", err)
	}
	return nil
}

// ForJob returns decisions for a job ordered oldest-first, used by the
// timeline's interleaved story stream.
func (d *PolicyDecisions) ForJob(ctx context.Context, jobID string) ([]*PolicyDecision, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, dataset_id, job_id, decision, reason_code, details_json, created_at
		FROM policy_decisions WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("policy decisions for job: %w", err)
	}
	defer rows.Close()

	var out []*PolicyDecision
	for rows.Next() {
		var pd PolicyDecision
		if err := rows.Scan(&pd.ID, &pd.DatasetID, &pd.JobID, &pd.Decision, &pd.ReasonCode, &pd.DetailsJSON, &pd.CreatedAt); err != nil {
			return nil, fmt.Errorf("policy decisions for job: scan: %w", err)
		}
		out = append(out, &pd)
	}
	return out, rows.Err()
}
