package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Jobs is the jobs repository: enqueue, lease, transition, replay, list.
type Jobs struct {
	db *sql.DB
}

// NewJobs constructs a Jobs repository bound to the shared connection pool.
func NewJobs(db *sql.DB) *Jobs {
	return &Jobs{db: db}
}

const jobColumns = `id, dataset_id, queue, job_type, payload_json, run_at, status, priority,
	max_attempts, attempts_used, locked_at, locked_by, lock_expires_at,
	last_error_code, last_error_message, dlq_reason_code, dlq_at,
	replay_of_job_id, created_at, updated_at`

// DatasetForQueue computes the dataset_id bucket a job enqueued for queue
// to run at runAt lands in: the queue name plus its hour bucket, e.g.
// "default_20260731_14". This is the same queue+hour bucketing
// maintenance.Loop primes partitions for, so a job's dataset_id always
// matches a partition the maintenance loop keeps materialized ahead of
// need (or the jobs_default catch-all, before the first tick).
func DatasetForQueue(queue string, runAt time.Time) string {
	return fmt.Sprintf("%s_%s", queue, runAt.UTC().Format("20060102_15"))
}

// Enqueue validates and inserts a new job in status queued.
func (j *Jobs) Enqueue(ctx context.Context, in EnqueueInput) (*Job, error) {
	if in.JobType == "" {
		return nil, &ValidationError{Message: "job_type must not be empty"}
	}
	if in.MaxAttempts < 0 {
		return nil, &ValidationError{Message: "max_attempts must be > 0"}
	}

	if in.Queue == "" {
		in.Queue = DefaultQueue
	}
	if in.MaxAttempts == 0 {
		in.MaxAttempts = DefaultMaxAttempts
	}
	if in.RunAt.IsZero() {
		in.RunAt = time.Now().UTC()
	}
	if in.DatasetID == "" {
		in.DatasetID = DatasetForQueue(in.Queue, in.RunAt)
	}
	if in.PayloadJSON == nil {
		in.PayloadJSON = []byte("{}")
	}

	id := uuid.New().String()

	row := j.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, dataset_id, queue, job_type, payload_json, run_at, status,
			priority, max_attempts, replay_of_job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
		RETURNING `+jobColumns,
		id, in.DatasetID, in.Queue, in.JobType, in.PayloadJSON, in.RunAt, StatusQueued,
		in.Priority, in.MaxAttempts, in.ReplayOfJobID,
	)

	return scanJob(row)
}

// GetByID looks up a job regardless of which dataset partition it lives in.
func (j *Jobs) GetByID(ctx context.Context, id string) (*Job, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Message: fmt.Sprintf("job %s not found", id)}
	}
	return job, err
}

// Lease atomically selects up to batchSize runnable jobs for queue and
// transitions them to running. Uses SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent workers never double-lease a row.
func (j *Jobs) Lease(ctx context.Context, queue, workerID string, leaseSeconds, batchSize int) ([]*Job, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	lockExpires := now.Add(time.Duration(leaseSeconds) * time.Second)

	rows, err := tx.QueryContext(ctx, `
		UPDATE jobs SET
			status = $1,
			locked_at = $2,
			locked_by = $3,
			lock_expires_at = $4,
			updated_at = $2
		WHERE (dataset_id, id) IN (
			SELECT dataset_id, id FROM jobs
			WHERE queue = $5 AND status = $6 AND run_at <= $2
			ORDER BY priority DESC, run_at ASC, created_at ASC, id ASC
			LIMIT $7
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		StatusRunning, now, workerID, lockExpires, queue, StatusQueued, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}

	var jobs []*Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("lease: scan: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease: commit: %w", err)
	}
	return jobs, nil
}

// StartAttempt inserts the next attempt row for job, idempotently: a
// conflict on (job_id, attempt_no) means another caller already started
// it, in which case the existing row is read back.
func (j *Jobs) StartAttempt(ctx context.Context, job *Job) (*Attempt, error) {
	attemptNo := job.AttemptsUsed + 1
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO attempts (id, dataset_id, job_id, attempt_no, started_at, status, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, attempt_no) DO NOTHING`,
		id, job.DatasetID, job.ID, attemptNo, now, AttemptRunning, job.LockedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}

	row := j.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, job_id, attempt_no, started_at, finished_at, status,
			error_code, error_message, reason_code, latency_ms, worker_id
		FROM attempts WHERE job_id = $1 AND attempt_no = $2`, job.ID, attemptNo)
	return scanAttempt(row)
}

// FinishSucceeded records a successful attempt and completes the job, in
// one transaction.
func (j *Jobs) FinishSucceeded(ctx context.Context, job *Job, attempt *Attempt, latencyMs int64) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish succeeded: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE attempts SET status = $1, finished_at = $2, latency_ms = $3
		WHERE id = $4`, AttemptSucceeded, now, latencyMs, attempt.ID); err != nil {
		return fmt.Errorf("finish succeeded: update attempt: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, attempts_used = $2,
			locked_at = NULL, locked_by = NULL, lock_expires_at = NULL, updated_at = $3
		WHERE id = $4 AND locked_by = $5`,
		StatusSucceeded, attempt.AttemptNo, now, job.ID, job.LockedBy)
	if err != nil {
		return fmt.Errorf("finish succeeded: update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ConflictError{Message: fmt.Sprintf("job %s lease no longer held by %s", job.ID, job.LockedBy)}
	}

	return tx.Commit()
}

// FinishFailed records a failed attempt and applies the retry/DLQ
// decision produced by decide, a pure function injected so store stays
// free of the backoff policy itself.
func (j *Jobs) FinishFailed(ctx context.Context, job *Job, attempt *Attempt, reason ReasonCode, errorCode, errorMessage string, latencyMs int64, decide func(attemptNo, maxAttempts int) (nextRunAt *time.Time, dlqReason DLQReasonCode)) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish failed: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE attempts SET status = $1, finished_at = $2, error_code = $3,
			error_message = $4, reason_code = $5, latency_ms = $6
		WHERE id = $7`,
		AttemptFailed, now, errorCode, errorMessage, reason, latencyMs, attempt.ID); err != nil {
		return fmt.Errorf("finish failed: update attempt: %w", err)
	}

	nextRunAt, dlqReason := decide(attempt.AttemptNo, job.MaxAttempts)

	var res sql.Result
	if dlqReason != "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = $1, attempts_used = $2, dlq_reason_code = $3, dlq_at = $4,
				last_error_code = $5, last_error_message = $6,
				locked_at = NULL, locked_by = NULL, lock_expires_at = NULL, updated_at = $4
			WHERE id = $7 AND locked_by = $8`,
			StatusDLQ, attempt.AttemptNo, dlqReason, now, errorCode, errorMessage, job.ID, job.LockedBy)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = $1, attempts_used = $2, run_at = $3,
				last_error_code = $4, last_error_message = $5,
				locked_at = NULL, locked_by = NULL, lock_expires_at = NULL, updated_at = $6
			WHERE id = $7 AND locked_by = $8`,
			StatusQueued, attempt.AttemptNo, nextRunAt, errorCode, errorMessage, now, job.ID, job.LockedBy)
	}
	if err != nil {
		return fmt.Errorf("finish failed: update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ConflictError{Message: fmt.Sprintf("job %s lease no longer held by %s", job.ID, job.LockedBy)}
	}

	return tx.Commit()
}

// DeferForPolicy pushes a leased job back to queued with a future run_at
// and clears its lease, used by the policy engine to implement
// DELAYED/THROTTLED decisions without consuming an attempt.
func (j *Jobs) DeferForPolicy(ctx context.Context, job *Job, delay time.Duration) error {
	now := time.Now().UTC()
	res, err := j.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, run_at = $2,
			locked_at = NULL, locked_by = NULL, lock_expires_at = NULL, updated_at = $3
		WHERE id = $4 AND locked_by = $5`,
		StatusQueued, now.Add(delay), now, job.ID, job.LockedBy)
	if err != nil {
		return fmt.Errorf("defer for policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ConflictError{Message: fmt.Sprintf("job %s lease no longer held by %s", job.ID, job.LockedBy)}
	}
	return nil
}

// RefreshLease extends a held lease's lock_expires_at, used by the
// worker loop when handler execution runs longer than the original
// lease. A worker whose lease already expired and was reaped will fail
// this conditional update and must treat its in-flight execution as
// orphaned.
func (j *Jobs) RefreshLease(ctx context.Context, job *Job, leaseSeconds int) error {
	now := time.Now().UTC()
	newExpiry := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := j.db.ExecContext(ctx, `
		UPDATE jobs SET lock_expires_at = $1, updated_at = $2
		WHERE id = $3 AND locked_by = $4 AND status = $5`,
		newExpiry, now, job.ID, job.LockedBy, StatusRunning)
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ConflictError{Message: fmt.Sprintf("job %s lease no longer held by %s", job.ID, job.LockedBy)}
	}
	job.LockExpiresAt = &newExpiry
	return nil
}

// ReapExpiredLocks closes the dangling running attempt of every job whose
// lease has expired as TIMEOUT/LEASE_EXPIRED, then applies decide to route
// it back to queued or to DLQ.
func (j *Jobs) ReapExpiredLocks(ctx context.Context, decide func(attemptNo, maxAttempts int) (nextRunAt *time.Time, dlqReason DLQReasonCode)) (int, error) {
	now := time.Now().UTC()

	// No FOR UPDATE SKIP LOCKED here: the job-level UPDATE below is already
	// guarded by "AND locked_by = <the lease held at select time>", so a
	// second reaper racing on the same row simply affects zero rows.
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND lock_expires_at <= $2`, StatusRunning, now)
	if err != nil {
		return 0, fmt.Errorf("reap: select expired: %w", err)
	}
	var expired []*Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("reap: scan: %w", err)
		}
		expired = append(expired, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}

	reaped := 0
	for _, job := range expired {
		attempt, err := j.currentRunningAttempt(ctx, job.ID)
		if err != nil {
			continue
		}
		if attempt != nil {
			err = j.FinishFailed(ctx, job, attempt, ReasonTimeout, "LEASE_EXPIRED",
				"lease expired before worker reported an outcome", 0, decide)
		} else {
			// No open attempt: shouldn't normally happen for a running job,
			// but the reaper still must not leave it stuck in running.
			err = j.forceRequeue(ctx, job)
		}
		if err == nil {
			reaped++
		}
	}
	return reaped, nil
}

func (j *Jobs) currentRunningAttempt(ctx context.Context, jobID string) (*Attempt, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, job_id, attempt_no, started_at, finished_at, status,
			error_code, error_message, reason_code, latency_ms, worker_id
		FROM attempts WHERE job_id = $1 AND status = $2
		ORDER BY attempt_no DESC LIMIT 1`, jobID, AttemptRunning)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (j *Jobs) forceRequeue(ctx context.Context, job *Job) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, locked_at = NULL, locked_by = NULL,
			lock_expires_at = NULL, updated_at = $2
		WHERE id = $3 AND locked_by = $4`, StatusQueued, time.Now().UTC(), job.ID, job.LockedBy)
	return err
}

// Replay enqueues a new job inheriting job_type/payload/max_attempts/
// priority from source, optionally overriding queue and run_at, and
// tags it with replay_of_job_id. source may come from the live table or
// the archive.
func (j *Jobs) Replay(ctx context.Context, source *Job, queueOverride string, runAtOverride *time.Time) (*Job, error) {
	in := EnqueueInput{
		DatasetID:     source.DatasetID,
		Queue:         source.Queue,
		JobType:       source.JobType,
		PayloadJSON:   source.PayloadJSON,
		Priority:      source.Priority,
		MaxAttempts:   source.MaxAttempts,
		ReplayOfJobID: source.ID,
	}
	if queueOverride != "" {
		in.Queue = queueOverride
		in.DatasetID = ""
	}
	if runAtOverride != nil {
		in.RunAt = *runAtOverride
	}
	return j.Enqueue(ctx, in)
}

// List returns keyset-paginated jobs ordered by (created_at desc, id desc).
func (j *Jobs) List(ctx context.Context, filter ListFilter, cursor *Cursor, limit int) ([]*Job, *Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Queue != "" {
		query += ` AND queue = ` + arg(filter.Queue)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	if cursor != nil {
		query += fmt.Sprintf(` AND (created_at, id) < (%s, %s)`, arg(cursor.CreatedAt), arg(cursor.ID))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit+1)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list jobs: %w", err)
	}

	var next *Cursor
	if len(jobs) > limit {
		last := jobs[limit-1]
		next = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		jobs = jobs[:limit]
	}
	return jobs, next, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	return scanJobRows(row)
}

func scanJobRows(row rowScanner) (*Job, error) {
	var job Job
	var lockedAt, lockExpiresAt, dlqAt sql.NullTime
	var lockedBy, lastErrorCode, lastErrorMessage, dlqReasonCode, replayOfJobID sql.NullString

	err := row.Scan(
		&job.ID, &job.DatasetID, &job.Queue, &job.JobType, &job.PayloadJSON, &job.RunAt,
		&job.Status, &job.Priority, &job.MaxAttempts, &job.AttemptsUsed,
		&lockedAt, &lockedBy, &lockExpiresAt,
		&lastErrorCode, &lastErrorMessage, &dlqReasonCode, &dlqAt,
		&replayOfJobID, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lockedAt.Valid {
		job.LockedAt = &lockedAt.Time
	}
	if lockExpiresAt.Valid {
		job.LockExpiresAt = &lockExpiresAt.Time
	}
	if dlqAt.Valid {
		job.DLQAt = &dlqAt.Time
	}
	job.LockedBy = lockedBy.String
	job.LastErrorCode = lastErrorCode.String
	job.LastErrorMessage = lastErrorMessage.String
	job.DLQReasonCode = dlqReasonCode.String
	job.ReplayOfJobID = replayOfJobID.String

	return &job, nil
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var a Attempt
	var finishedAt sql.NullTime
	var errorCode, errorMessage, reasonCode, workerID sql.NullString
	var latencyMs sql.NullInt64

	err := row.Scan(&a.ID, &a.DatasetID, &a.JobID, &a.AttemptNo, &a.StartedAt, &finishedAt,
		&a.Status, &errorCode, &errorMessage, &reasonCode, &latencyMs, &workerID)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		a.FinishedAt = &finishedAt.Time
	}
	a.ErrorCode = errorCode.String
	a.ErrorMessage = errorMessage.String
	a.ReasonCode = ReasonCode(reasonCode.String)
	a.WorkerID = workerID.String
	if latencyMs.Valid {
		v := latencyMs.Int64
		a.LatencyMs = &v
	}
	return &a, nil
}
