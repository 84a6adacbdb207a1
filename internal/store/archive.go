package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Archive implements the maintenance loop's durable-state side: moving
// succeeded jobs into jobs_archive and pruning old attempts.
type Archive struct {
	db *sql.DB
}

// NewArchive constructs the archive store.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// ArchiveSucceeded moves jobs in status succeeded with updated_at older
// than cutoff into jobs_archive and deletes them from jobs, re-entrantly.
// Returns the number of jobs archived.
func (a *Archive) ArchiveSucceeded(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive succeeded: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, dataset_id, queue, job_type, payload_json, status, priority,
			max_attempts, attempts_used, last_error_code, last_error_message,
			replay_of_job_id, created_at
		FROM jobs
		WHERE status = $1 AND updated_at < $2
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, StatusSucceeded, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("archive succeeded: select: %w", err)
	}

	type candidate struct {
		id, datasetID, queue, jobType               string
		payloadJSON                                 []byte
		status                                       JobStatus
		priority, maxAttempts, attemptsUsed          int
		lastErrorCode, lastErrorMessage, replayOfJob sql.NullString
		createdAt                                    time.Time
	}
	var batch []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.datasetID, &c.queue, &c.jobType, &c.payloadJSON,
			&c.status, &c.priority, &c.maxAttempts, &c.attemptsUsed,
			&c.lastErrorCode, &c.lastErrorMessage, &c.replayOfJob, &c.createdAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("archive succeeded: scan: %w", err)
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("archive succeeded: %w", err)
	}

	for _, c := range batch {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs_archive (id, dataset_id, queue, job_type, payload_json, status,
				priority, max_attempts, attempts_used, last_error_code, last_error_message,
				replay_of_job_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13)`,
			c.id, c.datasetID, c.queue, c.jobType, c.payloadJSON, c.status,
			c.priority, c.maxAttempts, c.attemptsUsed, c.lastErrorCode, c.lastErrorMessage,
			c.replayOfJob, c.createdAt); err != nil {
			return 0, fmt.Errorf("archive succeeded: insert archive: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, c.id); err != nil {
			return 0, fmt.Errorf("archive succeeded: delete job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive succeeded: commit: %w", err)
	}
	return len(batch), nil
}

// GetArchived looks up a job in jobs_archive by id, used by Replay when
// the source job has already been archived.
func (a *Archive) GetArchived(ctx context.Context, id string) (*Job, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, queue, job_type, payload_json, status, priority,
			max_attempts, attempts_used, last_error_code, last_error_message,
			replay_of_job_id, created_at
		FROM jobs_archive WHERE id = $1 ORDER BY archived_at DESC LIMIT 1`, id)

	var job Job
	var lastErrorCode, lastErrorMessage, replayOfJob sql.NullString
	err := row.Scan(&job.ID, &job.DatasetID, &job.Queue, &job.JobType, &job.PayloadJSON,
		&job.Status, &job.Priority, &job.MaxAttempts, &job.AttemptsUsed,
		&lastErrorCode, &lastErrorMessage, &replayOfJob, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Message: fmt.Sprintf("archived job %s not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get archived job: %w", err)
	}
	job.LastErrorCode = lastErrorCode.String
	job.LastErrorMessage = lastErrorMessage.String
	job.ReplayOfJobID = replayOfJob.String
	return &job, nil
}

// PruneAttempts deletes attempt rows for jobs archived before cutoff:
// once a job is archived, its live attempts rows are no longer read by
// anything, so pruning them is safe.
func (a *Archive) PruneAttempts(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	res, err := a.db.ExecContext(ctx, `
		DELETE FROM attempts WHERE job_id IN (
			SELECT id FROM jobs_archive WHERE archived_at < $1 LIMIT $2
		)`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
