// Package store is pgflow's durable job-queue persistence layer: the
// schema and migrations, the jobs and attempts repositories, and the
// decision logs backing the ingest guard and the policy engine.
package store

import "time"

// JobStatus is the job state machine's current state.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusDLQ       JobStatus = "dlq"
	StatusCanceled  JobStatus = "canceled"
)

// AttemptStatus is the lifecycle of a single execution record.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// ReasonCode classifies why an attempt failed.
type ReasonCode string

const (
	ReasonTimeout       ReasonCode = "TIMEOUT"
	ReasonNonRetryable  ReasonCode = "NON_RETRYABLE"
	ReasonHTTPError     ReasonCode = "HTTP_ERROR"
	ReasonDBError       ReasonCode = "DB_ERROR"
	ReasonBadPayload    ReasonCode = "BAD_PAYLOAD"
	ReasonUnknown       ReasonCode = "UNKNOWN"
)

// DLQReasonCode names why a job was routed to the dead-letter queue.
type DLQReasonCode string

const (
	DLQNonRetryable       DLQReasonCode = "NON_RETRYABLE"
	DLQMaxAttemptsExceeded DLQReasonCode = "MAX_ATTEMPTS_EXCEEDED"
)

// PolicyDecisionKind is the outcome of a storm-control evaluation.
type PolicyDecisionKind string

const (
	PolicyThrottled  PolicyDecisionKind = "THROTTLED"
	PolicyDelayed    PolicyDecisionKind = "DELAYED"
	PolicyQuarantined PolicyDecisionKind = "QUARANTINED"
)

// IngestDecisionKind is the outcome of an admission check.
type IngestDecisionKind string

const (
	IngestDenied    IngestDecisionKind = "DENIED"
	IngestThrottled IngestDecisionKind = "THROTTLED"
)

const (
	DefaultQueue       = "default"
	DefaultMaxAttempts = 25
)

// Job is the unit of work, partitioned by DatasetID.
type Job struct {
	ID            string     `json:"id"`
	DatasetID     string     `json:"dataset_id"`
	Queue         string     `json:"queue"`
	JobType       string     `json:"job_type"`
	PayloadJSON   []byte     `json:"payload_json"`
	RunAt         time.Time  `json:"run_at"`
	Status        JobStatus  `json:"status"`
	Priority      int        `json:"priority"`
	MaxAttempts   int        `json:"max_attempts"`
	AttemptsUsed  int        `json:"attempts_used"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LockedBy      string     `json:"locked_by,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
	LastErrorCode    string  `json:"last_error_code,omitempty"`
	LastErrorMessage string  `json:"last_error_message,omitempty"`
	DLQReasonCode string     `json:"dlq_reason_code,omitempty"`
	DLQAt         *time.Time `json:"dlq_at,omitempty"`
	ReplayOfJobID string     `json:"replay_of_job_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsRunning reports whether the job is running with an active lease:
// true iff status is running and both locked_by and lock_expires_at are set.
func (j *Job) IsRunning() bool {
	return j.Status == StatusRunning && j.LockedBy != "" && j.LockExpiresAt != nil
}

// Attempt is an immutable per-execution record.
type Attempt struct {
	ID           string        `json:"id"`
	DatasetID    string        `json:"dataset_id"`
	JobID        string        `json:"job_id"`
	AttemptNo    int           `json:"attempt_no"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Status       AttemptStatus `json:"status"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ReasonCode   ReasonCode    `json:"reason_code,omitempty"`
	LatencyMs    *int64        `json:"latency_ms,omitempty"`
	WorkerID     string        `json:"worker_id,omitempty"`
}

// QueuePolicy is the per-queue storm-control configuration.
type QueuePolicy struct {
	Queue                string
	MaxAttemptsPerMinute int
	MaxInFlight          int
	ThrottleDelayMs      int
}

// PolicyDecision is a persisted throttle event.
type PolicyDecision struct {
	ID          string              `json:"id"`
	DatasetID   string              `json:"dataset_id"`
	JobID       string              `json:"job_id"`
	Decision    PolicyDecisionKind  `json:"decision"`
	ReasonCode  string              `json:"reason_code"`
	DetailsJSON []byte              `json:"details_json"`
	CreatedAt   time.Time           `json:"created_at"`
}

// IngestDecision is a persisted pre-job admission event.
type IngestDecision struct {
	ID          string             `json:"id"`
	Queue       string             `json:"queue"`
	Decision    IngestDecisionKind `json:"decision"`
	ReasonCode  string             `json:"reason_code"`
	DetailsJSON []byte             `json:"details_json"`
	CreatedAt   time.Time          `json:"created_at"`
}

// EnqueueInput is the payload accepted by Jobs.Enqueue.
type EnqueueInput struct {
	DatasetID   string
	Queue       string
	JobType     string
	PayloadJSON []byte
	RunAt       time.Time
	Priority    int
	MaxAttempts int
	ReplayOfJobID string
}

// ListFilter narrows Jobs.List.
type ListFilter struct {
	Queue  string
	Status JobStatus
}

// Cursor is an opaque keyset-pagination position on (created_at desc, id desc).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// ValidationError reports enqueue-time input rejection.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError reports a lease/lock mismatch on a write: a worker whose
// lease has already been taken over must refuse to commit its result.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NotFoundError reports a missing job or archive row.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }
