// Package worker implements the worker loop: poll, lease, evaluate
// policy, execute the registered handler, and record the outcome.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/pgflow/pgflow/internal/policy"
	"github.com/pgflow/pgflow/internal/retry"
	"github.com/pgflow/pgflow/internal/store"
)

// Config holds the worker loop's tunables: lease duration, batch size,
// and reap cadence.
type Config struct {
	WorkerID         string
	Queue            string
	LeaseSeconds     int
	DequeueBatchSize int
	ReapIntervalMs   int
}

// JobStore is the slice of store.Jobs the worker loop needs; satisfied
// by *store.Jobs in production and a fake in tests.
type JobStore interface {
	Lease(ctx context.Context, queue, workerID string, leaseSeconds, batchSize int) ([]*store.Job, error)
	StartAttempt(ctx context.Context, job *store.Job) (*store.Attempt, error)
	FinishSucceeded(ctx context.Context, job *store.Job, attempt *store.Attempt, latencyMs int64) error
	FinishFailed(ctx context.Context, job *store.Job, attempt *store.Attempt, reason store.ReasonCode, errorCode, errorMessage string, latencyMs int64, decide func(attemptNo, maxAttempts int) (*time.Time, store.DLQReasonCode)) error
	RefreshLease(ctx context.Context, job *store.Job, leaseSeconds int) error
	ReapExpiredLocks(ctx context.Context, decide func(attemptNo, maxAttempts int) (*time.Time, store.DLQReasonCode)) (int, error)
}

// PolicyEvaluator is the policy engine surface the worker loop consults
// right after a successful lease; satisfied by *policy.Engine.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, job *store.Job) (policy.Outcome, error)
}

// Pool runs n concurrent worker loops plus one lease reaper, all sharing
// one job store, one handler registry, and the process's DB pool.
type Pool struct {
	cfg      Config
	jobs     JobStore
	policy   PolicyEvaluator
	registry *Registry
	decider  *retry.Decider
	logger   *log.Logger
}

// NewPool constructs a worker Pool.
func NewPool(cfg Config, jobs JobStore, policyEngine PolicyEvaluator, registry *Registry, decider *retry.Decider, logger *log.Logger) *Pool {
	if decider == nil {
		decider = retry.NewDecider()
	}
	return &Pool{cfg: cfg, jobs: jobs, policy: policyEngine, registry: registry, decider: decider, logger: logger}
}

// Run starts n concurrent worker loops plus one lease reaper, blocking
// until ctx is canceled.
func (p *Pool) Run(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}

	done := make(chan struct{})
	go p.reapLoop(ctx, done)

	workerDone := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			p.loop(ctx, idx)
			workerDone <- struct{}{}
		}(i)
	}

	for i := 0; i < n; i++ {
		<-workerDone
	}
	<-done
}

func (p *Pool) reapLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := time.Duration(p.cfg.ReapIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.jobs.ReapExpiredLocks(ctx, p.decider.Decide(store.ReasonTimeout))
			if err != nil {
				p.logger.Printf("reap: %v", err)
				continue
			}
			if n > 0 {
				p.logger.Printf("reap: requeued %d jobs with expired leases", n)
			}
		}
	}
}

func (p *Pool) loop(ctx context.Context, idx int) {
	workerID := p.cfg.WorkerID
	if idx > 0 {
		workerID = workerID + "-" + itoa(idx)
	}
	backoff := 250 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := p.jobs.Lease(ctx, p.cfg.Queue, workerID, p.cfg.LeaseSeconds, p.cfg.DequeueBatchSize)
		if err != nil {
			p.logger.Printf("worker %s: lease: %v", workerID, err)
			sleep(ctx, backoff)
			continue
		}

		if len(jobs) == 0 {
			sleep(ctx, backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 250 * time.Millisecond

		for _, job := range jobs {
			p.process(ctx, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, job *store.Job) {
	if p.policy != nil {
		outcome, err := p.policy.Evaluate(ctx, job)
		if err != nil {
			p.logger.Printf("worker: policy evaluate job %s: %v", job.ID, err)
			return
		}
		if outcome.Deferred {
			p.logger.Printf("job %s deferred by policy: %s", job.ID, outcome.Reason)
			return
		}
	}

	rh, ok := p.registry.Lookup(job.JobType)
	if !ok {
		p.finishFailed(ctx, job, &Err{ReasonCode: store.ReasonNonRetryable, ErrorCode: "UNKNOWN_JOB_TYPE", Message: "no handler registered for job_type " + job.JobType}, 0)
		return
	}

	attempt, err := p.jobs.StartAttempt(ctx, job)
	if err != nil {
		p.logger.Printf("worker: start attempt job %s: %v", job.ID, err)
		return
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	go p.refreshLeaseWhileRunning(refreshCtx, job)

	started := time.Now()
	result := rh.Invoke(ctx, job.JobType, job.PayloadJSON)
	stopRefresh()
	latencyMs := time.Since(started).Milliseconds()

	if result == nil {
		if err := p.jobs.FinishSucceeded(ctx, job, attempt, latencyMs); err != nil {
			p.logger.Printf("worker: finish succeeded job %s: %v", job.ID, err)
		}
		return
	}

	p.finishFailedAttempt(ctx, job, attempt, result, latencyMs)
}

func (p *Pool) finishFailed(ctx context.Context, job *store.Job, handlerErr *Err, latencyMs int64) {
	attempt, err := p.jobs.StartAttempt(ctx, job)
	if err != nil {
		p.logger.Printf("worker: start attempt (immediate fail) job %s: %v", job.ID, err)
		return
	}
	p.finishFailedAttempt(ctx, job, attempt, handlerErr, latencyMs)
}

func (p *Pool) finishFailedAttempt(ctx context.Context, job *store.Job, attempt *store.Attempt, handlerErr *Err, latencyMs int64) {
	reason := retry.Classify(handlerErr.ReasonCode)
	decide := p.decider.Decide(reason)
	if err := p.jobs.FinishFailed(ctx, job, attempt, reason, handlerErr.ErrorCode, handlerErr.Message, latencyMs, decide); err != nil {
		p.logger.Printf("worker: finish failed job %s: %v", job.ID, err)
	}
}

// refreshLeaseWhileRunning extends the lease on a cadence shorter than
// the lease duration so a handler that runs long doesn't get reaped out
// from under the worker mid-execution.
func (p *Pool) refreshLeaseWhileRunning(ctx context.Context, job *store.Job) {
	interval := time.Duration(p.cfg.LeaseSeconds) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.jobs.RefreshLease(ctx, job, p.cfg.LeaseSeconds); err != nil {
				p.logger.Printf("worker: refresh lease job %s: %v", job.ID, err)
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
