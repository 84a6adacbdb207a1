package store

import (
	"context"
	"testing"
	"time"
)

func TestAttemptsForReturnsAttemptsOrderedByAttemptNo(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	jobs := NewJobs(db)
	attempts := NewAttempts(db)
	ctx := context.Background()

	job, err := jobs.Enqueue(ctx, EnqueueInput{JobType: "test_attempts_for", Queue: "test_default", MaxAttempts: 5})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	leased, err := jobs.Lease(ctx, "test_default", "worker-1", 30, 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: %v", err)
	}
	a1, err := jobs.StartAttempt(ctx, leased[0])
	if err != nil {
		t.Fatalf("start attempt 1: %v", err)
	}
	decide := func(attemptNo, maxAttempts int) (*time.Time, DLQReasonCode) {
		next := time.Now().UTC()
		return &next, ""
	}
	if err := jobs.FinishFailed(ctx, leased[0], a1, ReasonDBError, "E1", "transient", 5, decide); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	leased2, err := jobs.Lease(ctx, "test_default", "worker-1", 30, 1)
	if err != nil || len(leased2) != 1 {
		t.Fatalf("re-lease: %v", err)
	}
	a2, err := jobs.StartAttempt(ctx, leased2[0])
	if err != nil {
		t.Fatalf("start attempt 2: %v", err)
	}
	if err := jobs.FinishSucceeded(ctx, leased2[0], a2, 7); err != nil {
		t.Fatalf("finish succeeded: %v", err)
	}

	got, err := attempts.AttemptsFor(ctx, job.ID)
	if err != nil {
		t.Fatalf("attempts for: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(got))
	}
	if got[0].AttemptNo != 1 || got[1].AttemptNo != 2 {
		t.Errorf("expected attempts ordered 1, 2, got %d, %d", got[0].AttemptNo, got[1].AttemptNo)
	}
	if got[0].Status != AttemptFailed || got[1].Status != AttemptSucceeded {
		t.Errorf("unexpected attempt statuses: %s, %s", got[0].Status, got[1].Status)
	}
}

func TestLatencyPercentilesOfSingleSucceededAttempt(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	jobs := NewJobs(db)
	attempts := NewAttempts(db)
	ctx := context.Background()

	job, err := jobs.Enqueue(ctx, EnqueueInput{JobType: "test_latency", Queue: "test_latency_queue"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := jobs.Lease(ctx, "test_latency_queue", "worker-1", 30, 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: %v", err)
	}
	attempt, err := jobs.StartAttempt(ctx, leased[0])
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	if err := jobs.FinishSucceeded(ctx, leased[0], attempt, 123); err != nil {
		t.Fatalf("finish succeeded: %v", err)
	}
	_ = job

	p50, p95, p99, err := attempts.LatencyPercentiles(ctx, "test_latency_queue", time.Hour)
	if err != nil {
		t.Fatalf("latency percentiles: %v", err)
	}
	if p50 != 123 || p95 != 123 || p99 != 123 {
		t.Errorf("expected all percentiles to equal the single sample 123, got p50=%v p95=%v p99=%v", p50, p95, p99)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50}
	if got := Percentile(samples, 0); got != 10 {
		t.Errorf("p0: expected 10, got %v", got)
	}
	if got := Percentile(samples, 1); got != 50 {
		t.Errorf("p100: expected 50, got %v", got)
	}
	if got := Percentile(nil, 0.5); got != 0 {
		t.Errorf("empty samples: expected 0, got %v", got)
	}
}
