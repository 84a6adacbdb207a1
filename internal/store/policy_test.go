package store

import (
	"context"
	"testing"
)

func TestPoliciesUpsertThenGet(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	policies := NewPolicies(db)
	ctx := context.Background()

	queue := "test_policy_queue"
	db.Exec("DELETE FROM queue_policies WHERE queue = $1", queue)

	if got, err := policies.Get(ctx, queue); err != nil {
		t.Fatalf("get before upsert: %v", err)
	} else if got != nil {
		t.Errorf("expected nil policy before upsert, got %+v", got)
	}

	if err := policies.Upsert(ctx, QueuePolicy{Queue: queue, MaxAttemptsPerMinute: 60, MaxInFlight: 5, ThrottleDelayMs: 250}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := policies.Get(ctx, queue)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a policy after upsert, got nil")
	}
	if got.MaxAttemptsPerMinute != 60 || got.MaxInFlight != 5 || got.ThrottleDelayMs != 250 {
		t.Errorf("unexpected policy fields: %+v", got)
	}

	if err := policies.Upsert(ctx, QueuePolicy{Queue: queue, MaxAttemptsPerMinute: 120, MaxInFlight: 10, ThrottleDelayMs: 500}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = policies.Get(ctx, queue)
	if err != nil {
		t.Fatalf("get after second upsert: %v", err)
	}
	if got.MaxAttemptsPerMinute != 120 {
		t.Errorf("expected upsert to replace existing policy, got max_attempts_per_minute=%d", got.MaxAttemptsPerMinute)
	}
}

func TestCountInFlightCountsOnlyRunningJobsInQueue(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	jobs := NewJobs(db)
	policies := NewPolicies(db)
	ctx := context.Background()

	queue := "test_inflight_queue"
	if _, err := jobs.Enqueue(ctx, EnqueueInput{JobType: "test_inflight_a", Queue: queue}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := jobs.Enqueue(ctx, EnqueueInput{JobType: "test_inflight_b", Queue: queue}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	before, err := policies.CountInFlight(ctx, queue)
	if err != nil {
		t.Fatalf("count in flight before lease: %v", err)
	}
	if before != 0 {
		t.Errorf("expected 0 running jobs before leasing, got %d", before)
	}

	leased, err := jobs.Lease(ctx, queue, "worker-1", 30, 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: %v", err)
	}

	after, err := policies.CountInFlight(ctx, queue)
	if err != nil {
		t.Fatalf("count in flight after lease: %v", err)
	}
	if after != 1 {
		t.Errorf("expected 1 running job after leasing one, got %d", after)
	}
}

func TestPolicyDecisionsRecordThenForJob(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	jobs := NewJobs(db)
	decisions := NewPolicyDecisions(db)
	ctx := context.Background()

	job, err := jobs.Enqueue(ctx, EnqueueInput{JobType: "test_policy_decision", Queue: "test_default"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := decisions.Record(ctx, job, PolicyThrottled, "MAX_ATTEMPTS_PER_MINUTE", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := decisions.Record(ctx, job, PolicyDelayed, "THROTTLE_DELAY", []byte(`{"delay_ms":250}`)); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := decisions.ForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("for job: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions for job, got %d", len(got))
	}
	if got[0].Decision != PolicyThrottled || got[1].Decision != PolicyDelayed {
		t.Errorf("expected decisions ordered oldest-first, got %s, %s", got[0].Decision, got[1].Decision)
	}
}
