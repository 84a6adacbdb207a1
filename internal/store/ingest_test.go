package store

import (
	"context"
	"testing"
	"time"
)

func TestIngestDecisionsRecordThenList(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	decisions := NewIngestDecisions(db)
	ctx := context.Background()
	db.Exec("DELETE FROM ingest_decisions WHERE queue = $1", "test_ingest_queue")

	if err := decisions.Record(ctx, "test_ingest_queue", IngestDenied, "PAYLOAD_TOO_LARGE", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := decisions.Record(ctx, "test_ingest_queue", IngestThrottled, "ENQUEUE_RATE_EXCEEDED", []byte(`{"count":601}`)); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := decisions.List(ctx, "test_ingest_queue", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(got))
	}
	if got[0].Decision != IngestThrottled {
		t.Errorf("expected most recent decision first (THROTTLED), got %s", got[0].Decision)
	}
	if got[1].Decision != IngestDenied {
		t.Errorf("expected oldest decision last (DENIED), got %s", got[1].Decision)
	}
}

func TestIngestDecisionsListFiltersByQueue(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	decisions := NewIngestDecisions(db)
	ctx := context.Background()
	db.Exec("DELETE FROM ingest_decisions WHERE queue IN ($1, $2)", "test_ingest_a", "test_ingest_b")

	if err := decisions.Record(ctx, "test_ingest_a", IngestDenied, "BAD_PAYLOAD", nil); err != nil {
		t.Fatalf("record a: %v", err)
	}
	if err := decisions.Record(ctx, "test_ingest_b", IngestDenied, "BAD_PAYLOAD", nil); err != nil {
		t.Fatalf("record b: %v", err)
	}

	got, err := decisions.List(ctx, "test_ingest_a", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, d := range got {
		if d.Queue != "test_ingest_a" {
			t.Errorf("expected only test_ingest_a decisions, got queue %s", d.Queue)
		}
	}
}

func TestEnqueueRateCounterIncrementsWithinSameMinuteWindow(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	counters := NewEnqueueRateCounters(db)
	ctx := context.Background()

	now := time.Now().UTC()
	queue := "test_rate_queue"
	db.Exec("DELETE FROM enqueue_rate_counters WHERE queue = $1", queue)

	c1, err := counters.IncrementAndCheck(ctx, queue, now)
	if err != nil {
		t.Fatalf("increment 1: %v", err)
	}
	c2, err := counters.IncrementAndCheck(ctx, queue, now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("increment 2: %v", err)
	}
	if c1 != 1 {
		t.Errorf("expected first increment to be 1, got %d", c1)
	}
	if c2 != 2 {
		t.Errorf("expected second increment in the same minute window to be 2, got %d", c2)
	}

	c3, err := counters.IncrementAndCheck(ctx, queue, now.Add(90*time.Second))
	if err != nil {
		t.Fatalf("increment 3: %v", err)
	}
	if c3 != 1 {
		t.Errorf("expected a new minute window to reset the counter to 1, got %d", c3)
	}
}
