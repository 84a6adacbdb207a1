package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/pgflow/pgflow/internal/store"
)

type fakeDecisions struct {
	recorded []struct {
		queue      string
		decision   store.IngestDecisionKind
		reasonCode string
	}
}

func (f *fakeDecisions) Record(ctx context.Context, queue string, decision store.IngestDecisionKind, reasonCode string, detailsJSON []byte) error {
	f.recorded = append(f.recorded, struct {
		queue      string
		decision   store.IngestDecisionKind
		reasonCode string
	}{queue, decision, reasonCode})
	return nil
}

type fakeRateCounter struct {
	counts map[string]int64
}

func (f *fakeRateCounter) IncrementAndCheck(ctx context.Context, queue string, now time.Time) (int64, error) {
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[queue]++
	return f.counts[queue], nil
}

func TestGuardRejectsOversizedPayload(t *testing.T) {
	decisions := &fakeDecisions{}
	guard := NewGuard(Config{MaxPayloadBytes: 10, MaxEnqueuePerMin: 100}, decisions, &fakeRateCounter{})

	err := guard.Check(context.Background(), "default", []byte(`{"too":"much data here"}`))
	if err == nil {
		t.Fatal("expected rejection")
	}
	rej, ok := err.(*RejectedError)
	if !ok {
		t.Fatalf("expected *RejectedError, got %T", err)
	}
	if rej.Status != 413 || rej.ReasonCode != "PAYLOAD_TOO_LARGE" {
		t.Errorf("unexpected rejection: %+v", rej)
	}
	if len(decisions.recorded) != 1 || decisions.recorded[0].reasonCode != "PAYLOAD_TOO_LARGE" {
		t.Errorf("expected one PAYLOAD_TOO_LARGE decision recorded, got %+v", decisions.recorded)
	}
}

func TestGuardAllowsSmallPayloadUnderRate(t *testing.T) {
	guard := NewGuard(Config{MaxPayloadBytes: 1024, MaxEnqueuePerMin: 100}, &fakeDecisions{}, &fakeRateCounter{})

	if err := guard.Check(context.Background(), "default", []byte(`{}`)); err != nil {
		t.Fatalf("expected no rejection, got %v", err)
	}
}

func TestGuardThrottlesAfterRateExceeded(t *testing.T) {
	decisions := &fakeDecisions{}
	counter := &fakeRateCounter{}
	guard := NewGuard(Config{MaxPayloadBytes: 1024, MaxEnqueuePerMin: 2}, decisions, counter)

	ctx := context.Background()
	if err := guard.Check(ctx, "default", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue 1: unexpected rejection: %v", err)
	}
	if err := guard.Check(ctx, "default", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue 2: unexpected rejection: %v", err)
	}

	err := guard.Check(ctx, "default", []byte(`{}`))
	if err == nil {
		t.Fatal("enqueue 3: expected throttling")
	}
	rej, ok := err.(*RejectedError)
	if !ok {
		t.Fatalf("expected *RejectedError, got %T", err)
	}
	if rej.Status != 429 || rej.ReasonCode != "ENQUEUE_RATE_EXCEEDED" {
		t.Errorf("unexpected rejection: %+v", rej)
	}
	if len(decisions.recorded) != 1 {
		t.Errorf("expected exactly one recorded decision, got %d", len(decisions.recorded))
	}
}
