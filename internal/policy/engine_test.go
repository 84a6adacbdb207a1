package policy

import (
	"context"
	"testing"
	"time"

	"github.com/pgflow/pgflow/internal/store"
)

type fakePolicyStore struct {
	policy    *store.QueuePolicy
	inFlight  int
	lastMinRate int
}

func (f *fakePolicyStore) Get(ctx context.Context, queue string) (*store.QueuePolicy, error) {
	return f.policy, nil
}
func (f *fakePolicyStore) CountInFlight(ctx context.Context, queue string) (int, error) {
	return f.inFlight, nil
}
func (f *fakePolicyStore) CountAttemptsLastMinute(ctx context.Context, queue string) (int, error) {
	return f.lastMinRate, nil
}

type fakeDecisionRecorder struct {
	decisions []store.PolicyDecisionKind
	reasons   []string
}

func (f *fakeDecisionRecorder) Record(ctx context.Context, job *store.Job, decision store.PolicyDecisionKind, reasonCode string, detailsJSON []byte) error {
	f.decisions = append(f.decisions, decision)
	f.reasons = append(f.reasons, reasonCode)
	return nil
}

type fakeDeferrer struct {
	deferredDelay time.Duration
	called        bool
}

func (f *fakeDeferrer) DeferForPolicy(ctx context.Context, job *store.Job, delay time.Duration) error {
	f.called = true
	f.deferredDelay = delay
	return nil
}

func TestEngineNoOpWithoutPolicy(t *testing.T) {
	e := NewEngine(&fakePolicyStore{policy: nil}, &fakeDecisionRecorder{}, &fakeDeferrer{})
	out, err := e.Evaluate(context.Background(), &store.Job{Queue: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Deferred {
		t.Error("expected no deferral when no policy is configured")
	}
}

func TestEngineDefersOnInFlightExceeded(t *testing.T) {
	deferrer := &fakeDeferrer{}
	decisions := &fakeDecisionRecorder{}
	e := NewEngine(&fakePolicyStore{
		policy:   &store.QueuePolicy{Queue: "default", MaxInFlight: 5, ThrottleDelayMs: 250},
		inFlight: 6,
	}, decisions, deferrer)

	out, err := e.Evaluate(context.Background(), &store.Job{Queue: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Deferred || out.Decision != store.PolicyDelayed || out.Reason != "IN_FLIGHT_EXCEEDED" {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if !deferrer.called || deferrer.deferredDelay != 250*time.Millisecond {
		t.Errorf("expected defer with 250ms delay, got called=%v delay=%v", deferrer.called, deferrer.deferredDelay)
	}
	if len(decisions.decisions) != 1 || decisions.decisions[0] != store.PolicyDelayed {
		t.Errorf("expected one DELAYED decision recorded, got %+v", decisions.decisions)
	}
}

func TestEngineDefersOnRetryRateExceeded(t *testing.T) {
	deferrer := &fakeDeferrer{}
	decisions := &fakeDecisionRecorder{}
	e := NewEngine(&fakePolicyStore{
		policy:      &store.QueuePolicy{Queue: "default", MaxAttemptsPerMinute: 10, ThrottleDelayMs: 500},
		lastMinRate: 11,
	}, decisions, deferrer)

	out, err := e.Evaluate(context.Background(), &store.Job{Queue: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Deferred || out.Decision != store.PolicyThrottled || out.Reason != "RETRY_RATE_EXCEEDED" {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if len(decisions.reasons) != 1 || decisions.reasons[0] != "RETRY_RATE_EXCEEDED" {
		t.Errorf("expected RETRY_RATE_EXCEEDED recorded, got %+v", decisions.reasons)
	}
}

func TestEngineAllowsWithinLimits(t *testing.T) {
	deferrer := &fakeDeferrer{}
	e := NewEngine(&fakePolicyStore{
		policy:      &store.QueuePolicy{Queue: "default", MaxInFlight: 5, MaxAttemptsPerMinute: 10},
		inFlight:    2,
		lastMinRate: 3,
	}, &fakeDecisionRecorder{}, deferrer)

	out, err := e.Evaluate(context.Background(), &store.Job{Queue: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Deferred || deferrer.called {
		t.Error("expected no deferral within limits")
	}
}
