package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/pgflow/pgflow/internal/store"
)

type fakeJobs struct {
	job *store.Job
}

func (f *fakeJobs) GetByID(ctx context.Context, id string) (*store.Job, error) {
	return f.job, nil
}

type fakeAttempts struct {
	attempts []*store.Attempt
}

func (f *fakeAttempts) AttemptsFor(ctx context.Context, jobID string) ([]*store.Attempt, error) {
	return f.attempts, nil
}

type fakeDecisions struct {
	decisions []*store.PolicyDecision
}

func (f *fakeDecisions) ForJob(ctx context.Context, jobID string) ([]*store.PolicyDecision, error) {
	return f.decisions, nil
}

func TestTimelineMergesAttemptsAndDecisionsByTimestamp(t *testing.T) {
	t0 := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	job := &store.Job{ID: "job-1", Status: store.StatusQueued}
	attempts := []*store.Attempt{
		{AttemptNo: 1, StartedAt: t0, Status: store.AttemptFailed, ErrorMessage: "boom", ReasonCode: store.ReasonHTTPError},
		{AttemptNo: 2, StartedAt: t0.Add(2 * time.Minute), Status: store.AttemptSucceeded},
	}
	decisions := []*store.PolicyDecision{
		{Decision: store.PolicyThrottled, ReasonCode: "RETRY_RATE", CreatedAt: t0.Add(time.Minute)},
	}

	svc := New(&fakeJobs{job: job}, &fakeAttempts{attempts: attempts}, &fakeDecisions{decisions: decisions})
	tl, err := svc.Timeline(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(tl.Story) != 3 {
		t.Fatalf("expected 3 story events, got %d", len(tl.Story))
	}
	if tl.Story[0].Kind != EventAttempt || tl.Story[1].Kind != EventDecision || tl.Story[2].Kind != EventAttempt {
		t.Errorf("expected attempt, decision, attempt order, got %v %v %v", tl.Story[0].Kind, tl.Story[1].Kind, tl.Story[2].Kind)
	}
}

func TestExplainSurfacesDLQReasonAndSuggestedAction(t *testing.T) {
	job := &store.Job{
		ID: "job-2", Status: store.StatusDLQ, AttemptsUsed: 3, MaxAttempts: 3,
		DLQReasonCode: string(store.DLQMaxAttemptsExceeded), LastErrorMessage: "timed out", LastErrorCode: "E_TIMEOUT",
	}
	attempts := []*store.Attempt{
		{AttemptNo: 3, Status: store.AttemptFailed, ReasonCode: store.ReasonTimeout},
	}
	svc := New(&fakeJobs{job: job}, &fakeAttempts{attempts: attempts}, &fakeDecisions{})

	explanation, err := svc.Explain(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if explanation.SuggestedAction == "" {
		t.Error("expected a suggested action for a DLQ job")
	}
	if explanation.Summary == "" {
		t.Error("expected a non-empty summary")
	}
}

func TestExplainOmitsSuggestedActionForNonDLQJob(t *testing.T) {
	job := &store.Job{ID: "job-3", Status: store.StatusRunning, AttemptsUsed: 1, MaxAttempts: 5}
	svc := New(&fakeJobs{job: job}, &fakeAttempts{}, &fakeDecisions{})

	explanation, err := svc.Explain(context.Background(), "job-3")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if explanation.SuggestedAction != "" {
		t.Errorf("expected no suggested action for a running job, got %q", explanation.SuggestedAction)
	}
}
