// Package timeline derives a human-facing job history and a one-paragraph
// diagnosis from the attempt and policy-decision rows already persisted by
// the store package.
package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pgflow/pgflow/internal/store"
)

// JobGetter is the slice of store.Jobs the timeline needs.
type JobGetter interface {
	GetByID(ctx context.Context, id string) (*store.Job, error)
}

// AttemptLister is the slice of store.Attempts the timeline needs.
type AttemptLister interface {
	AttemptsFor(ctx context.Context, jobID string) ([]*store.Attempt, error)
}

// DecisionLister is the slice of store.PolicyDecisions the timeline needs.
type DecisionLister interface {
	ForJob(ctx context.Context, jobID string) ([]*store.PolicyDecision, error)
}

// EventKind distinguishes the two event sources merged into a story stream.
type EventKind string

const (
	EventAttempt  EventKind = "ATTEMPT"
	EventDecision EventKind = "POLICY_DECISION"
)

// Event is one entry in a Timeline's story, ordered by At ascending.
type Event struct {
	Kind        EventKind
	At          time.Time
	Description string
	Attempt     *store.Attempt
	Decision    *store.PolicyDecision
}

// Timeline is a job's full history: header, ordered attempts, and the
// interleaved story stream.
type Timeline struct {
	Job      *store.Job
	Attempts []*store.Attempt
	Story    []Event
}

// Explanation is the one-paragraph diagnosis produced for a job.
type Explanation struct {
	Summary         string
	SuggestedAction string
}

// Service builds timelines and explanations from the store repositories.
type Service struct {
	jobs      JobGetter
	attempts  AttemptLister
	decisions DecisionLister
}

// New constructs a Service.
func New(jobs JobGetter, attempts AttemptLister, decisions DecisionLister) *Service {
	return &Service{jobs: jobs, attempts: attempts, decisions: decisions}
}

// Timeline returns the job header, its attempts in order, and a story
// stream merging attempt events and policy decisions by timestamp.
func (s *Service) Timeline(ctx context.Context, jobID string) (*Timeline, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}

	attempts, err := s.attempts.AttemptsFor(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("timeline: attempts: %w", err)
	}

	decisions, err := s.decisions.ForJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("timeline: decisions: %w", err)
	}

	story := make([]Event, 0, len(attempts)+len(decisions))
	for _, a := range attempts {
		story = append(story, Event{
			Kind:        EventAttempt,
			At:          a.StartedAt,
			Description: describeAttempt(a),
			Attempt:     a,
		})
	}
	for _, d := range decisions {
		story = append(story, Event{
			Kind:        EventDecision,
			At:          d.CreatedAt,
			Description: describeDecision(d),
			Decision:    d,
		})
	}
	sortEvents(story)

	return &Timeline{Job: job, Attempts: attempts, Story: story}, nil
}

func describeAttempt(a *store.Attempt) string {
	switch a.Status {
	case store.AttemptSucceeded:
		return fmt.Sprintf("attempt %d succeeded", a.AttemptNo)
	case store.AttemptFailed:
		return fmt.Sprintf("attempt %d failed: %s (%s)", a.AttemptNo, a.ErrorMessage, a.ReasonCode)
	default:
		return fmt.Sprintf("attempt %d started", a.AttemptNo)
	}
}

func describeDecision(d *store.PolicyDecision) string {
	return fmt.Sprintf("%s: %s", d.Decision, d.ReasonCode)
}

// sortEvents is an insertion sort: story streams are short and already
// close to ordered since both inputs are read pre-sorted by timestamp.
func sortEvents(events []Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].At.Before(events[j-1].At); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// suggestedActions maps the last failure reason code to an operator action,
// surfaced for jobs that landed in the dead-letter queue.
var suggestedActions = map[store.ReasonCode]string{
	store.ReasonTimeout:      "increase the handler timeout or investigate slow downstream calls, then replay",
	store.ReasonNonRetryable: "fix the handler or payload that caused this, then replay if still valid",
	store.ReasonHTTPError:    "check the downstream service's health, then replay once it recovers",
	store.ReasonDBError:      "check database connectivity and capacity, then replay",
	store.ReasonBadPayload:   "correct the payload before replaying",
	store.ReasonUnknown:      "inspect the handler for a panic or unexpected error, then replay",
}

// Explain produces a one-paragraph diagnosis of a job's current state.
func (s *Service) Explain(ctx context.Context, jobID string) (*Explanation, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("explain: %w", err)
	}
	attempts, err := s.attempts.AttemptsFor(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("explain: attempts: %w", err)
	}

	summary := fmt.Sprintf("job %s is %s after %d of %d attempts.", job.ID, job.Status, job.AttemptsUsed, job.MaxAttempts)
	if job.LastErrorMessage != "" {
		summary += fmt.Sprintf(" Most recent error: %s (%s).", job.LastErrorMessage, job.LastErrorCode)
	}
	if job.Status == store.StatusQueued && job.RunAt.After(time.Now().UTC()) {
		summary += fmt.Sprintf(" Scheduled to run again at %s.", job.RunAt.Format(time.RFC3339))
	}

	var action string
	if job.Status == store.StatusDLQ {
		summary += fmt.Sprintf(" Routed to the dead-letter queue: %s.", job.DLQReasonCode)
		reason := lastReasonCode(attempts)
		if a, ok := suggestedActions[reason]; ok {
			action = a
		} else {
			action = "review the attempt history and replay if the cause has been addressed"
		}
	}

	return &Explanation{Summary: summary, SuggestedAction: action}, nil
}

func lastReasonCode(attempts []*store.Attempt) store.ReasonCode {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Status == store.AttemptFailed {
			return attempts[i].ReasonCode
		}
	}
	return store.ReasonUnknown
}
