// Package policy implements the per-queue storm-control policy engine:
// consulted immediately after a successful lease and before the handler
// runs. A missing policy row is advisory no-op.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgflow/pgflow/internal/store"
)

// PolicyStore reads queue policy configuration and in-flight/retry-rate
// counts; satisfied by *store.Policies.
type PolicyStore interface {
	Get(ctx context.Context, queue string) (*store.QueuePolicy, error)
	CountInFlight(ctx context.Context, queue string) (int, error)
	CountAttemptsLastMinute(ctx context.Context, queue string) (int, error)
}

// DecisionRecorder persists a PolicyDecision; satisfied by
// *store.PolicyDecisions.
type DecisionRecorder interface {
	Record(ctx context.Context, job *store.Job, decision store.PolicyDecisionKind, reasonCode string, detailsJSON []byte) error
}

// JobDeferrer pushes a leased job back to queued with a future run_at
// and clears its lease; satisfied by *store.Jobs.
type JobDeferrer interface {
	DeferForPolicy(ctx context.Context, job *store.Job, delay time.Duration) error
}

// Engine is the storm-control policy engine.
type Engine struct {
	policies  PolicyStore
	decisions DecisionRecorder
	jobs      JobDeferrer
}

// NewEngine constructs a policy Engine.
func NewEngine(policies PolicyStore, decisions DecisionRecorder, jobs JobDeferrer) *Engine {
	return &Engine{policies: policies, decisions: decisions, jobs: jobs}
}

// Outcome reports whether the leased job was deferred by the engine and
// therefore must not proceed to execution.
type Outcome struct {
	Deferred bool
	Decision store.PolicyDecisionKind
	Reason   string
}

// Evaluate runs the IN_FLIGHT and RETRY_RATE checks for a freshly leased
// job. If either check fires, the job is pushed back to queued and
// Outcome.Deferred is true — the worker loop must not execute it.
func (e *Engine) Evaluate(ctx context.Context, job *store.Job) (Outcome, error) {
	p, err := e.policies.Get(ctx, job.Queue)
	if err != nil {
		return Outcome{}, fmt.Errorf("policy evaluate: %w", err)
	}
	if p == nil {
		return Outcome{}, nil
	}

	if p.MaxInFlight > 0 {
		inFlight, err := e.policies.CountInFlight(ctx, job.Queue)
		if err != nil {
			return Outcome{}, fmt.Errorf("policy evaluate: count in-flight: %w", err)
		}
		if inFlight > p.MaxInFlight {
			return e.defer_(ctx, job, p, store.PolicyDelayed, "IN_FLIGHT_EXCEEDED", map[string]int{
				"in_flight": inFlight, "max_in_flight": p.MaxInFlight,
			})
		}
	}

	if p.MaxAttemptsPerMinute > 0 {
		rate, err := e.policies.CountAttemptsLastMinute(ctx, job.Queue)
		if err != nil {
			return Outcome{}, fmt.Errorf("policy evaluate: count retry rate: %w", err)
		}
		if rate > p.MaxAttemptsPerMinute {
			return e.defer_(ctx, job, p, store.PolicyThrottled, "RETRY_RATE_EXCEEDED", map[string]int{
				"attempts_last_minute": rate, "max_attempts_per_minute": p.MaxAttemptsPerMinute,
			})
		}
	}

	return Outcome{}, nil
}

func (e *Engine) defer_(ctx context.Context, job *store.Job, p *store.QueuePolicy, decision store.PolicyDecisionKind, reason string, details map[string]int) (Outcome, error) {
	delay := time.Duration(p.ThrottleDelayMs) * time.Millisecond
	if err := e.jobs.DeferForPolicy(ctx, job, delay); err != nil {
		return Outcome{}, fmt.Errorf("policy defer: %w", err)
	}
	payload, _ := json.Marshal(details)
	if err := e.decisions.Record(ctx, job, decision, reason, payload); err != nil {
		return Outcome{}, fmt.Errorf("policy record decision: %w", err)
	}
	return Outcome{Deferred: true, Decision: decision, Reason: reason}, nil
}
