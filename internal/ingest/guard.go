// Package ingest implements the admission guardrails that run before
// every enqueue: payload size and per-queue enqueue rate, both fail-closed
// and both recorded as an IngestDecision.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgflow/pgflow/internal/store"
)

// Config holds the two admission limits enforced on every enqueue.
type Config struct {
	MaxPayloadBytes  int
	MaxEnqueuePerMin int
}

// RejectedError is returned when the guard denies or throttles an
// enqueue; the caller maps it to the HTTP status named in its Status field.
type RejectedError struct {
	Status     int
	ReasonCode string
	Message    string
}

func (e *RejectedError) Error() string { return e.Message }

// DecisionRecorder persists an IngestDecision; satisfied by
// *store.IngestDecisions in production and a fake in tests.
type DecisionRecorder interface {
	Record(ctx context.Context, queue string, decision store.IngestDecisionKind, reasonCode string, detailsJSON []byte) error
}

// RateCounter implements the atomic increment-and-check primitive used
// for per-queue rate limiting; satisfied by *store.EnqueueRateCounters
// in production.
type RateCounter interface {
	IncrementAndCheck(ctx context.Context, queue string, now time.Time) (int64, error)
}

// Guard runs the two admission checks ahead of store.Jobs.Enqueue.
type Guard struct {
	cfg        Config
	decisions  DecisionRecorder
	rateCounts RateCounter
}

// NewGuard constructs an ingest Guard.
func NewGuard(cfg Config, decisions DecisionRecorder, rateCounts RateCounter) *Guard {
	return &Guard{cfg: cfg, decisions: decisions, rateCounts: rateCounts}
}

// Check runs both admission checks for queue and the serialized
// payloadJSON: payload size first (cheap, no DB round trip), then
// enqueue rate (one atomic DB step).
func (g *Guard) Check(ctx context.Context, queue string, payloadJSON []byte) error {
	if err := g.checkPayloadSize(ctx, queue, payloadJSON); err != nil {
		return err
	}
	return g.checkEnqueueRate(ctx, queue)
}

func (g *Guard) checkPayloadSize(ctx context.Context, queue string, payloadJSON []byte) error {
	if g.cfg.MaxPayloadBytes <= 0 {
		return nil
	}
	size := len(payloadJSON)
	if size <= g.cfg.MaxPayloadBytes {
		return nil
	}

	details, _ := json.Marshal(map[string]int{"size": size, "limit": g.cfg.MaxPayloadBytes})
	if g.decisions != nil {
		_ = g.decisions.Record(ctx, queue, store.IngestDenied, "PAYLOAD_TOO_LARGE", details)
	}
	return &RejectedError{
		Status:     413,
		ReasonCode: "PAYLOAD_TOO_LARGE",
		Message:    fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", size, g.cfg.MaxPayloadBytes),
	}
}

func (g *Guard) checkEnqueueRate(ctx context.Context, queue string) error {
	if g.cfg.MaxEnqueuePerMin <= 0 {
		return nil
	}

	count, err := g.rateCounts.IncrementAndCheck(ctx, queue, time.Now())
	if err != nil {
		return fmt.Errorf("check enqueue rate: %w", err)
	}
	if count <= int64(g.cfg.MaxEnqueuePerMin) {
		return nil
	}

	details, _ := json.Marshal(map[string]int64{"count": count, "limit": int64(g.cfg.MaxEnqueuePerMin)})
	if g.decisions != nil {
		_ = g.decisions.Record(ctx, queue, store.IngestThrottled, "ENQUEUE_RATE_EXCEEDED", details)
	}
	return &RejectedError{
		Status:     429,
		ReasonCode: "ENQUEUE_RATE_EXCEEDED",
		Message:    fmt.Sprintf("queue %s exceeded %d enqueues/minute", queue, g.cfg.MaxEnqueuePerMin),
	}
}
