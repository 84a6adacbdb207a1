// Package retry classifies a failed attempt into either a backoff
// schedule or a dead-letter routing. The decision itself never touches
// the database — store.Jobs.FinishFailed and store.Jobs.ReapExpiredLocks
// inject it as a pure function.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/pgflow/pgflow/internal/store"
)

// Defaults for the exponential backoff schedule.
const (
	DefaultBase = time.Second
	DefaultCap  = 5 * time.Minute
)

// Decider classifies a failed attempt into a reschedule or a DLQ route.
type Decider struct {
	Base time.Duration
	Cap  time.Duration
	// Rand is the jitter source; overridable in tests for determinism.
	Rand func() float64
}

// NewDecider constructs a Decider with the package's default backoff.
func NewDecider() *Decider {
	return &Decider{Base: DefaultBase, Cap: DefaultCap, Rand: rand.Float64}
}

// Decide returns a function suitable for store.Jobs.FinishFailed /
// ReapExpiredLocks: given the reason code of the just-failed attempt, it
// captures whether this attempt is non-retryable, then returns a closure
// that, given (attemptNo, maxAttempts), computes the next run time or a
// DLQ reason.
func (d *Decider) Decide(reason store.ReasonCode) func(attemptNo, maxAttempts int) (*time.Time, store.DLQReasonCode) {
	return func(attemptNo, maxAttempts int) (*time.Time, store.DLQReasonCode) {
		if reason == store.ReasonNonRetryable {
			return nil, store.DLQNonRetryable
		}
		if attemptNo >= maxAttempts {
			return nil, store.DLQMaxAttemptsExceeded
		}
		next := time.Now().UTC().Add(d.Backoff(attemptNo))
		return &next, ""
	}
}

// Backoff computes backoff(n) = min(cap, base*2^(n-1)) * (1 + jitter),
// jitter in [-0.2, +0.2].
func (d *Decider) Backoff(attemptNo int) time.Duration {
	base := d.Base
	if base <= 0 {
		base = DefaultBase
	}
	cap_ := d.Cap
	if cap_ <= 0 {
		cap_ = DefaultCap
	}

	n := attemptNo
	if n < 1 {
		n = 1
	}

	raw := float64(base) * math.Pow(2, float64(n-1))
	if raw > float64(cap_) {
		raw = float64(cap_)
	}

	jitter := 1.0
	if d.Rand != nil {
		jitter = 1.0 + (d.Rand()*0.4 - 0.2)
	}

	return time.Duration(raw * jitter)
}

// Classify maps a handler's reported reason into the decider's input,
// defaulting unknown/empty reasons to UNKNOWN so no handler fault can
// escape the worker loop without a reason code.
func Classify(reason store.ReasonCode) store.ReasonCode {
	switch reason {
	case store.ReasonTimeout, store.ReasonNonRetryable, store.ReasonHTTPError,
		store.ReasonDBError, store.ReasonBadPayload, store.ReasonUnknown:
		return reason
	default:
		return store.ReasonUnknown
	}
}
