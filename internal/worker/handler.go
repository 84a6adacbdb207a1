package worker

import (
	"context"
	"time"

	"github.com/pgflow/pgflow/internal/store"
)

// Result is what a handler returns: nil for Ok, or an *Err describing a
// classified failure.
type Result = error

// Err is the explicit failure return of a handler. Ok is represented by
// a nil error, never a panic or exception: registeredHandler.Invoke
// recovers any panic and treats it as reason UNKNOWN so no fault escapes
// the worker loop.
type Err struct {
	ReasonCode store.ReasonCode
	ErrorCode  string
	Message    string
}

func (e *Err) Error() string { return e.Message }

// HandlerFunc is the callable registered per job_type: invoked with
// (jobType, payloadJSON), returns nil on success or *Err on failure.
// It must set its own deadline via ctx.
type HandlerFunc func(ctx context.Context, jobType string, payloadJSON []byte) Result

// HandlerSpec registers a handler with its timeout and max concurrency.
// Handlers are registered explicitly; there is no reflection-based
// discovery.
type HandlerSpec struct {
	Handler        HandlerFunc
	Timeout        time.Duration
	MaxConcurrency int
}

// Registry maps job_type to handler capability.
type Registry struct {
	specs map[string]*registeredHandler
}

type registeredHandler struct {
	spec HandlerSpec
	sem  chan struct{}
}

// NewRegistry constructs an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*registeredHandler)}
}

// Register binds jobType to spec. MaxConcurrency <= 0 means unbounded.
func (r *Registry) Register(jobType string, spec HandlerSpec) {
	rh := &registeredHandler{spec: spec}
	if spec.MaxConcurrency > 0 {
		rh.sem = make(chan struct{}, spec.MaxConcurrency)
	}
	r.specs[jobType] = rh
}

// Lookup returns the registered handler for jobType, or false if none.
func (r *Registry) Lookup(jobType string) (*registeredHandler, bool) {
	rh, ok := r.specs[jobType]
	return rh, ok
}

// Invoke runs the handler under its own concurrency limit and timeout,
// recovering any panic as reason UNKNOWN.
func (rh *registeredHandler) Invoke(ctx context.Context, jobType string, payloadJSON []byte) (err *Err) {
	if rh.sem != nil {
		select {
		case rh.sem <- struct{}{}:
			defer func() { <-rh.sem }()
		case <-ctx.Done():
			return &Err{ReasonCode: store.ReasonTimeout, ErrorCode: "CONCURRENCY_WAIT_TIMEOUT", Message: ctx.Err().Error()}
		}
	}

	timeout := rh.spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resultCh <- &Err{ReasonCode: store.ReasonUnknown, ErrorCode: "PANIC", Message: panicMessage(p)}
			}
		}()
		resultCh <- rh.spec.Handler(hctx, jobType, payloadJSON)
	}()

	select {
	case res := <-resultCh:
		if res == nil {
			return nil
		}
		if e, ok := res.(*Err); ok {
			return e
		}
		return &Err{ReasonCode: store.ReasonUnknown, ErrorCode: "UNKNOWN", Message: res.Error()}
	case <-hctx.Done():
		return &Err{ReasonCode: store.ReasonTimeout, ErrorCode: "HANDLER_TIMEOUT", Message: hctx.Err().Error()}
	}
}

func panicMessage(p interface{}) string {
	if err, ok := p.(error); ok {
		return err.Error()
	}
	if s, ok := p.(string); ok {
		return s
	}
	return "handler panicked"
}
