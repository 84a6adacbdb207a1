package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pgflow/pgflow/internal/ingest"
	"github.com/pgflow/pgflow/internal/metrics"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeStats struct{}

func (fakeStats) QueueDepth(ctx context.Context, queue string) (int64, error)  { return 3, nil }
func (fakeStats) RunningCount(ctx context.Context, queue string) (int64, error) { return 1, nil }
func (fakeStats) WindowCounts(ctx context.Context, queue string, window time.Duration) (int64, int64, float64, error) {
	return 9, 1, 42.5, nil
}

func newTestHandler(apiToken string) *Handler {
	guard := ingest.NewGuard(ingest.Config{}, nil, nil)
	collector := metrics.NewCollector(fakeStats{})
	return NewHandler(nil, nil, nil, guard, nil, collector, nil, []string{"default"}, apiToken, discardLogger())
}

func TestHealthEndpointReturnsOKWithoutAuth(t *testing.T) {
	h := newTestHandler("secret")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("expected body %q, got %q", "ok", rec.Body.String())
	}
}

func TestMetricsEndpointRejectsMissingToken(t *testing.T) {
	h := newTestHandler("secret")
	req := httptest.NewRequest(http.MethodGet, "/metrics?queue=default", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMetricsEndpointAcceptsAPIKeyHeader(t *testing.T) {
	h := newTestHandler("secret")
	req := httptest.NewRequest(http.MethodGet, "/metrics?queue=default", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpointAcceptsBearerToken(t *testing.T) {
	h := newTestHandler("secret")
	req := httptest.NewRequest(http.MethodGet, "/metrics?queue=default", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthDisabledWhenNoTokenConfigured(t *testing.T) {
	h := newTestHandler("")
	req := httptest.NewRequest(http.MethodGet, "/metrics?queue=default", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when no token is configured, got %d", rec.Code)
	}
}
