// Package api implements the admin HTTP surface: enqueue, list, DLQ,
// timeline/explain, replay, ingest decisions, and metrics, on chi.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/pgflow/pgflow/internal/ingest"
	"github.com/pgflow/pgflow/internal/metrics"
	"github.com/pgflow/pgflow/internal/notify"
	"github.com/pgflow/pgflow/internal/store"
	"github.com/pgflow/pgflow/internal/timeline"
)

// Handler serves the admin HTTP surface.
type Handler struct {
	jobs      *store.Jobs
	archive   *store.Archive
	decisions *store.IngestDecisions
	guard     *ingest.Guard
	timelines *timeline.Service
	metrics   *metrics.Collector
	notifier  *notify.Notifier
	queues    []string
	apiToken  string
	validate  *validator.Validate
	logger    *log.Logger
}

// NewHandler constructs a Handler. notifier may be nil, in which case
// job-ready notifications are skipped entirely.
func NewHandler(jobs *store.Jobs, archive *store.Archive, decisions *store.IngestDecisions, guard *ingest.Guard, timelines *timeline.Service, metricsCollector *metrics.Collector, notifier *notify.Notifier, queues []string, apiToken string, logger *log.Logger) *Handler {
	return &Handler{
		jobs:      jobs,
		archive:   archive,
		decisions: decisions,
		guard:     guard,
		timelines: timelines,
		metrics:   metricsCollector,
		notifier:  notifier,
		queues:    queues,
		apiToken:  apiToken,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Router builds the chi router for the admin surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/metrics/prom", h.metrics.PrometheusHandler(h.queues).ServeHTTP)
	r.Get("/dashboard", h.serveDashboard)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/jobs", h.createJob)
		r.Get("/jobs", h.listJobs)
		r.Get("/dlq", h.listDLQ)
		r.Get("/jobs/{id}/timeline", h.getTimeline)
		r.Get("/jobs/{id}/explain", h.getExplain)
		r.Post("/jobs/{id}/replay", h.replay)
		r.Get("/ingest/decisions", h.listIngestDecisions)
		r.Get("/metrics", h.getMetrics)
	})

	return r
}

// authMiddleware enforces the optional bearer token, accepted either as
// x-api-key or as an Authorization: Bearer header.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("x-api-key")
		if token == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				token = auth[7:]
			}
		}
		if token != h.apiToken {
			h.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createJobRequest struct {
	Queue       string          `json:"queue"`
	JobType     string          `json:"job_type" validate:"required"`
	PayloadJSON json.RawMessage `json:"payload_json"`
	RunAt       *time.Time      `json:"run_at"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "BAD_PAYLOAD", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, "BAD_PAYLOAD", err.Error())
		return
	}

	queue := req.Queue
	if queue == "" {
		queue = store.DefaultQueue
	}
	payload := []byte(req.PayloadJSON)
	if payload == nil {
		payload = []byte("{}")
	}

	if err := h.guard.Check(r.Context(), queue, payload); err != nil {
		h.respondRejected(w, err)
		return
	}

	in := store.EnqueueInput{
		Queue:       queue,
		JobType:     req.JobType,
		PayloadJSON: payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if req.RunAt != nil {
		in.RunAt = *req.RunAt
	}

	job, err := h.jobs.Enqueue(r.Context(), in)
	if err != nil {
		h.respondValidationOrServerError(w, err)
		return
	}
	h.notifier.JobReady(job.Queue, job.ID)

	h.respondJSON(w, http.StatusOK, map[string]string{"job_id": job.ID})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	h.listJobsWithStatus(w, r, "")
}

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	h.listJobsWithStatus(w, r, store.StatusDLQ)
}

func (h *Handler) listJobsWithStatus(w http.ResponseWriter, r *http.Request, forcedStatus store.JobStatus) {
	q := r.URL.Query()
	filter := store.ListFilter{Queue: q.Get("queue")}
	if forcedStatus != "" {
		filter.Status = forcedStatus
	} else if s := q.Get("status"); s != "" {
		filter.Status = store.JobStatus(s)
	}

	limit := 100
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	var cursor *store.Cursor
	if createdAt := q.Get("cursor_created_at"); createdAt != "" {
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "BAD_PAYLOAD", "cursor_created_at must be RFC3339")
			return
		}
		cursor = &store.Cursor{CreatedAt: t, ID: q.Get("cursor_id")}
	}

	jobs, next, err := h.jobs.List(r.Context(), filter, cursor, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	resp := map[string]interface{}{"items": jobs}
	if next != nil {
		resp["next_cursor_created_at"] = next.CreatedAt.Format(time.RFC3339Nano)
		resp["next_cursor_id"] = next.ID
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tl, err := h.timelines.Timeline(r.Context(), id)
	if err != nil {
		h.respondNotFoundOrServerError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, tl)
}

func (h *Handler) getExplain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	explanation, err := h.timelines.Explain(r.Context(), id)
	if err != nil {
		h.respondNotFoundOrServerError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, explanation)
}

type replayRequest struct {
	Queue string     `json:"queue" validate:"omitempty,min=1"`
	RunAt *time.Time `json:"run_at"`
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	source, err := store.ResolveReplaySource(r.Context(), h.jobs, h.archive, id)
	if err != nil {
		h.respondNotFoundOrServerError(w, err)
		return
	}

	var req replayRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "BAD_PAYLOAD", "invalid request body")
			return
		}
		if err := h.validate.Struct(req); err != nil {
			h.respondError(w, http.StatusBadRequest, "BAD_PAYLOAD", err.Error())
			return
		}
	}

	replayed, err := h.jobs.Replay(r.Context(), source, req.Queue, req.RunAt)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	h.notifier.JobReady(replayed.Queue, replayed.ID)

	h.respondJSON(w, http.StatusOK, map[string]string{
		"new_job_id":      replayed.ID,
		"replay_of_job_id": id,
	})
}

func (h *Handler) listIngestDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	items, err := h.decisions.List(r.Context(), q.Get("queue"), limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		queue = store.DefaultQueue
	}
	snap, err := h.metrics.Snapshot(r.Context(), queue)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

func (h *Handler) respondRejected(w http.ResponseWriter, err error) {
	if rej, ok := err.(*ingest.RejectedError); ok {
		h.respondError(w, rej.Status, rej.ReasonCode, rej.Message)
		return
	}
	h.respondError(w, http.StatusInternalServerError, "DB_ERROR", err.Error())
}

func (h *Handler) respondValidationOrServerError(w http.ResponseWriter, err error) {
	if ve, ok := err.(*store.ValidationError); ok {
		h.respondError(w, http.StatusBadRequest, "BAD_PAYLOAD", ve.Message)
		return
	}
	h.respondError(w, http.StatusInternalServerError, "DB_ERROR", err.Error())
}

func (h *Handler) respondNotFoundOrServerError(w http.ResponseWriter, err error) {
	if nf, ok := err.(*store.NotFoundError); ok {
		h.respondError(w, http.StatusNotFound, "NOT_FOUND", nf.Message)
		return
	}
	h.respondError(w, http.StatusInternalServerError, "DB_ERROR", err.Error())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("encode response: %v", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, reasonCode, message string) {
	h.respondJSON(w, status, map[string]string{
		"error":       message,
		"reason_code": reasonCode,
	})
}
