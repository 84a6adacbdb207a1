// Command pgflow-server wires the store, ingest guard, policy engine,
// worker pool, reaper, maintenance loop, and admin HTTP surface into one
// runnable process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgflow/pgflow/internal/api"
	"github.com/pgflow/pgflow/internal/config"
	"github.com/pgflow/pgflow/internal/dbx"
	"github.com/pgflow/pgflow/internal/ingest"
	"github.com/pgflow/pgflow/internal/maintenance"
	"github.com/pgflow/pgflow/internal/metrics"
	"github.com/pgflow/pgflow/internal/notify"
	"github.com/pgflow/pgflow/internal/policy"
	"github.com/pgflow/pgflow/internal/retry"
	"github.com/pgflow/pgflow/internal/store"
	"github.com/pgflow/pgflow/internal/timeline"
	"github.com/pgflow/pgflow/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[pgflow-server] ", log.LstdFlags)

	db, err := dbx.Open(cfg.DatabaseURL, cfg.DBMaxConnections, cfg.DBAcquireTimeoutSecs)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()
	logger.Println("connected to postgres")

	if cfg.MigrateOnStart {
		if err := store.Migrate(context.Background(), db); err != nil {
			logger.Fatalf("migrate: %v", err)
		}
		logger.Println("schema migrated")
	}

	jobs := store.NewJobs(db)
	attempts := store.NewAttempts(db)
	policies := store.NewPolicies(db)
	policyDecisions := store.NewPolicyDecisions(db)
	ingestDecisions := store.NewIngestDecisions(db)
	rateCounters := store.NewEnqueueRateCounters(db)
	archive := store.NewArchive(db)
	stats := store.NewStats(db)

	guard := ingest.NewGuard(ingest.Config{
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		MaxEnqueuePerMin: cfg.MaxEnqueuePerMin,
	}, ingestDecisions, rateCounters)

	policyEngine := policy.NewEngine(policies, policyDecisions, jobs)
	metricsCollector := metrics.NewCollector(stats)
	timelineService := timeline.New(jobs, attempts, policyDecisions)
	decider := retry.NewDecider()

	notifier := notify.Connect(cfg.RedisURL, log.New(os.Stdout, "[notify] ", log.LstdFlags))
	defer notifier.Close()

	registry := worker.NewRegistry()
	registerDemoHandlers(registry)

	pool := worker.NewPool(worker.Config{
		WorkerID:         cfg.WorkerID,
		Queue:            cfg.Queue,
		LeaseSeconds:     cfg.LeaseSeconds,
		DequeueBatchSize: cfg.DequeueBatchSize,
		ReapIntervalMs:   cfg.ReapIntervalMs,
	}, jobs, policyEngine, registry, decider, log.New(os.Stdout, "[worker] ", log.LstdFlags))

	maintenanceLoop := maintenance.New(maintenance.Config{
		Queues:                    []string{cfg.Queue},
		IntervalSecs:              cfg.MaintenanceIntervalSecs,
		ArchiveSucceededAfterDays: cfg.ArchiveSucceededAfterDays,
		PruneHistoryAfterDays:     cfg.PruneHistoryAfterDays,
	}, db, archive, log.New(os.Stdout, "[maintenance] ", log.LstdFlags))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const numWorkers = 4
	go pool.Run(ctx, numWorkers)
	go maintenanceLoop.Run(ctx)

	var httpServer *http.Server
	if !cfg.AdminDisabled() {
		handler := api.NewHandler(jobs, archive, ingestDecisions, guard, timelineService, metricsCollector, notifier, []string{cfg.Queue}, cfg.APIToken, log.New(os.Stdout, "[api] ", log.LstdFlags))
		httpServer = &http.Server{Addr: cfg.AdminAddr, Handler: handler.Router()}
		go func() {
			logger.Printf("admin http surface listening on %s", cfg.AdminAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalf("admin http server: %v", err)
			}
		}()
	} else {
		logger.Println("admin http surface disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Println("shutting down")
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("admin http shutdown: %v", err)
		}
	}
	logger.Println("stopped")
}

// registerDemoHandlers registers the handful of job types the binary can
// run out of the box. A real deployment registers its own handlers
// before calling worker.NewPool instead.
func registerDemoHandlers(r *worker.Registry) {
	r.Register("noop", worker.HandlerSpec{
		Handler: func(ctx context.Context, jobType string, payloadJSON []byte) worker.Result {
			return nil
		},
		Timeout:        10 * time.Second,
		MaxConcurrency: 0,
	})
	r.Register("echo", worker.HandlerSpec{
		Handler: func(ctx context.Context, jobType string, payloadJSON []byte) worker.Result {
			log.Printf("echo: %s", payloadJSON)
			return nil
		},
		Timeout:        10 * time.Second,
		MaxConcurrency: 0,
	})
}
