// Package maintenance runs the background upkeep loop: priming
// partitions ahead of need and moving succeeded jobs into cold storage.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/pgflow/pgflow/internal/store"
)

// Config holds the maintenance loop's cadence and retention cutoffs.
type Config struct {
	Queues                    []string
	IntervalSecs              int
	ArchiveSucceededAfterDays int
	PruneHistoryAfterDays     int
	BatchSize                 int
}

// Loop runs the four maintenance steps on a ticker: prime the jobs
// partition for the current and next hour bucket of every known queue,
// prime the archive partition for the current and next month, archive
// succeeded jobs older than the archive cutoff, and prune attempts for
// jobs archived before the prune cutoff.
type Loop struct {
	cfg     Config
	db      *sql.DB
	archive *store.Archive
	logger  *log.Logger
}

// New constructs a maintenance Loop.
func New(cfg Config, db *sql.DB, archive *store.Archive, logger *log.Logger) *Loop {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Loop{cfg: cfg, db: db, archive: archive, logger: logger}
}

// Run blocks, executing Tick on cfg.IntervalSecs cadence until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs the four maintenance steps once. Each step tolerates the
// others' failure and is safe to re-run.
func (l *Loop) Tick(ctx context.Context) {
	now := time.Now().UTC()

	if err := l.primeJobPartitions(ctx, now); err != nil {
		l.logger.Printf("prime job partitions: %v", err)
	}
	if err := l.primeArchivePartitions(ctx, now); err != nil {
		l.logger.Printf("prime archive partitions: %v", err)
	}

	archiveCutoff := now.AddDate(0, 0, -l.cfg.ArchiveSucceededAfterDays)
	n, err := l.archive.ArchiveSucceeded(ctx, archiveCutoff, l.cfg.BatchSize)
	if err != nil {
		l.logger.Printf("archive succeeded: %v", err)
	} else if n > 0 {
		l.logger.Printf("archived %d succeeded jobs", n)
	}

	pruneCutoff := now.AddDate(0, 0, -l.cfg.PruneHistoryAfterDays)
	n, err = l.archive.PruneAttempts(ctx, pruneCutoff, l.cfg.BatchSize)
	if err != nil {
		l.logger.Printf("prune attempts: %v", err)
	} else if n > 0 {
		l.logger.Printf("pruned %d attempt rows", n)
	}
}

// primeJobPartitions ensures a jobs partition exists for the current
// and next hour bucket of every configured queue, i.e. for the dataset
// "<queue>_YYYYMMDD_HH".
func (l *Loop) primeJobPartitions(ctx context.Context, now time.Time) error {
	for _, queue := range l.cfg.Queues {
		for _, bucket := range []time.Time{now, now.Add(time.Hour)} {
			datasetID := store.DatasetForQueue(queue, bucket)
			if err := store.EnsureDatasetPartition(ctx, l.db, datasetID); err != nil {
				return fmt.Errorf("dataset %s: %w", datasetID, err)
			}
		}
	}
	return nil
}

// primeArchivePartitions ensures a jobs_archive partition exists for the
// current and next month.
func (l *Loop) primeArchivePartitions(ctx context.Context, now time.Time) error {
	for _, month := range []time.Time{now, now.AddDate(0, 1, 0)} {
		lowerBound := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
		upperBound := lowerBound.AddDate(0, 1, 0)
		yearMonth := lowerBound.Format("200601")
		if err := store.EnsureArchiveMonthPartition(ctx, l.db, yearMonth, lowerBound.Format("2006-01-02"), upperBound.Format("2006-01-02")); err != nil {
			return fmt.Errorf("month %s: %w", yearMonth, err)
		}
	}
	return nil
}
