package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestArchiveSucceededMovesOldSucceededJobsAndDeletesThem(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	jobs := NewJobs(db)
	archive := NewArchive(db)
	ctx := context.Background()

	job, err := jobs.Enqueue(ctx, EnqueueInput{JobType: "test_archive_me", Queue: "test_default"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := jobs.Lease(ctx, "test_default", "worker-1", 30, 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: %v", err)
	}
	attempt, err := jobs.StartAttempt(ctx, leased[0])
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	if err := jobs.FinishSucceeded(ctx, leased[0], attempt, 42); err != nil {
		t.Fatalf("finish succeeded: %v", err)
	}

	cutoff := time.Now().UTC().Add(time.Second)
	n, err := archive.ArchiveSucceeded(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("archive succeeded: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least 1 job archived, got %d", n)
	}

	if _, err := jobs.GetByID(ctx, job.ID); err == nil {
		t.Error("expected archived job to be deleted from the live jobs table")
	} else {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("expected NotFoundError, got %v", err)
		}
	}

	archived, err := archive.GetArchived(ctx, job.ID)
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if archived.Status != StatusSucceeded {
		t.Errorf("expected archived job status succeeded, got %s", archived.Status)
	}
}

func TestGetArchivedReturnsNotFoundForUnknownID(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	archive := NewArchive(db)
	ctx := context.Background()

	_, err := archive.GetArchived(ctx, "00000000-0000-0000-0000-000000000000")
	if err == nil {
		t.Fatal("expected an error for an unknown archived job id")
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestPruneAttemptsDeletesAttemptsForArchivedJobs(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	jobs := NewJobs(db)
	attempts := NewAttempts(db)
	archive := NewArchive(db)
	ctx := context.Background()

	job, err := jobs.Enqueue(ctx, EnqueueInput{JobType: "test_prune_me", Queue: "test_default"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := jobs.Lease(ctx, "test_default", "worker-1", 30, 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: %v", err)
	}
	attempt, err := jobs.StartAttempt(ctx, leased[0])
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	if err := jobs.FinishSucceeded(ctx, leased[0], attempt, 10); err != nil {
		t.Fatalf("finish succeeded: %v", err)
	}

	if _, err := archive.ArchiveSucceeded(ctx, time.Now().UTC().Add(time.Second), 100); err != nil {
		t.Fatalf("archive succeeded: %v", err)
	}

	n, err := archive.PruneAttempts(ctx, time.Now().UTC().Add(time.Second), 100)
	if err != nil {
		t.Fatalf("prune attempts: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least 1 attempt pruned, got %d", n)
	}

	remaining, err := attempts.AttemptsFor(ctx, job.ID)
	if err != nil {
		t.Fatalf("attempts for: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected all attempts for the archived job to be pruned, got %d remaining", len(remaining))
	}
}
