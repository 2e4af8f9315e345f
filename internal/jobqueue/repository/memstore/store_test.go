package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	jobqueue "github.com/ternarybob/quaero/internal/jobqueue"
	"github.com/ternarybob/quaero/internal/jobqueue/models"
	"github.com/ternarybob/quaero/internal/jobqueue/repository"
)

func TestCreateAndGetJob(t *testing.T) {
	s := New()
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, repository.JobSpec{JobType: "session"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("expected new job to start pending, got %s", job.Status)
	}
}

func TestUpdateJobStatusRejectsInvalidTransition(t *testing.T) {
	s := New()
	ctx := context.Background()
	jobID, _ := s.CreateJob(ctx, repository.JobSpec{JobType: "session"})

	_, err := s.UpdateJobStatus(ctx, jobID, models.JobStatusPending, models.JobStatusCompleted, repository.StatusUpdate{})
	if err == nil {
		t.Fatal("expected an error for pending -> completed")
	}
	var invalid *jobqueue.InvalidTransition
	if !errors.As(err, &invalid) {
		t.Errorf("expected *jobqueue.InvalidTransition, got %T", err)
	}
}

func TestUpdateJobStatusLosesRaceWithoutError(t *testing.T) {
	s := New()
	ctx := context.Background()
	jobID, _ := s.CreateJob(ctx, repository.JobSpec{JobType: "session"})

	now := time.Now()
	ok, err := s.UpdateJobStatus(ctx, jobID, models.JobStatusPending, models.JobStatusProcessing, repository.StatusUpdate{StartedAt: &now})
	if err != nil || !ok {
		t.Fatalf("first claim should succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.UpdateJobStatus(ctx, jobID, models.JobStatusPending, models.JobStatusProcessing, repository.StatusUpdate{StartedAt: &now})
	if err != nil {
		t.Fatalf("a lost race must not surface an error, got %v", err)
	}
	if ok {
		t.Error("second claim against an already-claimed job must report ok=false")
	}
}

func TestClaimPendingExcludesInactiveBatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	batchID, jobIDs, err := s.CreateBatch(ctx, repository.BatchSpec{BatchName: "b1"}, []repository.JobSpec{
		{JobType: "session"}, {JobType: "session"},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if len(jobIDs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobIDs))
	}

	if _, err := s.ToggleActive(ctx, batchID); err != nil {
		t.Fatalf("ToggleActive: %v", err)
	}

	claimed, err := s.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("expected no jobs claimed from an inactive batch, got %d", len(claimed))
	}
}

func TestClaimPendingOldestFirst(t *testing.T) {
	tick := time.Now()
	s := New(WithClock(func() time.Time {
		t := tick
		tick = tick.Add(time.Second)
		return t
	}))
	ctx := context.Background()

	firstID, _ := s.CreateJob(ctx, repository.JobSpec{JobType: "session"})
	_, _ = s.CreateJob(ctx, repository.JobSpec{JobType: "session"})

	claimed, err := s.ClaimPending(ctx, 1)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 1 || claimed[0].JobID != firstID {
		t.Errorf("expected the oldest job claimed first, got %+v", claimed)
	}
}

func TestBatchAccountingInvariant(t *testing.T) {
	s := New()
	ctx := context.Background()

	batchID, jobIDs, err := s.CreateBatch(ctx, repository.BatchSpec{BatchName: "b1"}, []repository.JobSpec{
		{JobType: "session"}, {JobType: "session"}, {JobType: "session"},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	now := time.Now()
	if _, err := s.UpdateJobStatus(ctx, jobIDs[0], models.JobStatusPending, models.JobStatusProcessing, repository.StatusUpdate{StartedAt: &now}); err != nil {
		t.Fatalf("claim job 0: %v", err)
	}
	if _, err := s.UpdateJobStatus(ctx, jobIDs[0], models.JobStatusProcessing, models.JobStatusCompleted, repository.StatusUpdate{CompletedAt: &now}); err != nil {
		t.Fatalf("complete job 0: %v", err)
	}

	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	sum := batch.PendingJobs + batch.ProcessingJobs + batch.CompletedJobs + batch.FailedJobs
	if sum != batch.TotalJobs {
		t.Fatalf("batch counters must always sum to total_jobs, got sum=%d total=%d", sum, batch.TotalJobs)
	}
	if batch.CompletedJobs != 1 {
		t.Errorf("expected 1 completed job, got %d", batch.CompletedJobs)
	}
}

func TestBatchWebhookFiresOnceOnTerminalTransition(t *testing.T) {
	fired := 0
	s := New(WithBatchWebhookDispatch(func(ctx context.Context, batch *models.Batch) { fired++ }))
	ctx := context.Background()

	batchID, jobIDs, err := s.CreateBatch(ctx, repository.BatchSpec{
		BatchName: "b1",
		Webhook:   &models.Webhook{URL: "https://example.test/cb"},
	}, []repository.JobSpec{{JobType: "session"}})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	now := time.Now()
	if _, err := s.UpdateJobStatus(ctx, jobIDs[0], models.JobStatusPending, models.JobStatusProcessing, repository.StatusUpdate{StartedAt: &now}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.UpdateJobStatus(ctx, jobIDs[0], models.JobStatusProcessing, models.JobStatusCompleted, repository.StatusUpdate{CompletedAt: &now}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if fired != 1 {
		t.Fatalf("expected the batch webhook to fire exactly once, fired %d times", fired)
	}

	// RecomputeBatch may run again after the batch is already terminal
	// (e.g. a duplicate trigger); the webhook must not fire a second time.
	if _, err := s.RecomputeBatch(ctx, batchID); err != nil {
		t.Fatalf("RecomputeBatch: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected the webhook to remain at-most-once, fired %d times", fired)
	}
}

func TestResetStalledJobsOnlyAffectsProcessing(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	s := New(WithClock(func() time.Time { return time.Now() }))
	ctx := context.Background()

	jobID, _ := s.CreateJob(ctx, repository.JobSpec{JobType: "session"})
	if _, err := s.UpdateJobStatus(ctx, jobID, models.JobStatusPending, models.JobStatusProcessing, repository.StatusUpdate{StartedAt: &past}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	pendingID, _ := s.CreateJob(ctx, repository.JobSpec{JobType: "session"})

	reset, err := s.ResetStalledJobs(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ResetStalledJobs: %v", err)
	}
	if len(reset) != 1 {
		t.Fatalf("expected 1 job reset, got %d", len(reset))
	}
	if reset[0].Error == nil || reset[0].Error.Code != models.ErrCodeStalled {
		t.Errorf("expected error.code STALLED on reset job, got %+v", reset[0].Error)
	}
	pending, err := s.GetJob(ctx, pendingID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if pending.Status != models.JobStatusPending {
		t.Errorf("expected the pending job to be left pending, got %s", pending.Status)
	}
}

func TestArchiveBatchRejectsNonTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()
	batchID, _, err := s.CreateBatch(ctx, repository.BatchSpec{BatchName: "b1"}, []repository.JobSpec{{JobType: "session"}})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	if err := s.ArchiveBatch(ctx, batchID); err == nil {
		t.Error("expected archiving a non-terminal batch to fail")
	}
}
