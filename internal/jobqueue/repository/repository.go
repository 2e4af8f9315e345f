// -----------------------------------------------------------------------
// Job Repository - durable state store abstraction over jobs and batches
// -----------------------------------------------------------------------

package repository

import (
	"context"
	"time"

	"github.com/ternarybob/quaero/internal/jobqueue/models"
)

// JobSpec is the caller-supplied content of a job at creation time.
type JobSpec struct {
	JobType    string
	JobName    string
	Parameters models.Parameters
	Webhook    *models.Webhook
	UserID     string
	BatchID    string
}

// BatchSpec is the caller-supplied content of a batch at creation time.
type BatchSpec struct {
	BatchName string
	Webhook   *models.Webhook
	UserID    string
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status    models.JobStatus
	BatchID   string
	UserID    string
	Limit     int
	Skip      int
	Descending bool
}

// BatchFilter narrows ListBatches.
type BatchFilter struct {
	Status        models.BatchStatus
	IsActive      *bool
	IncludeArchived bool
	Limit         int
	Skip          int
}

// StatusUpdate carries the fields update_job_status may set atomically
// alongside the status transition itself (spec §4.1).
type StatusUpdate struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *models.JobError
	Results     *models.JobResults
	Progress    *models.Progress
}

// Repository is the durable state store abstraction required by spec §4.1.
// Implementations must make UpdateJobStatus an atomic single-document
// compare-and-set on the current status, so concurrent claims by the
// Worker Manager cannot double-dispatch the same job.
type Repository interface {
	// Job CRUD and lifecycle.
	CreateJob(ctx context.Context, spec JobSpec) (string, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	RestartJob(ctx context.Context, jobID string) (string, error)

	// UpdateJobStatus applies a single atomic update transitioning the
	// job from its current persisted status to newStatus. It rejects
	// disallowed transitions with *jobqueue.InvalidTransition and
	// returns (false, nil) when the current status no longer matches
	// what the caller expected (lost the claim race) without error.
	UpdateJobStatus(ctx context.Context, jobID string, expectedCurrent, newStatus models.JobStatus, update StatusUpdate) (bool, error)

	// UpdateProgress applies a partial progress update. No-op (returns
	// nil, no write) when the job is already terminal.
	UpdateProgress(ctx context.Context, jobID string, progress models.Progress) error

	// AppendLog appends a log entry, compacting to the newest half of
	// the cap when the per-job log exceeds it.
	AppendLog(ctx context.Context, jobID string, entry models.LogEntry) error

	// Batch CRUD and administration.
	CreateBatch(ctx context.Context, spec BatchSpec, jobSpecs []JobSpec) (batchID string, jobIDs []string, err error)
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*models.Batch, error)
	ArchiveBatch(ctx context.Context, batchID string) error
	ToggleActive(ctx context.Context, batchID string) (bool, error)
	FailAllActiveBatches(ctx context.Context) (int, error)
	DeleteBatch(ctx context.Context, batchID string) error

	// RecomputeBatch recounts a batch's job statuses and persists the
	// derived counters/status. Called after every status-affecting write
	// to a batched job (spec §4.1 batch counter invariant) and fires the
	// batch's terminal webhook at most once (see SPEC_FULL.md §C.1).
	RecomputeBatch(ctx context.Context, batchID string) (*models.Batch, error)

	// ClaimPending fetches up to limit pending jobs, oldest first,
	// excluding jobs whose batch has is_active=false, and atomically
	// claims each by transitioning pending -> processing. Returns only
	// the jobs that were actually claimed (skips any lost to a race).
	ClaimPending(ctx context.Context, limit int) ([]*models.Job, error)

	// ResetStalledJobs transitions processing jobs whose started_at is
	// older than maxAge to failed with error.code=STALLED, returning the
	// jobs that were reset so the caller can fire error webhooks.
	ResetStalledJobs(ctx context.Context, maxAge time.Duration) ([]*models.Job, error)
}
