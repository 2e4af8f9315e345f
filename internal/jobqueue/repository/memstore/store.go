// -----------------------------------------------------------------------
// In-memory Repository fake - unit-test backing store, mirrors mongostore's
// semantics (atomic CAS, batch recompute, log cap) without a driver.
// -----------------------------------------------------------------------

package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	jobqueue "github.com/ternarybob/quaero/internal/jobqueue"
	"github.com/ternarybob/quaero/internal/jobqueue/models"
	"github.com/ternarybob/quaero/internal/jobqueue/repository"
)

// Store is a mutex-guarded, map-backed repository.Repository.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	batches  map[string]*models.Batch
	logCap   int
	dispatch func(ctx context.Context, batch *models.Batch)
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogCap overrides the default per-job log cap.
func WithLogCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.logCap = n
		}
	}
}

// WithBatchWebhookDispatch wires the terminal batch webhook callback.
func WithBatchWebhookDispatch(fn func(ctx context.Context, batch *models.Batch)) Option {
	return func(s *Store) { s.dispatch = fn }
}

// WithClock overrides the store's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:    make(map[string]*models.Job),
		batches: make(map[string]*models.Batch),
		logCap:  1000,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) CreateJob(ctx context.Context, spec repository.JobSpec) (string, error) {
	if spec.JobType == "" {
		return "", &jobqueue.ValidationError{Field: "job_type", Message: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := &models.Job{
		JobID:      uuid.New().String(),
		JobType:    spec.JobType,
		JobName:    spec.JobName,
		Status:     models.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Parameters: spec.Parameters,
		Logs:       []models.LogEntry{},
		BatchID:    spec.BatchID,
		UserID:     spec.UserID,
		Webhook:    spec.Webhook,
	}
	s.jobs[job.JobID] = job
	return job.JobID, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, &jobqueue.NotFoundError{Kind: "job", ID: jobID}
	}
	return job.Clone(), nil
}

func (s *Store) ListJobs(ctx context.Context, filter repository.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && job.BatchID != filter.BatchID {
			continue
		}
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if filter.Descending {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	if filter.Skip > 0 {
		if filter.Skip >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[filter.Skip:]
	}
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return &jobqueue.NotFoundError{Kind: "job", ID: jobID}
	}
	if !job.IsTerminal() {
		return &jobqueue.InvalidTransition{JobID: jobID, From: string(job.Status), To: "deleted"}
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *Store) RestartJob(ctx context.Context, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.jobs[jobID]
	if !ok {
		return "", &jobqueue.NotFoundError{Kind: "job", ID: jobID}
	}

	now := s.now()
	newJob := &models.Job{
		JobID:         uuid.New().String(),
		JobType:       original.JobType,
		JobName:       original.JobName,
		Status:        models.JobStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Parameters:    original.Parameters.Clone(),
		Logs:          []models.LogEntry{},
		BatchID:       original.BatchID,
		UserID:        original.UserID,
		Webhook:       original.Webhook,
		RestartedFrom: original.JobID,
	}
	s.jobs[newJob.JobID] = newJob
	return newJob.JobID, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, expectedCurrent, newStatus models.JobStatus, update repository.StatusUpdate) (bool, error) {
	if !repository.AllowedTransition(expectedCurrent, newStatus) {
		return false, &jobqueue.InvalidTransition{JobID: jobID, From: string(expectedCurrent), To: string(newStatus)}
	}

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return false, &jobqueue.NotFoundError{Kind: "job", ID: jobID}
	}
	if job.Status != expectedCurrent {
		s.mu.Unlock()
		return false, nil
	}

	job.Status = newStatus
	job.UpdatedAt = s.now()
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	if update.Error != nil {
		job.Error = update.Error
	}
	if update.Results != nil {
		job.Results = update.Results
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	batchID := job.BatchID
	s.mu.Unlock()

	if batchID == "" {
		return true, nil
	}
	_, err := s.RecomputeBatch(ctx, batchID)
	return true, err
}

func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return &jobqueue.NotFoundError{Kind: "job", ID: jobID}
	}
	if job.Status != models.JobStatusProcessing {
		return nil
	}
	job.Progress = progress
	job.UpdatedAt = s.now()
	return nil
}

func (s *Store) AppendLog(ctx context.Context, jobID string, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return &jobqueue.NotFoundError{Kind: "job", ID: jobID}
	}
	job.Logs = append(job.Logs, entry)
	if len(job.Logs) > s.logCap {
		job.Logs = job.Logs[len(job.Logs)-s.logCap/2:]
	}
	return nil
}

func (s *Store) CreateBatch(ctx context.Context, spec repository.BatchSpec, jobSpecs []repository.JobSpec) (string, []string, error) {
	if len(jobSpecs) == 0 {
		return "", nil, &jobqueue.ValidationError{Field: "jobs", Message: "batch must contain at least one job"}
	}

	s.mu.Lock()
	now := s.now()
	batch := &models.Batch{
		BatchID:     uuid.New().String(),
		BatchName:   spec.BatchName,
		TotalJobs:   len(jobSpecs),
		PendingJobs: len(jobSpecs),
		Status:      models.BatchStatusPending,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Webhook:     spec.Webhook,
	}
	s.batches[batch.BatchID] = batch
	s.mu.Unlock()

	var jobIDs []string
	for _, js := range jobSpecs {
		js.BatchID = batch.BatchID
		if spec.UserID != "" {
			js.UserID = spec.UserID
		}
		jobID, err := s.CreateJob(ctx, js)
		if err != nil {
			return batch.BatchID, jobIDs, &jobqueue.BatchCreateError{CreatedJobIDs: jobIDs, Err: err}
		}
		jobIDs = append(jobIDs, jobID)
	}
	return batch.BatchID, jobIDs, nil
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, &jobqueue.NotFoundError{Kind: "batch", ID: batchID}
	}
	clone := *batch
	return &clone, nil
}

func (s *Store) ListBatches(ctx context.Context, filter repository.BatchFilter) ([]*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batches []*models.Batch
	for _, batch := range s.batches {
		if filter.Status != "" && batch.Status != filter.Status {
			continue
		}
		if filter.IsActive != nil && batch.IsActive != *filter.IsActive {
			continue
		}
		if !filter.IncludeArchived && batch.Archived {
			continue
		}
		clone := *batch
		batches = append(batches, &clone)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].CreatedAt.After(batches[j].CreatedAt) })

	if filter.Skip > 0 {
		if filter.Skip >= len(batches) {
			return nil, nil
		}
		batches = batches[filter.Skip:]
	}
	if filter.Limit > 0 && filter.Limit < len(batches) {
		batches = batches[:filter.Limit]
	}
	return batches, nil
}

func (s *Store) ArchiveBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return &jobqueue.NotFoundError{Kind: "batch", ID: batchID}
	}
	if !batch.IsTerminal() {
		return &jobqueue.ValidationError{Field: "batch_id", Message: "cannot archive a batch with jobs still in flight"}
	}
	batch.Archived = true
	batch.UpdatedAt = s.now()
	return nil
}

func (s *Store) ToggleActive(ctx context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return false, &jobqueue.NotFoundError{Kind: "batch", ID: batchID}
	}
	batch.IsActive = !batch.IsActive
	batch.UpdatedAt = s.now()
	return batch.IsActive, nil
}

func (s *Store) FailAllActiveBatches(ctx context.Context) (int, error) {
	s.mu.Lock()
	var batchIDs []string
	for _, batch := range s.batches {
		if batch.IsActive && !batch.Archived {
			batchIDs = append(batchIDs, batch.BatchID)
		}
	}
	s.mu.Unlock()

	now := s.now()
	failed := 0
	for _, batchID := range batchIDs {
		s.mu.Lock()
		var toFail []string
		for _, job := range s.jobs {
			if job.BatchID == batchID && (job.Status == models.JobStatusPending || job.Status == models.JobStatusProcessing) {
				toFail = append(toFail, job.JobID)
			}
		}
		s.mu.Unlock()

		for _, jobID := range toFail {
			s.mu.Lock()
			job := s.jobs[jobID]
			from := job.Status
			s.mu.Unlock()

			ok, err := s.UpdateJobStatus(ctx, jobID, from, models.JobStatusFailed, repository.StatusUpdate{
				CompletedAt: &now,
				Error:       &models.JobError{Code: models.ErrCodeInternal, Message: "batch force-failed by administrative sweep"},
			})
			if err != nil {
				return failed, err
			}
			if ok {
				failed++
			}
		}
	}
	return failed, nil
}

func (s *Store) DeleteBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return &jobqueue.NotFoundError{Kind: "batch", ID: batchID}
	}
	if !batch.IsTerminal() {
		return &jobqueue.ValidationError{Field: "batch_id", Message: "cannot delete a batch with jobs still in flight"}
	}
	delete(s.batches, batchID)
	return nil
}

func (s *Store) RecomputeBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	s.mu.Lock()
	batch, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return nil, &jobqueue.NotFoundError{Kind: "batch", ID: batchID}
	}

	var pending, processing, completed, failed int
	for _, job := range s.jobs {
		if job.BatchID != batchID {
			continue
		}
		switch job.Status {
		case models.JobStatusPending:
			pending++
		case models.JobStatusProcessing:
			processing++
		case models.JobStatusCompleted:
			completed++
		case models.JobStatusFailed:
			failed++
		}
	}

	wasTerminal := batch.IsTerminal()
	batch.Recompute(pending, processing, completed, failed)
	batch.UpdatedAt = s.now()

	justWentTerminal := !wasTerminal && batch.IsTerminal()
	if justWentTerminal && batch.Webhook != nil && !batch.WebhookSent {
		batch.WebhookSent = true
	}
	clone := *batch
	s.mu.Unlock()

	if justWentTerminal && batch.Webhook != nil && s.dispatch != nil {
		s.dispatch(ctx, &clone)
	}
	return &clone, nil
}

func (s *Store) ClaimPending(ctx context.Context, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	inactive := make(map[string]bool)
	for _, batch := range s.batches {
		if !batch.IsActive {
			inactive[batch.BatchID] = true
		}
	}
	var candidates []*models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusPending {
			continue
		}
		if job.BatchID != "" && inactive[job.BatchID] {
			continue
		}
		candidates = append(candidates, job)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	s.mu.Unlock()

	var claimed []*models.Job
	now := s.now()
	for _, job := range candidates {
		if len(claimed) >= limit {
			break
		}
		ok, err := s.UpdateJobStatus(ctx, job.JobID, models.JobStatusPending, models.JobStatusProcessing, repository.StatusUpdate{StartedAt: &now})
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		got, err := s.GetJob(ctx, job.JobID)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, got)
	}
	return claimed, nil
}

func (s *Store) ResetStalledJobs(ctx context.Context, maxAge time.Duration) ([]*models.Job, error) {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	var stalled []string
	for _, job := range s.jobs {
		if job.Status == models.JobStatusProcessing && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			stalled = append(stalled, job.JobID)
		}
	}
	s.mu.Unlock()

	now := s.now()
	var reset []*models.Job
	for _, jobID := range stalled {
		jobErr := &models.JobError{Code: models.ErrCodeStalled, Message: "job exceeded stall timeout while processing"}
		ok, err := s.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing, models.JobStatusFailed, repository.StatusUpdate{
			CompletedAt: &now,
			Error:       jobErr,
		})
		if err != nil {
			return reset, err
		}
		if !ok {
			continue
		}
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return reset, err
		}
		reset = append(reset, job)
	}
	return reset, nil
}
