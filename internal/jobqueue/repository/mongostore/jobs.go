package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	jobqueue "github.com/ternarybob/quaero/internal/jobqueue"
	"github.com/ternarybob/quaero/internal/jobqueue/models"
	"github.com/ternarybob/quaero/internal/jobqueue/repository"
)

// CreateJob inserts a job in pending status. Required fields are
// validated before the insert so a bad envelope never reaches storage.
func (s *Store) CreateJob(ctx context.Context, spec repository.JobSpec) (string, error) {
	if spec.JobType == "" {
		return "", &jobqueue.ValidationError{Field: "job_type", Message: "required"}
	}

	now := currentTime()
	job := &models.Job{
		JobID:      newJobID(),
		JobType:    spec.JobType,
		JobName:    spec.JobName,
		Status:     models.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Parameters: spec.Parameters,
		Progress:   models.Progress{},
		Logs:       []models.LogEntry{},
		BatchID:    spec.BatchID,
		UserID:     spec.UserID,
		Webhook:    spec.Webhook,
	}

	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return "", s.wrapErr("CreateJob", err)
	}
	return job.JobID, nil
}

// GetJob returns the job document for jobID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := s.jobs.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&job)
	if err == mongo.ErrNoDocuments {
		return nil, &jobqueue.NotFoundError{Kind: "job", ID: jobID}
	}
	if err != nil {
		return nil, s.wrapErr("GetJob", err)
	}
	return &job, nil
}

// ListJobs returns jobs matching filter, created_at ascending by default.
func (s *Store) ListJobs(ctx context.Context, filter repository.JobFilter) ([]*models.Job, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.BatchID != "" {
		query["batch_id"] = filter.BatchID
	}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}

	order := 1
	if filter.Descending {
		order = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: order}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Skip > 0 {
		opts.SetSkip(int64(filter.Skip))
	}

	cur, err := s.jobs.Find(ctx, query, opts)
	if err != nil {
		return nil, s.wrapErr("ListJobs", err)
	}
	defer cur.Close(ctx)

	var jobs []*models.Job
	for cur.Next(ctx) {
		var job models.Job
		if err := cur.Decode(&job); err != nil {
			return nil, s.wrapErr("ListJobs", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, cur.Err()
}

// DeleteJob removes a terminal job document (spec §6.5 admin operation).
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return &jobqueue.InvalidTransition{JobID: jobID, From: string(job.Status), To: "deleted"}
	}
	_, err = s.jobs.DeleteOne(ctx, bson.M{"job_id": jobID})
	return s.wrapErr("DeleteJob", err)
}

// RestartJob creates a fresh pending job carrying the same parameters,
// webhook, and batch linkage as jobID, tagged with restarted_from
// (resolves spec §9.2's open restart question: a new job id, not a
// reuse of the old one).
func (s *Store) RestartJob(ctx context.Context, jobID string) (string, error) {
	original, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	now := currentTime()
	newJob := &models.Job{
		JobID:         newJobID(),
		JobType:       original.JobType,
		JobName:       original.JobName,
		Status:        models.JobStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Parameters:    original.Parameters.Clone(),
		Progress:      models.Progress{},
		Logs:          []models.LogEntry{},
		BatchID:       original.BatchID,
		UserID:        original.UserID,
		Webhook:       original.Webhook,
		RestartedFrom: original.JobID,
	}

	if _, err := s.jobs.InsertOne(ctx, newJob); err != nil {
		return "", s.wrapErr("RestartJob", err)
	}
	return newJob.JobID, nil
}

// UpdateJobStatus performs the atomic compare-and-set transition
// required by spec §4.1's concurrency note. A mismatched expectedCurrent
// (lost claim race) is reported as (false, nil), never an error.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, expectedCurrent, newStatus models.JobStatus, update repository.StatusUpdate) (bool, error) {
	if !repository.AllowedTransition(expectedCurrent, newStatus) {
		return false, &jobqueue.InvalidTransition{JobID: jobID, From: string(expectedCurrent), To: string(newStatus)}
	}

	set := bson.M{
		"status":     newStatus,
		"updated_at": currentTime(),
	}
	if update.StartedAt != nil {
		set["started_at"] = *update.StartedAt
	}
	if update.CompletedAt != nil {
		set["completed_at"] = *update.CompletedAt
	}
	if update.Error != nil {
		set["error"] = update.Error
	}
	if update.Results != nil {
		set["results"] = update.Results
	}
	if update.Progress != nil {
		set["progress"] = *update.Progress
	}

	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"job_id": jobID, "status": expectedCurrent},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, s.wrapErr("UpdateJobStatus", err)
	}
	if res.MatchedCount == 0 {
		// Either the job doesn't exist, or another claim already moved
		// it off expectedCurrent. Distinguish so callers can tell a lost
		// race (expected, not an error) from a genuine NotFound.
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return false, err
		}
		return false, nil
	}

	return true, s.recomputeBatchForJob(ctx, jobID)
}

// recomputeBatchForJob looks up jobID's batch_id (if any) and recomputes
// the batch's derived counters, per the invariant in spec §4.1.
func (s *Store) recomputeBatchForJob(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.BatchID == "" {
		return nil
	}
	_, err = s.RecomputeBatch(ctx, job.BatchID)
	return err
}

// UpdateProgress applies a partial progress update, a no-op on terminal
// jobs per spec §4.1.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress models.Progress) error {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"job_id": jobID, "status": models.JobStatusProcessing},
		bson.M{"$set": bson.M{"progress": progress, "updated_at": currentTime()}},
	)
	if err != nil {
		return s.wrapErr("UpdateProgress", err)
	}
	_ = res
	return nil
}

// AppendLog appends a log entry, compacting to the newest half of the
// cap when the log grows beyond it (spec §4.1).
func (s *Store) AppendLog(ctx context.Context, jobID string, entry models.LogEntry) error {
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"job_id": jobID},
		bson.M{"$push": bson.M{"logs": entry}},
	)
	if err != nil {
		return s.wrapErr("AppendLog", err)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if len(job.Logs) > s.logCap {
		keep := job.Logs[len(job.Logs)-s.logCap/2:]
		_, err := s.jobs.UpdateOne(ctx,
			bson.M{"job_id": jobID},
			bson.M{"$set": bson.M{"logs": keep}},
		)
		if err != nil {
			return s.wrapErr("AppendLog.compact", err)
		}
	}
	return nil
}

// ClaimPending fetches pending jobs oldest-first, excluding jobs whose
// batch is inactive, and atomically claims up to limit of them.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]*models.Job, error) {
	inactiveBatchIDs, err := s.inactiveBatchIDs(ctx)
	if err != nil {
		return nil, err
	}

	query := bson.M{"status": models.JobStatusPending}
	if len(inactiveBatchIDs) > 0 {
		query["batch_id"] = bson.M{"$nin": inactiveBatchIDs}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.jobs.Find(ctx, query, opts)
	if err != nil {
		return nil, s.wrapErr("ClaimPending.find", err)
	}
	var candidates []*models.Job
	for cur.Next(ctx) {
		var job models.Job
		if err := cur.Decode(&job); err != nil {
			cur.Close(ctx)
			return nil, s.wrapErr("ClaimPending.decode", err)
		}
		candidates = append(candidates, &job)
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return nil, s.wrapErr("ClaimPending.cursor", err)
	}

	var claimed []*models.Job
	for _, job := range candidates {
		if len(claimed) >= limit {
			break
		}
		now := currentTime()
		ok, err := s.UpdateJobStatus(ctx, job.JobID, models.JobStatusPending, models.JobStatusProcessing,
			repository.StatusUpdate{StartedAt: &now})
		if err != nil {
			return claimed, fmt.Errorf("claim job %s: %w", job.JobID, err)
		}
		if !ok {
			// lost the claim race to another worker process; skip.
			continue
		}
		job.Status = models.JobStatusProcessing
		job.StartedAt = &now
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *Store) inactiveBatchIDs(ctx context.Context) ([]string, error) {
	cur, err := s.batches.Find(ctx, bson.M{"is_active": false}, options.Find().SetProjection(bson.M{"batch_id": 1}))
	if err != nil {
		return nil, s.wrapErr("inactiveBatchIDs", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			BatchID string `bson:"batch_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, s.wrapErr("inactiveBatchIDs.decode", err)
		}
		ids = append(ids, doc.BatchID)
	}
	return ids, cur.Err()
}

// ResetStalledJobs forces processing jobs whose started_at predates
// now-maxAge to failed with error.code=STALLED, so a worker that died
// mid-job doesn't leave it stuck in processing forever (spec §4.1/§4.3).
func (s *Store) ResetStalledJobs(ctx context.Context, maxAge time.Duration) ([]*models.Job, error) {
	cutoff := currentTime().Add(-maxAge)
	cur, err := s.jobs.Find(ctx, bson.M{
		"status":     models.JobStatusProcessing,
		"started_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return nil, s.wrapErr("ResetStalledJobs.find", err)
	}
	var stalled []*models.Job
	for cur.Next(ctx) {
		var job models.Job
		if err := cur.Decode(&job); err != nil {
			cur.Close(ctx)
			return nil, s.wrapErr("ResetStalledJobs.decode", err)
		}
		stalled = append(stalled, &job)
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return nil, s.wrapErr("ResetStalledJobs.cursor", err)
	}

	now := currentTime()
	var reset []*models.Job
	for _, job := range stalled {
		jobErr := &models.JobError{
			Code:    models.ErrCodeStalled,
			Message: "job exceeded stall timeout while processing",
		}
		ok, err := s.UpdateJobStatus(ctx, job.JobID, models.JobStatusProcessing, models.JobStatusFailed,
			repository.StatusUpdate{CompletedAt: &now, Error: jobErr})
		if err != nil {
			return reset, fmt.Errorf("reset stalled job %s: %w", job.JobID, err)
		}
		if !ok {
			continue
		}
		job.Status = models.JobStatusFailed
		job.CompletedAt = &now
		job.Error = jobErr
		reset = append(reset, job)
	}
	return reset, nil
}
