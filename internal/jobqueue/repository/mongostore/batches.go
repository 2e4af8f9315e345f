package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	jobqueue "github.com/ternarybob/quaero/internal/jobqueue"
	"github.com/ternarybob/quaero/internal/jobqueue/models"
	"github.com/ternarybob/quaero/internal/jobqueue/repository"
)

// CreateBatch inserts the batch document and every one of its jobs.
// Jobs created before a mid-batch failure are reported back on
// BatchCreateError so the caller can clean them up (spec §4.1).
func (s *Store) CreateBatch(ctx context.Context, spec repository.BatchSpec, jobSpecs []repository.JobSpec) (string, []string, error) {
	if len(jobSpecs) == 0 {
		return "", nil, &jobqueue.ValidationError{Field: "jobs", Message: "batch must contain at least one job"}
	}

	now := currentTime()
	batch := &models.Batch{
		BatchID:     newBatchID(),
		BatchName:   spec.BatchName,
		TotalJobs:   len(jobSpecs),
		PendingJobs: len(jobSpecs),
		Status:      models.BatchStatusPending,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Webhook:     spec.Webhook,
	}
	if _, err := s.batches.InsertOne(ctx, batch); err != nil {
		return "", nil, s.wrapErr("CreateBatch.insertBatch", err)
	}

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

// GetBatch returns the batch document for batchID.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	var batch models.Batch
	err := s.batches.FindOne(ctx, bson.M{"batch_id": batchID}).Decode(&batch)
	if err == mongo.ErrNoDocuments {
		return nil, &jobqueue.NotFoundError{Kind: "batch", ID: batchID}
	}
	if err != nil {
		return nil, s.wrapErr("GetBatch", err)
	}
	return &batch, nil
}

// ListBatches returns batches matching filter, newest first.
func (s *Store) ListBatches(ctx context.Context, filter repository.BatchFilter) ([]*models.Batch, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.IsActive != nil {
		query["is_active"] = *filter.IsActive
	}
	if !filter.IncludeArchived {
		query["archived"] = false
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Skip > 0 {
		opts.SetSkip(int64(filter.Skip))
	}

	cur, err := s.batches.Find(ctx, query, opts)
	if err != nil {
		return nil, s.wrapErr("ListBatches", err)
	}
	defer cur.Close(ctx)

	var batches []*models.Batch
	for cur.Next(ctx) {
		var batch models.Batch
		if err := cur.Decode(&batch); err != nil {
			return nil, s.wrapErr("ListBatches", err)
		}
		batches = append(batches, &batch)
	}
	return batches, cur.Err()
}

// ArchiveBatch marks a terminal batch as archived so it drops out of
// default listings without being deleted (spec §6.4).
func (s *Store) ArchiveBatch(ctx context.Context, batchID string) error {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !batch.IsTerminal() {
		return &jobqueue.ValidationError{Field: "batch_id", Message: "cannot archive a batch with jobs still in flight"}
	}
	_, err = s.batches.UpdateOne(ctx,
		bson.M{"batch_id": batchID},
		bson.M{"$set": bson.M{"archived": true, "updated_at": currentTime()}},
	)
	return s.wrapErr("ArchiveBatch", err)
}

// ToggleActive flips is_active, which governs whether ClaimPending will
// dispatch the batch's pending jobs (spec §4.1/§6.4). Returns the new value.
func (s *Store) ToggleActive(ctx context.Context, batchID string) (bool, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	newActive := !batch.IsActive
	_, err = s.batches.UpdateOne(ctx,
		bson.M{"batch_id": batchID},
		bson.M{"$set": bson.M{"is_active": newActive, "updated_at": currentTime()}},
	)
	if err != nil {
		return false, s.wrapErr("ToggleActive", err)
	}
	return newActive, nil
}

// FailAllActiveBatches force-fails every pending/processing job in every
// active batch, used by administrative maintenance sweeps (spec §6.4).
func (s *Store) FailAllActiveBatches(ctx context.Context) (int, error) {
	cur, err := s.batches.Find(ctx, bson.M{"is_active": true, "archived": false})
	if err != nil {
		return 0, s.wrapErr("FailAllActiveBatches.find", err)
	}
	var batchIDs []string
	for cur.Next(ctx) {
		var batch models.Batch
		if err := cur.Decode(&batch); err != nil {
			cur.Close(ctx)
			return 0, s.wrapErr("FailAllActiveBatches.decode", err)
		}
		batchIDs = append(batchIDs, batch.BatchID)
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return 0, s.wrapErr("FailAllActiveBatches.cursor", err)
	}

	now := currentTime()
	failed := 0
	for _, batchID := range batchIDs {
		jobCur, err := s.jobs.Find(ctx, bson.M{
			"batch_id": batchID,
			"status":   bson.M{"$in": bson.A{models.JobStatusPending, models.JobStatusProcessing}},
		})
		if err != nil {
			return failed, s.wrapErr("FailAllActiveBatches.findJobs", err)
		}
		var jobs []*models.Job
		for jobCur.Next(ctx) {
			var job models.Job
			if err := jobCur.Decode(&job); err != nil {
				jobCur.Close(ctx)
				return failed, s.wrapErr("FailAllActiveBatches.decodeJob", err)
			}
			jobs = append(jobs, &job)
		}
		jobCur.Close(ctx)

		for _, job := range jobs {
			ok, err := s.UpdateJobStatus(ctx, job.JobID, job.Status, models.JobStatusFailed, repository.StatusUpdate{
				CompletedAt: &now,
				Error:       &models.JobError{Code: models.ErrCodeInternal, Message: "batch force-failed by administrative sweep"},
			})
			if err != nil {
				return failed, fmt.Errorf("fail job %s in batch %s: %w", job.JobID, batchID, err)
			}
			if ok {
				failed++
			}
		}
	}
	return failed, nil
}

// DeleteBatch removes a terminal batch document. It does not cascade to
// the batch's jobs; callers delete those individually if desired.
func (s *Store) DeleteBatch(ctx context.Context, batchID string) error {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !batch.IsTerminal() {
		return &jobqueue.ValidationError{Field: "batch_id", Message: "cannot delete a batch with jobs still in flight"}
	}
	_, err = s.batches.DeleteOne(ctx, bson.M{"batch_id": batchID})
	return s.wrapErr("DeleteBatch", err)
}

// RecomputeBatch recounts batchID's job statuses, persists the derived
// counters, and — the first time the recount lands on a terminal status —
// dispatches the batch's webhook exactly once (spec §9.2 resolution).
func (s *Store) RecomputeBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	counts := map[models.JobStatus]int{}
	cur, err := s.jobs.Find(ctx, bson.M{"batch_id": batchID}, options.Find().SetProjection(bson.M{"status": 1}))
	if err != nil {
		return nil, s.wrapErr("RecomputeBatch.find", err)
	}
	for cur.Next(ctx) {
		var doc struct {
			Status models.JobStatus `bson:"status"`
		}
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return nil, s.wrapErr("RecomputeBatch.decode", err)
		}
		counts[doc.Status]++
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return nil, s.wrapErr("RecomputeBatch.cursor", err)
	}

	wasTerminal := batch.IsTerminal()
	batch.Recompute(counts[models.JobStatusPending], counts[models.JobStatusProcessing], counts[models.JobStatusCompleted], counts[models.JobStatusFailed])
	batch.UpdatedAt = currentTime()

	set := bson.M{
		"pending_jobs":    batch.PendingJobs,
		"processing_jobs": batch.ProcessingJobs,
		"completed_jobs":  batch.CompletedJobs,
		"failed_jobs":     batch.FailedJobs,
		"status":          batch.Status,
		"updated_at":      batch.UpdatedAt,
	}

	justWentTerminal := !wasTerminal && batch.IsTerminal()
	if justWentTerminal && batch.Webhook != nil && !batch.WebhookSent {
		set["webhook_sent"] = true
		batch.WebhookSent = true
	}

	if _, err := s.batches.UpdateOne(ctx, bson.M{"batch_id": batchID}, bson.M{"$set": set}); err != nil {
		return nil, s.wrapErr("RecomputeBatch.update", err)
	}

	if justWentTerminal && batch.Webhook != nil && s.dispatch != nil {
		s.dispatch(ctx, batch)
	}

	return batch, nil
}
