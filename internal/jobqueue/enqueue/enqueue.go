// -----------------------------------------------------------------------
// Enqueue API Contract - validated job/batch creation (spec §4.6)
// -----------------------------------------------------------------------

package enqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	jobqueue "github.com/ternarybob/quaero/internal/jobqueue"
	"github.com/ternarybob/quaero/internal/jobqueue/models"
	"github.com/ternarybob/quaero/internal/jobqueue/repository"
)

// API is the validated entry point jobs and batches are created through.
// It never bypasses validation even when called from trusted internal
// code, so a malformed enqueue can never reach the repository.
type API struct {
	repo repository.Repository
}

// New builds an enqueue API over repo. Unknown job_type values are
// accepted here and only surface as a dispatch-time UNKNOWN_JOB_TYPE
// failure (spec §4.6) — this lets operators register new handlers
// without racing against in-flight enqueues.
func New(repo repository.Repository) *API {
	return &API{repo: repo}
}

// JobRequest is the caller-facing shape of a single job to enqueue.
type JobRequest struct {
	JobType    string
	JobName    string
	Parameters models.Parameters
	Webhook    *models.Webhook
	UserID     string
}

// BatchRequest is the caller-facing shape of a batch to enqueue.
type BatchRequest struct {
	BatchName string
	Webhook   *models.Webhook
	UserID    string
	Jobs      []JobRequest
}

// EnqueueJob validates req and creates a standalone pending job.
func (a *API) EnqueueJob(ctx context.Context, req JobRequest) (string, error) {
	if err := a.validate(req); err != nil {
		return "", err
	}
	return a.repo.CreateJob(ctx, repository.JobSpec{
		JobType:    req.JobType,
		JobName:    req.JobName,
		Parameters: req.Parameters,
		Webhook:    req.Webhook,
		UserID:     req.UserID,
	})
}

// EnqueueBatch validates every job in req, then creates the batch plus its
// jobs (spec §4.1/§4.6). Validation runs before anything is written, so an
// invalid job creates nothing; a store failure part-way through is not
// rolled back and is reported as a *jobqueue.BatchCreateError listing the
// jobs already created.
func (a *API) EnqueueBatch(ctx context.Context, req BatchRequest) (string, []string, error) {
	if len(req.Jobs) == 0 {
		return "", nil, &jobqueue.ValidationError{Field: "jobs", Message: "batch must contain at least one job"}
	}
	for i, job := range req.Jobs {
		if err := a.validate(job); err != nil {
			return "", nil, fmt.Errorf("job[%d]: %w", i, err)
		}
	}

	jobSpecs := make([]repository.JobSpec, len(req.Jobs))
	for i, job := range req.Jobs {
		jobSpecs[i] = repository.JobSpec{
			JobType:    job.JobType,
			JobName:    job.JobName,
			Parameters: job.Parameters,
			Webhook:    job.Webhook,
			UserID:     job.UserID,
		}
	}

	return a.repo.CreateBatch(ctx, repository.BatchSpec{
		BatchName: req.BatchName,
		Webhook:   req.Webhook,
		UserID:    req.UserID,
	}, jobSpecs)
}

func (a *API) validate(req JobRequest) error {
	if strings.TrimSpace(req.JobType) == "" {
		return &jobqueue.ValidationError{Field: "job_type", Message: "required"}
	}
	if err := validateWebhook(req.Webhook); err != nil {
		return err
	}
	if err := validateRoundTrip(req.Parameters); err != nil {
		return err
	}
	return nil
}

// validateWebhook enforces spec §4.5's requirement that callback URLs be
// HTTPS, so a plaintext endpoint can never receive a job's results.
func validateWebhook(wh *models.Webhook) error {
	if wh == nil || wh.URL == "" {
		return nil
	}
	parsed, err := url.Parse(wh.URL)
	if err != nil {
		return &jobqueue.ValidationError{Field: "webhook.url", Message: "not a valid URL"}
	}
	if parsed.Scheme != "https" {
		return &jobqueue.ValidationError{Field: "webhook.url", Message: "must use https"}
	}
	return nil
}

// validateRoundTrip rejects parameters that fail to marshal to JSON or to
// unmarshal back, catching malformed Extra payloads before they are
// persisted (spec §3.2's round-trip invariant). The decoded value is not
// compared with the original.
func validateRoundTrip(p models.Parameters) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return &jobqueue.ValidationError{Field: "parameters", Message: "not JSON-serializable: " + err.Error()}
	}
	var roundTripped models.Parameters
	if err := json.Unmarshal(raw, &roundTripped); err != nil {
		return &jobqueue.ValidationError{Field: "parameters", Message: "failed round-trip decode: " + err.Error()}
	}
	return nil
}
