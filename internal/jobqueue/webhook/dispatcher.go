// -----------------------------------------------------------------------
// Webhook Dispatcher - fire-and-log callback delivery (spec §4.5)
// -----------------------------------------------------------------------

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/quaero/internal/jobqueue/models"
)

// DefaultTimeout bounds a single delivery attempt (spec §4.5).
const DefaultTimeout = 30 * time.Second

// DefaultRateLimit caps outbound callbacks per second per Dispatcher, so
// a burst of completing jobs cannot hammer a single downstream receiver.
const DefaultRateLimit = 10

// LogAppender persists a job's delivery-outcome log entry (spec §4.1
// append_log, §4.5's "append a log entry" requirement on failed
// delivery). Batches have no logs field, so only job dispatch uses this.
type LogAppender interface {
	AppendLog(ctx context.Context, jobID string, entry models.LogEntry) error
}

// processInfo is the "process" block of the canonical payload (spec §4.5).
type processInfo struct {
	ID            string     `json:"id"`
	MainProcessor string     `json:"main_processor"`
	Started       *time.Time `json:"started,omitempty"`
	Completed     *time.Time `json:"completed,omitempty"`
}

// callbackPayload is the canonical body posted on a job's terminal
// transition (spec §4.5). The same shape serves both the success and
// error payloads documented there: on success Data is set and Error is
// the literal JSON null; on failure the reverse.
type callbackPayload struct {
	Status  string             `json:"status"`
	Worker  string             `json:"worker"`
	JobID   string             `json:"jobId"`
	Process processInfo        `json:"process"`
	Data    *models.JobResults `json:"data"`
	Error   *models.JobError   `json:"error"`
	Token   string             `json:"token,omitempty"`
}

// Dispatcher posts terminal-state callbacks. Delivery never affects job
// or batch state: failures are logged, not retried, not surfaced upward.
type Dispatcher struct {
	httpClient  *http.Client
	logger      arbor.ILogger
	limiter     *rate.Limiter
	workerID    string
	logAppender LogAppender
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default timeout-bound client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = client }
}

// WithRateLimit overrides the default outbound rate limit.
func WithRateLimit(requestsPerSecond int) Option {
	return func(d *Dispatcher) {
		d.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithWorkerID sets the identity reported in every payload's "worker"
// field. Defaults to the process hostname.
func WithWorkerID(id string) Option {
	return func(d *Dispatcher) { d.workerID = id }
}

// WithLogAppender wires a sink for job delivery-outcome log entries.
func WithLogAppender(la LogAppender) Option {
	return func(d *Dispatcher) { d.logAppender = la }
}

// SetLogAppender wires a sink for job delivery-outcome log entries after
// construction. Needed because the store that implements LogAppender is
// itself constructed with a reference to this Dispatcher's DispatchBatch
// method (spec §4.5's batch webhook), so the two can't be fully wired in
// either construction order without a post-construction setter.
func (d *Dispatcher) SetLogAppender(la LogAppender) {
	d.logAppender = la
}

// New builds a Dispatcher.
func New(logger arbor.ILogger, opts ...Option) *Dispatcher {
	workerID := "jobqueue-worker"
	if host, err := os.Hostname(); err == nil && host != "" {
		workerID = host
	}

	d := &Dispatcher{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		workerID:   workerID,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchJob posts job's terminal-state callback to job.Webhook, if set,
// using the canonical payload shape from spec §4.5.
func (d *Dispatcher) DispatchJob(ctx context.Context, job *models.Job) {
	if job.Webhook == nil || job.Webhook.URL == "" {
		return
	}

	jobID := job.Webhook.JobIDEcho
	if jobID == "" {
		jobID = job.JobID
	}

	started := job.StartedAt
	if started == nil {
		started = &job.CreatedAt
	}

	body := callbackPayload{
		Worker: d.workerID,
		JobID:  jobID,
		Process: processInfo{
			ID:            job.JobID,
			MainProcessor: job.JobType,
			Started:       started,
		},
		Token: job.Webhook.Token,
	}

	if job.Status == models.JobStatusCompleted {
		body.Status = "completed"
		body.Process.Completed = job.CompletedAt
		body.Data = job.Results
	} else {
		body.Status = "error"
		body.Error = job.Error
	}

	if err := d.post(ctx, job.Webhook.URL, job.Webhook.Token, job.JobID, body); err != nil {
		d.appendDeliveryLog(ctx, job.JobID, err)
	}
}

// DispatchBatch posts a batch's terminal-state callback to batch.Webhook.
// Batches carry no logs field (spec §3.1), so delivery outcome here is
// only ever process-logged, not persisted onto the batch document.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batch *models.Batch) {
	if batch.Webhook == nil || batch.Webhook.URL == "" {
		return
	}

	payload := map[string]interface{}{
		"batch_id":       batch.BatchID,
		"status":         batch.Status,
		"total_jobs":     batch.TotalJobs,
		"completed_jobs": batch.CompletedJobs,
		"failed_jobs":    batch.FailedJobs,
		"job_id_echo":    batch.Webhook.JobIDEcho,
	}

	_ = d.post(ctx, batch.Webhook.URL, batch.Webhook.Token, batch.BatchID, payload)
}

// appendDeliveryLog persists the delivery failure onto the job's own log
// so it's visible alongside the job's other history, not just in the
// worker process's stdout log.
func (d *Dispatcher) appendDeliveryLog(ctx context.Context, jobID string, deliveryErr error) {
	if d.logAppender == nil {
		return
	}
	entry := models.LogEntry{
		Timestamp: time.Now(),
		Level:     models.LogLevelWarn,
		Message:   fmt.Sprintf("webhook delivery failed: %v", deliveryErr),
	}
	if err := d.logAppender.AppendLog(ctx, jobID, entry); err != nil && d.logger != nil {
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to append webhook delivery log entry")
	}
}

// post sends payload to url and returns the reason delivery should be
// considered failed, or nil on a 2xx response.
func (d *Dispatcher) post(ctx context.Context, url, token, id string, payload interface{}) error {
	if err := d.limiter.Wait(ctx); err != nil {
		d.logf(id, "webhook rate limiter wait aborted", err)
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		d.logf(id, "failed to marshal webhook payload", err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		d.logf(id, "failed to build webhook request", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Callback-Token", token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("webhook delivery failed: %w", err)
		d.logf(id, "webhook delivery failed", err)
		return wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		deliveryErr := fmt.Errorf("webhook receiver returned status %d: %s", resp.StatusCode, excerpt)
		d.logf(id, "webhook receiver returned non-2xx", deliveryErr)
		return deliveryErr
	}

	if d.logger != nil {
		d.logger.Debug().Str("id", id).Str("url", url).Msg("webhook delivered")
	}
	return nil
}

func (d *Dispatcher) logf(id, msg string, err error) {
	if d.logger == nil {
		return
	}
	d.logger.Warn().Str("id", id).Err(err).Msg(msg)
}
