// -----------------------------------------------------------------------
// Worker Manager - single supervision loop dispatching onto N goroutines
// (spec §4.3)
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	jobqueue "github.com/ternarybob/quaero/internal/jobqueue"
	"github.com/ternarybob/quaero/internal/jobqueue/models"
	"github.com/ternarybob/quaero/internal/jobqueue/registry"
	"github.com/ternarybob/quaero/internal/jobqueue/repository"
)

// WebhookDispatcher fires a job's terminal webhook, if any. Delivery
// outcome never feeds back into job state (spec §4.5).
type WebhookDispatcher interface {
	DispatchJob(ctx context.Context, job *models.Job)
}

// StatsBroadcaster is an optional sink for live worker occupancy, wired
// by cmd/jobqueue-worker when a websocket transport is configured. The
// manager works identically with or without one.
type StatsBroadcaster interface {
	BroadcastStats(active, capacity int)
}

// Config controls the supervision loop's cadence and limits.
type Config struct {
	Active              bool
	MaxConcurrentWorkers int
	PollInterval        time.Duration
	StallTimeout        time.Duration
	StallCheckEvery      int
}

// Manager runs the single supervision loop described in spec §4.3: each
// tick it reaps finished workers, checks capacity, fetches and claims up
// to the remaining capacity of pending jobs, dispatches each onto its own
// goroutine, periodically resets stalled jobs, then sleeps.
type Manager struct {
	repo     repository.Repository
	registry *registry.Registry
	webhook  WebhookDispatcher
	stats    StatsBroadcaster
	logger   arbor.ILogger
	cfg      Config

	mu       sync.Mutex
	inFlight map[string]struct{}

	iteration int

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Manager. webhook and stats may be nil.
func New(repo repository.Repository, reg *registry.Registry, webhook WebhookDispatcher, stats StatsBroadcaster, logger arbor.ILogger, cfg Config) *Manager {
	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 10 * time.Minute
	}
	if cfg.StallCheckEvery <= 0 {
		cfg.StallCheckEvery = 30
	}
	return &Manager{
		repo:     repo,
		registry: reg,
		webhook:  webhook,
		stats:    stats,
		logger:   logger,
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
	}
}

// Start launches the supervision loop in a background goroutine. It
// returns immediately; call Stop for a graceful shutdown.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.Active {
		if m.logger != nil {
			m.logger.Info().Msg("worker manager disabled by configuration")
		}
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.superviseLoop(ctx)
}

// Stop cancels the supervision loop and waits for in-flight workers to
// finish their current job before returning (spec §4.3 graceful shutdown).
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.wg.Wait()
}

func (m *Manager) superviseLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.logger != nil {
				m.logger.Info().Msg("worker manager supervision loop stopping")
			}
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.iteration++

	capacity := m.availableCapacity()
	if m.stats != nil {
		m.stats.BroadcastStats(m.cfg.MaxConcurrentWorkers-capacity, m.cfg.MaxConcurrentWorkers)
	}
	if capacity <= 0 {
		return
	}

	claimed, err := m.repo.ClaimPending(ctx, capacity)
	if err != nil {
		if m.logger != nil {
			m.logger.Error().Err(err).Msg("claim pending jobs failed")
		}
		return
	}
	for _, job := range claimed {
		m.dispatch(ctx, job)
	}

	if m.iteration%m.cfg.StallCheckEvery == 0 {
		m.resetStalled(ctx)
	}
}

func (m *Manager) availableCapacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxConcurrentWorkers - len(m.inFlight)
}

func (m *Manager) dispatch(ctx context.Context, job *models.Job) {
	m.mu.Lock()
	m.inFlight[job.JobID] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	common.SafeGo(m.logger, "worker.runJob", func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inFlight, job.JobID)
			m.mu.Unlock()
		}()
		m.runJob(ctx, job)
	})
}

// runJob executes one job to completion, translating every failure mode
// (unknown type, handler panic, handler contract violation) into exactly
// one terminal transition, then fires the webhook if configured.
func (m *Manager) runJob(ctx context.Context, job *models.Job) {
	handler := m.registry.Lookup(job.JobType)
	if handler == nil {
		m.fail(ctx, job, models.ErrCodeUnknownJobType, fmt.Sprintf("no handler registered for job_type %q", job.JobType))
		return
	}

	results, err := m.invokeHandler(ctx, handler, job)
	if err != nil {
		code := models.ErrCodeHandlerException
		var ve *jobqueue.ValidationError
		if errors.As(err, &ve) {
			code = models.ErrCodeValidationError
		}
		m.fail(ctx, job, code, err.Error())
		return
	}
	if results == nil {
		// Handler returned success with no results: a contract violation
		// rather than a handler-thrown error (spec §4.3/§7).
		m.fail(ctx, job, models.ErrCodeHandlerContract, "handler returned no results and no error")
		return
	}

	now := time.Now()
	ok, err := m.repo.UpdateJobStatus(ctx, job.JobID, models.JobStatusProcessing, models.JobStatusCompleted, repository.StatusUpdate{
		CompletedAt: &now,
		Results:     results,
	})
	if err != nil {
		if m.logger != nil {
			m.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to persist job completion")
		}
		return
	}
	if !ok {
		return
	}

	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	job.Results = results
	m.notifyWebhook(ctx, job)
}

func (m *Manager) invokeHandler(ctx context.Context, handler registry.Handler, job *models.Job) (results *models.JobResults, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, job)
}

func (m *Manager) fail(ctx context.Context, job *models.Job, code, message string) {
	now := time.Now()
	ok, err := m.repo.UpdateJobStatus(ctx, job.JobID, job.Status, models.JobStatusFailed, repository.StatusUpdate{
		CompletedAt: &now,
		Error:       &models.JobError{Code: code, Message: message},
	})
	if err != nil {
		if m.logger != nil {
			m.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to persist job failure")
		}
		return
	}
	if !ok {
		return
	}
	job.Status = models.JobStatusFailed
	job.CompletedAt = &now
	job.Error = &models.JobError{Code: code, Message: message}
	m.appendLog(ctx, job.JobID, models.LogLevelError, fmt.Sprintf("%s: %s", code, message))
	m.notifyWebhook(ctx, job)
}

// appendLog persists a log entry onto the job document so failure and
// stall history survive alongside the job, not just in the worker
// process's own stdout log (spec §4.3/§7).
func (m *Manager) appendLog(ctx context.Context, jobID string, level models.LogLevel, message string) {
	if err := m.repo.AppendLog(ctx, jobID, models.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}); err != nil && m.logger != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to append job log entry")
	}
}

func (m *Manager) notifyWebhook(ctx context.Context, job *models.Job) {
	if m.webhook == nil || job.Webhook == nil {
		return
	}
	m.webhook.DispatchJob(ctx, job)
}

func (m *Manager) resetStalled(ctx context.Context) {
	reset, err := m.repo.ResetStalledJobs(ctx, m.cfg.StallTimeout)
	if err != nil {
		if m.logger != nil {
			m.logger.Error().Err(err).Msg("reset stalled jobs failed")
		}
		return
	}
	for _, job := range reset {
		if m.logger != nil {
			m.logger.Warn().Str("job_id", job.JobID).Msg("job reset from stalled processing state")
		}
		m.appendLog(ctx, job.JobID, models.LogLevelWarn, "job reset from stalled processing state")
		m.notifyWebhook(ctx, job)
	}
}
