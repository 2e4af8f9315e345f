package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jobqueue/repository"
)

// Scheduler runs a stall-reset sweep on a cron schedule, independent of
// the worker manager's own per-tick stall check — a belt-and-suspenders
// pass in case the manager itself is down or its StallCheckEvery cadence
// is set very long (spec §4.3/§4.4).
type Scheduler struct {
	repo   repository.Repository
	cron   *cron.Cron
	logger arbor.ILogger

	stallTimeout time.Duration
}

// NewScheduler builds a Scheduler. stallTimeout is the same threshold the
// worker manager uses for its own stall-reset pass.
func NewScheduler(repo repository.Repository, logger arbor.ILogger, stallTimeout time.Duration) *Scheduler {
	return &Scheduler{
		repo:         repo,
		cron:         cron.New(cron.WithSeconds()),
		logger:       logger,
		stallTimeout: stallTimeout,
	}
}

// Start schedules the sweep and begins running it. An empty schedule
// falls back to every 15 minutes.
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		schedule = "0 */15 * * * *"
	}

	if _, err := s.cron.AddFunc(schedule, s.runSweep); err != nil {
		return err
	}

	s.cron.Start()
	if s.logger != nil {
		s.logger.Info().Str("schedule", schedule).Msg("admin maintenance sweep scheduled")
	}
	return nil
}

// Stop halts the scheduler, waiting for any in-progress sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	if s.logger != nil {
		s.logger.Info().Msg("admin maintenance sweep scheduler stopped")
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	reset, err := s.repo.ResetStalledJobs(ctx, s.stallTimeout)
	if err != nil {
		if s.logger != nil {
			s.logger.Error().Err(err).Msg("admin sweep: reset stalled jobs failed")
		}
		return
	}
	if s.logger != nil && len(reset) > 0 {
		s.logger.Warn().Int("count", len(reset)).Msg("admin sweep: reset stalled jobs")
	}
}
