package scheduler

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/services/orchestrator"
)

// Service triggers periodic runs on a cron schedule. A tick that lands while
// a run is still active is skipped, never queued.
type Service struct {
	config common.SchedulerConfig
	orch   *orchestrator.Orchestrator
	logger arbor.ILogger
	cron   *cron.Cron
}

// NewService creates a scheduler. Nothing runs until Start.
func NewService(config common.SchedulerConfig, orch *orchestrator.Orchestrator, logger arbor.ILogger) *Service {
	return &Service{
		config: config,
		orch:   orch,
		logger: logger,
	}
}

// Start registers the schedule and starts the cron loop. A disabled
// scheduler is a no-op.
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Scheduler disabled")
		return nil
	}

	s.cron = cron.New(cron.WithSeconds())
	if _, err := s.cron.AddFunc(s.config.Schedule, s.runOnce); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", s.config.Schedule).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop without interrupting an in-flight run.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Service) runOnce() {
	report, err := s.orch.Run(context.Background())
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunInProgress) {
			s.logger.Warn().Msg("Scheduled run skipped, previous run still active")
			return
		}
		s.logger.Error().Err(err).Msg("Scheduled run failed")
		return
	}

	s.logger.Info().
		Str("session_id", report.SessionID).
		Int("completed", report.Completed).
		Int("failed", report.Failed.Total).
		Msg("Scheduled run finished")
}
