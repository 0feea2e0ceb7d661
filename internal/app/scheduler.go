/**
 * @description
 * Cron scheduler setup for the settlement, payout retry, auto payout, and
 * reconciliation jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig carries the cron expressions for the scheduled jobs.
type SchedulerConfig struct {
	SettlementSchedule     string
	PayoutRetrySchedule    string
	AutoPayoutSchedule     string
	ReconciliationSchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.SettlementSchedule, s.jobs.RunMonthlySettlement); err != nil {
		s.logger.Error("failed to schedule settlement job", "error", err)
	} else {
		s.logger.Info("scheduled settlement job", "schedule", s.config.SettlementSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.PayoutRetrySchedule, s.jobs.ProcessDuePayoutRetries); err != nil {
		s.logger.Error("failed to schedule payout retry sweep", "error", err)
	} else {
		s.logger.Info("scheduled payout retry sweep", "schedule", s.config.PayoutRetrySchedule)
	}

	if _, err := s.cron.AddFunc(s.config.AutoPayoutSchedule, s.jobs.RunAutoPayouts); err != nil {
		s.logger.Error("failed to schedule auto payout job", "error", err)
	} else {
		s.logger.Info("scheduled auto payout job", "schedule", s.config.AutoPayoutSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.ReconciliationSchedule, s.jobs.RunReconciliationAudit); err != nil {
		s.logger.Error("failed to schedule reconciliation audit", "error", err)
	} else {
		s.logger.Info("scheduled reconciliation audit", "schedule", s.config.ReconciliationSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
