/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/stashly/ledger-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

func (s *Scheduler) schedule(name, spec string, fn func()) {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.schedule("run_due", s.config.RunDueSchedule, s.jobs.RunDueChallenges)
	s.schedule("vault_allocate", s.config.VaultAllocateSchedule, s.jobs.AllocateDeposits)
	s.schedule("vault_reconcile", s.config.VaultReconcileSchedule, s.jobs.ReconcileActions)
	s.schedule("withdraw_request", s.config.WithdrawRequestSchedule, s.jobs.RequestWithdrawals)
	s.schedule("redeem", s.config.RedeemSchedule, s.jobs.RedeemWithdrawals)
	s.schedule("mark_to_market", s.config.MarkToMarketSchedule, s.jobs.MarkToMarket)
	s.schedule("watchdog", s.config.WatchdogSchedule, s.jobs.Watchdog)

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
