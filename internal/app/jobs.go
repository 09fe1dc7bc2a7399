/**
 * @description
 * Scheduled job implementations for the ledger-service. Each job wraps one
 * batch operation of the Service and guards itself with an in-flight flag so
 * overlapping cron fires skip instead of stacking.
 */
package app

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service *Service
	logger  *slog.Logger
	limit   int

	runDueInFlight       atomic.Bool
	allocateInFlight     atomic.Bool
	reconcileInFlight    atomic.Bool
	withdrawInFlight     atomic.Bool
	redeemInFlight       atomic.Bool
	markInFlight         atomic.Bool
	watchdogInFlight     atomic.Bool
}

// NewJobs creates a new Jobs runner. limit bounds each batch pass.
func NewJobs(service *Service, logger *slog.Logger, limit int) *Jobs {
	return &Jobs{
		service: service,
		logger:  logger,
		limit:   limit,
	}
}

// RunDueChallenges materializes due challenge events.
func (j *Jobs) RunDueChallenges() {
	if !j.runDueInFlight.CompareAndSwap(false, true) {
		j.logger.Info("run-due job already in flight; skipping")
		return
	}
	defer j.runDueInFlight.Store(false)

	j.logger.Info("starting run-due job")
	result, err := j.service.RunDueChallenges(context.Background(), j.limit)
	if err != nil {
		j.logger.Error("run-due job failed", "error", err)
		return
	}
	j.logger.Info("run-due job finished",
		"challenges", result.ChallengesSeen,
		"events_created", result.EventsCreated,
		"committed", result.Committed,
		"completed", result.Completed,
		"failed", result.Failed,
	)
}

// AllocateDeposits stages settled deposits into the vault pipeline.
func (j *Jobs) AllocateDeposits() {
	if !j.allocateInFlight.CompareAndSwap(false, true) {
		j.logger.Info("vault allocate job already in flight; skipping")
		return
	}
	defer j.allocateInFlight.Store(false)

	j.logger.Info("starting vault allocate job")
	result, err := j.service.AllocateDeposits(context.Background(), j.limit)
	if err != nil {
		j.logger.Error("vault allocate job failed", "error", err)
		return
	}
	j.logger.Info("vault allocate job finished", "processed", result.Processed)
}

// ReconcileActions resolves submitted vault actions against receipts.
func (j *Jobs) ReconcileActions() {
	if !j.reconcileInFlight.CompareAndSwap(false, true) {
		j.logger.Info("vault reconcile job already in flight; skipping")
		return
	}
	defer j.reconcileInFlight.Store(false)

	j.logger.Info("starting vault reconcile job")
	result, err := j.service.ReconcileActions(context.Background(), j.limit)
	if err != nil {
		j.logger.Error("vault reconcile job failed", "error", err)
		return
	}
	j.logger.Info("vault reconcile job finished", "processed", result.Processed)
}

// RequestWithdrawals stages settled withdrawals into the vault pipeline.
func (j *Jobs) RequestWithdrawals() {
	if !j.withdrawInFlight.CompareAndSwap(false, true) {
		j.logger.Info("withdraw-request job already in flight; skipping")
		return
	}
	defer j.withdrawInFlight.Store(false)

	j.logger.Info("starting withdraw-request job")
	result, err := j.service.RequestWithdrawals(context.Background(), j.limit)
	if err != nil {
		j.logger.Error("withdraw-request job failed", "error", err)
		return
	}
	j.logger.Info("withdraw-request job finished", "processed", result.Processed)
}

// RedeemWithdrawals redeems confirmed withdraw requests.
func (j *Jobs) RedeemWithdrawals() {
	if !j.redeemInFlight.CompareAndSwap(false, true) {
		j.logger.Info("redeem job already in flight; skipping")
		return
	}
	defer j.redeemInFlight.Store(false)

	j.logger.Info("starting redeem job")
	result, err := j.service.RedeemWithdrawals(context.Background(), j.limit)
	if err != nil {
		j.logger.Error("redeem job failed", "error", err)
		return
	}
	j.logger.Info("redeem job finished", "processed", result.Processed)
}

// MarkToMarket refreshes position valuations.
func (j *Jobs) MarkToMarket() {
	if !j.markInFlight.CompareAndSwap(false, true) {
		j.logger.Info("mark-to-market job already in flight; skipping")
		return
	}
	defer j.markInFlight.Store(false)

	j.logger.Info("starting mark-to-market job")
	result, err := j.service.MarkToMarket(context.Background(), j.limit)
	if err != nil {
		j.logger.Error("mark-to-market job failed", "error", err)
		return
	}
	j.logger.Info("mark-to-market job finished", "processed", result.Processed)
}

// Watchdog sweeps stuck submitted actions.
func (j *Jobs) Watchdog() {
	if !j.watchdogInFlight.CompareAndSwap(false, true) {
		j.logger.Info("watchdog job already in flight; skipping")
		return
	}
	defer j.watchdogInFlight.Store(false)

	j.logger.Info("starting watchdog job")
	result, err := j.service.Watchdog(context.Background(), j.limit)
	if err != nil {
		j.logger.Error("watchdog job failed", "error", err)
		return
	}
	j.logger.Info("watchdog job finished", "processed", result.Processed)
}
