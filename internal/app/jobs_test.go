package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stashly/ledger-service/internal/domain"
)

func newTestJobs(svc *Service) *Jobs {
	return NewJobs(svc, slog.New(slog.NewTextHandler(io.Discard, nil)), 100)
}

func TestJobsRunDueChallenges(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-04-02").Add(3*time.Hour))
	ch := &domain.UserChallenge{
		Kind:      domain.ChallengeKindDailyFixed,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-04-01"),
		Rules:     domain.ChallengeRules{DailyFixed: &domain.DailyFixedRules{Amount: 100}},
	}
	seedChallenge(repo, ch)
	jobs := newTestJobs(svc)

	jobs.RunDueChallenges()

	pending, _ := repo.ListUncommittedEvents(context.Background(), ch.UserID, 10)
	if len(pending) != 2 {
		t.Errorf("pending events after job = %d, want 2", len(pending))
	}
	if jobs.runDueInFlight.Load() {
		t.Error("in-flight flag not released after the run")
	}
}

func TestJobsSkipWhileInFlight(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-04-02"))
	ch := &domain.UserChallenge{
		Kind:      domain.ChallengeKindDailyFixed,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-04-01"),
		Rules:     domain.ChallengeRules{DailyFixed: &domain.DailyFixedRules{Amount: 100}},
	}
	seedChallenge(repo, ch)
	jobs := newTestJobs(svc)

	// A previous fire is still running.
	jobs.runDueInFlight.Store(true)
	jobs.RunDueChallenges()

	pending, _ := repo.ListUncommittedEvents(context.Background(), ch.UserID, 10)
	if len(pending) != 0 {
		t.Errorf("skipped fire still produced %d events", len(pending))
	}
	if !jobs.runDueInFlight.Load() {
		t.Error("skipped fire cleared the other run's flag")
	}
}

func TestJobsVaultStagesRun(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-08-01"))
	intent := seedSettledIntent(repo, domain.IntentKindDeposit, uuid.New(), 100)
	jobs := newTestJobs(svc)

	jobs.AllocateDeposits()

	action, err := repo.FindVaultActionByIntent(context.Background(), domain.VaultActionDeposit, intent.ID)
	if err != nil {
		t.Fatalf("no action claimed by the job: %v", err)
	}
	if action.Status != domain.VaultStatusSubmitted {
		t.Errorf("action status = %q, want submitted", action.Status)
	}

	jobs.Watchdog()
	jobs.MarkToMarket()
	jobs.ReconcileActions()
	if jobs.reconcileInFlight.Load() || jobs.watchdogInFlight.Load() || jobs.markInFlight.Load() {
		t.Error("a vault job left its in-flight flag set")
	}
}
