package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stashly/ledger-service/internal/domain"
)

func newPoolChallenge(poolSize int, unit int64) *domain.UserChallenge {
	return &domain.UserChallenge{
		Kind:      domain.ChallengeKindPoolDraw,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-01-01"),
		Rules:     domain.ChallengeRules{PoolDraw: &domain.PoolDrawRules{PoolSize: poolSize, UnitAmount: unit}},
	}
}

func TestDrawRemovesValueFromPool(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-06-01"))
	ch := newPoolChallenge(5, 10)
	seedChallenge(repo, ch)

	svc.intn = func(n int) int { return 2 } // third remaining value

	result, err := svc.Draw(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if result.DrawnValue != 3 {
		t.Errorf("drawn value = %d, want 3", result.DrawnValue)
	}
	if result.Amount != 30 {
		t.Errorf("amount = %d, want 30", result.Amount)
	}
	if result.Remaining != 4 {
		t.Errorf("remaining = %d, want 4", result.Remaining)
	}
	if result.Replayed {
		t.Error("first draw reported as replay")
	}

	state := repo.challenges[ch.ID].State
	if state.LastDrawDay != "2026-06-01" {
		t.Errorf("last draw day = %q, want 2026-06-01", state.LastDrawDay)
	}
	for _, v := range state.RemainingPool {
		if v == 3 {
			t.Error("drawn value still in the pool")
		}
	}
}

func TestDrawReplaysSameDay(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-06-01"))
	ch := newPoolChallenge(5, 10)
	seedChallenge(repo, ch)

	first, err := svc.Draw(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}

	// Same day, different randomness: the stored result comes back.
	svc.intn = func(n int) int { return n - 1 }
	second, err := svc.Draw(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("replay Draw: %v", err)
	}
	if !second.Replayed {
		t.Error("same-day draw not reported as replay")
	}
	if second.DrawnValue != first.DrawnValue || second.Amount != first.Amount {
		t.Errorf("replay returned %d/%d, want %d/%d", second.DrawnValue, second.Amount, first.DrawnValue, first.Amount)
	}
	if len(repo.challenges[ch.ID].State.DrawnValues) != 1 {
		t.Error("replay consumed a second pool value")
	}
}

func TestDrawExhaustsPoolInExactlyPoolSizeDraws(t *testing.T) {
	repo := newFakeRepository()
	at := day("2026-01-10")
	svc, _, _ := newTestService(repo, at)
	ch := newPoolChallenge(100, 1)
	seedChallenge(repo, ch)

	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		svc.now = func() time.Time { return at.AddDate(0, 0, i) }
		result, err := svc.Draw(context.Background(), ch.ID)
		if err != nil {
			t.Fatalf("draw %d: %v", i+1, err)
		}
		if seen[result.DrawnValue] {
			t.Fatalf("value %d drawn twice", result.DrawnValue)
		}
		seen[result.DrawnValue] = true
	}
	if len(seen) != 100 {
		t.Fatalf("drew %d distinct values, want 100", len(seen))
	}
	if repo.challenges[ch.ID].Status != domain.ChallengeStatusCompleted {
		t.Error("exhausted challenge not completed")
	}

	svc.now = func() time.Time { return at.AddDate(0, 0, 100) }
	if _, err := svc.Draw(context.Background(), ch.ID); !errors.Is(err, ErrChallengeInactive) {
		t.Errorf("draw after exhaustion: err = %v, want ErrChallengeInactive", err)
	}
}

func TestDrawExhaustionOnActiveEmptyPool(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-06-01"))
	ch := newPoolChallenge(3, 10)
	ch.State = domain.ChallengeState{RemainingPool: []int{}, DrawnValues: []int{1, 2, 3}}
	seedChallenge(repo, ch)

	if _, err := svc.Draw(context.Background(), ch.ID); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("empty pool: err = %v, want ErrPoolExhausted", err)
	}
	if repo.challenges[ch.ID].Status != domain.ChallengeStatusCompleted {
		t.Error("exhausted challenge not marked completed")
	}
}

func TestDrawKindAndStatusChecks(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-06-01"))

	dice := &domain.UserChallenge{
		Kind:      domain.ChallengeKindDiceRoll,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-01-01"),
		Rules:     domain.ChallengeRules{DiceRoll: &domain.DiceRollRules{Sides: 6, DiceCount: 1, UnitAmount: 1}},
	}
	seedChallenge(repo, dice)
	if _, err := svc.Draw(context.Background(), dice.ID); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("draw on dice challenge: err = %v, want ErrKindMismatch", err)
	}
	if _, err := svc.Roll(context.Background(), dice.ID); err != nil {
		t.Errorf("roll on dice challenge: %v", err)
	}

	completed := newPoolChallenge(5, 10)
	completed.Status = domain.ChallengeStatusCompleted
	seedChallenge(repo, completed)
	if _, err := svc.Draw(context.Background(), completed.ID); !errors.Is(err, ErrChallengeInactive) {
		t.Errorf("draw on completed challenge: err = %v, want ErrChallengeInactive", err)
	}
}

func TestDrawAutoCommit(t *testing.T) {
	repo := newFakeRepository()
	svc, _, publisher := newTestService(repo, day("2026-06-01"))
	ch := newPoolChallenge(5, 100)
	ch.AutoCommit = true
	seedChallenge(repo, ch)

	svc.intn = func(n int) int { return 0 } // draws 1, amount 100

	result, err := svc.Draw(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if !result.Committed {
		t.Error("auto-commit draw not committed")
	}
	if len(publisher.committed) != 1 {
		t.Errorf("published commits = %d, want 1", len(publisher.committed))
	}

	stash, _ := repo.FindUserAccount(context.Background(), ch.UserID, domain.AccountTypeUserStash)
	balance, _ := repo.GetAccountBalance(context.Background(), stash.ID)
	if balance != 100 {
		t.Errorf("stash balance = %d, want 100", balance)
	}
}

func TestDrawAutoCommitDefersOverDailyCap(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-06-01"))
	svc.dailyCommitCap = 50
	ch := newPoolChallenge(5, 100)
	ch.AutoCommit = true
	seedChallenge(repo, ch)

	result, err := svc.Draw(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if result.Committed {
		t.Error("over-cap draw committed inline")
	}
	// The event stays pending for a later commit scan.
	pending, _ := repo.ListUncommittedEvents(context.Background(), ch.UserID, 10)
	if len(pending) != 1 {
		t.Errorf("pending events = %d, want 1", len(pending))
	}
}

func TestRollSumsDice(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-06-01"))
	ch := &domain.UserChallenge{
		Kind:      domain.ChallengeKindDiceRoll,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-01-01"),
		Rules:     domain.ChallengeRules{DiceRoll: &domain.DiceRollRules{Sides: 6, DiceCount: 2, UnitAmount: 25}},
	}
	seedChallenge(repo, ch)

	rolls := []int{3, 5}
	i := 0
	svc.intn = func(n int) int {
		v := rolls[i] - 1
		i++
		return v
	}

	result, err := svc.Roll(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("Roll: %v", err)
	}
	if len(result.Rolls) != 2 || result.Rolls[0] != 3 || result.Rolls[1] != 5 {
		t.Errorf("rolls = %v, want [3 5]", result.Rolls)
	}
	if result.Amount != 200 { // (3+5) * 25
		t.Errorf("amount = %d, want 200", result.Amount)
	}

	// Same-day replay returns the stored roll.
	replay, err := svc.Roll(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("replay Roll: %v", err)
	}
	if !replay.Replayed || replay.Amount != 200 {
		t.Errorf("replay: replayed=%v amount=%d, want true/200", replay.Replayed, replay.Amount)
	}
}

func TestRollRejectsMalformedRules(t *testing.T) {
	repo := newFakeRepository()
	svc, _, _ := newTestService(repo, day("2026-06-01"))
	ch := &domain.UserChallenge{
		Kind:      domain.ChallengeKindDiceRoll,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-01-01"),
		Rules:     domain.ChallengeRules{DiceRoll: &domain.DiceRollRules{Sides: 0, DiceCount: 2, UnitAmount: 1}},
	}
	seedChallenge(repo, ch)
	if _, err := svc.Roll(context.Background(), ch.ID); !errors.Is(err, ErrMalformedRules) {
		t.Errorf("zero-sided dice: err = %v, want ErrMalformedRules", err)
	}
}
