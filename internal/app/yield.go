/**
 * @description
 * Yield accrual: one run distributes a total yield amount across stash holders
 * in proportion to their balances at run time. The run key makes the whole
 * operation replay-safe, and the unique (run, user) allocation constraint
 * makes each user's posting replay-safe on its own, so a crashed run can be
 * re-invoked and only fills in what is missing.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stashly/ledger-service/internal/domain"
)

// AccrueYield distributes total across stash balances for the period ending
// now, keyed by runKey.
func (s *Service) AccrueYield(ctx context.Context, runKey string, total int64, periodStart, periodEnd time.Time) (*domain.YieldAccrualResult, error) {
	if total <= 0 {
		return nil, ErrInvalidAmount
	}

	run, created, err := s.repo.CreateYieldRunIfAbsent(ctx, &domain.YieldRun{
		RunKey:      runKey,
		PeriodStart: periodStart.UTC(),
		PeriodEnd:   periodEnd.UTC(),
		TotalAmount: total,
		Status:      domain.YieldRunStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create yield run: %w", err)
	}

	result := &domain.YieldAccrualResult{Run: run, Replayed: !created}
	if run.Status == domain.YieldRunStatusCompleted {
		log.Printf("level=info component=service flow=yield msg=\"replayed completed yield run\" run_key=%s", runKey)
		return result, nil
	}
	// A replayed pending run resumes with the stored total, not the caller's.
	total = run.TotalAmount

	balances, err := s.repo.ListStashBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot stash balances: %w", err)
	}

	weights := make([]Weighted, 0, len(balances))
	holders := make([]domain.AccountBalance, 0, len(balances))
	for _, b := range balances {
		if b.OwnerID != nil && b.Balance > 0 {
			weights = append(weights, Weighted{Key: *b.OwnerID, Weight: b.Balance})
			holders = append(holders, b)
		}
	}
	result.Participants = len(holders)

	amounts := AllocateProportional(total, weights)

	yieldAcct, err := s.repo.FindSystemAccount(ctx, domain.AccountTypeSystemYield)
	if err != nil {
		return nil, fmt.Errorf("failed to find system yield account: %w", err)
	}

	for i, holder := range holders {
		if amounts == nil || amounts[i] <= 0 {
			continue
		}
		amount := amounts[i]
		ownerID := *holder.OwnerID
		allocKey := fmt.Sprintf("yield:%s:%s", runKey, ownerID)

		alloc := &domain.YieldAllocation{
			RunID:          run.ID,
			UserID:         ownerID,
			Amount:         amount,
			IdempotencyKey: allocKey,
		}
		entry := &domain.JournalEntry{
			ID:             uuid.New(),
			IdempotencyKey: allocKey,
			Type:           domain.EntryTypeYieldAccrual,
			OccurredAt:     s.now().UTC(),
			Memo:           "yield accrual " + runKey,
		}
		lines := []domain.JournalLine{
			{AccountID: yieldAcct.ID, Amount: -amount, Memo: "yield accrual"},
			{AccountID: holder.AccountID, Amount: amount, Memo: "yield accrual"},
		}

		posted, err := s.repo.CreateYieldAllocation(ctx, alloc, entry, lines)
		if err != nil {
			log.Printf("level=warn component=service flow=yield msg=\"allocation failed\" run_key=%s user_id=%s err=%v", runKey, ownerID, err)
			return nil, fmt.Errorf("failed to post allocation for user %s: %w", ownerID, err)
		}
		if posted {
			result.Posted++
			result.TotalAllocated += amount
		} else {
			result.AlreadyPosted++
		}
	}

	if err := s.repo.MarkYieldRunCompleted(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("failed to complete yield run: %w", err)
	}
	log.Printf("level=info component=service flow=yield msg=\"yield run completed\" run_key=%s participants=%d posted=%d total=%d", runKey, result.Participants, result.Posted, result.TotalAllocated)
	return result, nil
}
