/**
 * @description
 * This file contains the core business logic for the ledger-service. The
 * `Service` struct orchestrates all money movement operations, coordinating
 * between the database repository, the on-chain vault client, and the message
 * broker.
 *
 * Key features:
 * - Double-entry journal postings with balanced-line validation.
 * - Balances derived from line sums, never stored.
 * - Idempotent withdrawal intents with an in-transaction funds check.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, fmt, log, math/rand, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq, pkg/vaultclient: For external service communication.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/stashly/ledger-service/internal/config"
	"github.com/stashly/ledger-service/internal/domain"
	"github.com/stashly/ledger-service/internal/store"
	"github.com/stashly/ledger-service/pkg/rabbitmq"
	"github.com/stashly/ledger-service/pkg/vaultclient"
)

// VaultClient is the subset of the vault node client the settlement pipeline
// needs. Satisfied by *vaultclient.Client.
type VaultClient interface {
	SubmitDeposit(ctx context.Context, idempotencyKey, accountRef string, amount int64) (string, error)
	SubmitWithdrawRequest(ctx context.Context, idempotencyKey, accountRef string, amount int64) (string, error)
	SubmitRedeem(ctx context.Context, idempotencyKey, accountRef, requestID string) (string, error)
	GetReceipt(ctx context.Context, txRef string) (*vaultclient.Receipt, error)
	PreviewRedeem(ctx context.Context, shares int64) (int64, error)
}

// Service provides the core business logic for the ledger.
type Service struct {
	repo          store.Repository
	vault         VaultClient
	eventProducer rabbitmq.Publisher

	dailyCommitCap  int64
	perRunCommitCap int64
	catchUpLimit    int
	staleAfter      time.Duration
	hardFailAfter   time.Duration

	// Injected for deterministic tests.
	now  func() time.Time
	intn func(n int) int
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, vault VaultClient, producer rabbitmq.Publisher, cfg config.Config) *Service {
	return &Service{
		repo:            repo,
		vault:           vault,
		eventProducer:   producer,
		dailyCommitCap:  cfg.DailyCommitCap,
		perRunCommitCap: cfg.PerRunCommitCap,
		catchUpLimit:    cfg.CatchUpLimit,
		staleAfter:      time.Duration(cfg.VaultStaleAfterMinutes) * time.Minute,
		hardFailAfter:   time.Duration(cfg.VaultHardFailAfterMinutes) * time.Minute,
		now:             time.Now,
		intn:            rand.Intn,
	}
}

// PostEntry validates and records one balanced journal entry. Replaying an
// idempotency key returns the stored entry untouched, regardless of the lines
// the replay carries.
func (s *Service) PostEntry(ctx context.Context, key, entryType string, occurredAt time.Time, memo string, lines []domain.JournalLine) (*domain.JournalEntry, bool, error) {
	if len(lines) < 2 {
		return nil, false, ErrTooFewLines
	}

	var sum int64
	accountIDs := make([]uuid.UUID, 0, len(lines))
	seen := make(map[uuid.UUID]bool, len(lines))
	for _, line := range lines {
		sum += line.Amount
		if !seen[line.AccountID] {
			seen[line.AccountID] = true
			accountIDs = append(accountIDs, line.AccountID)
		}
	}
	if sum != 0 {
		return nil, false, ErrImbalancedEntry
	}

	count, err := s.repo.CountAccountsByIDs(ctx, accountIDs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to verify accounts: %w", err)
	}
	if count != len(accountIDs) {
		return nil, false, ErrUnknownAccount
	}

	entry := &domain.JournalEntry{
		ID:             uuid.New(),
		IdempotencyKey: key,
		Type:           entryType,
		OccurredAt:     occurredAt.UTC(),
		Memo:           memo,
	}
	created, err := s.repo.CreateJournalEntry(ctx, entry, lines)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create journal entry: %w", err)
	}
	if !created {
		log.Printf("level=info component=service flow=ledger msg=\"replayed journal entry\" idempotency_key=%s entry_id=%s", key, entry.ID)
	}
	return entry, created, nil
}

// GetBalance derives an account balance from its journal lines.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return s.repo.GetAccountBalance(ctx, accountID)
}

// GetEntry returns a stored entry with its lines.
func (s *Service) GetEntry(ctx context.Context, key string) (*domain.JournalEntry, []domain.JournalLine, error) {
	entry, err := s.repo.FindJournalEntryByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	lines, err := s.repo.FindJournalLines(ctx, entry.ID)
	if err != nil {
		return nil, nil, err
	}
	return entry, lines, nil
}

// RequestWithdrawal moves funds out of a user's stash. The balance check and
// the postings happen in one transaction, so an underfunded request is
// rejected before anything moves.
func (s *Service) RequestWithdrawal(ctx context.Context, key string, userID uuid.UUID, amount int64) (*domain.PaymentIntent, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	stash, err := s.repo.FindUserAccount(ctx, userID, domain.AccountTypeUserStash)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find stash account for user %s: %w", userID, err)
	}
	cash, err := s.repo.FindSystemAccount(ctx, domain.AccountTypeSystemCash)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find system cash account: %w", err)
	}

	intent, created, err := s.repo.CreateWithdrawal(ctx, store.WithdrawalParams{
		IdempotencyKey: key,
		UserID:         userID,
		Amount:         amount,
		StashAccount:   stash.ID,
		CashAccount:    cash.ID,
		OccurredAt:     s.now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Printf("level=info component=service flow=withdrawal msg=\"withdrawal intent settled\" user_id=%s amount=%d intent_id=%s", userID, amount, intent.ID)
	}
	return intent, created, nil
}

// ResolveChallengeDueWindow answers the due-window question for one challenge
// at the current instant.
func (s *Service) ResolveChallengeDueWindow(ctx context.Context, challengeID uuid.UUID) (domain.DueWindow, error) {
	ch, err := s.repo.FindChallengeByID(ctx, challengeID)
	if err != nil {
		return domain.DueWindow{}, err
	}
	return ResolveDueWindow(ch, s.now())
}

// commitAccounts resolves the three accounts a challenge commit posts across.
func (s *Service) commitAccounts(ctx context.Context, userID uuid.UUID) (cash, escrow, stash uuid.UUID, err error) {
	cashAcct, err := s.repo.FindSystemAccount(ctx, domain.AccountTypeSystemCash)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, fmt.Errorf("failed to find system cash account: %w", err)
	}
	escrowAcct, err := s.repo.FindUserAccount(ctx, userID, domain.AccountTypeUserEscrow)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, fmt.Errorf("failed to find escrow account for user %s: %w", userID, err)
	}
	stashAcct, err := s.repo.FindUserAccount(ctx, userID, domain.AccountTypeUserStash)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, fmt.Errorf("failed to find stash account for user %s: %w", userID, err)
	}
	return cashAcct.ID, escrowAcct.ID, stashAcct.ID, nil
}

// commitEvent converts one challenge event into a settled deposit and
// publishes the commit notification. Replays return the prior intent.
func (s *Service) commitEvent(ctx context.Context, event *domain.ChallengeEvent, amount int64) (*domain.PaymentIntent, bool, error) {
	cash, escrow, stash, err := s.commitAccounts(ctx, event.UserID)
	if err != nil {
		return nil, false, err
	}

	intent, committed, err := s.repo.CommitChallengeEvent(ctx, store.CommitEventParams{
		Event:         event,
		Amount:        amount,
		CashAccount:   cash,
		EscrowAccount: escrow,
		StashAccount:  stash,
		OccurredAt:    s.now().UTC(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to commit event %s: %w", event.ID, err)
	}

	if committed && s.eventProducer != nil {
		if pubErr := s.eventProducer.PublishChallengeCommitted(ctx, rabbitmq.ChallengeCommittedEvent{
			ChallengeID:     event.ChallengeID,
			EventID:         event.ID,
			UserID:          event.UserID,
			PaymentIntentID: intent.ID,
			Amount:          amount,
			Timestamp:       s.now().UTC(),
		}); pubErr != nil {
			log.Printf("level=warn component=service flow=commit msg=\"failed to publish commit event\" event_id=%s err=%v", event.ID, pubErr)
		}
	}
	return intent, committed, nil
}
