/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the ledger-service needs. The application layer depends only on this
 * interface, which keeps the accounting, scheduling and settlement logic
 * testable against an in-memory fake.
 *
 * Every create method for a keyed entity follows the same discipline: insert
 * if absent by idempotency key, otherwise return the previously created row
 * unchanged. Multi-row operations (entry + lines, commit postings) are atomic.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stashly/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrEntryNotFound     = errors.New("journal entry not found")
	ErrIntentNotFound    = errors.New("payment intent not found")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrEventNotFound     = errors.New("challenge event not found")
	ErrActionNotFound    = errors.New("vault action not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// CommitEventParams describes the atomic conversion of a challenge event into
// a settled deposit: escrow posting, stash settlement posting and the payment
// intent are created together, keyed by the event id.
type CommitEventParams struct {
	Event         *domain.ChallengeEvent
	Amount        int64
	CashAccount   uuid.UUID
	EscrowAccount uuid.UUID
	StashAccount  uuid.UUID
	OccurredAt    time.Time
}

// WithdrawalParams describes an atomic withdrawal posting: the stash balance
// is checked inside the same transaction, so the intent is rejected before any
// funds move.
type WithdrawalParams struct {
	IdempotencyKey string
	UserID         uuid.UUID
	Amount         int64
	StashAccount   uuid.UUID
	CashAccount    uuid.UUID
	OccurredAt     time.Time
}

// ConfirmVaultActionParams records the parsed confirmation facts and the
// position mirror delta in one transaction. The delta is applied only when the
// submitted -> confirmed transition actually happens.
type ConfirmVaultActionParams struct {
	Amount            int64
	SharesDelta       int64
	ExternalRequestID *string
	PositionUserID    uuid.UUID
	PrincipalDelta    int64
	At                time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Accounts
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	CountAccountsByIDs(ctx context.Context, ids []uuid.UUID) (int, error)
	FindUserAccount(ctx context.Context, userID uuid.UUID, accountType string) (*domain.Account, error)
	FindSystemAccount(ctx context.Context, accountType string) (*domain.Account, error)
	GetAccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	ListStashBalances(ctx context.Context) ([]domain.AccountBalance, error)

	// Journal
	CreateJournalEntry(ctx context.Context, entry *domain.JournalEntry, lines []domain.JournalLine) (created bool, err error)
	FindJournalEntryByKey(ctx context.Context, key string) (*domain.JournalEntry, error)
	FindJournalLines(ctx context.Context, entryID uuid.UUID) ([]domain.JournalLine, error)

	// Payment intents
	FindPaymentIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	FindPaymentIntentByKey(ctx context.Context, key string) (*domain.PaymentIntent, error)
	CreateWithdrawal(ctx context.Context, params WithdrawalParams) (*domain.PaymentIntent, bool, error)

	// Challenges and events
	FindChallengeByID(ctx context.Context, id uuid.UUID) (*domain.UserChallenge, error)
	ListActiveChallenges(ctx context.Context, kinds []string, limit int) ([]domain.UserChallenge, error)
	UpdateChallengeCursor(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error
	MarkChallengeCompleted(ctx context.Context, id uuid.UUID) error
	CreateChallengeEventIfAbsent(ctx context.Context, event *domain.ChallengeEvent) (*domain.ChallengeEvent, bool, error)
	RecordDraw(ctx context.Context, event *domain.ChallengeEvent, state domain.ChallengeState) (*domain.ChallengeEvent, bool, error)
	FindChallengeEventByKey(ctx context.Context, key string) (*domain.ChallengeEvent, error)
	ListUncommittedEvents(ctx context.Context, userID uuid.UUID, limit int) ([]domain.ChallengeEvent, error)
	SumCommittedForWindow(ctx context.Context, userID uuid.UUID, windowStart, windowEnd time.Time) (int64, error)
	CommitChallengeEvent(ctx context.Context, params CommitEventParams) (*domain.PaymentIntent, bool, error)

	// Yield
	CreateYieldRunIfAbsent(ctx context.Context, run *domain.YieldRun) (*domain.YieldRun, bool, error)
	MarkYieldRunCompleted(ctx context.Context, id uuid.UUID) error
	CreateYieldAllocation(ctx context.Context, alloc *domain.YieldAllocation, entry *domain.JournalEntry, lines []domain.JournalLine) (bool, error)

	// Vault actions
	ListSettledIntentsWithoutAction(ctx context.Context, intentKind, actionKind string, limit int) ([]domain.PaymentIntent, error)
	ClaimVaultAction(ctx context.Context, action *domain.VaultAction) (bool, error)
	ListVaultActions(ctx context.Context, kind, status string, limit int) ([]domain.VaultAction, error)
	FindVaultActionByIntent(ctx context.Context, kind string, paymentIntentID uuid.UUID) (*domain.VaultAction, error)
	MarkVaultActionSubmitted(ctx context.Context, id uuid.UUID, txRef string, at time.Time) (bool, error)
	MarkVaultActionConfirmed(ctx context.Context, id uuid.UUID, params ConfirmVaultActionParams) (bool, error)
	MarkVaultActionFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error)
	AnnotateVaultAction(ctx context.Context, id uuid.UUID, key, value string) error
	ListConfirmedWithdrawRequestsAwaitingRedeem(ctx context.Context, limit int) ([]domain.VaultAction, error)

	// Vault positions
	ListVaultPositions(ctx context.Context, limit int) ([]domain.VaultPosition, error)
	UpdateVaultPositionMark(ctx context.Context, userID uuid.UUID, value int64, at time.Time) error
}
