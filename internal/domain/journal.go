/**
 * @description
 * Journal entry, journal line and payment intent models. A journal entry is the
 * atomic unit of ledger mutation: it carries a unique idempotency key so that a
 * replayed posting returns the original entry instead of creating new rows.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Journal entry types.
const (
	EntryTypeChallengeEscrow = "challenge_escrow"
	EntryTypeChallengeSettle = "challenge_settle"
	EntryTypeYieldAccrual    = "yield_accrual"
	EntryTypeWithdrawal      = "withdrawal"
	EntryTypeAdjustment      = "adjustment"
)

// JournalEntry is an immutable, balanced set of postings. Maps to the
// `journal_entries` table.
type JournalEntry struct {
	ID             uuid.UUID `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Type           string    `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	Memo           string    `json:"memo,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// JournalLine is one signed posting within an entry. The lines of one entry
// sum to exactly zero.
type JournalLine struct {
	ID        uuid.UUID `json:"id"`
	EntryID   uuid.UUID `json:"entry_id"`
	AccountID uuid.UUID `json:"account_id"`
	Amount    int64     `json:"amount"` // signed, smallest currency unit
	Memo      string    `json:"memo,omitempty"`
}

// Payment intent kinds and statuses.
const (
	IntentKindDeposit  = "deposit"
	IntentKindWithdraw = "withdraw"

	IntentStatusProcessing = "processing"
	IntentStatusSettled    = "settled"
)

// PaymentIntent tracks one user-visible money movement from initiation through
// internal settlement. Amount is immutable after creation.
type PaymentIntent struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	Kind             string     `json:"kind"`
	Status           string     `json:"status"`
	Amount           int64      `json:"amount"`
	IdempotencyKey   string     `json:"idempotency_key"`
	InitiatedEntryID *uuid.UUID `json:"initiated_entry_id,omitempty"`
	SettledEntryID   *uuid.UUID `json:"settled_entry_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
