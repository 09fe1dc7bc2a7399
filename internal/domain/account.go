/**
 * @description
 * This file defines the account and journal domain models for the ledger-service.
 * The ledger is double-entry: every mutation is a balanced journal entry whose
 * signed lines sum to exactly zero, and an account balance is always a derived
 * aggregate over its lines, never a stored column.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit, which avoids
 *   floating-point inaccuracies with financial data.
 * - System accounts (cash, yield, vault clearing) have a nil OwnerID.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account types. Balances are derived from journal lines; the row itself is
// immutable identity only.
const (
	AccountTypeUserStash   = "user_stash"
	AccountTypeUserEscrow  = "user_escrow"
	AccountTypeSystemCash  = "system_cash"
	AccountTypeSystemYield = "system_yield"
	AccountTypeSystemVault = "system_vault"
)

// Account represents one ledger account. Maps to the `accounts` table.
type Account struct {
	ID        uuid.UUID  `json:"id"`
	OwnerID   *uuid.UUID `json:"owner_id,omitempty"` // nil = system-owned
	Type      string     `json:"type"`
	Currency  string     `json:"currency"`
	CreatedAt time.Time  `json:"created_at"`
}

// AccountBalance pairs an account with its derived balance, used as the
// weight input for yield allocation.
type AccountBalance struct {
	AccountID uuid.UUID  `json:"account_id"`
	OwnerID   *uuid.UUID `json:"owner_id,omitempty"`
	Balance   int64      `json:"balance"`
}
