/**
 * @description
 * Vault settlement domain models. A VaultAction is one staged unit of work in
 * the asynchronous pipeline that moves settled principal into (or out of) the
 * on-chain vault and mirrors the confirmed result back. Status transitions are
 * strictly forward: created -> submitted -> confirmed | failed. The store layer
 * enforces this with status-guarded updates, so a late worker can never regress
 * an already-resolved action.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Vault action kinds.
const (
	VaultActionDeposit         = "deposit"
	VaultActionWithdrawRequest = "withdraw_request"
	VaultActionRedeem          = "redeem"
)

// Vault action statuses, forward-only.
const (
	VaultStatusCreated   = "created"
	VaultStatusSubmitted = "submitted"
	VaultStatusConfirmed = "confirmed"
	VaultStatusFailed    = "failed"
)

// Annotation keys recorded on transient reconcile outcomes.
const (
	AnnotationNoConfirmationEvent = "no_confirmation_event"
	AnnotationLookupUnavailable   = "lookup_unavailable"
	AnnotationSubmitError         = "submit_error"
)

// VaultAction maps to the `vault_actions` table. IdempotencyKey is unique and
// derived from (kind, payment intent), which is what makes claim-by-insert the
// ownership primitive between racing workers.
type VaultAction struct {
	ID                uuid.UUID         `json:"id"`
	Kind              string            `json:"kind"`
	Status            string            `json:"status"`
	IdempotencyKey    string            `json:"idempotency_key"`
	PaymentIntentID   uuid.UUID         `json:"payment_intent_id"`
	UserID            uuid.UUID         `json:"user_id"`
	Amount            int64             `json:"amount"`
	SharesDelta       int64             `json:"shares_delta"`
	TxRef             *string           `json:"tx_ref,omitempty"`
	ExternalRequestID *string           `json:"external_request_id,omitempty"`
	FailureReason     *string           `json:"failure_reason,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"` // provider-specific residual data
	SubmittedAt       *time.Time        `json:"submitted_at,omitempty"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// VaultPosition is the internal mirror of one user's vault holding. It is only
// ever updated by deltas from confirmed actions, so partial or out-of-order
// reconcile batches converge to the correct totals.
type VaultPosition struct {
	UserID        uuid.UUID  `json:"user_id"`
	Shares        int64      `json:"shares"`
	Principal     int64      `json:"principal"`
	LastMarkValue int64      `json:"last_mark_value"`
	LastMarkedAt  *time.Time `json:"last_marked_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
