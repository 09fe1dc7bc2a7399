package domain

import (
	"time"

	"github.com/google/uuid"
)

// Yield run statuses.
const (
	YieldRunStatusPending   = "pending"
	YieldRunStatusCompleted = "completed"
)

// YieldRun distributes one yield pool across stash holders for one period.
// RunKey is caller-chosen and unique, making accrual replays safe.
type YieldRun struct {
	ID          uuid.UUID `json:"id"`
	RunKey      string    `json:"run_key"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	TotalAmount int64     `json:"total_amount"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// YieldAllocation is one user's share of a run. At most one allocation exists
// per (run, user).
type YieldAllocation struct {
	ID             uuid.UUID `json:"id"`
	RunID          uuid.UUID `json:"run_id"`
	UserID         uuid.UUID `json:"user_id"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}
