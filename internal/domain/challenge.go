/**
 * @description
 * Challenge domain models. A challenge is a recurring savings obligation owned
 * by one user. Rules vary by kind, so they are modeled as a tagged union: one
 * discriminant field plus a typed rules struct per kind, dispatched through a
 * single resolver. Mutable kind-specific progress (remaining draw pool, last
 * draw day) lives in ChallengeState, separate from the immutable rules.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Challenge kinds.
const (
	ChallengeKindDailyFixed      = "daily_fixed"
	ChallengeKindWeeklyIncrement = "weekly_increment"
	ChallengeKindWeeklyChoice    = "weekly_choice"
	ChallengeKindPoolDraw        = "pool_draw"
	ChallengeKindDiceRoll        = "dice_roll"
)

// Challenge statuses.
const (
	ChallengeStatusActive    = "active"
	ChallengeStatusCompleted = "completed"
)

// DailyFixedRules saves a fixed amount every calendar day (UTC).
type DailyFixedRules struct {
	Amount int64 `json:"amount"`
}

// WeeklyIncrementRules is the 52-week style ladder: the anchor weekday opens
// each week's window, and the amount grows linearly with the week number.
type WeeklyIncrementRules struct {
	AnchorWeekday time.Weekday `json:"anchor_weekday"`
	BaseAmount    int64        `json:"base_amount"`
	Increment     int64        `json:"increment"`
	MaxWeeks      int          `json:"max_weeks"`
}

// WeeklyChoiceRules saves a fixed amount on one specific weekday only.
type WeeklyChoiceRules struct {
	Weekday time.Weekday `json:"weekday"`
	Amount  int64        `json:"amount"`
}

// PoolDrawRules draws values without replacement from an integer pool; the
// deposit amount is the drawn value times UnitAmount.
type PoolDrawRules struct {
	PoolSize   int   `json:"pool_size"`
	UnitAmount int64 `json:"unit_amount"`
}

// DiceRollRules rolls DiceCount dice with Sides faces, sums them, and scales
// the result by UnitAmount.
type DiceRollRules struct {
	Sides      int   `json:"sides"`
	DiceCount  int   `json:"dice_count"`
	UnitAmount int64 `json:"unit_amount"`
}

// ChallengeRules is the tagged union of per-kind rule variants. Exactly one
// variant pointer is non-nil and must match Kind on the owning challenge.
type ChallengeRules struct {
	DailyFixed      *DailyFixedRules      `json:"daily_fixed,omitempty"`
	WeeklyIncrement *WeeklyIncrementRules `json:"weekly_increment,omitempty"`
	WeeklyChoice    *WeeklyChoiceRules    `json:"weekly_choice,omitempty"`
	PoolDraw        *PoolDrawRules        `json:"pool_draw,omitempty"`
	DiceRoll        *DiceRollRules        `json:"dice_roll,omitempty"`
}

// ChallengeState is the mutable per-kind progress blob.
type ChallengeState struct {
	RemainingPool []int  `json:"remaining_pool,omitempty"`
	DrawnValues   []int  `json:"drawn_values,omitempty"`
	LastDrawDay   string `json:"last_draw_day,omitempty"` // window key of the last draw/roll
}

// UserChallenge maps to the `user_challenges` table.
type UserChallenge struct {
	ID         uuid.UUID      `json:"id"`
	UserID     uuid.UUID      `json:"user_id"`
	Kind       string         `json:"kind"`
	Rules      ChallengeRules `json:"rules"`
	State      ChallengeState `json:"state"`
	Status     string         `json:"status"`
	AutoCommit bool           `json:"auto_commit"`
	StartDate  time.Time      `json:"start_date"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// EventPayload carries the typed, kind-specific facts recorded when an event
// is produced (week number for ladders, drawn value for pool draws, roll
// values for dice). Fields are zero when not applicable.
type EventPayload struct {
	WeekNumber int   `json:"week_number,omitempty"`
	DrawnValue int   `json:"drawn_value,omitempty"`
	RollValues []int `json:"roll_values,omitempty"`
}

// ChallengeEvent is one due-window occurrence of a challenge. Its idempotency
// key is derived from (challenge id, window key), so a window can only ever
// produce one event. PaymentIntentID is set at most once when the event is
// committed and never cleared.
type ChallengeEvent struct {
	ID              uuid.UUID    `json:"id"`
	ChallengeID     uuid.UUID    `json:"challenge_id"`
	UserID          uuid.UUID    `json:"user_id"`
	ScheduledFor    time.Time    `json:"scheduled_for"`
	IdempotencyKey  string       `json:"idempotency_key"`
	Amount          int64        `json:"amount"`
	PaymentIntentID *uuid.UUID   `json:"payment_intent_id,omitempty"`
	Payload         EventPayload `json:"payload"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Committed reports whether the event has been converted into a deposit.
func (e *ChallengeEvent) Committed() bool {
	return e.PaymentIntentID != nil
}

// DueWindow is the oracle's answer for one challenge at one instant.
type DueWindow struct {
	Due         bool      `json:"due"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	WindowKey   string    `json:"window_key"` // e.g. "2026-02-02"
	Action      string    `json:"action"`     // expected user/system action
	Amount      int64     `json:"amount"`
	AmountKnown bool      `json:"amount_known"`
	WeekNumber  int       `json:"week_number,omitempty"`
}

// Due-window actions.
const (
	DueActionAutoDeposit = "auto_deposit"
	DueActionDraw        = "draw"
	DueActionRoll        = "roll"
)
