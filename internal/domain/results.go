/**
 * @description
 * Structured per-item results returned by the batch operations. Batch jobs
 * never abort the run for one bad item; each item lands in exactly one bucket
 * with a stable categorical reason, and callers decide what to do with it.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Skip/stop reasons used by the committer.
const (
	SkipReasonDailyCap = "daily_cap"
	SkipReasonRunCap   = "run_cap"
)

// RunDueItem is the outcome for one (challenge, window) pair during a bulk
// run-due pass.
type RunDueItem struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	WindowKey   string    `json:"window_key"`
	EventID     uuid.UUID `json:"event_id"`
	Created     bool      `json:"created"` // false = event already existed
	Committed   bool      `json:"committed"`
	Amount      int64     `json:"amount"`
	Error       string    `json:"error,omitempty"`
}

// RunDueResult summarizes a bulk run-due pass.
type RunDueResult struct {
	ChallengesSeen int          `json:"challenges_seen"`
	EventsCreated  int          `json:"events_created"`
	EventsExisting int          `json:"events_existing"`
	Committed      int          `json:"committed"`
	Completed      int          `json:"completed"` // challenges marked completed
	Failed         int          `json:"failed"`
	Items          []RunDueItem `json:"items"`
}

// CommitPendingItem is the outcome for one pending event during a commit scan.
type CommitPendingItem struct {
	EventID         uuid.UUID  `json:"event_id"`
	Amount          int64      `json:"amount"`
	Committed       bool       `json:"committed"`
	AlreadySettled  bool       `json:"already_settled,omitempty"`
	SkipReason      string     `json:"skip_reason,omitempty"`
	PaymentIntentID *uuid.UUID `json:"payment_intent_id,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// CommitPendingResult summarizes one commit-pending invocation.
type CommitPendingResult struct {
	Scanned        int                 `json:"scanned"`
	Committed      int                 `json:"committed"`
	TotalCommitted int64               `json:"total_committed"`
	Skipped        int                 `json:"skipped"`
	Stopped        bool                `json:"stopped"` // per-run cap ended the scan early
	Items          []CommitPendingItem `json:"items"`
}

// DrawResult is returned by an interactive pool draw.
type DrawResult struct {
	Event      *ChallengeEvent `json:"event"`
	DrawnValue int             `json:"drawn_value"`
	Amount     int64           `json:"amount"`
	Remaining  int             `json:"remaining"`
	Replayed   bool            `json:"replayed"` // prior result returned unchanged
	Committed  bool            `json:"committed"`
}

// RollResult is returned by an interactive dice roll.
type RollResult struct {
	Event     *ChallengeEvent `json:"event"`
	Rolls     []int           `json:"rolls"`
	Amount    int64           `json:"amount"`
	Replayed  bool            `json:"replayed"`
	Committed bool            `json:"committed"`
}

// YieldAccrualResult summarizes one accrual run.
type YieldAccrualResult struct {
	Run            *YieldRun `json:"run"`
	Replayed       bool      `json:"replayed"`
	Participants   int       `json:"participants"`
	TotalAllocated int64     `json:"total_allocated"`
	Posted         int       `json:"posted"`
	AlreadyPosted  int       `json:"already_posted"`
}

// VaultItemOutcome is one action's outcome within a settlement batch stage.
// Outcome values are stable categorical kinds, never raw internal faults.
type VaultItemOutcome struct {
	ActionID        uuid.UUID `json:"action_id,omitempty"`
	PaymentIntentID uuid.UUID `json:"payment_intent_id,omitempty"`
	Outcome         string    `json:"outcome"`
	Detail          string    `json:"detail,omitempty"`
}

// Outcome kinds for VaultItemOutcome.
const (
	OutcomeSubmitted         = "submitted"
	OutcomeConfirmed         = "confirmed"
	OutcomeFailed            = "failed"
	OutcomeAlreadyClaimed    = "already_claimed"
	OutcomeAwaitingEvent     = "awaiting_confirmation_event"
	OutcomeLookupUnavailable = "external_unavailable"
	OutcomeMissingTxRef      = "missing_tx_ref"
	OutcomeStaleProbed       = "stale_probed"
	OutcomeNotYetEligible    = "not_yet_eligible"
	OutcomeMarked            = "marked"
	OutcomeSubmitError       = "submit_error"
)

// VaultBatchResult summarizes one bounded batch stage run.
type VaultBatchResult struct {
	Stage     string             `json:"stage"`
	Processed int                `json:"processed"`
	StartedAt time.Time          `json:"started_at"`
	Items     []VaultItemOutcome `json:"items"`
}
