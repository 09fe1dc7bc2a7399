/**
 * @description
 * PostgreSQL repository methods for challenges, challenge events, event
 * commits and yield accrual. Rules, state and event payloads are stored as
 * jsonb columns; the tagged-union shape lives in the domain package.
 *
 * The commit path is the heart of the committer: one transaction creates the
 * escrow posting, the stash settlement posting and the payment intent, and
 * stamps the event with the intent id. Replaying a commit for an event that
 * already carries an intent returns that intent untouched.
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stashly/ledger-service/internal/domain"
)

// FindChallengeByID retrieves one challenge.
func (r *PostgresRepository) FindChallengeByID(ctx context.Context, id uuid.UUID) (*domain.UserChallenge, error) {
	query := challengeSelect + ` WHERE id = $1`
	row := r.db.QueryRow(ctx, query, id)
	ch, err := scanChallenge(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}
	return ch, nil
}

// ListActiveChallenges lists ACTIVE challenges of the given kinds in creation
// order, bounded by limit.
func (r *PostgresRepository) ListActiveChallenges(ctx context.Context, kinds []string, limit int) ([]domain.UserChallenge, error) {
	query := challengeSelect + ` WHERE status = $1 AND kind = ANY($2) ORDER BY created_at, id LIMIT $3`
	rows, err := r.db.Query(ctx, query, domain.ChallengeStatusActive, kinds, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []domain.UserChallenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, *ch)
	}
	return challenges, rows.Err()
}

const challengeSelect = `
	SELECT id, user_id, kind, rules, state, status, auto_commit, start_date, last_run_at, next_run_at, created_at, updated_at
	FROM user_challenges`

func scanChallenge(row pgx.Row) (*domain.UserChallenge, error) {
	var ch domain.UserChallenge
	var rulesJSON, stateJSON []byte
	err := row.Scan(
		&ch.ID, &ch.UserID, &ch.Kind, &rulesJSON, &stateJSON, &ch.Status,
		&ch.AutoCommit, &ch.StartDate, &ch.LastRunAt, &ch.NextRunAt,
		&ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &ch.Rules); err != nil {
			return nil, err
		}
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &ch.State); err != nil {
			return nil, err
		}
	}
	return &ch, nil
}

// UpdateChallengeCursor advances the scheduler cursor after a run-due pass.
func (r *PostgresRepository) UpdateChallengeCursor(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	query := `UPDATE user_challenges SET last_run_at = $2, next_run_at = $3, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id, lastRunAt, nextRunAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrChallengeNotFound
	}
	return nil
}

// MarkChallengeCompleted moves an ACTIVE challenge to COMPLETED.
func (r *PostgresRepository) MarkChallengeCompleted(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE user_challenges SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`
	_, err := r.db.Exec(ctx, query, id, domain.ChallengeStatusCompleted, domain.ChallengeStatusActive)
	return err
}

// CreateChallengeEventIfAbsent inserts an event keyed by its idempotency key.
// If the key exists, the stored event is returned and created=false.
func (r *PostgresRepository) CreateChallengeEventIfAbsent(ctx context.Context, event *domain.ChallengeEvent) (*domain.ChallengeEvent, bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, false, err
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO challenge_events (id, challenge_id, user_id, scheduled_for, idempotency_key, amount, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, event.ID, event.ChallengeID, event.UserID, event.ScheduledFor, event.IdempotencyKey, event.Amount, payloadJSON)
	if err != nil {
		return nil, false, err
	}

	if tag.RowsAffected() == 0 {
		existing, findErr := r.FindChallengeEventByKey(ctx, event.IdempotencyKey)
		return existing, false, findErr
	}

	created, err := r.FindChallengeEventByKey(ctx, event.IdempotencyKey)
	return created, true, err
}

// RecordDraw inserts a draw/roll event and persists the updated challenge
// state in one transaction. Losing the insert race returns the existing event
// without touching the state, so a retried draw never draws twice.
func (r *PostgresRepository) RecordDraw(ctx context.Context, event *domain.ChallengeEvent, state domain.ChallengeState) (*domain.ChallengeEvent, bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, false, err
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, false, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO challenge_events (id, challenge_id, user_id, scheduled_for, idempotency_key, amount, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, event.ID, event.ChallengeID, event.UserID, event.ScheduledFor, event.IdempotencyKey, event.Amount, payloadJSON)
	if err != nil {
		return nil, false, err
	}

	if tag.RowsAffected() == 0 {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, false, commitErr
		}
		existing, findErr := r.FindChallengeEventByKey(ctx, event.IdempotencyKey)
		return existing, false, findErr
	}

	if _, err := tx.Exec(ctx, `UPDATE user_challenges SET state = $2, updated_at = NOW() WHERE id = $1`, event.ChallengeID, stateJSON); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	created, err := r.FindChallengeEventByKey(ctx, event.IdempotencyKey)
	return created, true, err
}

const eventSelect = `
	SELECT id, challenge_id, user_id, scheduled_for, idempotency_key, amount, payment_intent_id, payload, created_at
	FROM challenge_events`

func scanEvent(row pgx.Row) (*domain.ChallengeEvent, error) {
	var event domain.ChallengeEvent
	var payloadJSON []byte
	err := row.Scan(
		&event.ID, &event.ChallengeID, &event.UserID, &event.ScheduledFor,
		&event.IdempotencyKey, &event.Amount, &event.PaymentIntentID,
		&payloadJSON, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
			return nil, err
		}
	}
	return &event, nil
}

// FindChallengeEventByKey retrieves one event by idempotency key.
func (r *PostgresRepository) FindChallengeEventByKey(ctx context.Context, key string) (*domain.ChallengeEvent, error) {
	row := r.db.QueryRow(ctx, eventSelect+` WHERE idempotency_key = $1`, key)
	event, err := scanEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return event, nil
}

// ListUncommittedEvents lists a user's uncommitted events in scheduled order.
func (r *PostgresRepository) ListUncommittedEvents(ctx context.Context, userID uuid.UUID, limit int) ([]domain.ChallengeEvent, error) {
	query := eventSelect + ` WHERE user_id = $1 AND payment_intent_id IS NULL ORDER BY scheduled_for, created_at LIMIT $2`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.ChallengeEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// SumCommittedForWindow sums the amounts a user committed inside [windowStart,
// windowEnd), the input for the daily cap.
func (r *PostgresRepository) SumCommittedForWindow(ctx context.Context, userID uuid.UUID, windowStart, windowEnd time.Time) (int64, error) {
	var total int64
	query := `
		SELECT COALESCE(SUM(e.amount), 0)
		FROM challenge_events e
		JOIN payment_intents p ON p.id = e.payment_intent_id
		WHERE e.user_id = $1 AND p.created_at >= $2 AND p.created_at < $3
	`
	if err := r.db.QueryRow(ctx, query, userID, windowStart, windowEnd).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// CommitChallengeEvent converts one event into a settled deposit atomically:
// payment intent, escrow posting (cash -> escrow) and settlement posting
// (escrow -> stash), all keyed by the event id. If the event already carries
// an intent, that intent is returned and newlyCommitted=false.
func (r *PostgresRepository) CommitChallengeEvent(ctx context.Context, params CommitEventParams) (*domain.PaymentIntent, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	// Lock the event row so only one committer wins.
	var existingIntentID *uuid.UUID
	err = tx.QueryRow(ctx, `SELECT payment_intent_id FROM challenge_events WHERE id = $1 FOR UPDATE`, params.Event.ID).Scan(&existingIntentID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, ErrEventNotFound
		}
		return nil, false, err
	}
	if existingIntentID != nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, false, commitErr
		}
		intent, findErr := r.FindPaymentIntentByID(ctx, *existingIntentID)
		return intent, false, findErr
	}

	commitKey := "commit:" + params.Event.ID.String()
	occurredAt := params.OccurredAt

	escrowEntryID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO journal_entries (id, idempotency_key, entry_type, occurred_at, memo)
		VALUES ($1, $2, $3, $4, $5)
	`, escrowEntryID, "escrow:"+params.Event.ID.String(), domain.EntryTypeChallengeEscrow, occurredAt, "challenge escrow"); err != nil {
		return nil, false, err
	}

	lineQuery := `INSERT INTO journal_lines (id, entry_id, account_id, amount, memo) VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, lineQuery, uuid.New(), escrowEntryID, params.CashAccount, -params.Amount, "challenge escrow"); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, lineQuery, uuid.New(), escrowEntryID, params.EscrowAccount, params.Amount, "challenge escrow"); err != nil {
		return nil, false, err
	}

	settleEntryID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO journal_entries (id, idempotency_key, entry_type, occurred_at, memo)
		VALUES ($1, $2, $3, $4, $5)
	`, settleEntryID, "settle:"+params.Event.ID.String(), domain.EntryTypeChallengeSettle, occurredAt, "challenge settlement"); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, lineQuery, uuid.New(), settleEntryID, params.EscrowAccount, -params.Amount, "challenge settlement"); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, lineQuery, uuid.New(), settleEntryID, params.StashAccount, params.Amount, "challenge settlement"); err != nil {
		return nil, false, err
	}

	intentID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_intents (id, user_id, kind, status, amount, idempotency_key, initiated_entry_id, settled_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, intentID, params.Event.UserID, domain.IntentKindDeposit, domain.IntentStatusSettled, params.Amount, commitKey, escrowEntryID, settleEntryID); err != nil {
		return nil, false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE challenge_events SET amount = $2, payment_intent_id = $3 WHERE id = $1
	`, params.Event.ID, params.Amount, intentID); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	intent, err := r.FindPaymentIntentByID(ctx, intentID)
	return intent, true, err
}

// CreateYieldRunIfAbsent inserts a yield run keyed by run key; a replayed key
// returns the stored run.
func (r *PostgresRepository) CreateYieldRunIfAbsent(ctx context.Context, run *domain.YieldRun) (*domain.YieldRun, bool, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO yield_runs (id, run_key, period_start, period_end, total_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_key) DO NOTHING
	`, run.ID, run.RunKey, run.PeriodStart, run.PeriodEnd, run.TotalAmount, run.Status)
	if err != nil {
		return nil, false, err
	}

	var stored domain.YieldRun
	query := `SELECT id, run_key, period_start, period_end, total_amount, status, created_at FROM yield_runs WHERE run_key = $1`
	if err := r.db.QueryRow(ctx, query, run.RunKey).Scan(
		&stored.ID, &stored.RunKey, &stored.PeriodStart, &stored.PeriodEnd,
		&stored.TotalAmount, &stored.Status, &stored.CreatedAt,
	); err != nil {
		return nil, false, err
	}
	return &stored, tag.RowsAffected() > 0, nil
}

// MarkYieldRunCompleted finalizes a run after all allocations are posted.
func (r *PostgresRepository) MarkYieldRunCompleted(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE yield_runs SET status = $2 WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, domain.YieldRunStatusCompleted)
	return err
}

// CreateYieldAllocation inserts one (run, user) allocation together with its
// accrual posting. The unique (run_id, user_id) constraint makes replays and
// racing workers post at most once; losing the race returns posted=false.
func (r *PostgresRepository) CreateYieldAllocation(ctx context.Context, alloc *domain.YieldAllocation, entry *domain.JournalEntry, lines []domain.JournalLine) (bool, error) {
	if alloc.ID == uuid.Nil {
		alloc.ID = uuid.New()
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO yield_allocations (id, run_id, user_id, amount, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, user_id) DO NOTHING
	`, alloc.ID, alloc.RunID, alloc.UserID, alloc.Amount, alloc.IdempotencyKey)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO journal_entries (id, idempotency_key, entry_type, occurred_at, memo)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.IdempotencyKey, entry.Type, entry.OccurredAt, entry.Memo); err != nil {
		return false, err
	}

	lineQuery := `INSERT INTO journal_lines (id, entry_id, account_id, amount, memo) VALUES ($1, $2, $3, $4, $5)`
	for i := range lines {
		if lines[i].ID == uuid.Nil {
			lines[i].ID = uuid.New()
		}
		if _, err := tx.Exec(ctx, lineQuery, lines[i].ID, entry.ID, lines[i].AccountID, lines[i].Amount, lines[i].Memo); err != nil {
			return false, err
		}
	}

	return true, tx.Commit(ctx)
}
