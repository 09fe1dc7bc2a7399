/**
 * @description
 * PostgreSQL repository methods for vault actions and vault positions.
 *
 * Actions are claimed by inserting with a unique idempotency key; a unique
 * violation means another worker owns the action and the caller skips it.
 * Status updates are guarded by the expected current status in the WHERE
 * clause and report whether the transition happened, which is how the
 * forward-only state machine survives concurrent and replayed workers.
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

// ListSettledIntentsWithoutAction lists settled payment intents of the given
// kind that have no vault action of actionKind yet, oldest first.
func (r *PostgresRepository) ListSettledIntentsWithoutAction(ctx context.Context, intentKind, actionKind string, limit int) ([]domain.PaymentIntent, error) {
	query := `
		SELECT p.id, p.user_id, p.kind, p.status, p.amount, p.idempotency_key, p.initiated_entry_id, p.settled_entry_id, p.created_at, p.updated_at
		FROM payment_intents p
		WHERE p.kind = $1 AND p.status = $2
		  AND NOT EXISTS (
			SELECT 1 FROM vault_actions a
			WHERE a.payment_intent_id = p.id AND a.kind = $3
		  )
		ORDER BY p.created_at, p.id
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, intentKind, domain.IntentStatusSettled, actionKind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []domain.PaymentIntent
	for rows.Next() {
		var intent domain.PaymentIntent
		if err := rows.Scan(
			&intent.ID, &intent.UserID, &intent.Kind, &intent.Status, &intent.Amount,
			&intent.IdempotencyKey, &intent.InitiatedEntryID, &intent.SettledEntryID,
			&intent.CreatedAt, &intent.UpdatedAt,
		); err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// ClaimVaultAction inserts a CREATED action keyed by its idempotency key.
// claimed=false means another worker already owns this (kind, intent) pair.
func (r *PostgresRepository) ClaimVaultAction(ctx context.Context, action *domain.VaultAction) (bool, error) {
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	if action.Status == "" {
		action.Status = domain.VaultStatusCreated
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO vault_actions (id, kind, status, idempotency_key, payment_intent_id, user_id, amount, shares_delta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, action.ID, action.Kind, action.Status, action.IdempotencyKey, action.PaymentIntentID, action.UserID, action.Amount, action.SharesDelta)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const vaultActionSelect = `
	SELECT id, kind, status, idempotency_key, payment_intent_id, user_id, amount, shares_delta,
	       tx_ref, external_request_id, failure_reason, annotations, submitted_at, resolved_at, created_at, updated_at
	FROM vault_actions`

func scanVaultAction(row pgx.Row) (*domain.VaultAction, error) {
	var action domain.VaultAction
	var annotationsJSON []byte
	err := row.Scan(
		&action.ID, &action.Kind, &action.Status, &action.IdempotencyKey,
		&action.PaymentIntentID, &action.UserID, &action.Amount, &action.SharesDelta,
		&action.TxRef, &action.ExternalRequestID, &action.FailureReason,
		&annotationsJSON, &action.SubmittedAt, &action.ResolvedAt,
		&action.CreatedAt, &action.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(annotationsJSON) > 0 {
		if err := json.Unmarshal(annotationsJSON, &action.Annotations); err != nil {
			return nil, err
		}
	}
	return &action, nil
}

// ListVaultActions lists actions of one kind and status, oldest first.
func (r *PostgresRepository) ListVaultActions(ctx context.Context, kind, status string, limit int) ([]domain.VaultAction, error) {
	query := vaultActionSelect + ` WHERE kind = $1 AND status = $2 ORDER BY created_at, id LIMIT $3`
	rows, err := r.db.Query(ctx, query, kind, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []domain.VaultAction
	for rows.Next() {
		action, err := scanVaultAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}

// FindVaultActionByIntent retrieves the action of one kind for an intent.
func (r *PostgresRepository) FindVaultActionByIntent(ctx context.Context, kind string, paymentIntentID uuid.UUID) (*domain.VaultAction, error) {
	row := r.db.QueryRow(ctx, vaultActionSelect+` WHERE kind = $1 AND payment_intent_id = $2`, kind, paymentIntentID)
	action, err := scanVaultAction(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return action, nil
}

// MarkVaultActionSubmitted transitions created -> submitted and records the
// transaction reference. Returns false if the action was not in CREATED.
func (r *PostgresRepository) MarkVaultActionSubmitted(ctx context.Context, id uuid.UUID, txRef string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE vault_actions
		SET status = $2, tx_ref = $3, submitted_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, domain.VaultStatusSubmitted, txRef, at, domain.VaultStatusCreated)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkVaultActionConfirmed transitions submitted -> confirmed and folds the
// position delta into the mirror in the same transaction. The delta is applied
// only when this call wins the transition, so a replayed confirmation can
// never double-count.
func (r *PostgresRepository) MarkVaultActionConfirmed(ctx context.Context, id uuid.UUID, params ConfirmVaultActionParams) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE vault_actions
		SET status = $2, amount = $3, shares_delta = $4, external_request_id = COALESCE($5, external_request_id),
		    resolved_at = $6, updated_at = NOW()
		WHERE id = $1 AND status = $7
	`, id, domain.VaultStatusConfirmed, params.Amount, params.SharesDelta, params.ExternalRequestID, params.At, domain.VaultStatusSubmitted)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO vault_positions (user_id, shares, principal, last_mark_value, updated_at)
		VALUES ($1, $2, $3, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET shares = vault_positions.shares + EXCLUDED.shares,
		    principal = vault_positions.principal + EXCLUDED.principal,
		    updated_at = NOW()
	`, params.PositionUserID, params.SharesDelta, params.PrincipalDelta); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// MarkVaultActionFailed transitions created|submitted -> failed. Returns false
// if the action was already resolved.
func (r *PostgresRepository) MarkVaultActionFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE vault_actions
		SET status = $2, failure_reason = $3, resolved_at = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, domain.VaultStatusFailed, reason, at, domain.VaultStatusCreated, domain.VaultStatusSubmitted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AnnotateVaultAction records a transient diagnostic on the action without
// touching its status.
func (r *PostgresRepository) AnnotateVaultAction(ctx context.Context, id uuid.UUID, key, value string) error {
	patch, err := json.Marshal(map[string]string{key: value})
	if err != nil {
		return err
	}
	result, err := r.db.Exec(ctx, `
		UPDATE vault_actions
		SET annotations = COALESCE(annotations, '{}'::jsonb) || $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`, id, patch)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrActionNotFound
	}
	return nil
}

// ListConfirmedWithdrawRequestsAwaitingRedeem lists confirmed withdraw-request
// actions whose intent has no redeem action yet, oldest first.
func (r *PostgresRepository) ListConfirmedWithdrawRequestsAwaitingRedeem(ctx context.Context, limit int) ([]domain.VaultAction, error) {
	query := vaultActionSelect + `
		WHERE kind = $1 AND status = $2
		  AND NOT EXISTS (
			SELECT 1 FROM vault_actions redeem
			WHERE redeem.payment_intent_id = vault_actions.payment_intent_id AND redeem.kind = $3
		  )
		ORDER BY created_at, id
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, domain.VaultActionWithdrawRequest, domain.VaultStatusConfirmed, domain.VaultActionRedeem, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []domain.VaultAction
	for rows.Next() {
		action, err := scanVaultAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}

// ListVaultPositions lists position mirrors with non-zero shares.
func (r *PostgresRepository) ListVaultPositions(ctx context.Context, limit int) ([]domain.VaultPosition, error) {
	query := `
		SELECT user_id, shares, principal, last_mark_value, last_marked_at, updated_at
		FROM vault_positions
		WHERE shares <> 0
		ORDER BY user_id
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.VaultPosition
	for rows.Next() {
		var pos domain.VaultPosition
		if err := rows.Scan(&pos.UserID, &pos.Shares, &pos.Principal, &pos.LastMarkValue, &pos.LastMarkedAt, &pos.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// UpdateVaultPositionMark records the latest mark-to-market valuation.
func (r *PostgresRepository) UpdateVaultPositionMark(ctx context.Context, userID uuid.UUID, value int64, at time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE vault_positions
		SET last_mark_value = $2, last_marked_at = $3, updated_at = NOW()
		WHERE user_id = $1
	`, userID, value, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
