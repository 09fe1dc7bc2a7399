/**
 * @description
 * The asynchronous vault settlement pipeline. Each stage is a bounded batch
 * over one slice of the action state machine:
 *
 *   AllocateDeposits     settled deposit intents  -> claim + submit to vault
 *   RequestWithdrawals   settled withdraw intents -> claim + submit to vault
 *   RedeemWithdrawals    confirmed withdraw requests -> claim + submit redeem
 *   ReconcileActions     submitted actions -> confirm or fail from receipts
 *   MarkToMarket         refresh position valuations
 *
 * Claiming is insert-by-unique-key: losing the insert race means another
 * worker owns the action and the item is reported, not retried. Stages return
 * per-item outcomes and never abort the batch for one bad item.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/stashly/ledger-service/internal/domain"
	"github.com/stashly/ledger-service/internal/store"
	"github.com/stashly/ledger-service/pkg/rabbitmq"
	"github.com/stashly/ledger-service/pkg/vaultclient"
)

const (
	defaultVaultBatchLimit = 100
	maxVaultBatchLimit     = 500
)

func clampBatchLimit(limit int) int {
	if limit <= 0 {
		return defaultVaultBatchLimit
	}
	if limit > maxVaultBatchLimit {
		return maxVaultBatchLimit
	}
	return limit
}

// vaultActionKey derives the claim key for one (kind, intent) pair.
func vaultActionKey(kind string, intentID fmt.Stringer) string {
	return fmt.Sprintf("vault:%s:%s", kind, intentID.String())
}

// AllocateDeposits claims a vault deposit action for every settled deposit
// intent that lacks one, then submits all unsubmitted deposit actions.
func (s *Service) AllocateDeposits(ctx context.Context, limit int) (*domain.VaultBatchResult, error) {
	limit = clampBatchLimit(limit)
	result := &domain.VaultBatchResult{Stage: "allocate", StartedAt: s.now().UTC()}

	intents, err := s.repo.ListSettledIntentsWithoutAction(ctx, domain.IntentKindDeposit, domain.VaultActionDeposit, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unallocated deposit intents: %w", err)
	}

	for i := range intents {
		intent := &intents[i]
		action := &domain.VaultAction{
			Kind:            domain.VaultActionDeposit,
			IdempotencyKey:  vaultActionKey(domain.VaultActionDeposit, intent.ID),
			PaymentIntentID: intent.ID,
			UserID:          intent.UserID,
			Amount:          intent.Amount,
		}
		claimed, err := s.repo.ClaimVaultAction(ctx, action)
		if err != nil {
			result.Items = append(result.Items, domain.VaultItemOutcome{
				PaymentIntentID: intent.ID,
				Outcome:         domain.OutcomeFailed,
				Detail:          err.Error(),
			})
			continue
		}
		if !claimed {
			result.Items = append(result.Items, domain.VaultItemOutcome{
				PaymentIntentID: intent.ID,
				Outcome:         domain.OutcomeAlreadyClaimed,
			})
		}
	}

	s.submitCreatedActions(ctx, domain.VaultActionDeposit, limit, result)
	result.Processed = len(result.Items)
	return result, nil
}

// RequestWithdrawals does for settled withdraw intents what AllocateDeposits
// does for deposits.
func (s *Service) RequestWithdrawals(ctx context.Context, limit int) (*domain.VaultBatchResult, error) {
	limit = clampBatchLimit(limit)
	result := &domain.VaultBatchResult{Stage: "withdraw_request", StartedAt: s.now().UTC()}

	intents, err := s.repo.ListSettledIntentsWithoutAction(ctx, domain.IntentKindWithdraw, domain.VaultActionWithdrawRequest, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unallocated withdraw intents: %w", err)
	}

	for i := range intents {
		intent := &intents[i]
		action := &domain.VaultAction{
			Kind:            domain.VaultActionWithdrawRequest,
			IdempotencyKey:  vaultActionKey(domain.VaultActionWithdrawRequest, intent.ID),
			PaymentIntentID: intent.ID,
			UserID:          intent.UserID,
			Amount:          intent.Amount,
		}
		claimed, err := s.repo.ClaimVaultAction(ctx, action)
		if err != nil {
			result.Items = append(result.Items, domain.VaultItemOutcome{
				PaymentIntentID: intent.ID,
				Outcome:         domain.OutcomeFailed,
				Detail:          err.Error(),
			})
			continue
		}
		if !claimed {
			result.Items = append(result.Items, domain.VaultItemOutcome{
				PaymentIntentID: intent.ID,
				Outcome:         domain.OutcomeAlreadyClaimed,
			})
		}
	}

	s.submitCreatedActions(ctx, domain.VaultActionWithdrawRequest, limit, result)
	result.Processed = len(result.Items)
	return result, nil
}

// RedeemWithdrawals claims and submits a redeem action for every confirmed
// withdraw request whose external request id is known.
func (s *Service) RedeemWithdrawals(ctx context.Context, limit int) (*domain.VaultBatchResult, error) {
	limit = clampBatchLimit(limit)
	result := &domain.VaultBatchResult{Stage: "redeem", StartedAt: s.now().UTC()}

	requests, err := s.repo.ListConfirmedWithdrawRequestsAwaitingRedeem(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list redeemable withdraw requests: %w", err)
	}

	for i := range requests {
		request := &requests[i]
		if request.ExternalRequestID == nil || *request.ExternalRequestID == "" {
			result.Items = append(result.Items, domain.VaultItemOutcome{
				ActionID:        request.ID,
				PaymentIntentID: request.PaymentIntentID,
				Outcome:         domain.OutcomeNotYetEligible,
				Detail:          "withdraw request has no external request id",
			})
			continue
		}
		action := &domain.VaultAction{
			Kind:              domain.VaultActionRedeem,
			IdempotencyKey:    vaultActionKey(domain.VaultActionRedeem, request.PaymentIntentID),
			PaymentIntentID:   request.PaymentIntentID,
			UserID:            request.UserID,
			Amount:            request.Amount,
			ExternalRequestID: request.ExternalRequestID,
		}
		claimed, err := s.repo.ClaimVaultAction(ctx, action)
		if err != nil {
			result.Items = append(result.Items, domain.VaultItemOutcome{
				PaymentIntentID: request.PaymentIntentID,
				Outcome:         domain.OutcomeFailed,
				Detail:          err.Error(),
			})
			continue
		}
		if !claimed {
			result.Items = append(result.Items, domain.VaultItemOutcome{
				PaymentIntentID: request.PaymentIntentID,
				Outcome:         domain.OutcomeAlreadyClaimed,
			})
		}
	}

	s.submitCreatedActions(ctx, domain.VaultActionRedeem, limit, result)
	result.Processed = len(result.Items)
	return result, nil
}

// submitCreatedActions submits every CREATED action of one kind. A submit
// error leaves the action CREATED with an annotation; the next pass retries
// under the same idempotency key, so the node de-duplicates.
func (s *Service) submitCreatedActions(ctx context.Context, kind string, limit int, result *domain.VaultBatchResult) {
	actions, err := s.repo.ListVaultActions(ctx, kind, domain.VaultStatusCreated, limit)
	if err != nil {
		log.Printf("level=error component=service flow=vault_%s msg=\"failed to list created actions\" err=%v", kind, err)
		return
	}

	for i := range actions {
		action := &actions[i]

		var txRef string
		var submitErr error
		switch kind {
		case domain.VaultActionDeposit:
			txRef, submitErr = s.vault.SubmitDeposit(ctx, action.IdempotencyKey, action.UserID.String(), action.Amount)
		case domain.VaultActionWithdrawRequest:
			txRef, submitErr = s.vault.SubmitWithdrawRequest(ctx, action.IdempotencyKey, action.UserID.String(), action.Amount)
		case domain.VaultActionRedeem:
			if action.ExternalRequestID == nil {
				submitErr = errors.New("redeem action has no external request id")
			} else {
				txRef, submitErr = s.vault.SubmitRedeem(ctx, action.IdempotencyKey, action.UserID.String(), *action.ExternalRequestID)
			}
		}

		if submitErr != nil {
			if annErr := s.repo.AnnotateVaultAction(ctx, action.ID, domain.AnnotationSubmitError, submitErr.Error()); annErr != nil {
				log.Printf("level=warn component=service flow=vault_%s msg=\"failed to annotate submit error\" action_id=%s err=%v", kind, action.ID, annErr)
			}
			result.Items = append(result.Items, domain.VaultItemOutcome{
				ActionID:        action.ID,
				PaymentIntentID: action.PaymentIntentID,
				Outcome:         domain.OutcomeSubmitError,
				Detail:          submitErr.Error(),
			})
			log.Printf("level=warn component=service flow=vault_%s msg=\"submit failed\" action_id=%s err=%v", kind, action.ID, submitErr)
			continue
		}

		moved, err := s.repo.MarkVaultActionSubmitted(ctx, action.ID, txRef, s.now().UTC())
		if err != nil {
			result.Items = append(result.Items, domain.VaultItemOutcome{
				ActionID:        action.ID,
				PaymentIntentID: action.PaymentIntentID,
				Outcome:         domain.OutcomeFailed,
				Detail:          err.Error(),
			})
			continue
		}
		if !moved {
			result.Items = append(result.Items, domain.VaultItemOutcome{
				ActionID:        action.ID,
				PaymentIntentID: action.PaymentIntentID,
				Outcome:         domain.OutcomeAlreadyClaimed,
			})
			continue
		}
		result.Items = append(result.Items, domain.VaultItemOutcome{
			ActionID:        action.ID,
			PaymentIntentID: action.PaymentIntentID,
			Outcome:         domain.OutcomeSubmitted,
			Detail:          txRef,
		})
		log.Printf("level=info component=service flow=vault_%s msg=\"action submitted\" action_id=%s tx_ref=%s", kind, action.ID, txRef)
	}
}

// ReconcileActions resolves SUBMITTED actions of all kinds against the vault's
// receipts.
func (s *Service) ReconcileActions(ctx context.Context, limit int) (*domain.VaultBatchResult, error) {
	limit = clampBatchLimit(limit)
	result := &domain.VaultBatchResult{Stage: "reconcile", StartedAt: s.now().UTC()}

	for _, kind := range []string{domain.VaultActionDeposit, domain.VaultActionWithdrawRequest, domain.VaultActionRedeem} {
		actions, err := s.repo.ListVaultActions(ctx, kind, domain.VaultStatusSubmitted, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list submitted %s actions: %w", kind, err)
		}
		for i := range actions {
			action := &actions[i]
			outcome := s.resolveSubmittedAction(ctx, action)
			result.Items = append(result.Items, outcome)
		}
	}

	result.Processed = len(result.Items)
	return result, nil
}

// resolveSubmittedAction fetches the receipt for one submitted action and
// applies whatever it proves. Inconclusive lookups leave the action SUBMITTED.
func (s *Service) resolveSubmittedAction(ctx context.Context, action *domain.VaultAction) domain.VaultItemOutcome {
	item := domain.VaultItemOutcome{ActionID: action.ID, PaymentIntentID: action.PaymentIntentID}

	if action.TxRef == nil || *action.TxRef == "" {
		item.Outcome = domain.OutcomeMissingTxRef
		item.Detail = "submitted action has no tx reference"
		return item
	}

	receipt, err := s.vault.GetReceipt(ctx, *action.TxRef)
	if err != nil {
		if errors.Is(err, vaultclient.ErrReceiptNotFound) {
			item.Outcome = domain.OutcomeAwaitingEvent
			return item
		}
		if annErr := s.repo.AnnotateVaultAction(ctx, action.ID, domain.AnnotationLookupUnavailable, err.Error()); annErr != nil {
			log.Printf("level=warn component=service flow=vault_reconcile msg=\"failed to annotate lookup error\" action_id=%s err=%v", action.ID, annErr)
		}
		item.Outcome = domain.OutcomeLookupUnavailable
		item.Detail = err.Error()
		return item
	}

	return s.applyReceipt(ctx, action, receipt)
}

// applyReceipt moves one submitted action forward based on a fetched receipt.
func (s *Service) applyReceipt(ctx context.Context, action *domain.VaultAction, receipt *vaultclient.Receipt) domain.VaultItemOutcome {
	item := domain.VaultItemOutcome{ActionID: action.ID, PaymentIntentID: action.PaymentIntentID}

	if !receipt.Executed {
		reason := receipt.FailureReason
		if reason == "" {
			reason = "execution reverted"
		}
		moved, err := s.repo.MarkVaultActionFailed(ctx, action.ID, reason, s.now().UTC())
		if err != nil {
			item.Outcome = domain.OutcomeLookupUnavailable
			item.Detail = err.Error()
			return item
		}
		if moved {
			s.publishVaultAction(ctx, action, domain.VaultStatusFailed, reason)
		}
		item.Outcome = domain.OutcomeFailed
		item.Detail = reason
		return item
	}

	var params store.ConfirmVaultActionParams
	switch action.Kind {
	case domain.VaultActionDeposit:
		event := receipt.Deposited
		if event == nil {
			return s.annotateMissingEvent(ctx, action, item)
		}
		params = store.ConfirmVaultActionParams{
			Amount:         event.Amount,
			SharesDelta:    event.Shares,
			PositionUserID: action.UserID,
			PrincipalDelta: event.Amount,
			At:             s.now().UTC(),
		}
	case domain.VaultActionWithdrawRequest:
		event := receipt.WithdrawRequested
		if event == nil {
			return s.annotateMissingEvent(ctx, action, item)
		}
		requestID := event.RequestID
		params = store.ConfirmVaultActionParams{
			Amount:            event.Amount,
			SharesDelta:       -event.Shares,
			ExternalRequestID: &requestID,
			PositionUserID:    action.UserID,
			PrincipalDelta:    -event.Amount,
			At:                s.now().UTC(),
		}
	case domain.VaultActionRedeem:
		event := receipt.Redeemed
		if event == nil {
			return s.annotateMissingEvent(ctx, action, item)
		}
		// Shares were already burned at the withdraw request; redeem only
		// moves cash.
		params = store.ConfirmVaultActionParams{
			Amount:         event.Amount,
			PositionUserID: action.UserID,
			At:             s.now().UTC(),
		}
	}

	moved, err := s.repo.MarkVaultActionConfirmed(ctx, action.ID, params)
	if err != nil {
		item.Outcome = domain.OutcomeLookupUnavailable
		item.Detail = err.Error()
		return item
	}
	if !moved {
		item.Outcome = domain.OutcomeAlreadyClaimed
		return item
	}
	s.publishVaultAction(ctx, action, domain.VaultStatusConfirmed, "")
	log.Printf("level=info component=service flow=vault_reconcile msg=\"action confirmed\" action_id=%s kind=%s amount=%d shares_delta=%d", action.ID, action.Kind, params.Amount, params.SharesDelta)
	item.Outcome = domain.OutcomeConfirmed
	return item
}

// annotateMissingEvent records that a successful transaction carried no
// matching vault notification. The action stays SUBMITTED for the watchdog.
func (s *Service) annotateMissingEvent(ctx context.Context, action *domain.VaultAction, item domain.VaultItemOutcome) domain.VaultItemOutcome {
	if err := s.repo.AnnotateVaultAction(ctx, action.ID, domain.AnnotationNoConfirmationEvent, "executed without matching vault event"); err != nil {
		log.Printf("level=warn component=service flow=vault_reconcile msg=\"failed to annotate missing event\" action_id=%s err=%v", action.ID, err)
	}
	item.Outcome = domain.OutcomeAwaitingEvent
	item.Detail = "executed without matching vault event"
	return item
}

func (s *Service) publishVaultAction(ctx context.Context, action *domain.VaultAction, status, failureReason string) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.PublishVaultAction(ctx, rabbitmq.VaultActionEvent{
		ActionID:        action.ID,
		PaymentIntentID: action.PaymentIntentID,
		UserID:          action.UserID,
		Kind:            action.Kind,
		Status:          status,
		Amount:          action.Amount,
		FailureReason:   failureReason,
		Timestamp:       s.now().UTC(),
	}); err != nil {
		log.Printf("level=warn component=service flow=vault msg=\"failed to publish vault action event\" action_id=%s err=%v", action.ID, err)
	}
}

// MarkToMarket refreshes the redemption value of every open position.
func (s *Service) MarkToMarket(ctx context.Context, limit int) (*domain.VaultBatchResult, error) {
	limit = clampBatchLimit(limit)
	result := &domain.VaultBatchResult{Stage: "mark_to_market", StartedAt: s.now().UTC()}

	positions, err := s.repo.ListVaultPositions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault positions: %w", err)
	}

	for _, position := range positions {
		item := domain.VaultItemOutcome{}
		value, err := s.vault.PreviewRedeem(ctx, position.Shares)
		if err != nil {
			item.Outcome = domain.OutcomeLookupUnavailable
			item.Detail = err.Error()
			result.Items = append(result.Items, item)
			log.Printf("level=warn component=service flow=mark_to_market msg=\"valuation failed\" user_id=%s err=%v", position.UserID, err)
			continue
		}
		if err := s.repo.UpdateVaultPositionMark(ctx, position.UserID, value, s.now().UTC()); err != nil {
			item.Outcome = domain.OutcomeFailed
			item.Detail = err.Error()
			result.Items = append(result.Items, item)
			continue
		}
		item.Outcome = domain.OutcomeMarked
		result.Items = append(result.Items, item)
	}

	result.Processed = len(result.Items)
	return result, nil
}
