/**
 * @description
 * The settlement watchdog sweeps SUBMITTED actions that reconcile has not
 * resolved. Two age thresholds drive it: past staleAfter the watchdog probes
 * the node itself; past hardFailAfter with still no conclusive receipt the
 * action is failed so the pipeline stops waiting on it. An action submitted
 * without a tx reference can never confirm and is failed immediately.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stashly/ledger-service/internal/domain"
	"github.com/stashly/ledger-service/pkg/vaultclient"
)

// Watchdog sweeps stuck submitted actions across all kinds.
func (s *Service) Watchdog(ctx context.Context, limit int) (*domain.VaultBatchResult, error) {
	limit = clampBatchLimit(limit)
	now := s.now().UTC()
	result := &domain.VaultBatchResult{Stage: "watchdog", StartedAt: now}

	for _, kind := range []string{domain.VaultActionDeposit, domain.VaultActionWithdrawRequest, domain.VaultActionRedeem} {
		actions, err := s.repo.ListVaultActions(ctx, kind, domain.VaultStatusSubmitted, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list submitted %s actions: %w", kind, err)
		}
		for i := range actions {
			result.Items = append(result.Items, s.watchAction(ctx, &actions[i], now))
		}
	}

	result.Processed = len(result.Items)
	return result, nil
}

func (s *Service) watchAction(ctx context.Context, action *domain.VaultAction, now time.Time) domain.VaultItemOutcome {
	item := domain.VaultItemOutcome{ActionID: action.ID, PaymentIntentID: action.PaymentIntentID}

	if action.TxRef == nil || *action.TxRef == "" {
		reason := "submitted without tx reference"
		moved, err := s.repo.MarkVaultActionFailed(ctx, action.ID, reason, now)
		if err != nil {
			item.Outcome = domain.OutcomeLookupUnavailable
			item.Detail = err.Error()
			return item
		}
		if moved {
			s.publishVaultAction(ctx, action, domain.VaultStatusFailed, reason)
			log.Printf("level=warn component=service flow=vault_watchdog msg=\"failed action without tx reference\" action_id=%s", action.ID)
		}
		item.Outcome = domain.OutcomeFailed
		item.Detail = reason
		return item
	}

	age := now.Sub(s.submittedAt(action))
	if age < s.staleAfter {
		item.Outcome = domain.OutcomeNotYetEligible
		return item
	}

	receipt, err := s.vault.GetReceipt(ctx, *action.TxRef)
	if err != nil {
		// No resolvable outcome, whether the node answered not-found or the
		// lookup itself keeps failing. Past the hard-fail deadline the action
		// is failed either way so it cannot sit in limbo forever.
		if age >= s.hardFailAfter {
			reason := "no confirmation before deadline"
			moved, failErr := s.repo.MarkVaultActionFailed(ctx, action.ID, reason, now)
			if failErr != nil {
				item.Outcome = domain.OutcomeLookupUnavailable
				item.Detail = failErr.Error()
				return item
			}
			if moved {
				s.publishVaultAction(ctx, action, domain.VaultStatusFailed, reason)
				log.Printf("level=warn component=service flow=vault_watchdog msg=\"hard-failed unconfirmed action\" action_id=%s age=%s", action.ID, age)
			}
			item.Outcome = domain.OutcomeFailed
			item.Detail = reason
			return item
		}
		if errors.Is(err, vaultclient.ErrReceiptNotFound) {
			if annErr := s.repo.AnnotateVaultAction(ctx, action.ID, domain.AnnotationNoConfirmationEvent, "stale probe found no receipt"); annErr != nil {
				log.Printf("level=warn component=service flow=vault_watchdog msg=\"failed to annotate stale probe\" action_id=%s err=%v", action.ID, annErr)
			}
			item.Outcome = domain.OutcomeStaleProbed
			return item
		}
		if annErr := s.repo.AnnotateVaultAction(ctx, action.ID, domain.AnnotationLookupUnavailable, err.Error()); annErr != nil {
			log.Printf("level=warn component=service flow=vault_watchdog msg=\"failed to annotate lookup error\" action_id=%s err=%v", action.ID, annErr)
		}
		item.Outcome = domain.OutcomeLookupUnavailable
		item.Detail = err.Error()
		return item
	}

	// The probe found a conclusive receipt; resolve it the same way reconcile
	// would have.
	return s.applyReceipt(ctx, action, receipt)
}

// submittedAt is the age anchor for threshold checks.
func (s *Service) submittedAt(action *domain.VaultAction) time.Time {
	if action.SubmittedAt != nil {
		return *action.SubmittedAt
	}
	return action.CreatedAt
}
