/**
 * @description
 * Bulk scheduling and committing of challenge events. RunDueChallenges walks
 * each active auto-deposit challenge from its cursor to now, materializing one
 * event per due window; CommitPending converts a user's uncommitted events
 * into settled deposits under the spending caps.
 *
 * Cap semantics differ on purpose: the daily cap is a per-user budget, so a
 * too-large item is skipped and the scan keeps looking for smaller ones; the
 * per-run cap is an invocation budget, so tripping it stops the scan outright.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stashly/ledger-service/internal/domain"
)

const (
	defaultRunDueLimit     = 200
	maxRunDueLimit         = 1000
	defaultCommitScanLimit = 50
	maxCommitScanLimit     = 500
)

// eventKey derives the idempotency key for one (challenge, window) pair.
func eventKey(challengeID uuid.UUID, windowKey string) string {
	return fmt.Sprintf("evt:%s:%s", challengeID, windowKey)
}

var autoDepositKinds = []string{
	domain.ChallengeKindDailyFixed,
	domain.ChallengeKindWeeklyIncrement,
	domain.ChallengeKindWeeklyChoice,
}

// nextWindowStart is the instant the challenge's next window opens after now.
func nextWindowStart(ch *domain.UserChallenge, now time.Time) time.Time {
	if ch.Kind == domain.ChallengeKindWeeklyIncrement && ch.Rules.WeeklyIncrement != nil {
		return weekStartOn(dayStart(now), ch.Rules.WeeklyIncrement.AnchorWeekday).AddDate(0, 0, 7)
	}
	return dayStart(now).AddDate(0, 0, 1)
}

// RunDueChallenges materializes events for every active auto-deposit challenge
// whose windows came due since its last run. Challenges are processed
// independently; one bad challenge never aborts the pass.
func (s *Service) RunDueChallenges(ctx context.Context, limit int) (*domain.RunDueResult, error) {
	if limit <= 0 {
		limit = defaultRunDueLimit
	}
	if limit > maxRunDueLimit {
		limit = maxRunDueLimit
	}
	// Catch-up disabled means at most one window per pass; the cursor only
	// advances past processed windows, so later passes pick up the rest.
	catchUp := s.catchUpLimit
	if catchUp <= 0 {
		catchUp = 1
	}

	challenges, err := s.repo.ListActiveChallenges(ctx, autoDepositKinds, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active challenges: %w", err)
	}

	now := s.now().UTC()
	result := &domain.RunDueResult{ChallengesSeen: len(challenges)}

	for i := range challenges {
		ch := &challenges[i]

		var after time.Time
		if ch.LastRunAt != nil {
			after = *ch.LastRunAt
		}

		windows, err := DueWindowsBetween(ch, after, now, catchUp)
		if err != nil {
			result.Failed++
			result.Items = append(result.Items, domain.RunDueItem{
				ChallengeID: ch.ID,
				Error:       err.Error(),
			})
			log.Printf("level=warn component=service flow=run_due msg=\"failed to resolve windows\" challenge_id=%s err=%v", ch.ID, err)
			continue
		}

		for _, window := range windows {
			event := &domain.ChallengeEvent{
				ChallengeID:    ch.ID,
				UserID:         ch.UserID,
				ScheduledFor:   window.WindowStart,
				IdempotencyKey: eventKey(ch.ID, window.WindowKey),
				Amount:         window.Amount,
				Payload:        domain.EventPayload{WeekNumber: window.WeekNumber},
			}
			stored, created, err := s.repo.CreateChallengeEventIfAbsent(ctx, event)
			if err != nil {
				result.Failed++
				result.Items = append(result.Items, domain.RunDueItem{
					ChallengeID: ch.ID,
					WindowKey:   window.WindowKey,
					Error:       err.Error(),
				})
				continue
			}
			if created {
				result.EventsCreated++
			} else {
				result.EventsExisting++
			}

			item := domain.RunDueItem{
				ChallengeID: ch.ID,
				WindowKey:   window.WindowKey,
				EventID:     stored.ID,
				Created:     created,
				Amount:      stored.Amount,
			}

			if ch.AutoCommit && !stored.Committed() {
				committed, skipReason, commitErr := s.commitUnderDailyCap(ctx, stored, stored.Amount)
				if commitErr != nil {
					item.Error = commitErr.Error()
					result.Failed++
				} else if committed {
					item.Committed = true
					result.Committed++
				} else if skipReason != "" {
					log.Printf("level=info component=service flow=run_due msg=\"inline commit deferred\" challenge_id=%s event_id=%s reason=%s", ch.ID, stored.ID, skipReason)
				}
			}
			result.Items = append(result.Items, item)
		}

		// Advance the cursor only past the windows this pass materialized.
		// When the catch-up limit truncated the list, the cursor stops at
		// the last processed window and the next pass resumes there.
		truncated := len(windows) == catchUp
		runAt, next := now, nextWindowStart(ch, now)
		if truncated {
			last := windows[len(windows)-1]
			runAt = last.WindowStart
			next = last.WindowEnd
		}

		// A ladder past its final week has nothing further to produce. Skip
		// the check while windows may remain beyond the truncation point.
		if !truncated && ch.Kind == domain.ChallengeKindWeeklyIncrement {
			current, resolveErr := ResolveDueWindow(ch, now)
			if resolveErr == nil && !current.Due && current.WeekNumber > 0 {
				if err := s.repo.MarkChallengeCompleted(ctx, ch.ID); err != nil {
					log.Printf("level=warn component=service flow=run_due msg=\"failed to mark challenge completed\" challenge_id=%s err=%v", ch.ID, err)
				} else {
					result.Completed++
				}
			}
		}

		if err := s.repo.UpdateChallengeCursor(ctx, ch.ID, runAt, next); err != nil {
			log.Printf("level=warn component=service flow=run_due msg=\"failed to advance cursor\" challenge_id=%s err=%v", ch.ID, err)
		}
	}

	return result, nil
}

// commitUnderDailyCap commits an event unless doing so would push the user's
// committed total for the current UTC day past the daily cap.
func (s *Service) commitUnderDailyCap(ctx context.Context, event *domain.ChallengeEvent, amount int64) (bool, string, error) {
	if s.dailyCommitCap > 0 {
		day := dayStart(s.now())
		committedToday, err := s.repo.SumCommittedForWindow(ctx, event.UserID, day, day.AddDate(0, 0, 1))
		if err != nil {
			return false, "", fmt.Errorf("failed to sum committed amounts: %w", err)
		}
		if committedToday+amount > s.dailyCommitCap {
			return false, domain.SkipReasonDailyCap, nil
		}
	}
	_, committed, err := s.commitEvent(ctx, event, amount)
	if err != nil {
		return false, "", err
	}
	return committed, "", nil
}

// CommitPending scans a user's uncommitted events in scheduled order and
// commits each one the caps allow. Items over the daily cap are skipped and
// the scan continues; the per-run cap ends the scan at the item that trips it.
func (s *Service) CommitPending(ctx context.Context, userID uuid.UUID, limit int) (*domain.CommitPendingResult, error) {
	if limit <= 0 {
		limit = defaultCommitScanLimit
	}
	if limit > maxCommitScanLimit {
		limit = maxCommitScanLimit
	}

	events, err := s.repo.ListUncommittedEvents(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list uncommitted events: %w", err)
	}

	result := &domain.CommitPendingResult{Scanned: len(events)}
	if len(events) == 0 {
		return result, nil
	}

	var committedToday int64
	if s.dailyCommitCap > 0 {
		day := dayStart(s.now())
		committedToday, err = s.repo.SumCommittedForWindow(ctx, userID, day, day.AddDate(0, 0, 1))
		if err != nil {
			return nil, fmt.Errorf("failed to sum committed amounts: %w", err)
		}
	}

	var runTotal int64
	for i := range events {
		event := &events[i]
		item := domain.CommitPendingItem{EventID: event.ID, Amount: event.Amount}

		if s.dailyCommitCap > 0 && committedToday+event.Amount > s.dailyCommitCap {
			item.SkipReason = domain.SkipReasonDailyCap
			result.Skipped++
			result.Items = append(result.Items, item)
			continue
		}
		if s.perRunCommitCap > 0 && runTotal+event.Amount > s.perRunCommitCap {
			item.SkipReason = domain.SkipReasonRunCap
			result.Skipped++
			result.Stopped = true
			result.Items = append(result.Items, item)
			break
		}

		intent, committed, err := s.commitEvent(ctx, event, event.Amount)
		if err != nil {
			item.Error = err.Error()
			result.Items = append(result.Items, item)
			log.Printf("level=warn component=service flow=commit_pending msg=\"commit failed\" event_id=%s err=%v", event.ID, err)
			continue
		}
		if intent != nil {
			item.PaymentIntentID = &intent.ID
		}
		if committed {
			item.Committed = true
			result.Committed++
			result.TotalCommitted += event.Amount
			committedToday += event.Amount
			runTotal += event.Amount
		} else {
			item.AlreadySettled = true
		}
		result.Items = append(result.Items, item)
	}

	return result, nil
}
