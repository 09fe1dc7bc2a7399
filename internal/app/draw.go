/**
 * @description
 * Interactive challenge operations: pool draws and dice rolls. Both are
 * day-keyed; repeating the operation inside the same UTC day replays the
 * stored result instead of drawing again. Randomness comes through the
 * injected intn so tests can pin outcomes.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/stashly/ledger-service/internal/domain"
)

// Draw performs (or replays) today's draw for a pool-draw challenge. The drawn
// value leaves the pool permanently; exhausting the pool completes the
// challenge.
func (s *Service) Draw(ctx context.Context, challengeID uuid.UUID) (*domain.DrawResult, error) {
	ch, err := s.repo.FindChallengeByID(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Kind != domain.ChallengeKindPoolDraw {
		return nil, ErrKindMismatch
	}
	if ch.Status != domain.ChallengeStatusActive {
		return nil, ErrChallengeInactive
	}
	rules := ch.Rules.PoolDraw
	if rules == nil {
		return nil, ErrMalformedRules
	}

	today := dayStart(s.now())
	key := eventKey(ch.ID, today.Format(windowKeyLayout))

	if ch.State.LastDrawDay == today.Format(windowKeyLayout) {
		return s.replayDraw(ctx, key)
	}

	remaining := remainingPool(rules, ch.State)
	if len(remaining) == 0 {
		if err := s.repo.MarkChallengeCompleted(ctx, ch.ID); err != nil {
			log.Printf("level=warn component=service flow=draw msg=\"failed to complete exhausted challenge\" challenge_id=%s err=%v", ch.ID, err)
		}
		return nil, ErrPoolExhausted
	}

	idx := s.intn(len(remaining))
	value := remaining[idx]
	amount := int64(value) * rules.UnitAmount

	newPool := make([]int, 0, len(remaining)-1)
	newPool = append(newPool, remaining[:idx]...)
	newPool = append(newPool, remaining[idx+1:]...)

	newState := domain.ChallengeState{
		RemainingPool: newPool,
		DrawnValues:   append(append([]int(nil), ch.State.DrawnValues...), value),
		LastDrawDay:   today.Format(windowKeyLayout),
	}

	event := &domain.ChallengeEvent{
		ChallengeID:    ch.ID,
		UserID:         ch.UserID,
		ScheduledFor:   today,
		IdempotencyKey: key,
		Amount:         amount,
		Payload:        domain.EventPayload{DrawnValue: value},
	}
	stored, created, err := s.repo.RecordDraw(ctx, event, newState)
	if err != nil {
		return nil, fmt.Errorf("failed to record draw: %w", err)
	}
	if !created {
		// Another worker drew first; return its result.
		return s.drawResultFromEvent(ctx, ch, stored, true)
	}

	if len(newPool) == 0 {
		if err := s.repo.MarkChallengeCompleted(ctx, ch.ID); err != nil {
			log.Printf("level=warn component=service flow=draw msg=\"failed to complete exhausted challenge\" challenge_id=%s err=%v", ch.ID, err)
		}
	}

	log.Printf("level=info component=service flow=draw msg=\"draw recorded\" challenge_id=%s value=%d amount=%d remaining=%d", ch.ID, value, amount, len(newPool))
	return s.drawResultFromEvent(ctx, ch, stored, false)
}

func (s *Service) replayDraw(ctx context.Context, key string) (*domain.DrawResult, error) {
	event, err := s.repo.FindChallengeEventByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	ch, err := s.repo.FindChallengeByID(ctx, event.ChallengeID)
	if err != nil {
		return nil, err
	}
	return s.drawResultFromEvent(ctx, ch, event, true)
}

func (s *Service) drawResultFromEvent(ctx context.Context, ch *domain.UserChallenge, event *domain.ChallengeEvent, replayed bool) (*domain.DrawResult, error) {
	result := &domain.DrawResult{
		Event:      event,
		DrawnValue: event.Payload.DrawnValue,
		Amount:     event.Amount,
		Replayed:   replayed,
		Committed:  event.Committed(),
	}
	if ch.Rules.PoolDraw != nil {
		fresh, err := s.repo.FindChallengeByID(ctx, ch.ID)
		if err == nil {
			result.Remaining = len(remainingPool(ch.Rules.PoolDraw, fresh.State))
		}
	}

	if !replayed && ch.AutoCommit && !event.Committed() {
		committed, skipReason, err := s.commitUnderDailyCap(ctx, event, event.Amount)
		if err != nil {
			log.Printf("level=warn component=service flow=draw msg=\"inline commit failed\" event_id=%s err=%v", event.ID, err)
		} else if committed {
			result.Committed = true
		} else if skipReason != "" {
			log.Printf("level=info component=service flow=draw msg=\"inline commit deferred\" event_id=%s reason=%s", event.ID, skipReason)
		}
	}
	return result, nil
}

// Roll performs (or replays) today's dice roll for a dice-roll challenge.
func (s *Service) Roll(ctx context.Context, challengeID uuid.UUID) (*domain.RollResult, error) {
	ch, err := s.repo.FindChallengeByID(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Kind != domain.ChallengeKindDiceRoll {
		return nil, ErrKindMismatch
	}
	if ch.Status != domain.ChallengeStatusActive {
		return nil, ErrChallengeInactive
	}
	rules := ch.Rules.DiceRoll
	if rules == nil || rules.Sides < 1 || rules.DiceCount < 1 {
		return nil, ErrMalformedRules
	}

	today := dayStart(s.now())
	todayKey := today.Format(windowKeyLayout)
	key := eventKey(ch.ID, todayKey)

	if ch.State.LastDrawDay == todayKey {
		event, err := s.repo.FindChallengeEventByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		return &domain.RollResult{
			Event:     event,
			Rolls:     event.Payload.RollValues,
			Amount:    event.Amount,
			Replayed:  true,
			Committed: event.Committed(),
		}, nil
	}

	rolls := make([]int, rules.DiceCount)
	var total int
	for i := range rolls {
		rolls[i] = s.intn(rules.Sides) + 1
		total += rolls[i]
	}
	amount := int64(total) * rules.UnitAmount

	newState := ch.State
	newState.LastDrawDay = todayKey

	event := &domain.ChallengeEvent{
		ChallengeID:    ch.ID,
		UserID:         ch.UserID,
		ScheduledFor:   today,
		IdempotencyKey: key,
		Amount:         amount,
		Payload:        domain.EventPayload{RollValues: rolls},
	}
	stored, created, err := s.repo.RecordDraw(ctx, event, newState)
	if err != nil {
		return nil, fmt.Errorf("failed to record roll: %w", err)
	}

	result := &domain.RollResult{
		Event:     stored,
		Rolls:     stored.Payload.RollValues,
		Amount:    stored.Amount,
		Replayed:  !created,
		Committed: stored.Committed(),
	}
	if created {
		log.Printf("level=info component=service flow=roll msg=\"roll recorded\" challenge_id=%s total=%d amount=%d", ch.ID, total, amount)
		if ch.AutoCommit && !stored.Committed() {
			committed, skipReason, err := s.commitUnderDailyCap(ctx, stored, stored.Amount)
			if err != nil {
				log.Printf("level=warn component=service flow=roll msg=\"inline commit failed\" event_id=%s err=%v", stored.ID, err)
			} else if committed {
				result.Committed = true
			} else if skipReason != "" {
				log.Printf("level=info component=service flow=roll msg=\"inline commit deferred\" event_id=%s reason=%s", stored.ID, skipReason)
			}
		}
	}
	return result, nil
}
