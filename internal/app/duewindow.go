/**
 * @description
 * The due-window oracle: pure calendar math answering "is this challenge due
 * right now, for which window, and for how much". All windows are UTC. The
 * oracle never touches storage or the clock; callers pass `now` in, which is
 * what makes the policies testable against fixed instants.
 */

package app

import (
	"time"

	"github.com/stashly/ledger-service/internal/domain"
)

const windowKeyLayout = "2006-01-02"

// dayStart truncates an instant to its UTC calendar day.
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStartOn returns the most recent occurrence of weekday at or before day.
func weekStartOn(day time.Time, weekday time.Weekday) time.Time {
	day = dayStart(day)
	offset := (int(day.Weekday()) - int(weekday) + 7) % 7
	return day.AddDate(0, 0, -offset)
}

// firstAnchorOn returns the first occurrence of weekday at or after day.
func firstAnchorOn(day time.Time, weekday time.Weekday) time.Time {
	day = dayStart(day)
	offset := (int(weekday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, offset)
}

// ResolveDueWindow answers whether ch is due at instant now. For ladder
// challenges past their final week the answer carries the out-of-range week
// number with Due=false, which is how the scheduler notices completion.
func ResolveDueWindow(ch *domain.UserChallenge, now time.Time) (domain.DueWindow, error) {
	if ch.Status != domain.ChallengeStatusActive {
		return domain.DueWindow{}, ErrChallengeInactive
	}

	day := dayStart(now)
	startDay := dayStart(ch.StartDate)

	switch ch.Kind {
	case domain.ChallengeKindDailyFixed:
		rules := ch.Rules.DailyFixed
		if rules == nil {
			return domain.DueWindow{}, ErrMalformedRules
		}
		if day.Before(startDay) {
			return domain.DueWindow{}, nil
		}
		return domain.DueWindow{
			Due:         true,
			WindowStart: day,
			WindowEnd:   day.AddDate(0, 0, 1),
			WindowKey:   day.Format(windowKeyLayout),
			Action:      domain.DueActionAutoDeposit,
			Amount:      rules.Amount,
			AmountKnown: true,
		}, nil

	case domain.ChallengeKindWeeklyIncrement:
		rules := ch.Rules.WeeklyIncrement
		if rules == nil {
			return domain.DueWindow{}, ErrMalformedRules
		}
		firstWeek := firstAnchorOn(startDay, rules.AnchorWeekday)
		weekStart := weekStartOn(day, rules.AnchorWeekday)
		if weekStart.Before(firstWeek) {
			return domain.DueWindow{}, nil
		}
		weekNumber := int(weekStart.Sub(firstWeek)/(7*24*time.Hour)) + 1
		window := domain.DueWindow{
			WindowStart: weekStart,
			WindowEnd:   weekStart.AddDate(0, 0, 7),
			WindowKey:   weekStart.Format(windowKeyLayout),
			Action:      domain.DueActionAutoDeposit,
			WeekNumber:  weekNumber,
		}
		if rules.MaxWeeks > 0 && weekNumber > rules.MaxWeeks {
			return window, nil
		}
		window.Due = true
		window.Amount = rules.BaseAmount + int64(weekNumber-1)*rules.Increment
		window.AmountKnown = true
		return window, nil

	case domain.ChallengeKindWeeklyChoice:
		rules := ch.Rules.WeeklyChoice
		if rules == nil {
			return domain.DueWindow{}, ErrMalformedRules
		}
		if day.Before(startDay) || day.Weekday() != rules.Weekday {
			return domain.DueWindow{}, nil
		}
		return domain.DueWindow{
			Due:         true,
			WindowStart: day,
			WindowEnd:   day.AddDate(0, 0, 1),
			WindowKey:   day.Format(windowKeyLayout),
			Action:      domain.DueActionAutoDeposit,
			Amount:      rules.Amount,
			AmountKnown: true,
		}, nil

	case domain.ChallengeKindPoolDraw:
		rules := ch.Rules.PoolDraw
		if rules == nil {
			return domain.DueWindow{}, ErrMalformedRules
		}
		window := domain.DueWindow{
			WindowStart: day,
			WindowEnd:   day.AddDate(0, 0, 1),
			WindowKey:   day.Format(windowKeyLayout),
			Action:      domain.DueActionDraw,
		}
		if day.Before(startDay) {
			return domain.DueWindow{}, nil
		}
		if len(remainingPool(rules, ch.State)) == 0 {
			return window, nil
		}
		if ch.State.LastDrawDay == window.WindowKey {
			return window, nil
		}
		window.Due = true
		return window, nil

	case domain.ChallengeKindDiceRoll:
		rules := ch.Rules.DiceRoll
		if rules == nil {
			return domain.DueWindow{}, ErrMalformedRules
		}
		window := domain.DueWindow{
			WindowStart: day,
			WindowEnd:   day.AddDate(0, 0, 1),
			WindowKey:   day.Format(windowKeyLayout),
			Action:      domain.DueActionRoll,
		}
		if day.Before(startDay) {
			return domain.DueWindow{}, nil
		}
		if ch.State.LastDrawDay == window.WindowKey {
			return window, nil
		}
		window.Due = true
		return window, nil
	}

	return domain.DueWindow{}, ErrMalformedRules
}

// DueWindowsBetween enumerates the due windows of an auto-deposit challenge
// whose starts fall in (after, now], oldest first, capped at limit. Interactive
// kinds have no auto windows and return nothing.
func DueWindowsBetween(ch *domain.UserChallenge, after, now time.Time, limit int) ([]domain.DueWindow, error) {
	if limit <= 0 {
		return nil, nil
	}

	var cursor time.Time
	var step func(time.Time) time.Time

	switch ch.Kind {
	case domain.ChallengeKindDailyFixed, domain.ChallengeKindWeeklyChoice:
		cursor = dayStart(ch.StartDate)
		if !after.IsZero() && dayStart(after).AddDate(0, 0, 1).After(cursor) {
			cursor = dayStart(after).AddDate(0, 0, 1)
		}
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }

	case domain.ChallengeKindWeeklyIncrement:
		rules := ch.Rules.WeeklyIncrement
		if rules == nil {
			return nil, ErrMalformedRules
		}
		cursor = firstAnchorOn(dayStart(ch.StartDate), rules.AnchorWeekday)
		if !after.IsZero() {
			next := weekStartOn(dayStart(after), rules.AnchorWeekday).AddDate(0, 0, 7)
			if next.After(cursor) {
				cursor = next
			}
		}
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }

	default:
		return nil, nil
	}

	var windows []domain.DueWindow
	for !cursor.After(now.UTC()) && len(windows) < limit {
		window, err := ResolveDueWindow(ch, cursor)
		if err != nil {
			return nil, err
		}
		if window.Due {
			windows = append(windows, window)
		} else if window.WeekNumber > 0 {
			// Past the final ladder week; nothing further will come due.
			break
		}
		cursor = step(cursor)
	}
	return windows, nil
}

// remainingPool derives the values still drawable. A fresh state means the
// full 1..PoolSize pool.
func remainingPool(rules *domain.PoolDrawRules, state domain.ChallengeState) []int {
	if state.RemainingPool != nil {
		return state.RemainingPool
	}
	drawn := make(map[int]bool, len(state.DrawnValues))
	for _, v := range state.DrawnValues {
		drawn[v] = true
	}
	pool := make([]int, 0, rules.PoolSize)
	for v := 1; v <= rules.PoolSize; v++ {
		if !drawn[v] {
			pool = append(pool, v)
		}
	}
	return pool
}
