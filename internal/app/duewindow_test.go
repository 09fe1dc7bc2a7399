package app

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stashly/ledger-service/internal/domain"
)

func day(value string) time.Time {
	t, err := time.Parse(windowKeyLayout, value)
	if err != nil {
		panic(err)
	}
	return t
}

func TestResolveDueWindowDailyFixed(t *testing.T) {
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindDailyFixed,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-03-01"),
		Rules:     domain.ChallengeRules{DailyFixed: &domain.DailyFixedRules{Amount: 250}},
	}

	window, err := ResolveDueWindow(ch, day("2026-03-10").Add(14*time.Hour))
	if err != nil {
		t.Fatalf("ResolveDueWindow: %v", err)
	}
	if !window.Due {
		t.Fatal("expected daily challenge to be due")
	}
	if window.WindowKey != "2026-03-10" {
		t.Errorf("window key = %q, want 2026-03-10", window.WindowKey)
	}
	if window.Amount != 250 || !window.AmountKnown {
		t.Errorf("amount = %d known=%v, want 250 known", window.Amount, window.AmountKnown)
	}
	if window.Action != domain.DueActionAutoDeposit {
		t.Errorf("action = %q, want %q", window.Action, domain.DueActionAutoDeposit)
	}

	// Before the start date nothing is due.
	early, err := ResolveDueWindow(ch, day("2026-02-20"))
	if err != nil {
		t.Fatalf("ResolveDueWindow before start: %v", err)
	}
	if early.Due {
		t.Error("daily challenge due before its start date")
	}
}

func TestResolveDueWindowWeeklyIncrementLadder(t *testing.T) {
	// Start Monday 2026-01-05 with a Monday anchor: week 1 = 100, +100/week.
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindWeeklyIncrement,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-01-05"),
		Rules: domain.ChallengeRules{WeeklyIncrement: &domain.WeeklyIncrementRules{
			AnchorWeekday: time.Monday,
			BaseAmount:    100,
			Increment:     100,
			MaxWeeks:      52,
		}},
	}

	// Thursday of week 5.
	window, err := ResolveDueWindow(ch, day("2026-02-05").Add(9*time.Hour))
	if err != nil {
		t.Fatalf("ResolveDueWindow: %v", err)
	}
	if !window.Due {
		t.Fatal("expected ladder week 5 to be due")
	}
	if window.WindowKey != "2026-02-02" {
		t.Errorf("window key = %q, want 2026-02-02", window.WindowKey)
	}
	if window.WeekNumber != 5 {
		t.Errorf("week number = %d, want 5", window.WeekNumber)
	}
	if window.Amount != 500 {
		t.Errorf("amount = %d, want 500", window.Amount)
	}
	if !window.WindowEnd.Equal(day("2026-02-09")) {
		t.Errorf("window end = %v, want 2026-02-09", window.WindowEnd)
	}
}

func TestResolveDueWindowWeeklyIncrementBounds(t *testing.T) {
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindWeeklyIncrement,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-01-07"), // Wednesday
		Rules: domain.ChallengeRules{WeeklyIncrement: &domain.WeeklyIncrementRules{
			AnchorWeekday: time.Monday,
			BaseAmount:    100,
			Increment:     50,
			MaxWeeks:      3,
		}},
	}

	// The first anchor after a Wednesday start is the following Monday.
	window, err := ResolveDueWindow(ch, day("2026-01-12"))
	if err != nil {
		t.Fatalf("ResolveDueWindow: %v", err)
	}
	if !window.Due || window.WeekNumber != 1 || window.Amount != 100 {
		t.Errorf("first week: due=%v week=%d amount=%d, want due week 1 amount 100", window.Due, window.WeekNumber, window.Amount)
	}

	// Between start and the first anchor nothing is due.
	before, err := ResolveDueWindow(ch, day("2026-01-08"))
	if err != nil {
		t.Fatalf("ResolveDueWindow before anchor: %v", err)
	}
	if before.Due {
		t.Error("ladder due before its first anchor")
	}

	// Past MaxWeeks the window carries the out-of-range week with Due=false.
	past, err := ResolveDueWindow(ch, day("2026-02-10"))
	if err != nil {
		t.Fatalf("ResolveDueWindow past final week: %v", err)
	}
	if past.Due {
		t.Error("ladder still due past its final week")
	}
	if past.WeekNumber != 5 {
		t.Errorf("out-of-range week number = %d, want 5", past.WeekNumber)
	}
}

func TestResolveDueWindowWeeklyChoice(t *testing.T) {
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindWeeklyChoice,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-03-01"),
		Rules:     domain.ChallengeRules{WeeklyChoice: &domain.WeeklyChoiceRules{Weekday: time.Friday, Amount: 700}},
	}

	friday, err := ResolveDueWindow(ch, day("2026-03-06"))
	if err != nil {
		t.Fatalf("ResolveDueWindow: %v", err)
	}
	if !friday.Due || friday.Amount != 700 {
		t.Errorf("friday: due=%v amount=%d, want due 700", friday.Due, friday.Amount)
	}

	saturday, err := ResolveDueWindow(ch, day("2026-03-07"))
	if err != nil {
		t.Fatalf("ResolveDueWindow: %v", err)
	}
	if saturday.Due {
		t.Error("weekly choice due on the wrong weekday")
	}
}

func TestResolveDueWindowPoolDraw(t *testing.T) {
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindPoolDraw,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-03-01"),
		Rules:     domain.ChallengeRules{PoolDraw: &domain.PoolDrawRules{PoolSize: 3, UnitAmount: 10}},
	}

	window, err := ResolveDueWindow(ch, day("2026-03-02"))
	if err != nil {
		t.Fatalf("ResolveDueWindow: %v", err)
	}
	if !window.Due || window.Action != domain.DueActionDraw {
		t.Errorf("fresh pool: due=%v action=%q, want due draw", window.Due, window.Action)
	}
	if window.AmountKnown {
		t.Error("draw amount should not be known before the draw")
	}

	// Already drawn today.
	ch.State.LastDrawDay = "2026-03-02"
	drawn, _ := ResolveDueWindow(ch, day("2026-03-02"))
	if drawn.Due {
		t.Error("pool draw due again on its draw day")
	}

	// Exhausted pool.
	ch.State = domain.ChallengeState{RemainingPool: []int{}}
	exhausted, _ := ResolveDueWindow(ch, day("2026-03-03"))
	if exhausted.Due {
		t.Error("exhausted pool still due")
	}
}

func TestResolveDueWindowRejectsInactiveAndMalformed(t *testing.T) {
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindDailyFixed,
		Status:    domain.ChallengeStatusCompleted,
		StartDate: day("2026-01-01"),
		Rules:     domain.ChallengeRules{DailyFixed: &domain.DailyFixedRules{Amount: 100}},
	}
	if _, err := ResolveDueWindow(ch, day("2026-01-02")); !errors.Is(err, ErrChallengeInactive) {
		t.Errorf("inactive challenge: err = %v, want ErrChallengeInactive", err)
	}

	ch.Status = domain.ChallengeStatusActive
	ch.Rules = domain.ChallengeRules{} // discriminant without a variant
	if _, err := ResolveDueWindow(ch, day("2026-01-02")); !errors.Is(err, ErrMalformedRules) {
		t.Errorf("missing rules variant: err = %v, want ErrMalformedRules", err)
	}
}

func TestDueWindowsBetweenDaily(t *testing.T) {
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindDailyFixed,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-04-01"),
		Rules:     domain.ChallengeRules{DailyFixed: &domain.DailyFixedRules{Amount: 100}},
	}

	windows, err := DueWindowsBetween(ch, day("2026-04-02"), day("2026-04-05").Add(8*time.Hour), 30)
	if err != nil {
		t.Fatalf("DueWindowsBetween: %v", err)
	}
	keys := make([]string, len(windows))
	for i, w := range windows {
		keys[i] = w.WindowKey
	}
	want := []string{"2026-04-03", "2026-04-04", "2026-04-05"}
	if len(keys) != len(want) {
		t.Fatalf("windows = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("window[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestDueWindowsBetweenHonorsCatchUpLimit(t *testing.T) {
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindDailyFixed,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-01-01"),
		Rules:     domain.ChallengeRules{DailyFixed: &domain.DailyFixedRules{Amount: 100}},
	}

	windows, err := DueWindowsBetween(ch, time.Time{}, day("2026-03-01"), 5)
	if err != nil {
		t.Fatalf("DueWindowsBetween: %v", err)
	}
	if len(windows) != 5 {
		t.Fatalf("len(windows) = %d, want the 5-window cap", len(windows))
	}
	if windows[0].WindowKey != "2026-01-01" {
		t.Errorf("first window = %q, want 2026-01-01", windows[0].WindowKey)
	}
}

func TestDueWindowsBetweenWeeklyIncrementStopsAtLadderEnd(t *testing.T) {
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindWeeklyIncrement,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-01-05"),
		Rules: domain.ChallengeRules{WeeklyIncrement: &domain.WeeklyIncrementRules{
			AnchorWeekday: time.Monday,
			BaseAmount:    100,
			Increment:     100,
			MaxWeeks:      2,
		}},
	}

	windows, err := DueWindowsBetween(ch, time.Time{}, day("2026-03-01"), 30)
	if err != nil {
		t.Fatalf("DueWindowsBetween: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("len(windows) = %d, want 2 (ladder ends)", len(windows))
	}
	if windows[0].Amount != 100 || windows[1].Amount != 200 {
		t.Errorf("amounts = %d,%d, want 100,200", windows[0].Amount, windows[1].Amount)
	}
}

func TestDueWindowsBetweenInteractiveKindsProduceNothing(t *testing.T) {
	ch := &domain.UserChallenge{
		ID:        uuid.New(),
		Kind:      domain.ChallengeKindPoolDraw,
		Status:    domain.ChallengeStatusActive,
		StartDate: day("2026-01-01"),
		Rules:     domain.ChallengeRules{PoolDraw: &domain.PoolDrawRules{PoolSize: 10, UnitAmount: 1}},
	}
	windows, err := DueWindowsBetween(ch, time.Time{}, day("2026-02-01"), 30)
	if err != nil {
		t.Fatalf("DueWindowsBetween: %v", err)
	}
	if len(windows) != 0 {
		t.Errorf("interactive kind produced %d auto windows, want none", len(windows))
	}
}
