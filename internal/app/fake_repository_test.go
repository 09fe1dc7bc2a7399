package app

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stashly/ledger-service/internal/domain"
	"github.com/stashly/ledger-service/internal/store"
)

// fakeRepository is an in-memory store.Repository with the same idempotency
// semantics as the real one: unique keys, replay-returns-prior, and
// status-guarded vault transitions.
type fakeRepository struct {
	accounts     map[uuid.UUID]*domain.Account
	entries      map[string]*domain.JournalEntry // by idempotency key
	lines        map[uuid.UUID][]domain.JournalLine
	intents      map[uuid.UUID]*domain.PaymentIntent
	intentByKey  map[string]uuid.UUID
	challenges   map[uuid.UUID]*domain.UserChallenge
	events       map[string]*domain.ChallengeEvent // by idempotency key
	yieldRuns    map[string]*domain.YieldRun
	yieldAllocs  map[string]*domain.YieldAllocation // by run_id:user_id
	vaultActions map[string]*domain.VaultAction     // by idempotency key
	positions    map[uuid.UUID]*domain.VaultPosition
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accounts:     make(map[uuid.UUID]*domain.Account),
		entries:      make(map[string]*domain.JournalEntry),
		lines:        make(map[uuid.UUID][]domain.JournalLine),
		intents:      make(map[uuid.UUID]*domain.PaymentIntent),
		intentByKey:  make(map[string]uuid.UUID),
		challenges:   make(map[uuid.UUID]*domain.UserChallenge),
		events:       make(map[string]*domain.ChallengeEvent),
		yieldRuns:    make(map[string]*domain.YieldRun),
		yieldAllocs:  make(map[string]*domain.YieldAllocation),
		vaultActions: make(map[string]*domain.VaultAction),
		positions:    make(map[uuid.UUID]*domain.VaultPosition),
	}
}

// seedUserAccounts registers a user's stash and escrow accounts plus the
// system cash/yield accounts if missing, returning the stash id.
func (f *fakeRepository) seedUserAccounts(userID uuid.UUID) uuid.UUID {
	ensureSystem := func(accountType string) {
		for _, a := range f.accounts {
			if a.OwnerID == nil && a.Type == accountType {
				return
			}
		}
		id := uuid.New()
		f.accounts[id] = &domain.Account{ID: id, Type: accountType, Currency: "USD"}
	}
	ensureSystem(domain.AccountTypeSystemCash)
	ensureSystem(domain.AccountTypeSystemYield)

	var stashID uuid.UUID
	ensureUser := func(accountType string) uuid.UUID {
		for _, a := range f.accounts {
			if a.OwnerID != nil && *a.OwnerID == userID && a.Type == accountType {
				return a.ID
			}
		}
		id := uuid.New()
		owner := userID
		f.accounts[id] = &domain.Account{ID: id, OwnerID: &owner, Type: accountType, Currency: "USD"}
		return id
	}
	stashID = ensureUser(domain.AccountTypeUserStash)
	ensureUser(domain.AccountTypeUserEscrow)
	return stashID
}

func (f *fakeRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	f.accounts[account.ID] = account
	return nil
}

func (f *fakeRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func (f *fakeRepository) CountAccountsByIDs(ctx context.Context, ids []uuid.UUID) (int, error) {
	count := 0
	for _, id := range ids {
		if _, ok := f.accounts[id]; ok {
			count++
		}
	}
	return count, nil
}

func (f *fakeRepository) FindUserAccount(ctx context.Context, userID uuid.UUID, accountType string) (*domain.Account, error) {
	for _, a := range f.accounts {
		if a.OwnerID != nil && *a.OwnerID == userID && a.Type == accountType {
			return a, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (f *fakeRepository) FindSystemAccount(ctx context.Context, accountType string) (*domain.Account, error) {
	for _, a := range f.accounts {
		if a.OwnerID == nil && a.Type == accountType {
			return a, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (f *fakeRepository) GetAccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	if _, ok := f.accounts[accountID]; !ok {
		return 0, store.ErrAccountNotFound
	}
	var balance int64
	for _, entryLines := range f.lines {
		for _, line := range entryLines {
			if line.AccountID == accountID {
				balance += line.Amount
			}
		}
	}
	return balance, nil
}

func (f *fakeRepository) ListStashBalances(ctx context.Context) ([]domain.AccountBalance, error) {
	var balances []domain.AccountBalance
	for _, a := range f.accounts {
		if a.Type != domain.AccountTypeUserStash {
			continue
		}
		balance, _ := f.GetAccountBalance(ctx, a.ID)
		balances = append(balances, domain.AccountBalance{AccountID: a.ID, OwnerID: a.OwnerID, Balance: balance})
	}
	sort.Slice(balances, func(i, j int) bool {
		return balances[i].AccountID.String() < balances[j].AccountID.String()
	})
	return balances, nil
}

func (f *fakeRepository) CreateJournalEntry(ctx context.Context, entry *domain.JournalEntry, lines []domain.JournalLine) (bool, error) {
	if existing, ok := f.entries[entry.IdempotencyKey]; ok {
		*entry = *existing
		return false, nil
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	stored := *entry
	f.entries[entry.IdempotencyKey] = &stored
	copied := make([]domain.JournalLine, len(lines))
	copy(copied, lines)
	for i := range copied {
		if copied[i].ID == uuid.Nil {
			copied[i].ID = uuid.New()
		}
		copied[i].EntryID = entry.ID
	}
	f.lines[entry.ID] = copied
	return true, nil
}

func (f *fakeRepository) FindJournalEntryByKey(ctx context.Context, key string) (*domain.JournalEntry, error) {
	entry, ok := f.entries[key]
	if !ok {
		return nil, store.ErrEntryNotFound
	}
	return entry, nil
}

func (f *fakeRepository) FindJournalLines(ctx context.Context, entryID uuid.UUID) ([]domain.JournalLine, error) {
	return f.lines[entryID], nil
}

func (f *fakeRepository) FindPaymentIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	intent, ok := f.intents[id]
	if !ok {
		return nil, store.ErrIntentNotFound
	}
	return intent, nil
}

func (f *fakeRepository) FindPaymentIntentByKey(ctx context.Context, key string) (*domain.PaymentIntent, error) {
	id, ok := f.intentByKey[key]
	if !ok {
		return nil, store.ErrIntentNotFound
	}
	return f.intents[id], nil
}

func (f *fakeRepository) CreateWithdrawal(ctx context.Context, params store.WithdrawalParams) (*domain.PaymentIntent, bool, error) {
	if id, ok := f.intentByKey[params.IdempotencyKey]; ok {
		return f.intents[id], false, nil
	}
	balance, err := f.GetAccountBalance(ctx, params.StashAccount)
	if err != nil {
		return nil, false, err
	}
	if balance < params.Amount {
		return nil, false, store.ErrInsufficientFunds
	}
	entry := &domain.JournalEntry{
		IdempotencyKey: "entry:" + params.IdempotencyKey,
		Type:           domain.EntryTypeWithdrawal,
		OccurredAt:     params.OccurredAt,
	}
	if _, err := f.CreateJournalEntry(ctx, entry, []domain.JournalLine{
		{AccountID: params.StashAccount, Amount: -params.Amount},
		{AccountID: params.CashAccount, Amount: params.Amount},
	}); err != nil {
		return nil, false, err
	}
	intent := &domain.PaymentIntent{
		ID:               uuid.New(),
		UserID:           params.UserID,
		Kind:             domain.IntentKindWithdraw,
		Status:           domain.IntentStatusSettled,
		Amount:           params.Amount,
		IdempotencyKey:   params.IdempotencyKey,
		InitiatedEntryID: &entry.ID,
		SettledEntryID:   &entry.ID,
		CreatedAt:        params.OccurredAt,
		UpdatedAt:        params.OccurredAt,
	}
	f.intents[intent.ID] = intent
	f.intentByKey[intent.IdempotencyKey] = intent.ID
	return intent, true, nil
}

func (f *fakeRepository) FindChallengeByID(ctx context.Context, id uuid.UUID) (*domain.UserChallenge, error) {
	ch, ok := f.challenges[id]
	if !ok {
		return nil, store.ErrChallengeNotFound
	}
	copied := *ch
	return &copied, nil
}

func (f *fakeRepository) ListActiveChallenges(ctx context.Context, kinds []string, limit int) ([]domain.UserChallenge, error) {
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	var out []domain.UserChallenge
	for _, ch := range f.challenges {
		if ch.Status == domain.ChallengeStatusActive && kindSet[ch.Kind] {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepository) UpdateChallengeCursor(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	ch, ok := f.challenges[id]
	if !ok {
		return store.ErrChallengeNotFound
	}
	last, next := lastRunAt, nextRunAt
	ch.LastRunAt = &last
	ch.NextRunAt = &next
	return nil
}

func (f *fakeRepository) MarkChallengeCompleted(ctx context.Context, id uuid.UUID) error {
	ch, ok := f.challenges[id]
	if !ok {
		return store.ErrChallengeNotFound
	}
	if ch.Status == domain.ChallengeStatusActive {
		ch.Status = domain.ChallengeStatusCompleted
	}
	return nil
}

func (f *fakeRepository) CreateChallengeEventIfAbsent(ctx context.Context, event *domain.ChallengeEvent) (*domain.ChallengeEvent, bool, error) {
	if existing, ok := f.events[event.IdempotencyKey]; ok {
		copied := *existing
		return &copied, false, nil
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	stored := *event
	f.events[event.IdempotencyKey] = &stored
	copied := stored
	return &copied, true, nil
}

func (f *fakeRepository) RecordDraw(ctx context.Context, event *domain.ChallengeEvent, state domain.ChallengeState) (*domain.ChallengeEvent, bool, error) {
	if existing, ok := f.events[event.IdempotencyKey]; ok {
		copied := *existing
		return &copied, false, nil
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	stored := *event
	f.events[event.IdempotencyKey] = &stored
	if ch, ok := f.challenges[event.ChallengeID]; ok {
		ch.State = state
	}
	copied := stored
	return &copied, true, nil
}

func (f *fakeRepository) FindChallengeEventByKey(ctx context.Context, key string) (*domain.ChallengeEvent, error) {
	event, ok := f.events[key]
	if !ok {
		return nil, store.ErrEventNotFound
	}
	copied := *event
	return &copied, nil
}

func (f *fakeRepository) ListUncommittedEvents(ctx context.Context, userID uuid.UUID, limit int) ([]domain.ChallengeEvent, error) {
	var out []domain.ChallengeEvent
	for _, e := range f.events {
		if e.UserID == userID && e.PaymentIntentID == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepository) SumCommittedForWindow(ctx context.Context, userID uuid.UUID, windowStart, windowEnd time.Time) (int64, error) {
	var total int64
	for _, e := range f.events {
		if e.UserID != userID || e.PaymentIntentID == nil {
			continue
		}
		intent := f.intents[*e.PaymentIntentID]
		if intent == nil {
			continue
		}
		if !intent.CreatedAt.Before(windowStart) && intent.CreatedAt.Before(windowEnd) {
			total += e.Amount
		}
	}
	return total, nil
}

func (f *fakeRepository) CommitChallengeEvent(ctx context.Context, params store.CommitEventParams) (*domain.PaymentIntent, bool, error) {
	stored, ok := f.events[params.Event.IdempotencyKey]
	if !ok {
		return nil, false, store.ErrEventNotFound
	}
	if stored.PaymentIntentID != nil {
		return f.intents[*stored.PaymentIntentID], false, nil
	}

	escrowEntry := &domain.JournalEntry{
		IdempotencyKey: "escrow:" + stored.ID.String(),
		Type:           domain.EntryTypeChallengeEscrow,
		OccurredAt:     params.OccurredAt,
	}
	if _, err := f.CreateJournalEntry(ctx, escrowEntry, []domain.JournalLine{
		{AccountID: params.CashAccount, Amount: -params.Amount},
		{AccountID: params.EscrowAccount, Amount: params.Amount},
	}); err != nil {
		return nil, false, err
	}
	settleEntry := &domain.JournalEntry{
		IdempotencyKey: "settle:" + stored.ID.String(),
		Type:           domain.EntryTypeChallengeSettle,
		OccurredAt:     params.OccurredAt,
	}
	if _, err := f.CreateJournalEntry(ctx, settleEntry, []domain.JournalLine{
		{AccountID: params.EscrowAccount, Amount: -params.Amount},
		{AccountID: params.StashAccount, Amount: params.Amount},
	}); err != nil {
		return nil, false, err
	}

	intent := &domain.PaymentIntent{
		ID:               uuid.New(),
		UserID:           stored.UserID,
		Kind:             domain.IntentKindDeposit,
		Status:           domain.IntentStatusSettled,
		Amount:           params.Amount,
		IdempotencyKey:   "commit:" + stored.ID.String(),
		InitiatedEntryID: &escrowEntry.ID,
		SettledEntryID:   &settleEntry.ID,
		CreatedAt:        params.OccurredAt,
		UpdatedAt:        params.OccurredAt,
	}
	f.intents[intent.ID] = intent
	f.intentByKey[intent.IdempotencyKey] = intent.ID
	stored.Amount = params.Amount
	stored.PaymentIntentID = &intent.ID
	return intent, true, nil
}

func (f *fakeRepository) CreateYieldRunIfAbsent(ctx context.Context, run *domain.YieldRun) (*domain.YieldRun, bool, error) {
	if existing, ok := f.yieldRuns[run.RunKey]; ok {
		copied := *existing
		return &copied, false, nil
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	stored := *run
	f.yieldRuns[run.RunKey] = &stored
	copied := stored
	return &copied, true, nil
}

func (f *fakeRepository) MarkYieldRunCompleted(ctx context.Context, id uuid.UUID) error {
	for _, run := range f.yieldRuns {
		if run.ID == id {
			run.Status = domain.YieldRunStatusCompleted
			return nil
		}
	}
	return store.ErrEntryNotFound
}

func (f *fakeRepository) CreateYieldAllocation(ctx context.Context, alloc *domain.YieldAllocation, entry *domain.JournalEntry, lines []domain.JournalLine) (bool, error) {
	key := alloc.RunID.String() + ":" + alloc.UserID.String()
	if _, ok := f.yieldAllocs[key]; ok {
		return false, nil
	}
	if alloc.ID == uuid.Nil {
		alloc.ID = uuid.New()
	}
	stored := *alloc
	f.yieldAllocs[key] = &stored
	_, err := f.CreateJournalEntry(ctx, entry, lines)
	return true, err
}

func (f *fakeRepository) ListSettledIntentsWithoutAction(ctx context.Context, intentKind, actionKind string, limit int) ([]domain.PaymentIntent, error) {
	var out []domain.PaymentIntent
	for _, intent := range f.intents {
		if intent.Kind != intentKind || intent.Status != domain.IntentStatusSettled {
			continue
		}
		claimed := false
		for _, action := range f.vaultActions {
			if action.PaymentIntentID == intent.ID && action.Kind == actionKind {
				claimed = true
				break
			}
		}
		if !claimed {
			out = append(out, *intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepository) ClaimVaultAction(ctx context.Context, action *domain.VaultAction) (bool, error) {
	if _, ok := f.vaultActions[action.IdempotencyKey]; ok {
		return false, nil
	}
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	if action.Status == "" {
		action.Status = domain.VaultStatusCreated
	}
	stored := *action
	f.vaultActions[action.IdempotencyKey] = &stored
	return true, nil
}

func (f *fakeRepository) ListVaultActions(ctx context.Context, kind, status string, limit int) ([]domain.VaultAction, error) {
	var out []domain.VaultAction
	for _, action := range f.vaultActions {
		if action.Kind == kind && action.Status == status {
			out = append(out, *action)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepository) FindVaultActionByIntent(ctx context.Context, kind string, paymentIntentID uuid.UUID) (*domain.VaultAction, error) {
	for _, action := range f.vaultActions {
		if action.Kind == kind && action.PaymentIntentID == paymentIntentID {
			copied := *action
			return &copied, nil
		}
	}
	return nil, store.ErrActionNotFound
}

func (f *fakeRepository) findAction(id uuid.UUID) *domain.VaultAction {
	for _, action := range f.vaultActions {
		if action.ID == id {
			return action
		}
	}
	return nil
}

func (f *fakeRepository) MarkVaultActionSubmitted(ctx context.Context, id uuid.UUID, txRef string, at time.Time) (bool, error) {
	action := f.findAction(id)
	if action == nil {
		return false, store.ErrActionNotFound
	}
	if action.Status != domain.VaultStatusCreated {
		return false, nil
	}
	ref := txRef
	action.Status = domain.VaultStatusSubmitted
	action.TxRef = &ref
	submitted := at
	action.SubmittedAt = &submitted
	return true, nil
}

func (f *fakeRepository) MarkVaultActionConfirmed(ctx context.Context, id uuid.UUID, params store.ConfirmVaultActionParams) (bool, error) {
	action := f.findAction(id)
	if action == nil {
		return false, store.ErrActionNotFound
	}
	if action.Status != domain.VaultStatusSubmitted {
		return false, nil
	}
	action.Status = domain.VaultStatusConfirmed
	action.Amount = params.Amount
	action.SharesDelta = params.SharesDelta
	if params.ExternalRequestID != nil {
		action.ExternalRequestID = params.ExternalRequestID
	}
	resolved := params.At
	action.ResolvedAt = &resolved

	pos, ok := f.positions[params.PositionUserID]
	if !ok {
		pos = &domain.VaultPosition{UserID: params.PositionUserID}
		f.positions[params.PositionUserID] = pos
	}
	pos.Shares += params.SharesDelta
	pos.Principal += params.PrincipalDelta
	return true, nil
}

func (f *fakeRepository) MarkVaultActionFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	action := f.findAction(id)
	if action == nil {
		return false, store.ErrActionNotFound
	}
	if action.Status != domain.VaultStatusCreated && action.Status != domain.VaultStatusSubmitted {
		return false, nil
	}
	action.Status = domain.VaultStatusFailed
	r := reason
	action.FailureReason = &r
	resolved := at
	action.ResolvedAt = &resolved
	return true, nil
}

func (f *fakeRepository) AnnotateVaultAction(ctx context.Context, id uuid.UUID, key, value string) error {
	action := f.findAction(id)
	if action == nil {
		return store.ErrActionNotFound
	}
	if action.Annotations == nil {
		action.Annotations = make(map[string]string)
	}
	action.Annotations[key] = value
	return nil
}

func (f *fakeRepository) ListConfirmedWithdrawRequestsAwaitingRedeem(ctx context.Context, limit int) ([]domain.VaultAction, error) {
	var out []domain.VaultAction
	for _, action := range f.vaultActions {
		if action.Kind != domain.VaultActionWithdrawRequest || action.Status != domain.VaultStatusConfirmed {
			continue
		}
		redeemed := false
		for key, redeem := range f.vaultActions {
			if strings.HasPrefix(key, "vault:redeem:") && redeem.PaymentIntentID == action.PaymentIntentID {
				redeemed = true
				break
			}
		}
		if !redeemed {
			out = append(out, *action)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepository) ListVaultPositions(ctx context.Context, limit int) ([]domain.VaultPosition, error) {
	var out []domain.VaultPosition
	for _, pos := range f.positions {
		if pos.Shares != 0 {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepository) UpdateVaultPositionMark(ctx context.Context, userID uuid.UUID, value int64, at time.Time) error {
	pos, ok := f.positions[userID]
	if !ok {
		return store.ErrAccountNotFound
	}
	pos.LastMarkValue = value
	marked := at
	pos.LastMarkedAt = &marked
	return nil
}
