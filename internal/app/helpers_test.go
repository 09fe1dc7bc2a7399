package app

import (
	"context"
	"sync"
	"time"

	"github.com/stashly/ledger-service/pkg/rabbitmq"
	"github.com/stashly/ledger-service/pkg/vaultclient"
)

// fakeVaultClient lets each test script the node's behavior per method.
type fakeVaultClient struct {
	submitDeposit  func(ctx context.Context, idempotencyKey, accountRef string, amount int64) (string, error)
	submitWithdraw func(ctx context.Context, idempotencyKey, accountRef string, amount int64) (string, error)
	submitRedeem   func(ctx context.Context, idempotencyKey, accountRef, requestID string) (string, error)
	getReceipt     func(ctx context.Context, txRef string) (*vaultclient.Receipt, error)
	previewRedeem  func(ctx context.Context, shares int64) (int64, error)
}

func (f *fakeVaultClient) SubmitDeposit(ctx context.Context, idempotencyKey, accountRef string, amount int64) (string, error) {
	if f.submitDeposit == nil {
		return "tx-" + idempotencyKey, nil
	}
	return f.submitDeposit(ctx, idempotencyKey, accountRef, amount)
}

func (f *fakeVaultClient) SubmitWithdrawRequest(ctx context.Context, idempotencyKey, accountRef string, amount int64) (string, error) {
	if f.submitWithdraw == nil {
		return "tx-" + idempotencyKey, nil
	}
	return f.submitWithdraw(ctx, idempotencyKey, accountRef, amount)
}

func (f *fakeVaultClient) SubmitRedeem(ctx context.Context, idempotencyKey, accountRef, requestID string) (string, error) {
	if f.submitRedeem == nil {
		return "tx-" + idempotencyKey, nil
	}
	return f.submitRedeem(ctx, idempotencyKey, accountRef, requestID)
}

func (f *fakeVaultClient) GetReceipt(ctx context.Context, txRef string) (*vaultclient.Receipt, error) {
	if f.getReceipt == nil {
		return nil, vaultclient.ErrReceiptNotFound
	}
	return f.getReceipt(ctx, txRef)
}

func (f *fakeVaultClient) PreviewRedeem(ctx context.Context, shares int64) (int64, error) {
	if f.previewRedeem == nil {
		return shares, nil
	}
	return f.previewRedeem(ctx, shares)
}

// fakePublisher records published events instead of touching a broker.
type fakePublisher struct {
	mu        sync.Mutex
	committed []rabbitmq.ChallengeCommittedEvent
	vault     []rabbitmq.VaultActionEvent
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (f *fakePublisher) PublishChallengeCommitted(ctx context.Context, event rabbitmq.ChallengeCommittedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, event)
	return nil
}

func (f *fakePublisher) PublishVaultAction(ctx context.Context, event rabbitmq.VaultActionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vault = append(f.vault, event)
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) vaultEvents() []rabbitmq.VaultActionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rabbitmq.VaultActionEvent, len(f.vault))
	copy(out, f.vault)
	return out
}

// newTestService wires a Service onto in-memory fakes with a pinned clock and
// deterministic randomness.
func newTestService(repo *fakeRepository, at time.Time) (*Service, *fakeVaultClient, *fakePublisher) {
	vault := &fakeVaultClient{}
	publisher := &fakePublisher{}
	svc := &Service{
		repo:          repo,
		vault:         vault,
		eventProducer: publisher,
		catchUpLimit:  30,
		staleAfter:    10 * time.Minute,
		hardFailAfter: 120 * time.Minute,
		now:           func() time.Time { return at },
		intn:          func(n int) int { return 0 },
	}
	return svc, vault, publisher
}
