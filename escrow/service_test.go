package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colisflow/delivery"
	"colisflow/events"
	"colisflow/ledger"
)

var (
	card   = PaymentMethod{Kind: "card", Token: "tok_visa"}
	collab atomic.Int64
)

type fakeHolds struct {
	mu    sync.Mutex
	holds map[string]delivery.Hold
}

func newFakeHolds() *fakeHolds {
	return &fakeHolds{holds: make(map[string]delivery.Hold)}
}

func (f *fakeHolds) ActiveForTransaction(_ context.Context, txID string) (delivery.Hold, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[txID]
	return h, ok, nil
}

func (f *fakeHolds) set(txID string, h delivery.Hold) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds[txID] = h
}

func (f *fakeHolds) clear(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.holds, txID)
}

type fixture struct {
	svc     *Service
	ledger  *ledger.Service
	sandbox *SandboxProcessor
	holds   *fakeHolds
	events  *events.Recorder
}

func newFixture(t *testing.T, processor PaymentProcessor, cfg ProviderConfig) *fixture {
	t.Helper()
	rec := events.NewRecorder()
	l := ledger.NewService(ledger.NewMemoryStore(rec), nil)
	holds := newFakeHolds()
	sandbox, _ := processor.(*SandboxProcessor)
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
		cfg.MaxBackoff = 2 * time.Millisecond
	}
	return &fixture{
		svc:     NewService(l, processor, holds, cfg, nil, nil),
		ledger:  l,
		sandbox: sandbox,
		holds:   holds,
		events:  rec,
	}
}

func (f *fixture) newTx(t *testing.T, amount string) ledger.Transaction {
	t.Helper()
	tx, err := f.ledger.CreateTransaction(context.Background(), ledger.CreateParams{
		CollaborationID: fmt.Sprintf("col-%d", collab.Add(1)),
		Parties:         delivery.Parties{SenderID: "s", CarrierID: "c", ReceiverID: "r"},
		Amount:          decimal.RequireFromString(amount),
		CommissionRate:  decimal.RequireFromString("0.10"),
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) escrowed(t *testing.T, amount string) ledger.Transaction {
	t.Helper()
	tx := f.newTx(t, amount)
	out, err := f.svc.Secure(context.Background(), tx.ID, card)
	require.NoError(t, err)
	require.Equal(t, delivery.PaymentEscrowed, out.Status)
	return out
}

func TestCharge_IsIdempotentOnTransactionID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.newTx(t, "1500")

	paid, err := f.svc.Charge(ctx, tx.ID, card)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPaid, paid.Status)
	assert.NotEmpty(t, paid.ProviderReference)
	assert.NotNil(t, paid.PaidAt)

	again, err := f.svc.Charge(ctx, tx.ID, card)
	require.NoError(t, err)
	assert.Equal(t, paid.ProviderReference, again.ProviderReference)
	assert.Equal(t, 1, f.sandbox.Calls(), "second charge must not reach the provider")

	_, err = f.svc.Charge(ctx, tx.ID, PaymentMethod{Kind: "wallet", Token: "other"})
	assert.ErrorIs(t, err, ErrChargeMismatch)
}

func TestCharge_ConcurrentCallsChargeOnce(t *testing.T) {
	ctx := context.Background()
	sandbox := NewSandboxProcessor().WithLatency(20 * time.Millisecond)
	f := newFixture(t, sandbox, ProviderConfig{})
	tx := f.newTx(t, "900")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Charge(ctx, tx.ID, card)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sandbox.Charges())
	got, err := f.svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPaid, got.Status)
	assert.Len(t, f.events.OfType(events.TransactionStatusChanged), 1)
}

// A provider timeout leaves the transaction pending and a retry with the same
// transaction id does not charge a second time.
func TestCharge_TimeoutThenRetry(t *testing.T) {
	ctx := context.Background()
	sandbox := NewSandboxProcessor().WithLatency(200 * time.Millisecond)
	f := newFixture(t, sandbox, ProviderConfig{Timeout: 20 * time.Millisecond, MaxRetries: 0})
	tx := f.newTx(t, "15000")

	_, err := f.svc.Charge(ctx, tx.ID, card)
	require.ErrorIs(t, err, delivery.ErrProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := f.svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPending, got.Status)
	assert.Empty(t, got.ProviderReference)

	sandbox.WithLatency(0)
	paid, err := f.svc.Charge(ctx, tx.ID, card)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPaid, paid.Status)
	assert.Equal(t, 1, sandbox.Charges(), "provider must see one charge for one transaction")
	assert.Equal(t, 2, sandbox.Calls())
}

func TestCharge_DeclineIsNotRetried(t *testing.T) {
	ctx := context.Background()
	sandbox := NewSandboxProcessor()
	sandbox.Decline("tok_blocked")
	f := newFixture(t, sandbox, ProviderConfig{MaxRetries: 4})
	tx := f.newTx(t, "100")

	_, err := f.svc.Charge(ctx, tx.ID, PaymentMethod{Kind: "card", Token: "tok_blocked"})
	require.ErrorIs(t, err, delivery.ErrProvider)
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Equal(t, 1, sandbox.Calls())

	got, err := f.svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPending, got.Status)
}

type flakyProcessor struct {
	*SandboxProcessor
	failures atomic.Int32
	calls    atomic.Int32
}

func (p *flakyProcessor) Charge(ctx context.Context, req ChargeRequest) (ProviderResult, error) {
	p.calls.Add(1)
	if p.failures.Load() > 0 {
		p.failures.Add(-1)
		return ProviderResult{}, errors.New("upstream 503")
	}
	return p.SandboxProcessor.Charge(ctx, req)
}

func TestCharge_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	p := &flakyProcessor{SandboxProcessor: NewSandboxProcessor()}
	p.failures.Store(2)
	f := newFixture(t, p, ProviderConfig{MaxRetries: 3})
	tx := f.newTx(t, "250")

	paid, err := f.svc.Charge(ctx, tx.ID, card)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPaid, paid.Status)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestCharge_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	p := &flakyProcessor{SandboxProcessor: NewSandboxProcessor()}
	p.failures.Store(100)
	f := newFixture(t, p, ProviderConfig{MaxRetries: 0, ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	tx := f.newTx(t, "250")

	for i := 0; i < 2; i++ {
		_, err := f.svc.Charge(ctx, tx.ID, card)
		require.ErrorIs(t, err, delivery.ErrProvider)
	}
	_, err := f.svc.Charge(ctx, tx.ID, card)
	require.ErrorIs(t, err, delivery.ErrProvider)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestEscrow_RequiresPaid(t *testing.T) {
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.newTx(t, "100")
	_, err := f.svc.Escrow(context.Background(), tx.ID)
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

func TestRelease_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.escrowed(t, "1000")

	released, err := f.svc.Release(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentReleased, released.Status)
	assert.True(t, released.ReleasedAmount.Equal(tx.Amount))

	_, err = f.svc.Release(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrAlreadyReleased)

	_, err = f.svc.Refund(ctx, tx.ID, "too late")
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

func TestRelease_RejectsPending(t *testing.T) {
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.newTx(t, "100")
	_, err := f.svc.Release(context.Background(), tx.ID)
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

func TestRelease_ConcurrentCallsSucceedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.escrowed(t, "5000")

	var (
		wg       sync.WaitGroup
		ok, done atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Release(ctx, tx.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyReleased):
				done.Add(1)
			default:
				t.Errorf("unexpected release error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), done.Load())
	released := 0
	for _, ev := range f.events.ForAggregate(tx.ID) {
		if ev.Payload["to"] == string(delivery.PaymentReleased) {
			released++
		}
	}
	assert.Equal(t, 1, released)
}

func TestRefund_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.escrowed(t, "800")

	refunded, err := f.svc.Refund(ctx, tx.ID, "cancelled before pickup")
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentRefunded, refunded.Status)
	assert.True(t, refunded.RefundedAmount.Equal(tx.Amount))
	assert.False(t, refunded.RefundPending)

	_, err = f.svc.Refund(ctx, tx.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	assert.Equal(t, 1, f.sandbox.Refunds())

	_, err = f.svc.Release(ctx, tx.ID)
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

func TestDisputeHoldBlocksReleaseAndRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.escrowed(t, "1200")
	f.holds.set(tx.ID, delivery.Hold{DisputeID: "d-1"})

	_, err := f.svc.Release(ctx, tx.ID)
	assert.ErrorIs(t, err, delivery.ErrDisputeActive)
	_, err = f.svc.Refund(ctx, tx.ID, "sender asked")
	assert.ErrorIs(t, err, delivery.ErrDisputeActive)

	f.holds.clear(tx.ID)
	_, err = f.svc.Release(ctx, tx.ID)
	assert.NoError(t, err)
}

func TestSettle_RequiresClaimedDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.escrowed(t, "1200")
	_, err := f.svc.MarkDisputed(ctx, tx.ID, "d-1")
	require.NoError(t, err)

	f.holds.set(tx.ID, delivery.Hold{DisputeID: "d-1"})
	_, err = f.svc.Settle(ctx, tx.ID, "d-1")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	f.holds.set(tx.ID, delivery.Hold{DisputeID: "d-1", Decision: delivery.DecisionRelease})
	_, err = f.svc.Settle(ctx, tx.ID, "d-other")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSettle_PartialRefundSplitsEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.escrowed(t, "20000")
	_, err := f.svc.MarkDisputed(ctx, tx.ID, "d-1")
	require.NoError(t, err)

	f.holds.set(tx.ID, delivery.Hold{
		DisputeID:    "d-1",
		Decision:     delivery.DecisionPartialRefund,
		RefundAmount: decimal.RequireFromString("5000"),
	})
	settled, err := f.svc.Settle(ctx, tx.ID, "d-1")
	require.NoError(t, err)

	assert.Equal(t, delivery.PaymentReleased, settled.Status)
	assert.True(t, settled.RefundedAmount.Equal(decimal.RequireFromString("5000")))
	assert.True(t, settled.ReleasedAmount.Equal(decimal.RequireFromString("15000")))
	refunded, ok := f.sandbox.RefundedAmount(tx.ID)
	require.True(t, ok)
	assert.True(t, refunded.Equal(decimal.RequireFromString("5000")))

	var sequence []string
	for _, ev := range f.events.ForAggregate(tx.ID) {
		if ev.Type == events.TransactionSettlementLeg {
			sequence = append(sequence, "refund-leg:"+ev.Payload["from"].(string))
			continue
		}
		if to, _ := ev.Payload["to"].(string); to != "" {
			sequence = append(sequence, to)
		}
	}
	assert.Equal(t, []string{"paid", "escrowed", "disputed", "refund-leg:disputed", "escrowed", "released"}, sequence)

	again, err := f.svc.Settle(ctx, tx.ID, "d-1")
	require.NoError(t, err)
	assert.Equal(t, settled.Version, again.Version)
	assert.Equal(t, 1, f.sandbox.Refunds())
}

func TestSettle_RefundAndReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})

	refundTx := f.escrowed(t, "700")
	_, err := f.svc.MarkDisputed(ctx, refundTx.ID, "d-r")
	require.NoError(t, err)
	f.holds.set(refundTx.ID, delivery.Hold{DisputeID: "d-r", Decision: delivery.DecisionRefund})
	out, err := f.svc.Settle(ctx, refundTx.ID, "d-r")
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentRefunded, out.Status)
	assert.True(t, out.RefundedAmount.Equal(refundTx.Amount))

	rejectTx := f.escrowed(t, "300")
	_, err = f.svc.MarkDisputed(ctx, rejectTx.ID, "d-x")
	require.NoError(t, err)
	f.holds.set(rejectTx.ID, delivery.Hold{DisputeID: "d-x", Decision: delivery.DecisionReject})
	out, err = f.svc.Settle(ctx, rejectTx.ID, "d-x")
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentEscrowed, out.Status)
	assert.Empty(t, out.StatusBeforeDispute)
}

func TestMarkDisputed_RejectsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.escrowed(t, "100")
	_, err := f.svc.Release(ctx, tx.ID)
	require.NoError(t, err)

	_, err = f.svc.MarkDisputed(ctx, tx.ID, "d-late")
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

// lostAckProcessor completes refunds at the provider but reports a timeout
// while lost is set, as if the response never arrived.
type lostAckProcessor struct {
	*SandboxProcessor
	lost    atomic.Bool
	decline atomic.Bool
}

func (p *lostAckProcessor) Refund(ctx context.Context, req RefundRequest) (ProviderResult, error) {
	if p.decline.Load() {
		return ProviderResult{}, ErrDeclined
	}
	res, err := p.SandboxProcessor.Refund(ctx, req)
	if err != nil {
		return res, err
	}
	if p.lost.Load() {
		return ProviderResult{}, context.DeadlineExceeded
	}
	return res, nil
}

func TestRefund_AmbiguousFailureKeepsPendingAndBlocksRelease(t *testing.T) {
	ctx := context.Background()
	p := &lostAckProcessor{SandboxProcessor: NewSandboxProcessor()}
	f := newFixture(t, p, ProviderConfig{MaxRetries: 0})
	tx := f.escrowed(t, "900")

	p.lost.Store(true)
	_, err := f.svc.Refund(ctx, tx.ID, "cancelled")
	require.ErrorIs(t, err, delivery.ErrProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.Refunds(), "provider already moved the money")

	got, err := f.svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundPending)
	assert.Equal(t, delivery.PaymentEscrowed, got.Status)

	_, err = f.svc.Release(ctx, tx.ID)
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
	_, err = f.svc.MarkDisputed(ctx, tx.ID, "d-1")
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)

	p.lost.Store(false)
	refunded, err := f.svc.Refund(ctx, tx.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentRefunded, refunded.Status)
	assert.False(t, refunded.RefundPending)
	assert.Equal(t, 1, p.Refunds(), "retry reuses the refund idempotency key")
	assert.True(t, refunded.ReleasedAmount.IsZero())
}

func TestRefund_DeclineClearsPending(t *testing.T) {
	ctx := context.Background()
	p := &lostAckProcessor{SandboxProcessor: NewSandboxProcessor()}
	f := newFixture(t, p, ProviderConfig{MaxRetries: 2})
	tx := f.escrowed(t, "400")

	p.decline.Store(true)
	_, err := f.svc.Refund(ctx, tx.ID, "cancelled")
	require.ErrorIs(t, err, ErrDeclined)

	got, err := f.svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, got.RefundPending)

	released, err := f.svc.Release(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentReleased, released.Status)
}

func TestReserveRefund_BlocksReleaseUntilDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewSandboxProcessor(), ProviderConfig{})
	tx := f.escrowed(t, "600")
	calls := f.sandbox.Calls()

	fresh, err := f.svc.ReserveRefund(ctx, tx.ID, "cancelling")
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = f.svc.ReserveRefund(ctx, tx.ID, "cancelling")
	require.NoError(t, err)
	assert.False(t, fresh, "second reservation finds the flag already set")
	assert.Equal(t, calls, f.sandbox.Calls(), "reserving never reaches the provider")

	_, err = f.svc.Release(ctx, tx.ID)
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)

	f.svc.DropRefundReservation(ctx, tx.ID)
	released, err := f.svc.Release(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentReleased, released.Status)
	assert.Zero(t, f.sandbox.Refunds())
}
