package ledger

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"colisflow/delivery"
	"colisflow/events"
)

var parties = delivery.Parties{SenderID: "sender-1", CarrierID: "carrier-1", ReceiverID: "receiver-1"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeSplit_TenPercentNoInsurance(t *testing.T) {
	split, err := ComputeSplit(d("15000"), d("0.10"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, split.Commission.Equal(d("1500")), split.Commission.String())
	assert.True(t, split.Carrier.Equal(d("13500")), split.Carrier.String())
	assert.True(t, split.Insurance.IsZero())
}

func TestComputeSplit_InsuranceIsExcludedFromCommission(t *testing.T) {
	split, err := ComputeSplit(d("1000"), d("0.15"), d("200"))
	require.NoError(t, err)
	assert.True(t, split.Commission.Equal(d("120")))
	assert.True(t, split.Carrier.Equal(d("680")))
}

func TestComputeSplit_Rejects(t *testing.T) {
	cases := map[string]struct{ amount, rate, insurance string }{
		"zero amount":        {"0", "0.1", "0"},
		"negative amount":    {"-5", "0.1", "0"},
		"insurance above":    {"100", "0.1", "100.01"},
		"negative insurance": {"100", "0.1", "-1"},
		"rate of one":        {"100", "1", "0"},
		"negative rate":      {"100", "-0.1", "0"},
		"sub-cent amount":    {"100.001", "0.1", "0"},
		"sub-cent insurance": {"100", "0.1", "0.005"},
		"five-place rate":    {"100", "0.12345", "0"},
		"amount too large":   {"1000000000000", "0.1", "0"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ComputeSplit(d(tc.amount), d(tc.rate), d(tc.insurance))
			assert.ErrorIs(t, err, delivery.ErrValidation)
		})
	}
}

// Random valid inputs must always decompose exactly.
func TestComputeSplit_SumsToAmount(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		amount := decimal.New(rng.Int63n(10_000_000)+1, -2)
		insurance := decimal.New(rng.Int63n(amount.Mul(decimal.NewFromInt(100)).IntPart()+1), -2)
		rate := decimal.New(rng.Int63n(10000), -4)

		split, err := ComputeSplit(amount, rate, insurance)
		require.NoError(t, err, "amount=%s rate=%s insurance=%s", amount, rate, insurance)
		sum := split.Carrier.Add(split.Commission).Add(split.Insurance)
		require.True(t, sum.Equal(amount), "amount=%s sum=%s", amount, sum)

		tx := Transaction{
			ID: "p", Amount: amount, CommissionRate: rate, InsuranceAmount: insurance,
			CommissionAmount: split.Commission, CarrierAmount: split.Carrier, Status: delivery.PaymentPending,
		}
		require.NoError(t, CheckInvariant(tx))
	}
}

func TestCheckInvariant_DetectsTampering(t *testing.T) {
	tx := Transaction{
		ID: "t", Amount: d("100"), CommissionRate: d("0.1"),
		CommissionAmount: d("10"), CarrierAmount: d("91"), Status: delivery.PaymentEscrowed,
	}
	assert.ErrorIs(t, CheckInvariant(tx), delivery.ErrLedgerInvariant)

	tx.CarrierAmount = d("90")
	require.NoError(t, CheckInvariant(tx))

	tx.Status = delivery.PaymentReleased
	assert.ErrorIs(t, CheckInvariant(tx), delivery.ErrLedgerInvariant, "released without settled amount")
	tx.ReleasedAmount = d("100")
	assert.NoError(t, CheckInvariant(tx))
}

func TestService_CreateAndList(t *testing.T) {
	ctx := context.Background()
	rec := events.NewRecorder()
	fixed := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(NewMemoryStore(rec), nil).
		WithIDGenerator(func() string { return "tx-1" }).
		WithClock(func() time.Time { return fixed })

	tx, err := svc.CreateTransaction(ctx, CreateParams{
		CollaborationID: "col-1",
		Parties:         parties,
		Amount:          d("15000"),
		CommissionRate:  d("0.10"),
	})
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPending, tx.Status)
	assert.True(t, tx.CommissionAmount.Equal(d("1500")))
	assert.True(t, tx.CarrierAmount.Equal(d("13500")))
	assert.Equal(t, int64(1), tx.Version)

	created := rec.OfType(events.TransactionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "tx-1", created[0].AggregateID)
	assert.Equal(t, "1500", created[0].Payload["commission_amount"])

	list, err := svc.ListByParticipant(ctx, "receiver-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = svc.ListByParticipant(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = svc.CreateTransaction(ctx, CreateParams{
		CollaborationID: "col-1", Parties: parties, Amount: d("10"), CommissionRate: d("0.1"),
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestService_CreateRejectsInvalidInput(t *testing.T) {
	svc := NewService(NewMemoryStore(nil), nil)
	_, err := svc.CreateTransaction(context.Background(), CreateParams{
		CollaborationID: "col-1", Parties: parties, Amount: d("100"), InsuranceAmount: d("150"), CommissionRate: d("0.1"),
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.CreateTransaction(context.Background(), CreateParams{
		CollaborationID: "col-1", Parties: delivery.Parties{SenderID: "a", CarrierID: "a", ReceiverID: "b"}, Amount: d("100"),
	})
	assert.ErrorIs(t, err, delivery.ErrValidation)
}

func TestService_CommitIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(nil), nil)
	tx, err := svc.CreateTransaction(ctx, CreateParams{
		CollaborationID: "col-1", Parties: parties, Amount: d("200"), CommissionRate: d("0.1"),
	})
	require.NoError(t, err)

	first := tx
	first.Status = delivery.PaymentPaid
	saved, err := svc.Commit(ctx, first, Transition{From: delivery.PaymentPending})
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	stale := tx
	stale.Status = delivery.PaymentPaid
	_, err = svc.Commit(ctx, stale, Transition{From: delivery.PaymentPending})
	assert.ErrorIs(t, err, delivery.ErrConflict)
}

func TestService_CommitStaysInsideLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(nil), nil)
	tx, err := svc.CreateTransaction(ctx, CreateParams{
		CollaborationID: "col-1", Parties: parties, Amount: d("200"), CommissionRate: d("0.1"),
	})
	require.NoError(t, err)

	skip := tx
	skip.Status = delivery.PaymentReleased
	skip.ReleasedAmount = tx.Amount
	_, err = svc.Commit(ctx, skip, Transition{From: tx.Status})
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)

	_, err = svc.Commit(ctx, skip, Transition{From: delivery.PaymentEscrowed})
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition, "the stored status wins over a claimed one")

	moved := tx
	moved.Parties.CarrierID = "carrier-2"
	_, err = svc.Commit(ctx, moved, Transition{From: tx.Status})
	assert.ErrorIs(t, err, delivery.ErrValidation)

	stored, err := svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, parties, stored.Parties)
}

func TestService_CommitRefusesBrokenSplitAndLogs(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.ErrorLevel)
	svc := NewService(NewMemoryStore(nil), zap.New(core))
	tx, err := svc.CreateTransaction(ctx, CreateParams{
		CollaborationID: "col-1", Parties: parties, Amount: d("200"), CommissionRate: d("0.1"),
	})
	require.NoError(t, err)

	tx.CarrierAmount = tx.CarrierAmount.Add(d("1"))
	_, err = svc.Commit(ctx, tx, Transition{From: tx.Status})
	assert.ErrorIs(t, err, delivery.ErrLedgerInvariant)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, tx.ID, logs.All()[0].ContextMap()["transaction_id"])

	stored, err := svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}
