package flow

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/escrow"
	"colisflow/events"
	"colisflow/ledger"
	"colisflow/validation"
)

var card = escrow.PaymentMethod{Kind: "card", Token: "tok_visa"}

type allVerified struct{}

func (allVerified) IsVerified(context.Context, string) (bool, error) { return true, nil }

type fakeHolds struct {
	mu    sync.Mutex
	byTx  map[string]delivery.Hold
	byCol map[string]delivery.Hold
}

func newFakeHolds() *fakeHolds {
	return &fakeHolds{byTx: map[string]delivery.Hold{}, byCol: map[string]delivery.Hold{}}
}

func (f *fakeHolds) ActiveForTransaction(_ context.Context, id string) (delivery.Hold, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.byTx[id]
	return h, ok, nil
}

func (f *fakeHolds) ActiveForCollaboration(_ context.Context, id string) (delivery.Hold, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.byCol[id]
	return h, ok, nil
}

type fixture struct {
	tracker *Tracker
	collabs *collab.Service
	ledger  *ledger.Service
	escrow  *escrow.Service
	sandbox *escrow.SandboxProcessor
	holds   *fakeHolds
	events  *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, escrow.NewSandboxProcessor())
}

func newFixtureWith(t *testing.T, processor escrow.PaymentProcessor) *fixture {
	t.Helper()
	rec := events.NewRecorder()
	holds := newFakeHolds()
	collabs := collab.NewService(collab.NewMemoryStore(rec), allVerified{}, nil)
	gate := validation.NewGate(validation.NewMemoryStore(rec), nil)
	l := ledger.NewService(ledger.NewMemoryStore(rec), nil)
	sandbox, _ := processor.(*escrow.SandboxProcessor)
	e := escrow.NewService(l, processor, holds, escrow.ProviderConfig{}, nil, nil)
	tr := NewTracker(collabs, gate, l, e, holds, Config{CommissionRate: decimal.RequireFromString("0.10")}, nil, nil)
	return &fixture{tracker: tr, collabs: collabs, ledger: l, escrow: e, sandbox: sandbox, holds: holds, events: rec}
}

func (f *fixture) newCollaboration(t *testing.T) collab.Collaboration {
	t.Helper()
	ctx := context.Background()
	l, err := f.collabs.PublishListing(ctx, collab.PublishParams{
		PublisherID:   "sender-1",
		PublisherRole: delivery.RoleSender,
		Origin:        "Dakar",
		Destination:   "Paris",
		Price:         decimal.RequireFromString("15000"),
	})
	require.NoError(t, err)
	c, err := f.collabs.SecureListing(ctx, l.ID, "carrier-1", "receiver-1")
	require.NoError(t, err)
	return c
}

// driveTo validates every stage before target, paying at payment_secured.
func (f *fixture) driveTo(t *testing.T, c collab.Collaboration, target delivery.Stage) collab.Collaboration {
	t.Helper()
	ctx := context.Background()
	for s := delivery.FirstStage; s < target; s++ {
		if s == delivery.StagePaymentSecured {
			tx, err := f.tracker.OpenPayment(ctx, c.ID, c.Parties.SenderID)
			require.NoError(t, err)
			_, err = f.tracker.Pay(ctx, tx.ID, c.Parties.SenderID, card)
			require.NoError(t, err)
		}
		for _, role := range s.RequiredRoles() {
			res, err := f.tracker.Validate(ctx, c.ID, c.Parties.Participant(role), s, validation.Evidence{})
			require.NoError(t, err, "stage %s role %s", s, role)
			c = res.Collaboration
		}
	}
	require.Equal(t, target, c.CurrentStage)
	return c
}

func TestJourney_FinalStageReleasesEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.driveTo(t, f.newCollaboration(t), delivery.StageFinalized)
	assert.Equal(t, delivery.CollaborationDelivered, c.Status)
	assert.True(t, c.ChatEnabled)

	tx, err := f.ledger.GetTransaction(ctx, c.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentEscrowed, tx.Status)
	assert.True(t, tx.CommissionAmount.Equal(decimal.RequireFromString("1500")))
	assert.True(t, tx.CarrierAmount.Equal(decimal.RequireFromString("13500")))

	res, err := f.tracker.Validate(ctx, c.ID, "carrier-1", delivery.StageFinalized, validation.Evidence{})
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, delivery.CollaborationCompleted, res.Collaboration.Status)
	assert.NotNil(t, res.Collaboration.ClosedAt)

	tx, err = f.ledger.GetTransaction(ctx, c.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentReleased, tx.Status)

	again, err := f.tracker.Validate(ctx, c.ID, "carrier-1", delivery.StageFinalized, validation.Evidence{})
	require.NoError(t, err)
	assert.True(t, again.AlreadyValidated)
	assert.Len(t, f.events.OfType(events.StageCompleted), int(delivery.LastStage))
}

func TestDeliveredNeedsSenderAndReceiver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.driveTo(t, f.newCollaboration(t), delivery.StageDelivered)

	res, err := f.tracker.Validate(ctx, c.ID, "receiver-1", delivery.StageDelivered, validation.Evidence{URIs: []string{"s3://proof/1.jpg"}})
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, delivery.StageDelivered, res.Collaboration.CurrentStage)

	_, err = f.tracker.Validate(ctx, c.ID, "carrier-1", delivery.StageFinalized, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)

	after, err := f.tracker.Advance(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StageDelivered, after.CurrentStage)

	tx, err := f.ledger.GetTransaction(ctx, c.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentEscrowed, tx.Status)
}

func TestValidate_Refusals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.newCollaboration(t)

	_, err := f.tracker.Validate(ctx, c.ID, "stranger", delivery.StageCreated, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrRoleNotPermitted)

	_, err = f.tracker.Validate(ctx, c.ID, "receiver-1", delivery.StageCreated, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrRoleNotPermitted)

	_, err = f.tracker.Validate(ctx, c.ID, "carrier-1", delivery.StageSecured, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)

	_, err = f.tracker.Validate(ctx, c.ID, "sender-1", delivery.Stage(12), validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrValidation)
}

func TestValidate_PastStageIsReadOnlyOnClosedCollaborations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.driveTo(t, f.newCollaboration(t), delivery.StageInTransit)
	_, err := f.tracker.Suspend(ctx, c.ID, "d-1")
	require.NoError(t, err)
	before := len(f.events.OfType(events.StageValidated))

	res, err := f.tracker.Validate(ctx, c.ID, "sender-1", delivery.StageCreated, validation.Evidence{Comment: "late"})
	require.NoError(t, err)
	assert.True(t, res.AlreadyValidated)
	assert.Empty(t, res.Record.Comment, "the stored record is returned unchanged")

	_, err = f.tracker.Validate(ctx, c.ID, "receiver-1", delivery.StagePickedUp, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrRoleNotPermitted)

	assert.Len(t, f.events.OfType(events.StageValidated), before, "no validation written while disputed")
}

func TestPaymentSecuredRequiresEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.newCollaboration(t)
	for s := delivery.FirstStage; s < delivery.StagePaymentSecured; s++ {
		for _, role := range s.RequiredRoles() {
			_, err := f.tracker.Validate(ctx, c.ID, c.Parties.Participant(role), s, validation.Evidence{})
			require.NoError(t, err)
		}
	}

	_, err := f.tracker.Validate(ctx, c.ID, "sender-1", delivery.StagePaymentSecured, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)

	tx, err := f.tracker.OpenPayment(ctx, c.ID, "sender-1")
	require.NoError(t, err)
	_, err = f.tracker.Validate(ctx, c.ID, "sender-1", delivery.StagePaymentSecured, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition, "pending payment is not enough")

	_, err = f.tracker.Pay(ctx, tx.ID, "sender-1", card)
	require.NoError(t, err)
	res, err := f.tracker.Validate(ctx, c.ID, "sender-1", delivery.StagePaymentSecured, validation.Evidence{})
	require.NoError(t, err)
	assert.Equal(t, delivery.CollaborationPaid, res.Collaboration.Status)
	assert.Equal(t, delivery.StagePickedUp, res.Collaboration.CurrentStage)
}

func TestOpenPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.newCollaboration(t)

	_, err := f.tracker.OpenPayment(ctx, c.ID, "carrier-1")
	assert.ErrorIs(t, err, delivery.ErrRoleNotPermitted)

	tx, err := f.tracker.OpenPayment(ctx, c.ID, "sender-1")
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPending, tx.Status)
	assert.True(t, tx.CommissionRate.Equal(decimal.RequireFromString("0.10")))

	again, err := f.tracker.OpenPayment(ctx, c.ID, "sender-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, again.ID)

	linked, err := f.collabs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, linked.TransactionID)

	_, err = f.tracker.Pay(ctx, tx.ID, "receiver-1", card)
	assert.ErrorIs(t, err, delivery.ErrRoleNotPermitted)
}

func TestDisputeSuspendsWithoutResettingProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.driveTo(t, f.newCollaboration(t), delivery.StagePickedUp)

	suspended, err := f.tracker.Suspend(ctx, c.ID, "d-1")
	require.NoError(t, err)
	assert.Equal(t, delivery.CollaborationDisputed, suspended.Status)
	assert.Equal(t, delivery.StagePickedUp, suspended.CurrentStage)

	_, err = f.tracker.Validate(ctx, c.ID, "carrier-1", delivery.StagePickedUp, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrDisputeActive)
	_, err = f.tracker.Cancel(ctx, c.ID, "sender-1", "changed my mind")
	assert.ErrorIs(t, err, delivery.ErrDisputeActive)

	resumed, err := f.tracker.Resume(ctx, c.ID, "d-1")
	require.NoError(t, err)
	assert.Equal(t, delivery.CollaborationPaid, resumed.Status)
	assert.Len(t, resumed.StageCompletedAt, int(delivery.StagePaymentSecured))

	_, err = f.tracker.Validate(ctx, c.ID, "carrier-1", delivery.StagePickedUp, validation.Evidence{})
	assert.NoError(t, err)
}

func TestActiveHoldBlocksAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.newCollaboration(t)
	f.holds.mu.Lock()
	f.holds.byCol[c.ID] = delivery.Hold{DisputeID: "d-9"}
	f.holds.mu.Unlock()

	_, err := f.tracker.Validate(ctx, c.ID, "sender-1", delivery.StageCreated, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrDisputeActive)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.driveTo(t, f.newCollaboration(t), delivery.StagePickedUp)

	_, err := f.tracker.Cancel(ctx, c.ID, "receiver-1", "no")
	assert.ErrorIs(t, err, delivery.ErrRoleNotPermitted)

	cancelled, err := f.tracker.Cancel(ctx, c.ID, "carrier-1", "trip cancelled")
	require.NoError(t, err)
	assert.Equal(t, delivery.CollaborationCancelled, cancelled.Status)

	tx, err := f.ledger.GetTransaction(ctx, c.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentRefunded, tx.Status)
	assert.Equal(t, 1, f.sandbox.Refunds())

	again, err := f.tracker.Cancel(ctx, c.ID, "sender-1", "again")
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)
}

func TestCancelAfterPickupIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.driveTo(t, f.newCollaboration(t), delivery.StageInTransit)

	_, err := f.tracker.Cancel(ctx, c.ID, "sender-1", "too late")
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

// heldRefunds parks every refund at the provider until release is closed.
type heldRefunds struct {
	*escrow.SandboxProcessor
	entered chan struct{}
	release chan struct{}
}

func (p *heldRefunds) Refund(ctx context.Context, req escrow.RefundRequest) (escrow.ProviderResult, error) {
	p.entered <- struct{}{}
	<-p.release
	return p.SandboxProcessor.Refund(ctx, req)
}

func TestCancelRacingPickupNeverRefundsPickedUpParcel(t *testing.T) {
	ctx := context.Background()
	p := &heldRefunds{
		SandboxProcessor: escrow.NewSandboxProcessor(),
		entered:          make(chan struct{}, 1),
		release:          make(chan struct{}),
	}
	f := newFixtureWith(t, p)
	c := f.driveTo(t, f.newCollaboration(t), delivery.StagePickedUp)
	_, err := f.tracker.Validate(ctx, c.ID, "sender-1", delivery.StagePickedUp, validation.Evidence{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.tracker.Cancel(ctx, c.ID, "sender-1", "changed my mind")
		done <- err
	}()
	<-p.entered

	_, err = f.tracker.Validate(ctx, c.ID, "carrier-1", delivery.StagePickedUp, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition, "pickup after the refund started must be refused")

	close(p.release)
	require.NoError(t, <-done)

	got, err := f.collabs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.CollaborationCancelled, got.Status)
	assert.False(t, got.StageComplete(delivery.StagePickedUp))
	tx, err := f.ledger.GetTransaction(ctx, c.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentRefunded, tx.Status)
}

func TestPickupWaitsForPendingRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.driveTo(t, f.newCollaboration(t), delivery.StagePickedUp)
	_, err := f.escrow.ReserveRefund(ctx, c.TransactionID, "sender asked")
	require.NoError(t, err)

	_, err = f.tracker.Validate(ctx, c.ID, "sender-1", delivery.StagePickedUp, validation.Evidence{})
	require.NoError(t, err)
	_, err = f.tracker.Validate(ctx, c.ID, "carrier-1", delivery.StagePickedUp, validation.Evidence{})
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)

	got, err := f.collabs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.StageComplete(delivery.StagePickedUp))
}

func TestFlagStalledOncePerStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.newCollaboration(t)

	flagged, err := f.tracker.FlagStalled(ctx, c.ID, delivery.StageCreated)
	require.NoError(t, err)
	assert.True(t, flagged)

	flagged, err = f.tracker.FlagStalled(ctx, c.ID, delivery.StageCreated)
	require.NoError(t, err)
	assert.False(t, flagged)

	flagged, err = f.tracker.FlagStalled(ctx, c.ID, delivery.StageSecured)
	require.NoError(t, err)
	assert.False(t, flagged, "not the current stage")
	assert.Len(t, f.events.OfType(events.CollaborationStalled), 1)
}

func TestProgressOverview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.driveTo(t, f.newCollaboration(t), delivery.StageChatEnabled)
	_, err := f.tracker.Validate(ctx, c.ID, "carrier-1", delivery.StageChatEnabled, validation.Evidence{})
	require.NoError(t, err)

	ov, err := f.tracker.Progress(ctx, c.ID, "receiver-1")
	require.NoError(t, err)
	assert.Equal(t, delivery.RoleReceiver, ov.Role)
	require.Len(t, ov.Stages, int(delivery.LastStage))

	chat := ov.Stages[delivery.StageChatEnabled-1]
	assert.True(t, chat.Current)
	assert.Equal(t, []delivery.Role{delivery.RoleCarrier}, chat.Validated)
	assert.Equal(t, []delivery.Role{delivery.RoleSender}, chat.Pending)
	assert.NotNil(t, ov.Stages[0].CompletedAt)
	assert.Nil(t, chat.CompletedAt)
	assert.Equal(t, []delivery.Role{delivery.RoleSender, delivery.RoleReceiver}, ov.Stages[delivery.StageDelivered-1].Pending)

	_, err = f.tracker.Progress(ctx, c.ID, "stranger")
	assert.ErrorIs(t, err, delivery.ErrRoleNotPermitted)
}

// Random validation attempts from random participants never make a stage
// current while an earlier one is incomplete.
func TestProperty_StagesCompleteInOrder(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 30; run++ {
		f := newFixture(t)
		c := f.newCollaboration(t)
		tx, err := f.tracker.OpenPayment(ctx, c.ID, "sender-1")
		require.NoError(t, err)
		_, err = f.tracker.Pay(ctx, tx.ID, "sender-1", card)
		require.NoError(t, err)

		for step := 0; step < 60; step++ {
			stage := delivery.Stage(rng.Intn(int(delivery.LastStage)) + 1)
			role := delivery.Roles[rng.Intn(len(delivery.Roles))]
			_, _ = f.tracker.Validate(ctx, c.ID, c.Parties.Participant(role), stage, validation.Evidence{})

			cur, err := f.collabs.Get(ctx, c.ID)
			require.NoError(t, err)
			for s := delivery.FirstStage; s < cur.CurrentStage; s++ {
				require.True(t, cur.StageComplete(s), "run %d: %s current while %s incomplete", run, cur.CurrentStage, s)
				p, err := f.tracker.StageProgress(ctx, c.ID, "sender-1", s)
				require.NoError(t, err)
				require.Empty(t, p.Pending)
			}
			if cur.StageComplete(delivery.LastStage) {
				require.Equal(t, delivery.CollaborationCompleted, cur.Status)
			}
		}
	}
}
