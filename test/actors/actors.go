package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"colisflow/app"
	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/dispute"
	"colisflow/escrow"
	"colisflow/events"
	"colisflow/outbox"
	"colisflow/validation"
)

// Cast names the seeded participants the actors act for.
type Cast struct {
	Sender   string
	Carriers []string
	Receiver string
	Admin    string
}

func (c Cast) randomCarrier() string {
	return c.Carriers[rand.Intn(len(c.Carriers))]
}

var card = escrow.PaymentMethod{Kind: "card", Token: "tok_stress"}

// fatal keeps only the failures that mean money went wrong. Contention
// errors are the expected outcome of racing actors.
func fatal(op string, err error) error {
	if err == nil || !errors.Is(err, delivery.ErrLedgerInvariant) {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// SecureRace has carriers compete for the same open listings.
func SecureRace(ctx context.Context, a *app.App, cast Cast, listingIDs []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := listingIDs[rand.Intn(len(listingIDs))]
		_, err := a.Collabs.SecureListing(ctx, id, cast.randomCarrier(), cast.Receiver)
		if err := fatal("secure listing", err); err != nil {
			return err
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Walker pushes random collaborations one validation at a time, paying at
// the payment stage.
func Walker(ctx context.Context, a *app.App, cast Cast, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if err := walkOnce(ctx, a, cast); err != nil {
			return err
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

func walkOnce(ctx context.Context, a *app.App, cast Cast) error {
	c, ok := pick(ctx, a, cast.Sender)
	if !ok || c.Status.Terminal() || c.Status == delivery.CollaborationDisputed {
		return nil
	}
	stage := c.CurrentStage
	if stage == delivery.StagePaymentSecured {
		tx, err := a.Flow.OpenPayment(ctx, c.ID, c.Parties.SenderID)
		if err := fatal("open payment", err); err != nil {
			return err
		}
		if err == nil && tx.Status == delivery.PaymentPending {
			_, err = a.Flow.Pay(ctx, tx.ID, c.Parties.SenderID, card)
			if err := fatal("pay", err); err != nil {
				return err
			}
		}
	}
	roles := stage.RequiredRoles()
	role := roles[rand.Intn(len(roles))]
	_, err := a.Flow.Validate(ctx, c.ID, c.Parties.Participant(role), stage, validation.Evidence{Comment: "stress"})
	return fatal("validate", err)
}

// Disputer opens disputes on paid collaborations and resolves each one with
// two racing, conflicting decisions.
func Disputer(ctx context.Context, a *app.App, cast Cast, stop <-chan struct{}) error {
	decisions := []delivery.Decision{
		delivery.DecisionRefund,
		delivery.DecisionRelease,
		delivery.DecisionPartialRefund,
		delivery.DecisionReject,
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		c, ok := pick(ctx, a, cast.Sender)
		if ok && c.TransactionID != "" && !c.Status.Terminal() {
			rec, err := a.Disputes.Open(ctx, dispute.OpenParams{
				CollaborationID: c.ID,
				TransactionID:   c.TransactionID,
				ComplainantID:   c.Parties.SenderID,
				Reason:          dispute.ReasonLate,
				RequestedAction: delivery.DecisionRefund,
			})
			if err := fatal("open dispute", err); err != nil {
				return err
			}
			if err == nil {
				if err := resolveRacing(ctx, a, cast.Admin, rec, c.Price, decisions); err != nil {
					return err
				}
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(100)) * time.Millisecond)
	}
}

func resolveRacing(ctx context.Context, a *app.App, adminID string, rec dispute.Record, price decimal.Decimal, decisions []delivery.Decision) error {
	_, err := a.Disputes.Review(ctx, rec.ID, adminID)
	if err := fatal("review dispute", err); err != nil {
		return err
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		p := dispute.ResolveParams{
			DisputeID: rec.ID,
			AdminID:   adminID,
			Decision:  decisions[rand.Intn(len(decisions))],
			Note:      "stress",
		}
		if p.Decision == delivery.DecisionPartialRefund {
			p.RefundAmount = price.Div(decimal.NewFromInt(3)).Round(2)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Disputes.Resolve(ctx, p)
			if err := fatal("resolve dispute", err); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Relayer drains the outbox through a publisher that fails one call in ten.
func Relayer(ctx context.Context, a *app.App, stop <-chan struct{}) error {
	relay := outbox.NewRelay(a.Stores.Outbox, flaky{}, outbox.RelayConfig{BatchSize: 50, MaxAttempts: 20}, a.Logger, a.Metrics)
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = relay.RunOnce(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

type flaky struct{}

func (flaky) Publish(context.Context, events.Event) error {
	if rand.Intn(10) == 0 {
		return errors.New("broker unavailable")
	}
	return nil
}

func pick(ctx context.Context, a *app.App, actorID string) (collab.Collaboration, bool) {
	list, err := a.Collabs.ListForActor(ctx, actorID)
	if err != nil || len(list) == 0 {
		return collab.Collaboration{}, false
	}
	return list[rand.Intn(len(list))], true
}
