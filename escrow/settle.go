package escrow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"colisflow/delivery"
	"colisflow/events"
	"colisflow/ledger"
)

// ErrNotAuthorized rejects a settlement that the named dispute has not decided.
var ErrNotAuthorized = fmt.Errorf("escrow: settlement not authorized by arbitration: %w", delivery.ErrInvalidTransition)

// MarkDisputed freezes a paid or escrowed transaction under disputeID,
// remembering the status to restore if the dispute is rejected.
func (s *Service) MarkDisputed(ctx context.Context, txID, disputeID string) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, txID)
		if err != nil {
			return err
		}
		if cur.Status == delivery.PaymentDisputed {
			out = cur
			return nil
		}
		if !cur.Status.Disputable() || cur.RefundPending {
			return fmt.Errorf("escrow: dispute from %s: %w", cur.Status, delivery.ErrInvalidTransition)
		}
		next := cur
		next.StatusBeforeDispute = cur.Status
		next.Status = delivery.PaymentDisputed
		out, err = s.ledger.Commit(ctx, next, ledger.Transition{
			From:    cur.Status,
			Payload: map[string]any{"dispute_id": disputeID},
		})
		return err
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.metrics.EscrowTransition(string(delivery.PaymentDisputed))
	return out, nil
}

// Settle applies the decision an arbiter claimed on disputeID. Each leg is
// idempotent, so calling Settle again after a crash finishes the settlement
// without repeating a payout. A partial refund pays the refund leg first and
// leaves the transaction disputed until the release leg commits.
func (s *Service) Settle(ctx context.Context, txID, disputeID string) (ledger.Transaction, error) {
	if s.holds == nil {
		return ledger.Transaction{}, ErrNotAuthorized
	}
	hold, active, err := s.holds.ActiveForTransaction(ctx, txID)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("escrow: lookup dispute hold: %w", err)
	}
	if !active || !hold.Authorizes(disputeID) {
		return ledger.Transaction{}, ErrNotAuthorized
	}

	logger := s.logger.With(
		zap.String("transaction_id", txID),
		zap.String("dispute_id", disputeID),
		zap.String("decision", string(hold.Decision)),
	)
	logger.Info("settling disputed transaction")

	switch hold.Decision {
	case delivery.DecisionRefund:
		return s.settleRefund(ctx, txID, disputeID)
	case delivery.DecisionRelease:
		return s.settleRelease(ctx, txID, disputeID)
	case delivery.DecisionPartialRefund:
		if _, err := s.settlePartialRefundLeg(ctx, txID, disputeID, hold); err != nil {
			return ledger.Transaction{}, err
		}
		return s.settleRelease(ctx, txID, disputeID)
	case delivery.DecisionReject:
		return s.restore(ctx, txID, disputeID)
	}
	return ledger.Transaction{}, fmt.Errorf("escrow: unknown decision %q: %w", hold.Decision, delivery.ErrValidation)
}

func (s *Service) settleRefund(ctx context.Context, txID, disputeID string) (ledger.Transaction, error) {
	cur, err := s.ledger.Load(ctx, txID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	switch {
	case cur.Status == delivery.PaymentRefunded:
		return cur, nil
	case cur.Status.Terminal():
		return ledger.Transaction{}, fmt.Errorf("escrow: refund from %s: %w", cur.Status, delivery.ErrInvalidTransition)
	}
	out, err := s.completeRefund(ctx, cur, "dispute "+disputeID, disputeID)
	if errors.Is(err, ErrAlreadyRefunded) {
		return out, nil
	}
	return out, err
}

// settlePartialRefundLeg refunds hold.RefundAmount and records it while the
// transaction stays disputed.
func (s *Service) settlePartialRefundLeg(ctx context.Context, txID, disputeID string, hold delivery.Hold) (ledger.Transaction, error) {
	cur, err := s.ledger.Load(ctx, txID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !cur.RefundedAmount.IsZero() || cur.Status.Terminal() {
		return cur, nil
	}
	if !hold.RefundAmount.IsPositive() || !hold.RefundAmount.LessThan(cur.Amount) {
		return ledger.Transaction{}, fmt.Errorf("escrow: partial refund %s of %s: %w", hold.RefundAmount, cur.Amount, delivery.ErrValidation)
	}

	res, err := s.refundProvider(ctx, cur, hold.RefundAmount)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("escrow: partial refund %s: %w", txID, err)
	}

	var out ledger.Transaction
	err = delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, txID)
		if err != nil {
			return err
		}
		if !cur.RefundedAmount.IsZero() {
			out = cur
			return nil
		}
		now := s.ledger.Now()
		next := cur
		next.RefundedAmount = hold.RefundAmount
		next.RefundReference = res.Reference
		next.RefundedAt = &now
		out, err = s.ledger.Commit(ctx, next, ledger.Transition{
			From: cur.Status,
			Type: events.TransactionSettlementLeg,
			Payload: map[string]any{
				"dispute_id":       disputeID,
				"leg":              "refund",
				"refunded_amount":  hold.RefundAmount.String(),
				"refund_reference": res.Reference,
			},
		})
		return err
	})
	return out, err
}

// settleRelease returns the transaction to escrowed and then releases the
// remainder to the carrier.
func (s *Service) settleRelease(ctx context.Context, txID, disputeID string) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, txID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case delivery.PaymentReleased:
			out = cur
			return nil
		case delivery.PaymentDisputed, delivery.PaymentPaid:
			next := cur
			next.Status = delivery.PaymentEscrowed
			next.StatusBeforeDispute = ""
			if next.EscrowedAt == nil {
				now := s.ledger.Now()
				next.EscrowedAt = &now
			}
			cur, err = s.ledger.Commit(ctx, next, ledger.Transition{
				From:    cur.Status,
				Payload: map[string]any{"dispute_id": disputeID},
			})
			if err != nil {
				return err
			}
			s.metrics.EscrowTransition(string(delivery.PaymentEscrowed))
		case delivery.PaymentEscrowed:
		default:
			return fmt.Errorf("escrow: release from %s: %w", cur.Status, delivery.ErrInvalidTransition)
		}
		out, err = s.release(ctx, cur, disputeID)
		return err
	})
	return out, err
}

// restore puts a disputed transaction back into the status it had before.
func (s *Service) restore(ctx context.Context, txID, disputeID string) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, txID)
		if err != nil {
			return err
		}
		if cur.Status != delivery.PaymentDisputed {
			out = cur
			return nil
		}
		prev := cur.StatusBeforeDispute
		if prev == "" {
			prev = delivery.PaymentEscrowed
		}
		next := cur
		next.Status = prev
		next.StatusBeforeDispute = ""
		out, err = s.ledger.Commit(ctx, next, ledger.Transition{
			From:    cur.Status,
			Reason:  "dispute rejected",
			Payload: map[string]any{"dispute_id": disputeID},
		})
		return err
	})
	return out, err
}
