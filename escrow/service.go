package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"colisflow/delivery"
	"colisflow/events"
	"colisflow/ledger"
	"colisflow/metrics"
)

var (
	// ErrAlreadyReleased is the no-op outcome of a repeated release.
	ErrAlreadyReleased = errors.New("escrow: already released")
	// ErrAlreadyRefunded is the no-op outcome of a repeated refund.
	ErrAlreadyRefunded = errors.New("escrow: already refunded")
	// ErrChargeMismatch rejects a replayed charge whose payment details differ
	// from the ones that succeeded.
	ErrChargeMismatch = fmt.Errorf("escrow: charge replay with different payment details: %w", delivery.ErrValidation)
)

// Holds answers whether an unresolved dispute freezes a transaction.
type Holds interface {
	ActiveForTransaction(ctx context.Context, transactionID string) (delivery.Hold, bool, error)
}

// Service drives transactions through pay, escrow, release and refund.
// Every local transition is a compare-and-swap on the transaction version;
// provider calls happen before the swap and never under a lock.
type Service struct {
	ledger    *ledger.Service
	processor PaymentProcessor
	holds     Holds
	logger    *zap.Logger
	metrics   *metrics.Metrics
	charges   singleflight.Group
	attempts  int
}

func NewService(l *ledger.Service, processor PaymentProcessor, holds Holds, cfg ProviderConfig, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "escrow"))
	return &Service{
		ledger:    l,
		processor: newGuardedProcessor(processor, cfg, logger, m),
		holds:     holds,
		logger:    logger,
		metrics:   m,
		attempts:  delivery.DefaultConflictAttempts,
	}
}

func (s *Service) Get(ctx context.Context, id string) (ledger.Transaction, error) {
	return s.ledger.GetTransaction(ctx, id)
}

// Charge collects payment for a pending transaction. Concurrent calls for one
// transaction share a single provider call, and the provider is keyed on the
// transaction id so a retry after a timeout cannot charge twice. A failed
// charge leaves the transaction pending.
func (s *Service) Charge(ctx context.Context, txID string, method PaymentMethod) (ledger.Transaction, error) {
	v, err, _ := s.charges.Do(txID, func() (interface{}, error) {
		return s.charge(ctx, txID, method)
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return v.(ledger.Transaction), nil
}

func (s *Service) charge(ctx context.Context, txID string, method PaymentMethod) (ledger.Transaction, error) {
	t, err := s.ledger.Load(ctx, txID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	fp := fingerprint(t.ID, t.Amount, method)
	if t.Status != delivery.PaymentPending {
		if t.ChargeFingerprint != "" && t.ChargeFingerprint != fp {
			return ledger.Transaction{}, ErrChargeMismatch
		}
		return t, nil
	}

	res, err := s.processor.Charge(ctx, ChargeRequest{
		IdempotencyKey: chargeKey(t.ID),
		Reference:      t.ID,
		Method:         method,
		Amount:         t.Amount,
	})
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("escrow: charge %s: %w", t.ID, err)
	}

	var out ledger.Transaction
	err = delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, txID)
		if err != nil {
			return err
		}
		if cur.Status != delivery.PaymentPending {
			out = cur
			return nil
		}
		now := s.ledger.Now()
		next := cur
		next.Status = delivery.PaymentPaid
		next.ProviderReference = res.Reference
		next.ChargeFingerprint = fp
		next.PaidAt = &now
		out, err = s.ledger.Commit(ctx, next, ledger.Transition{
			From:    cur.Status,
			Payload: map[string]any{"provider_reference": res.Reference},
		})
		return err
	})
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("escrow: record charge %s: %w", txID, err)
	}
	s.metrics.EscrowTransition(string(delivery.PaymentPaid))
	return out, nil
}

// Escrow moves a paid transaction into escrow.
func (s *Service) Escrow(ctx context.Context, txID string) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, txID)
		if err != nil {
			return err
		}
		if cur.Status != delivery.PaymentPaid {
			return fmt.Errorf("escrow: escrow from %s: %w", cur.Status, delivery.ErrInvalidTransition)
		}
		now := s.ledger.Now()
		next := cur
		next.Status = delivery.PaymentEscrowed
		next.EscrowedAt = &now
		out, err = s.ledger.Commit(ctx, next, ledger.Transition{From: cur.Status})
		return err
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.metrics.EscrowTransition(string(delivery.PaymentEscrowed))
	return out, nil
}

// Secure charges and escrows in one idempotent step.
func (s *Service) Secure(ctx context.Context, txID string, method PaymentMethod) (ledger.Transaction, error) {
	t, err := s.Charge(ctx, txID, method)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if t.Status != delivery.PaymentPaid {
		return t, nil
	}
	t, err = s.Escrow(ctx, txID)
	if errors.Is(err, delivery.ErrInvalidTransition) {
		// a concurrent Secure escrowed it first
		return s.ledger.GetTransaction(ctx, txID)
	}
	return t, err
}

// Release pays out an escrowed transaction exactly once.
func (s *Service) Release(ctx context.Context, txID string) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, txID)
		if err != nil {
			return err
		}
		if cur.Status == delivery.PaymentReleased {
			out = cur
			return ErrAlreadyReleased
		}
		if err := s.checkHold(ctx, cur.ID); err != nil {
			return err
		}
		if cur.Status != delivery.PaymentEscrowed {
			return fmt.Errorf("escrow: release from %s: %w", cur.Status, delivery.ErrInvalidTransition)
		}
		if cur.RefundPending {
			return fmt.Errorf("escrow: release while refund pending: %w", delivery.ErrInvalidTransition)
		}
		out, err = s.release(ctx, cur, "")
		return err
	})
	return out, err
}

func (s *Service) release(ctx context.Context, cur ledger.Transaction, disputeID string) (ledger.Transaction, error) {
	now := s.ledger.Now()
	next := cur
	next.Status = delivery.PaymentReleased
	next.StatusBeforeDispute = ""
	next.ReleasedAmount = cur.Amount.Sub(cur.RefundedAmount)
	next.ReleasedAt = &now
	payload := map[string]any{"released_amount": next.ReleasedAmount.String()}
	if disputeID != "" {
		payload["dispute_id"] = disputeID
	}
	out, err := s.ledger.Commit(ctx, next, ledger.Transition{From: cur.Status, Payload: payload})
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.metrics.EscrowTransition(string(delivery.PaymentReleased))
	s.logger.Info("transaction released",
		zap.String("transaction_id", out.ID),
		zap.String("released_amount", out.ReleasedAmount.String()),
	)
	return out, nil
}

// Refund returns the full amount of a paid or escrowed transaction to the
// sender exactly once. It is refused while a dispute holds the transaction;
// arbitration refunds through Settle instead.
func (s *Service) Refund(ctx context.Context, txID, reason string) (ledger.Transaction, error) {
	claimed, _, err := s.reserveRefund(ctx, txID, reason)
	if err != nil {
		return claimed, err
	}
	return s.completeRefund(ctx, claimed, reason, "")
}

// ReserveRefund flags txID refund-pending without calling the provider, which
// refuses release and dispute until Refund completes it. It reports whether
// this call set the flag.
func (s *Service) ReserveRefund(ctx context.Context, txID, reason string) (bool, error) {
	_, fresh, err := s.reserveRefund(ctx, txID, reason)
	return fresh, err
}

// DropRefundReservation clears a flag set by ReserveRefund. Callers must not
// have attempted the refund since reserving it.
func (s *Service) DropRefundReservation(ctx context.Context, txID string) {
	s.clearRefundPending(ctx, txID, "refund reservation dropped")
}

func (s *Service) reserveRefund(ctx context.Context, txID, reason string) (ledger.Transaction, bool, error) {
	var (
		claimed ledger.Transaction
		fresh   bool
	)
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, txID)
		if err != nil {
			return err
		}
		if cur.Status == delivery.PaymentRefunded {
			claimed = cur
			return ErrAlreadyRefunded
		}
		if err := s.checkHold(ctx, cur.ID); err != nil {
			return err
		}
		if !cur.Status.Disputable() {
			return fmt.Errorf("escrow: refund from %s: %w", cur.Status, delivery.ErrInvalidTransition)
		}
		if cur.RefundPending {
			claimed = cur
			return nil
		}
		claimed, err = s.markRefundPending(ctx, cur, reason)
		fresh = err == nil
		return err
	})
	return claimed, fresh, err
}

// markRefundPending records the intent before the provider is called so a
// concurrent release cannot pay out the same funds.
func (s *Service) markRefundPending(ctx context.Context, cur ledger.Transaction, reason string) (ledger.Transaction, error) {
	next := cur
	next.RefundPending = true
	return s.ledger.Commit(ctx, next, ledger.Transition{
		From:   cur.Status,
		Type:   events.TransactionRefundRequested,
		Reason: reason,
	})
}

// completeRefund refunds the outstanding amount through the provider and
// marks the transaction refunded. Only a definite decline clears the pending
// flag; any other provider failure may have moved money, so the flag stays set
// and blocks release until a retry under the same key completes the refund.
func (s *Service) completeRefund(ctx context.Context, t ledger.Transaction, reason, disputeID string) (ledger.Transaction, error) {
	res, err := s.refundProvider(ctx, t, t.Amount.Sub(t.RefundedAmount))
	if err != nil {
		if errors.Is(err, ErrDeclined) {
			s.clearRefundPending(ctx, t.ID, "provider declined refund")
		}
		return ledger.Transaction{}, fmt.Errorf("escrow: refund %s: %w", t.ID, err)
	}

	var out ledger.Transaction
	err = delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status == delivery.PaymentRefunded {
			out = cur
			return ErrAlreadyRefunded
		}
		now := s.ledger.Now()
		next := cur
		next.Status = delivery.PaymentRefunded
		next.StatusBeforeDispute = ""
		next.RefundPending = false
		next.RefundReference = res.Reference
		next.RefundedAmount = cur.Amount
		next.RefundedAt = &now
		payload := map[string]any{"refunded_amount": next.RefundedAmount.String(), "refund_reference": res.Reference}
		if disputeID != "" {
			payload["dispute_id"] = disputeID
		}
		out, err = s.ledger.Commit(ctx, next, ledger.Transition{From: cur.Status, Reason: reason, Payload: payload})
		return err
	})
	if err != nil {
		return out, err
	}
	s.metrics.EscrowTransition(string(delivery.PaymentRefunded))
	s.logger.Info("transaction refunded",
		zap.String("transaction_id", out.ID),
		zap.String("refunded_amount", out.RefundedAmount.String()),
		zap.String("reason", reason),
	)
	return out, nil
}

func (s *Service) clearRefundPending(ctx context.Context, txID, reason string) {
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.ledger.Load(ctx, txID)
		if err != nil {
			return err
		}
		if !cur.RefundPending || cur.Status.Terminal() {
			return nil
		}
		next := cur
		next.RefundPending = false
		_, err = s.ledger.Commit(ctx, next, ledger.Transition{
			From:   cur.Status,
			Type:   events.TransactionRefundRequested,
			Reason: reason,
		})
		return err
	})
	if err != nil {
		s.logger.Error("could not clear pending refund", zap.String("transaction_id", txID), zap.Error(err))
	}
}

func (s *Service) refundProvider(ctx context.Context, t ledger.Transaction, amount decimal.Decimal) (ProviderResult, error) {
	return s.processor.Refund(ctx, RefundRequest{
		IdempotencyKey:    refundKey(t.ID),
		ProviderReference: t.ProviderReference,
		Amount:            amount,
	})
}

// checkHold fails with ErrDisputeActive while a dispute freezes txID.
func (s *Service) checkHold(ctx context.Context, txID string) error {
	if s.holds == nil {
		return nil
	}
	hold, active, err := s.holds.ActiveForTransaction(ctx, txID)
	if err != nil {
		return fmt.Errorf("escrow: lookup dispute hold: %w", err)
	}
	if active {
		return fmt.Errorf("escrow: transaction %s held by dispute %s: %w", txID, hold.DisputeID, delivery.ErrDisputeActive)
	}
	return nil
}
