package flow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/escrow"
	"colisflow/ledger"
)

// OpenPayment creates the collaboration's transaction at the configured
// commission rate, or returns the one already opened. Only the sender pays.
func (t *Tracker) OpenPayment(ctx context.Context, collaborationID, actorID string) (ledger.Transaction, error) {
	c, role, err := t.collabs.GetForActor(ctx, collaborationID, actorID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if role != delivery.RoleSender {
		return ledger.Transaction{}, t.refuseRole(c, actorID, role, "open payment")
	}
	if c.TransactionID != "" {
		return t.ledger.GetTransaction(ctx, c.TransactionID)
	}
	if err := t.checkOpen(ctx, c); err != nil {
		return ledger.Transaction{}, err
	}
	if c.CurrentStage > delivery.StagePaymentSecured {
		return ledger.Transaction{}, fmt.Errorf("flow: payment stage already passed: %w", delivery.ErrInvalidTransition)
	}

	tx, err := t.ledger.GetByCollaboration(ctx, c.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		tx, err = t.ledger.CreateTransaction(ctx, ledger.CreateParams{
			CollaborationID: c.ID,
			Parties:         c.Parties,
			Amount:          c.Price,
			CommissionRate:  t.commissionRate,
			InsuranceAmount: c.InsuranceAmount,
		})
		if errors.Is(err, ledger.ErrDuplicate) {
			tx, err = t.ledger.GetByCollaboration(ctx, c.ID)
		}
	}
	if err != nil {
		return ledger.Transaction{}, err
	}

	err = delivery.RetryOnConflict(ctx, t.attempts, func(ctx context.Context) error {
		cur, err := t.collabs.Get(ctx, c.ID)
		if err != nil || cur.TransactionID != "" {
			return err
		}
		if err := t.checkOpen(ctx, cur); err != nil {
			return err
		}
		next := cur
		next.TransactionID = tx.ID
		_, err = t.collabs.Commit(ctx, next, collab.Transition{From: cur.Status})
		return err
	})
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("flow: link transaction: %w", err)
	}
	return tx, nil
}

// Pay charges and escrows a transaction on behalf of its sender.
func (t *Tracker) Pay(ctx context.Context, txID, actorID string, method escrow.PaymentMethod) (ledger.Transaction, error) {
	tx, err := t.ledger.GetTransaction(ctx, txID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	role, ok := tx.Parties.RoleOf(actorID)
	if !ok {
		return ledger.Transaction{}, collab.ErrNotParticipant
	}
	if role != delivery.RoleSender {
		return ledger.Transaction{}, t.refuseRole(collab.Collaboration{ID: tx.CollaborationID}, actorID, role, "pay")
	}
	c, err := t.collabs.Get(ctx, tx.CollaborationID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := t.checkOpen(ctx, c); err != nil {
		return ledger.Transaction{}, err
	}
	return t.escrow.Secure(ctx, txID, method)
}

// Cancel ends a collaboration until pickup is confirmed, at the request of its sender or
// carrier, refunding any payment already taken.
func (t *Tracker) Cancel(ctx context.Context, collaborationID, actorID, reason string) (collab.Collaboration, error) {
	c, role, err := t.collabs.GetForActor(ctx, collaborationID, actorID)
	if err != nil {
		return collab.Collaboration{}, err
	}
	if role == delivery.RoleReceiver {
		return collab.Collaboration{}, t.refuseRole(c, actorID, role, "cancel")
	}
	return t.cancel(ctx, collaborationID, reason, actorID)
}

// CancelStale is the system-initiated cancellation used by the stalled-stage
// policy. It obeys the same rules as Cancel.
func (t *Tracker) CancelStale(ctx context.Context, collaborationID, reason string) (collab.Collaboration, error) {
	return t.cancel(ctx, collaborationID, reason, "")
}

// cancel reserves the refund before committing the cancellation and pays it
// out only afterwards, so pickup cannot complete on a collaboration whose
// payment is already on its way back to the sender.
func (t *Tracker) cancel(ctx context.Context, collaborationID, reason, actorID string) (collab.Collaboration, error) {
	var (
		out        collab.Collaboration
		reservedTx string
	)
	err := delivery.RetryOnConflict(ctx, t.attempts, func(ctx context.Context) error {
		c, err := t.collabs.Get(ctx, collaborationID)
		if err != nil {
			return err
		}
		if c.Status == delivery.CollaborationCancelled {
			out = c
			return nil
		}
		if err := t.checkOpen(ctx, c); err != nil {
			return err
		}
		if c.StageComplete(delivery.StagePickedUp) {
			return fmt.Errorf("flow: cannot cancel after %s: %w", delivery.StagePickedUp, delivery.ErrInvalidTransition)
		}
		if reservedTx == "" {
			if reservedTx, err = t.reserveRefund(ctx, c, reason); err != nil {
				return err
			}
		}
		next := c
		next.Status = delivery.CollaborationCancelled
		out, err = t.collabs.Commit(ctx, next, collab.Transition{From: c.Status, Reason: reason})
		return err
	})
	if err != nil {
		if reservedTx != "" {
			t.escrow.DropRefundReservation(ctx, reservedTx)
		}
		return collab.Collaboration{}, err
	}
	if err := t.refundIfPaid(ctx, out, reason); err != nil {
		return collab.Collaboration{}, fmt.Errorf("flow: refund cancelled collaboration %s: %w", out.ID, err)
	}
	t.logger.Info("collaboration cancelled",
		zap.String("collaboration_id", out.ID),
		zap.String("actor_id", actorID),
		zap.String("reason", reason),
	)
	return out, nil
}

// reserveRefund returns the transaction id when this call flagged it
// refund-pending.
func (t *Tracker) reserveRefund(ctx context.Context, c collab.Collaboration, reason string) (string, error) {
	if c.TransactionID == "" {
		return "", nil
	}
	tx, err := t.ledger.GetTransaction(ctx, c.TransactionID)
	if err != nil {
		return "", err
	}
	if !tx.Status.Disputable() || tx.RefundPending {
		return "", nil
	}
	fresh, err := t.escrow.ReserveRefund(ctx, tx.ID, reason)
	if err != nil || !fresh {
		return "", err
	}
	return tx.ID, nil
}

func (t *Tracker) refundIfPaid(ctx context.Context, c collab.Collaboration, reason string) error {
	if c.TransactionID == "" {
		return nil
	}
	tx, err := t.ledger.GetTransaction(ctx, c.TransactionID)
	if err != nil {
		return err
	}
	if !tx.Status.Disputable() && !tx.RefundPending {
		return nil
	}
	_, err = t.escrow.Refund(ctx, tx.ID, reason)
	if errors.Is(err, escrow.ErrAlreadyRefunded) {
		return nil
	}
	return err
}
