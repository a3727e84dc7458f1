// Package dispute arbitrates contested deliveries. An active dispute freezes
// fund movement and stage progress until an admin resolves it.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/events"
	"colisflow/ledger"
	"colisflow/metrics"
)

// Settler moves disputed funds. MarkDisputed freezes a transaction and Settle
// applies the decision claimed on the dispute.
type Settler interface {
	MarkDisputed(ctx context.Context, txID, disputeID string) (ledger.Transaction, error)
	Settle(ctx context.Context, txID, disputeID string) (ledger.Transaction, error)
}

// Flow suspends and closes the collaboration side of a dispute.
type Flow interface {
	Suspend(ctx context.Context, collaborationID, disputeID string) (collab.Collaboration, error)
	Resume(ctx context.Context, collaborationID, disputeID string) (collab.Collaboration, error)
	Conclude(ctx context.Context, collaborationID, disputeID string, status delivery.CollaborationStatus) (collab.Collaboration, error)
}

// Transactions reads the ledger.
type Transactions interface {
	GetTransaction(ctx context.Context, id string) (ledger.Transaction, error)
}

type Service struct {
	store       Store
	ledger      Transactions
	settler     Settler
	flow        Flow
	logger      *zap.Logger
	metrics     *metrics.Metrics
	idGenerator func() string
	now         func() time.Time
	attempts    int
}

func NewService(store Store, l Transactions, settler Settler, flow Flow, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		ledger:      l,
		settler:     settler,
		flow:        flow,
		logger:      logger.With(zap.String("component", "dispute")),
		metrics:     m,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		attempts:    delivery.DefaultConflictAttempts,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open files a dispute against a paid or escrowed transaction and freezes
// it. At most one active dispute may exist per transaction.
func (s *Service) Open(ctx context.Context, p OpenParams) (Record, error) {
	if _, err := ParseReason(string(p.Reason)); err != nil {
		return Record{}, err
	}
	if p.RequestedAction == delivery.DecisionReject {
		return Record{}, fmt.Errorf("dispute: reject is not a requestable action: %w", delivery.ErrValidation)
	}
	if _, err := delivery.ParseDecision(string(p.RequestedAction)); err != nil {
		return Record{}, err
	}
	tx, err := s.ledger.GetTransaction(ctx, p.TransactionID)
	if err != nil {
		return Record{}, err
	}
	if tx.CollaborationID != p.CollaborationID {
		return Record{}, fmt.Errorf("dispute: transaction %s does not belong to collaboration %s: %w", tx.ID, p.CollaborationID, delivery.ErrValidation)
	}
	role, ok := tx.Parties.RoleOf(p.ComplainantID)
	if !ok {
		s.logger.Warn("non-participant tried to open a dispute",
			zap.Bool("security", true),
			zap.String("actor_id", p.ComplainantID),
			zap.String("transaction_id", tx.ID),
		)
		return Record{}, collab.ErrNotParticipant
	}
	if !tx.Status.Disputable() && tx.Status != delivery.PaymentDisputed {
		return Record{}, fmt.Errorf("dispute: transaction is %s: %w", tx.Status, delivery.ErrInvalidTransition)
	}

	now := s.now().UTC()
	d := Record{
		ID:              s.idGenerator(),
		CollaborationID: p.CollaborationID,
		TransactionID:   p.TransactionID,
		ComplainantID:   p.ComplainantID,
		ComplainantRole: role,
		RespondentRole:  respondentFor(role),
		Reason:          p.Reason,
		RequestedAction: p.RequestedAction,
		Description:     strings.TrimSpace(p.Description),
		EvidenceURIs:    p.EvidenceURIs,
		Status:          StatusOpen,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev := events.New(events.DisputeOpened, events.AggregateDispute, d.ID, d.Version, map[string]any{
		"collaboration_id": d.CollaborationID,
		"transaction_id":   d.TransactionID,
		"complainant_role": string(d.ComplainantRole),
		"respondent_role":  string(d.RespondentRole),
		"reason":           string(d.Reason),
		"requested_action": string(d.RequestedAction),
	}, now)
	if err := s.store.Create(ctx, d, ev); err != nil {
		return Record{}, err
	}

	// The dispute row is the hold; from here on release and refund are refused.
	if _, err := s.settler.MarkDisputed(ctx, d.TransactionID, d.ID); err != nil {
		if errors.Is(err, delivery.ErrInvalidTransition) {
			s.logger.Info("transaction settled before dispute could freeze it",
				zap.String("dispute_id", d.ID),
				zap.String("transaction_id", d.TransactionID),
			)
			if _, cerr := s.close(ctx, d.ID, StatusRejected, "", "transaction no longer disputable"); cerr != nil {
				s.logger.Error("could not reject stale dispute", zap.String("dispute_id", d.ID), zap.Error(cerr))
			}
		}
		return Record{}, fmt.Errorf("dispute: freeze transaction: %w", err)
	}
	if _, err := s.flow.Suspend(ctx, d.CollaborationID, d.ID); err != nil {
		return Record{}, fmt.Errorf("dispute: suspend collaboration: %w", err)
	}

	s.metrics.DisputeOpened()
	s.logger.Info("dispute opened",
		zap.String("dispute_id", d.ID),
		zap.String("transaction_id", d.TransactionID),
		zap.String("complainant_role", string(role)),
		zap.String("reason", string(d.Reason)),
	)
	return d, nil
}

// Review moves an open dispute into review.
func (s *Service) Review(ctx context.Context, id, adminID string) (Record, error) {
	var out Record
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case StatusInReview:
			out = cur
			return nil
		case StatusResolved, StatusRejected:
			return ErrAlreadyResolved
		}
		now := s.now().UTC()
		next := cur
		next.Status = StatusInReview
		next.ReviewedAt = &now
		next.Version++
		next.UpdatedAt = now
		ev := events.New(events.DisputeReviewed, events.AggregateDispute, next.ID, next.Version, map[string]any{
			"transaction_id": next.TransactionID,
			"admin_id":       adminID,
		}, now)
		if err := s.store.Update(ctx, next, ev); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// Resolve applies exactly one decision to a dispute. The decision is claimed
// on the record before any money moves, so a crash mid-settlement is finished
// by calling Resolve again with the same decision; a different decision gets
// ErrAlreadyResolved.
func (s *Service) Resolve(ctx context.Context, p ResolveParams) (Record, error) {
	if _, err := delivery.ParseDecision(string(p.Decision)); err != nil {
		return Record{}, err
	}
	if p.Decision == delivery.DecisionPartialRefund {
		if err := s.checkPartial(ctx, p); err != nil {
			return Record{}, err
		}
	} else {
		p.RefundAmount = decimal.Zero
	}

	claimed, settled, err := s.claim(ctx, p)
	if err != nil {
		return Record{}, err
	}
	closed := claimed
	if !settled {
		if _, err := s.settler.Settle(ctx, claimed.TransactionID, claimed.ID); err != nil {
			s.logger.Warn("dispute settlement incomplete; resolve again to finish",
				zap.String("dispute_id", claimed.ID),
				zap.String("decision", string(claimed.Decision)),
				zap.Error(err),
			)
			return Record{}, fmt.Errorf("dispute: settle: %w", err)
		}
		status := StatusResolved
		if claimed.Decision == delivery.DecisionReject {
			status = StatusRejected
		}
		if closed, err = s.close(ctx, claimed.ID, status, p.AdminID, p.Note); err != nil {
			return Record{}, err
		}
		s.metrics.DisputeResolved(string(claimed.Decision))
	}

	switch claimed.Decision {
	case delivery.DecisionReject:
		_, err = s.flow.Resume(ctx, closed.CollaborationID, closed.ID)
	case delivery.DecisionRefund:
		_, err = s.flow.Conclude(ctx, closed.CollaborationID, closed.ID, delivery.CollaborationCancelled)
	default:
		_, err = s.flow.Conclude(ctx, closed.CollaborationID, closed.ID, delivery.CollaborationCompleted)
	}
	if err != nil {
		return closed, fmt.Errorf("dispute: update collaboration: %w", err)
	}
	s.logger.Info("dispute resolved",
		zap.String("dispute_id", closed.ID),
		zap.String("decision", string(closed.Decision)),
		zap.String("admin_id", p.AdminID),
	)
	return closed, nil
}

// checkPartial keeps an unpayable split from ever being claimed.
func (s *Service) checkPartial(ctx context.Context, p ResolveParams) error {
	d, err := s.store.Get(ctx, p.DisputeID)
	if err != nil {
		return err
	}
	tx, err := s.ledger.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return err
	}
	if !p.RefundAmount.IsPositive() || !p.RefundAmount.LessThan(tx.Amount) {
		return fmt.Errorf("dispute: partial refund %s must be within (0, %s): %w", p.RefundAmount, tx.Amount, delivery.ErrValidation)
	}
	return delivery.CheckAmount("dispute: partial refund", p.RefundAmount)
}

// claim records the decision on an active dispute. settled is true when the
// same decision was already applied and the dispute closed.
func (s *Service) claim(ctx context.Context, p ResolveParams) (Record, bool, error) {
	var (
		out     Record
		settled bool
	)
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.store.Get(ctx, p.DisputeID)
		if err != nil {
			return err
		}
		if cur.Decision != "" {
			if cur.Decision != p.Decision || !cur.RefundAmount.Equal(p.RefundAmount) {
				return ErrAlreadyResolved
			}
			out, settled = cur, !cur.Status.Active()
			return nil
		}
		if !cur.Status.Active() {
			return ErrAlreadyResolved
		}
		next := cur
		next.Decision = p.Decision
		next.RefundAmount = p.RefundAmount
		next.ResolvedBy = p.AdminID
		next.Version++
		next.UpdatedAt = s.now().UTC()
		if err := s.store.Update(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, settled, err
}

func (s *Service) close(ctx context.Context, id string, status Status, adminID, note string) (Record, error) {
	var out Record
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			out = cur
			return nil
		}
		now := s.now().UTC()
		next := cur
		next.Status = status
		next.ResolutionNote = strings.TrimSpace(note)
		if adminID != "" {
			next.ResolvedBy = adminID
		}
		next.ResolvedAt = &now
		next.Version++
		next.UpdatedAt = now
		ev := events.New(events.DisputeResolved, events.AggregateDispute, next.ID, next.Version, map[string]any{
			"collaboration_id": next.CollaborationID,
			"transaction_id":   next.TransactionID,
			"status":           string(next.Status),
			"decision":         string(next.Decision),
			"refund_amount":    next.RefundAmount.String(),
		}, now)
		if err := s.store.Update(ctx, next, ev); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

// GetForActor returns a dispute to one of the transaction's participants.
func (s *Service) GetForActor(ctx context.Context, id, actorID string) (Record, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	tx, err := s.ledger.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return Record{}, err
	}
	if _, ok := tx.Parties.RoleOf(actorID); !ok {
		return Record{}, collab.ErrNotParticipant
	}
	return d, nil
}

func (s *Service) ListForCollaboration(ctx context.Context, collaborationID string) ([]Record, error) {
	return s.store.ListForCollaboration(ctx, collaborationID)
}

func (s *Service) ListActive(ctx context.Context, limit int) ([]Record, error) {
	return s.store.ListActive(ctx, limit)
}
