package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"colisflow/delivery"
	"colisflow/events"
)

// Service creates transactions and guards the amount invariant on every
// write. Status changes come from escrow and dispute code through Commit.
type Service struct {
	store       Store
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		logger:      logger.With(zap.String("component", "ledger")),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
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

// Now exposes the service clock so collaborators stamp consistent times.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// CreateTransaction freezes the split at the given rate and stores the
// transaction as pending.
func (s *Service) CreateTransaction(ctx context.Context, params CreateParams) (Transaction, error) {
	if params.CollaborationID == "" {
		return Transaction{}, fmt.Errorf("ledger: missing collaboration id: %w", delivery.ErrValidation)
	}
	if err := params.Parties.Validate(); err != nil {
		return Transaction{}, fmt.Errorf("ledger: %w", err)
	}
	split, err := ComputeSplit(params.Amount, params.CommissionRate, params.InsuranceAmount)
	if err != nil {
		return Transaction{}, err
	}

	now := s.Now()
	t := Transaction{
		ID:               s.idGenerator(),
		CollaborationID:  params.CollaborationID,
		Parties:          params.Parties,
		Amount:           params.Amount,
		CommissionRate:   params.CommissionRate,
		CommissionAmount: split.Commission,
		CarrierAmount:    split.Carrier,
		InsuranceAmount:  split.Insurance,
		Status:           delivery.PaymentPending,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := CheckInvariant(t); err != nil {
		s.reportInvariant(t, err)
		return Transaction{}, err
	}

	ev := events.New(events.TransactionCreated, events.AggregateTransaction, t.ID, t.Version, map[string]any{
		"collaboration_id":  t.CollaborationID,
		"amount":            t.Amount.String(),
		"commission_amount": t.CommissionAmount.String(),
		"carrier_amount":    t.CarrierAmount.String(),
		"insurance_amount":  t.InsuranceAmount.String(),
		"status":            string(t.Status),
	}, now)
	if err := s.store.Create(ctx, t, ev); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetByCollaboration(ctx context.Context, collaborationID string) (Transaction, error) {
	return s.store.GetByCollaboration(ctx, collaborationID)
}

func (s *Service) ListByParticipant(ctx context.Context, participantID string) ([]Transaction, error) {
	return s.store.ListByParticipant(ctx, participantID)
}

// Load reads a transaction for mutation. A transaction whose amounts no longer
// add up is refused with ErrLedgerInvariant and needs manual reconciliation.
func (s *Service) Load(ctx context.Context, id string) (Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if err := CheckInvariant(t); err != nil {
		s.reportInvariant(t, err)
		return Transaction{}, err
	}
	return t, nil
}

// Transition describes one status change applied through Commit.
type Transition struct {
	From   delivery.PaymentStatus
	Reason string
	// Type overrides the emitted event type; defaults to transaction.status_changed.
	Type    string
	Payload map[string]any
}

// Commit persists next as the successor of the version it was loaded at and
// emits one transaction event. It is the write path of the escrow state
// machine; everything else moves money through escrow.Service. Status moves
// outside the payment lifecycle and writes that would break the amount
// invariant are refused before they reach the store.
func (s *Service) Commit(ctx context.Context, next Transaction, tr Transition) (Transaction, error) {
	if !tr.From.CanTransition(next.Status) {
		return Transaction{}, fmt.Errorf("ledger: %s -> %s: %w", tr.From, next.Status, delivery.ErrInvalidTransition)
	}
	next.Version++
	next.UpdatedAt = s.Now()
	if err := CheckInvariant(next); err != nil {
		s.reportInvariant(next, err)
		return Transaction{}, err
	}

	payload := map[string]any{
		"collaboration_id": next.CollaborationID,
		"from":             string(tr.From),
		"to":               string(next.Status),
	}
	if tr.Reason != "" {
		payload["reason"] = tr.Reason
	}
	for k, v := range tr.Payload {
		payload[k] = v
	}
	typ := tr.Type
	if typ == "" {
		typ = events.TransactionStatusChanged
	}
	ev := events.New(typ, events.AggregateTransaction, next.ID, next.Version, payload, next.UpdatedAt)
	if err := s.store.Update(ctx, next, ev); err != nil {
		return Transaction{}, err
	}
	return next, nil
}

func (s *Service) reportInvariant(t Transaction, err error) {
	if !errors.Is(err, delivery.ErrLedgerInvariant) {
		return
	}
	s.logger.Error("ledger invariant violated; transaction needs manual reconciliation",
		zap.String("transaction_id", t.ID),
		zap.String("status", string(t.Status)),
		zap.String("amount", t.Amount.String()),
		zap.String("commission_rate", t.CommissionRate.String()),
		zap.String("commission_amount", t.CommissionAmount.String()),
		zap.String("carrier_amount", t.CarrierAmount.String()),
		zap.String("insurance_amount", t.InsuranceAmount.String()),
		zap.String("refunded_amount", t.RefundedAmount.String()),
		zap.String("released_amount", t.ReleasedAmount.String()),
		zap.Error(err),
	)
}
