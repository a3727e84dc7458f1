package delivery

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CollaborationStatus is the coarse lifecycle of a tri-party collaboration.
type CollaborationStatus string

const (
	CollaborationActive    CollaborationStatus = "active"
	CollaborationSecured   CollaborationStatus = "secured"
	CollaborationPaid      CollaborationStatus = "paid"
	CollaborationInTransit CollaborationStatus = "in_transit"
	CollaborationDelivered CollaborationStatus = "delivered"
	CollaborationCompleted CollaborationStatus = "completed"
	CollaborationDisputed  CollaborationStatus = "disputed"
	CollaborationCancelled CollaborationStatus = "cancelled"
)

// Terminal collaborations accept no further transitions.
func (s CollaborationStatus) Terminal() bool {
	return s == CollaborationCompleted || s == CollaborationCancelled
}

// PaymentStatus tracks a transaction through the escrow lifecycle.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentEscrowed PaymentStatus = "escrowed"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentDisputed PaymentStatus = "disputed"
)

// Terminal payment states are immutable once reached.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentReleased || s == PaymentRefunded
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:  {PaymentPaid},
	PaymentPaid:     {PaymentEscrowed, PaymentDisputed, PaymentRefunded},
	PaymentEscrowed: {PaymentReleased, PaymentDisputed, PaymentRefunded},
	PaymentDisputed: {PaymentPaid, PaymentEscrowed, PaymentRefunded},
}

// CanTransition reports whether the escrow lifecycle allows s -> to. Staying
// in a non-terminal status is always allowed.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	if s == to {
		return !s.Terminal()
	}
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Disputable reports whether a dispute may freeze funds in this state.
func (s PaymentStatus) Disputable() bool {
	return s == PaymentPaid || s == PaymentEscrowed
}

// Decision is the arbitration outcome applied to a disputed transaction.
type Decision string

const (
	DecisionRefund        Decision = "refund"
	DecisionPartialRefund Decision = "partial_refund"
	DecisionRelease       Decision = "release"
	DecisionReject        Decision = "reject"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionRefund, DecisionPartialRefund, DecisionRelease, DecisionReject:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown decision %q", ErrValidation, s)
}

// Hold describes an unresolved dispute freezing a transaction. Decision stays
// empty until an arbiter has claimed one.
type Hold struct {
	DisputeID    string
	Decision     Decision
	RefundAmount decimal.Decimal
}

// Authorizes reports whether the hold carries a claimed decision for disputeID.
func (h Hold) Authorizes(disputeID string) bool {
	return h.DisputeID == disputeID && h.Decision != ""
}
