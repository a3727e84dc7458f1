package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"colisflow/delivery"
)

// Transaction mirrors the transactions table. Amounts are exact decimals.
type Transaction struct {
	ID              string
	CollaborationID string
	Parties         delivery.Parties

	Amount           decimal.Decimal
	CommissionRate   decimal.Decimal
	CommissionAmount decimal.Decimal
	CarrierAmount    decimal.Decimal
	InsuranceAmount  decimal.Decimal

	Status              delivery.PaymentStatus
	StatusBeforeDispute delivery.PaymentStatus
	ProviderReference   string
	ChargeFingerprint   string
	RefundReference     string
	// RefundPending marks a refund whose provider call may be in flight;
	// release is refused until it settles.
	RefundPending  bool
	RefundedAmount decimal.Decimal
	ReleasedAmount decimal.Decimal

	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	PaidAt     *time.Time
	EscrowedAt *time.Time
	ReleasedAt *time.Time
	RefundedAt *time.Time
}

// CreateParams carries the inputs for a new transaction.
type CreateParams struct {
	CollaborationID string
	Parties         delivery.Parties
	Amount          decimal.Decimal
	CommissionRate  decimal.Decimal
	InsuranceAmount decimal.Decimal
}
