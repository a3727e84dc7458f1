package dispute

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"colisflow/delivery"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusInReview Status = "in_review"
	StatusResolved Status = "resolved"
	StatusRejected Status = "rejected"
)

// Active disputes freeze the transaction and the collaboration.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInReview
}

// Reason classifies what went wrong.
type Reason string

const (
	ReasonNotDelivered   Reason = "not_delivered"
	ReasonDamaged        Reason = "damaged"
	ReasonLost           Reason = "lost"
	ReasonLate           Reason = "late"
	ReasonNotAsDescribed Reason = "not_as_described"
	ReasonPayment        Reason = "payment_issue"
	ReasonOther          Reason = "other"
)

func ParseReason(s string) (Reason, error) {
	switch r := Reason(s); r {
	case ReasonNotDelivered, ReasonDamaged, ReasonLost, ReasonLate, ReasonNotAsDescribed, ReasonPayment, ReasonOther:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown dispute reason %q", delivery.ErrValidation, s)
}

// Record mirrors the disputes table.
type Record struct {
	ID              string
	CollaborationID string
	TransactionID   string
	ComplainantID   string
	ComplainantRole delivery.Role
	RespondentRole  delivery.Role
	Reason          Reason
	RequestedAction delivery.Decision
	Description     string
	EvidenceURIs    []string
	Status          Status
	// Decision is claimed by the arbiter before funds move and stays set once closed.
	Decision       delivery.Decision
	RefundAmount   decimal.Decimal
	ResolutionNote string
	ResolvedBy     string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ReviewedAt     *time.Time
	ResolvedAt     *time.Time
}

// Hold is the escrow-facing view of an active dispute.
func (r Record) Hold() delivery.Hold {
	return delivery.Hold{DisputeID: r.ID, Decision: r.Decision, RefundAmount: r.RefundAmount}
}

type OpenParams struct {
	CollaborationID string
	TransactionID   string
	ComplainantID   string
	Reason          Reason
	RequestedAction delivery.Decision
	Description     string
	EvidenceURIs    []string
}

type ResolveParams struct {
	DisputeID    string
	AdminID      string
	Decision     delivery.Decision
	RefundAmount decimal.Decimal
	Note         string
}

// respondentFor names the party a complaint is against.
func respondentFor(complainant delivery.Role) delivery.Role {
	if complainant == delivery.RoleCarrier {
		return delivery.RoleSender
	}
	return delivery.RoleCarrier
}
