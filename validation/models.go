package validation

import (
	"time"

	"colisflow/delivery"
)

// Record is one role's sign-off on one stage of a collaboration.
type Record struct {
	ID              string
	CollaborationID string
	Stage           delivery.Stage
	Role            delivery.Role
	ActorID         string
	EvidenceURIs    []string
	Comment         string
	CreatedAt       time.Time
}

// Evidence is optional supporting material attached to a validation.
type Evidence struct {
	URIs    []string
	Comment string
}

// SubmitResult tells a fresh validation apart from a resubmission.
type SubmitResult struct {
	Record           Record
	AlreadyValidated bool
}

// Progress lists which required roles have signed off a stage.
type Progress struct {
	CollaborationID string
	Stage           delivery.Stage
	Validated       []delivery.Role
	Pending         []delivery.Role
}

// Complete is true once no required role is pending.
func (p Progress) Complete() bool {
	return len(p.Pending) == 0
}
