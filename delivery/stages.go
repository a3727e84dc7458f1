package delivery

import (
	"fmt"
	"strconv"
	"strings"
)

// Stage is one of the eight ordered delivery milestones.
type Stage int

const (
	StageCreated Stage = iota + 1
	StageSecured
	StageChatEnabled
	StagePaymentSecured
	StagePickedUp
	StageInTransit
	StageDelivered
	StageFinalized
)

// FirstStage and LastStage bound the valid range.
const (
	FirstStage = StageCreated
	LastStage  = StageFinalized
)

type stageDef struct {
	name     string
	required []Role
	after    CollaborationStatus
}

var stageDefs = map[Stage]stageDef{
	StageCreated:        {"created", []Role{RoleSender}, CollaborationActive},
	StageSecured:        {"secured", []Role{RoleCarrier}, CollaborationSecured},
	StageChatEnabled:    {"chat_enabled", []Role{RoleSender, RoleCarrier}, CollaborationSecured},
	StagePaymentSecured: {"payment_secured", []Role{RoleSender}, CollaborationPaid},
	StagePickedUp:       {"picked_up", []Role{RoleSender, RoleCarrier}, CollaborationInTransit},
	StageInTransit:      {"in_transit", []Role{RoleCarrier}, CollaborationInTransit},
	// delivered needs both ends of the handoff so no single party can unlock the funds
	StageDelivered: {"delivered", []Role{RoleSender, RoleReceiver}, CollaborationDelivered},
	StageFinalized: {"finalized", []Role{RoleCarrier}, CollaborationCompleted},
}

// Stages lists all stages in order.
func Stages() []Stage {
	out := make([]Stage, 0, int(LastStage))
	for s := FirstStage; s <= LastStage; s++ {
		out = append(out, s)
	}
	return out
}

func (s Stage) Valid() bool {
	return s >= FirstStage && s <= LastStage
}

func (s Stage) String() string {
	if d, ok := stageDefs[s]; ok {
		return d.name
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

// RequiredRoles returns a copy of the roles that must validate s.
func (s Stage) RequiredRoles() []Role {
	d, ok := stageDefs[s]
	if !ok {
		return nil
	}
	out := make([]Role, len(d.required))
	copy(out, d.required)
	return out
}

// Requires reports whether role is part of the stage's required set.
func (s Stage) Requires(role Role) bool {
	for _, r := range stageDefs[s].required {
		if r == role {
			return true
		}
	}
	return false
}

// StatusAfter is the collaboration status once s completes.
func (s Stage) StatusAfter() CollaborationStatus {
	return stageDefs[s].after
}

// Next returns the following stage; the last stage has none.
func (s Stage) Next() (Stage, bool) {
	if !s.Valid() || s == LastStage {
		return 0, false
	}
	return s + 1, true
}

// ParseStage accepts either the stage name or its 1-based position.
func ParseStage(v string) (Stage, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(v); err == nil {
		if s := Stage(n); s.Valid() {
			return s, nil
		}
		return 0, fmt.Errorf("%w: stage %d out of range", ErrValidation, n)
	}
	for s, d := range stageDefs {
		if d.name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown stage %q", ErrValidation, v)
}
