package delivery

import (
	"fmt"
	"strings"
)

// Role identifies a participant's position inside a collaboration.
type Role string

const (
	RoleSender   Role = "sender"
	RoleCarrier  Role = "carrier"
	RoleReceiver Role = "receiver"
)

// Roles lists the three participant roles in a stable order.
var Roles = []Role{RoleSender, RoleCarrier, RoleReceiver}

// ParseRole accepts the canonical lower-case role names.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleSender, RoleCarrier, RoleReceiver:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
}

func (r Role) Valid() bool {
	switch r {
	case RoleSender, RoleCarrier, RoleReceiver:
		return true
	}
	return false
}

// Parties binds the three participant identifiers of one engagement.
// They never change once a collaboration exists.
type Parties struct {
	SenderID   string
	CarrierID  string
	ReceiverID string
}

// Validate requires three non-empty, pairwise distinct identifiers.
func (p Parties) Validate() error {
	if p.SenderID == "" || p.CarrierID == "" || p.ReceiverID == "" {
		return fmt.Errorf("%w: sender, carrier and receiver are required", ErrValidation)
	}
	if p.SenderID == p.CarrierID || p.SenderID == p.ReceiverID || p.CarrierID == p.ReceiverID {
		return fmt.Errorf("%w: participants must be distinct", ErrValidation)
	}
	return nil
}

// RoleOf reports which role actorID holds, if any.
func (p Parties) RoleOf(actorID string) (Role, bool) {
	switch actorID {
	case "":
		return "", false
	case p.SenderID:
		return RoleSender, true
	case p.CarrierID:
		return RoleCarrier, true
	case p.ReceiverID:
		return RoleReceiver, true
	}
	return "", false
}

// Participant returns the identifier bound to role.
func (p Parties) Participant(role Role) string {
	switch role {
	case RoleSender:
		return p.SenderID
	case RoleCarrier:
		return p.CarrierID
	case RoleReceiver:
		return p.ReceiverID
	}
	return ""
}
