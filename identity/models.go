package identity

import "time"

// Profile captures the participant data the delivery core relies on.
type Profile struct {
	ID          string
	DisplayName string
	Verified    bool
	CreatedAt   time.Time
}
