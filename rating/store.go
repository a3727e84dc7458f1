package rating

import (
	"context"
	"fmt"

	"colisflow/delivery"
	"colisflow/events"
)

var (
	// ErrNotTerminal refuses ratings before the money has settled.
	ErrNotTerminal = fmt.Errorf("rating: transaction not settled: %w", delivery.ErrInvalidTransition)
	errSelfRating  = fmt.Errorf("rating: participants cannot rate themselves: %w", delivery.ErrValidation)
)

// Store persists ratings. Insert keeps the first rating per (transaction,
// rater role) and reports created=false for later ones.
type Store interface {
	Insert(ctx context.Context, r Rating, evs ...events.Event) (stored Rating, created bool, err error)
	ListForParticipant(ctx context.Context, ratedID string, limit int) ([]Rating, error)
	// Totals returns how many ratings ratedID received and the sum of their scores.
	Totals(ctx context.Context, ratedID string) (count int, sum int, err error)
}
