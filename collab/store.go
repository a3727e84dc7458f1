package collab

import (
	"context"
	"fmt"

	"colisflow/delivery"
	"colisflow/events"
)

var (
	ErrNotFound        = fmt.Errorf("collab: collaboration %w", delivery.ErrNotFound)
	ErrListingNotFound = fmt.Errorf("collab: listing %w", delivery.ErrNotFound)
	// ErrListingTaken means another counter-party secured the listing first.
	ErrListingTaken = fmt.Errorf("collab: listing already secured: %w", delivery.ErrInvalidTransition)
	// ErrNotParticipant refuses an actor who holds no role in the collaboration.
	ErrNotParticipant = fmt.Errorf("collab: actor is not a participant: %w", delivery.ErrRoleNotPermitted)
	// ErrCarrierUnverified refuses an unverified identity as carrier.
	ErrCarrierUnverified = fmt.Errorf("collab: carrier identity not verified: %w", delivery.ErrRoleNotPermitted)
)

// Store persists listings and collaborations. Updates are compare-and-swap on
// Version (stored version must equal next.Version-1) and write evs with the row.
type Store interface {
	CreateListing(ctx context.Context, l Listing, evs ...events.Event) error
	GetListing(ctx context.Context, id string) (Listing, error)
	// SearchListings returns one page of matches and the total match count.
	SearchListings(ctx context.Context, f ListingFilters) ([]Listing, int, error)
	// Secure swaps the listing to its secured version and inserts the
	// collaboration in one atomic step.
	Secure(ctx context.Context, l Listing, c Collaboration, evs ...events.Event) error

	Get(ctx context.Context, id string) (Collaboration, error)
	ListForActor(ctx context.Context, actorID string) ([]Collaboration, error)
	// ListIdle returns open collaborations matching q, longest idle first.
	ListIdle(ctx context.Context, q IdleQuery) ([]Collaboration, error)
	Update(ctx context.Context, next Collaboration, evs ...events.Event) error
}
