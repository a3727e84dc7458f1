package dispute

import (
	"context"
	"errors"
	"fmt"

	"colisflow/delivery"
	"colisflow/events"
)

var (
	ErrNotFound = fmt.Errorf("dispute: %w", delivery.ErrNotFound)
	// ErrAlreadyOpen rejects a second unresolved dispute on one transaction.
	ErrAlreadyOpen = fmt.Errorf("dispute: transaction already has an open dispute: %w", delivery.ErrDisputeActive)
	// ErrAlreadyResolved is returned when a dispute already carries a
	// different resolution.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)

// Store persists disputes. Create fails with ErrAlreadyOpen while another
// active dispute references the same transaction. Update is compare-and-swap
// on Version.
type Store interface {
	Create(ctx context.Context, d Record, evs ...events.Event) error
	Get(ctx context.Context, id string) (Record, error)
	ListForCollaboration(ctx context.Context, collaborationID string) ([]Record, error)
	ListActive(ctx context.Context, limit int) ([]Record, error)
	Update(ctx context.Context, next Record, evs ...events.Event) error
	ActiveForTransaction(ctx context.Context, transactionID string) (delivery.Hold, bool, error)
	ActiveForCollaboration(ctx context.Context, collaborationID string) (delivery.Hold, bool, error)
}
