package ledger

import (
	"context"
	"errors"
	"fmt"

	"colisflow/delivery"
	"colisflow/events"
)

var (
	ErrNotFound = fmt.Errorf("ledger: transaction %w", delivery.ErrNotFound)
	// ErrDuplicate signals a second transaction for the same collaboration.
	ErrDuplicate = errors.New("ledger: transaction already exists for collaboration")
)

// Store persists transactions. Update is a compare-and-swap: it succeeds only
// when the stored version equals next.Version-1, and writes evs atomically
// with the row.
type Store interface {
	Create(ctx context.Context, t Transaction, evs ...events.Event) error
	Get(ctx context.Context, id string) (Transaction, error)
	GetByCollaboration(ctx context.Context, collaborationID string) (Transaction, error)
	ListByParticipant(ctx context.Context, participantID string) ([]Transaction, error)
	Update(ctx context.Context, next Transaction, evs ...events.Event) error
}
