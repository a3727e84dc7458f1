package validation

import (
	"context"

	"colisflow/delivery"
	"colisflow/events"
)

// Store persists validation records. Insert keeps at most one record per
// (collaboration, stage, role): when one exists it is returned with
// created=false and evs are dropped.
type Store interface {
	Insert(ctx context.Context, rec Record, evs ...events.Event) (stored Record, created bool, err error)
	List(ctx context.Context, collaborationID string, stage delivery.Stage) ([]Record, error)
}
