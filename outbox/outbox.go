package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"colisflow/events"
)

// Execer is satisfied by pgx.Tx; writes must happen inside the caller's transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Message is one outbox row awaiting delivery.
type Message struct {
	ID       int64
	Event    events.Event
	Attempts int
}

// Enqueue writes evs to the outbox table inside tx so they commit or roll back
// together with the state change that produced them.
func Enqueue(ctx context.Context, tx Execer, evs ...events.Event) error {
	const insertSQL = `
INSERT INTO outbox (event_id, topic, aggregate_type, aggregate_id, version, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	for _, ev := range evs {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("outbox: marshal %s: %w", ev.Type, err)
		}
		if _, err := tx.Exec(ctx, insertSQL, ev.ID, ev.Type, ev.AggregateType, ev.AggregateID, ev.Version, body, ev.OccurredAt); err != nil {
			return fmt.Errorf("outbox: insert %s: %w", ev.Type, err)
		}
	}
	return nil
}
