package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"colisflow/events"
)

// Outcome is what the relay decided for one claimed message.
type Outcome struct {
	Status OutcomeStatus
	Err    error
}

type OutcomeStatus int

const (
	// Skipped leaves the message untouched for the next poll.
	Skipped OutcomeStatus = iota
	Published
	Failed
	DeadLettered
)

// HandleFunc receives claimed messages in commit order and reports an outcome per id.
type HandleFunc func(ctx context.Context, msgs []Message) map[int64]Outcome

// Store hands out pending messages and persists the relay's outcomes.
type Store interface {
	Claim(ctx context.Context, limit int, handle HandleFunc) (int, error)
}

// PGStore claims rows with FOR UPDATE SKIP LOCKED so several relays can run.
// A relay never receives a message while an earlier one for the same
// aggregate is claimed by another relay.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Claim(ctx context.Context, limit int, handle HandleFunc) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	// Rows locked by this claim may run back to back; a row whose aggregate
	// has an earlier pending row held elsewhere stays locked but unreturned.
	const claimSQL = `
WITH claimable AS (
    SELECT id, aggregate_type, aggregate_id
    FROM outbox
    WHERE published_at IS NULL AND dead_lettered_at IS NULL
    ORDER BY id
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
SELECT o.id, o.payload, o.attempts
FROM claimable c
JOIN outbox o ON o.id = c.id
WHERE NOT EXISTS (
    SELECT 1 FROM outbox e
    WHERE e.aggregate_type = c.aggregate_type
      AND e.aggregate_id = c.aggregate_id
      AND e.id < c.id
      AND e.published_at IS NULL AND e.dead_lettered_at IS NULL
      AND e.id NOT IN (SELECT id FROM claimable)
)
ORDER BY o.id;
`
	rows, err := tx.Query(ctx, claimSQL, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var (
			msg  Message
			body []byte
		)
		if err := row.Scan(&msg.ID, &body, &msg.Attempts); err != nil {
			return Message{}, err
		}
		if err := json.Unmarshal(body, &msg.Event); err != nil {
			return Message{}, fmt.Errorf("decode message %d: %w", msg.ID, err)
		}
		return msg, nil
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: scan claim: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	outcomes := handle(ctx, msgs)
	for id, out := range outcomes {
		var execErr error
		switch out.Status {
		case Published:
			_, execErr = tx.Exec(ctx, `UPDATE outbox SET published_at = now(), attempts = attempts + 1 WHERE id = $1`, id)
		case Failed:
			_, execErr = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, errText(out.Err))
		case DeadLettered:
			_, execErr = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2, dead_lettered_at = now() WHERE id = $1`, id, errText(out.Err))
		}
		if execErr != nil {
			return 0, fmt.Errorf("outbox: record outcome %d: %w", id, execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit claim: %w", err)
	}
	return len(msgs), nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// MemoryStore is an in-process outbox. It is also an events.Sink, so memory
// backed domain stores can write into it directly.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*memoryRow
}

type memoryRow struct {
	msg          Message
	published    bool
	deadLettered bool
	lastError    string
	publishedAt  time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]*memoryRow)}
}

func (s *MemoryStore) Publish(_ context.Context, evs ...events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		s.nextID++
		s.rows[s.nextID] = &memoryRow{msg: Message{ID: s.nextID, Event: ev}}
	}
	return nil
}

// Claim holds the store lock for the whole batch, which serializes relays the
// same way row locks do in Postgres.
func (s *MemoryStore) Claim(ctx context.Context, limit int, handle HandleFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.rows))
	for id, row := range s.rows {
		if !row.published && !row.deadLettered {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return 0, nil
	}

	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, s.rows[id].msg)
	}
	for id, out := range handle(ctx, msgs) {
		row := s.rows[id]
		if row == nil || out.Status == Skipped {
			continue
		}
		row.msg.Attempts++
		switch out.Status {
		case Published:
			row.published = true
			row.publishedAt = time.Now().UTC()
		case Failed:
			row.lastError = errText(out.Err)
		case DeadLettered:
			row.lastError = errText(out.Err)
			row.deadLettered = true
		}
	}
	return len(msgs), nil
}

// Pending counts messages not yet published or dead-lettered.
func (s *MemoryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if !row.published && !row.deadLettered {
			n++
		}
	}
	return n
}

// DeadLettered returns the events that exhausted their attempts.
func (s *MemoryStore) DeadLettered() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, row := range s.rows {
		if row.deadLettered {
			out = append(out, row.msg.Event)
		}
	}
	return out
}
