package dispute

import (
	"context"
	"sort"
	"sync"

	"colisflow/delivery"
	"colisflow/events"
)

// MemoryStore keeps disputes in process.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Record
	sink events.Sink
}

func NewMemoryStore(sink events.Sink) *MemoryStore {
	if sink == nil {
		sink = events.Discard
	}
	return &MemoryStore{rows: make(map[string]Record), sink: sink}
}

func (m *MemoryStore) Create(ctx context.Context, d Record, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows {
		if existing.TransactionID == d.TransactionID && existing.Status.Active() {
			return ErrAlreadyOpen
		}
	}
	m.rows[d.ID] = clone(d)
	return m.sink.Publish(ctx, evs...)
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) ListForCollaboration(_ context.Context, collaborationID string) ([]Record, error) {
	return m.filter(0, func(d Record) bool { return d.CollaborationID == collaborationID }), nil
}

func (m *MemoryStore) ListActive(_ context.Context, limit int) ([]Record, error) {
	return m.filter(limit, func(d Record) bool { return d.Status.Active() }), nil
}

func (m *MemoryStore) filter(limit int, keep func(Record) bool) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0)
	for _, d := range m.rows {
		if keep(d) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Update(ctx context.Context, next Record, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != next.Version-1 {
		return delivery.ErrConflict
	}
	m.rows[next.ID] = clone(next)
	return m.sink.Publish(ctx, evs...)
}

func (m *MemoryStore) ActiveForTransaction(_ context.Context, transactionID string) (delivery.Hold, bool, error) {
	return m.active(func(d Record) bool { return d.TransactionID == transactionID })
}

func (m *MemoryStore) ActiveForCollaboration(_ context.Context, collaborationID string) (delivery.Hold, bool, error) {
	return m.active(func(d Record) bool { return d.CollaborationID == collaborationID })
}

func (m *MemoryStore) active(match func(Record) bool) (delivery.Hold, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.rows {
		if d.Status.Active() && match(d) {
			return d.Hold(), true, nil
		}
	}
	return delivery.Hold{}, false, nil
}

func clone(d Record) Record {
	d.EvidenceURIs = append([]string(nil), d.EvidenceURIs...)
	return d
}
