package validation

import (
	"context"
	"sort"
	"sync"

	"colisflow/delivery"
	"colisflow/events"
)

type recordKey struct {
	collaborationID string
	stage           delivery.Stage
	role            delivery.Role
}

// MemoryStore keeps validation records in process.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[recordKey]Record
	sink events.Sink
}

func NewMemoryStore(sink events.Sink) *MemoryStore {
	if sink == nil {
		sink = events.Discard
	}
	return &MemoryStore{rows: make(map[recordKey]Record), sink: sink}
}

func (m *MemoryStore) Insert(ctx context.Context, rec Record, evs ...events.Event) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{rec.CollaborationID, rec.Stage, rec.Role}
	if existing, ok := m.rows[key]; ok {
		return existing, false, nil
	}
	m.rows[key] = rec
	if err := m.sink.Publish(ctx, evs...); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (m *MemoryStore) List(_ context.Context, collaborationID string, stage delivery.Stage) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, 3)
	for k, rec := range m.rows {
		if k.collaborationID == collaborationID && k.stage == stage {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
