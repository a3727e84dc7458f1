package rating

import (
	"context"
	"sort"
	"sync"

	"colisflow/delivery"
	"colisflow/events"
)

type ratingKey struct {
	transactionID string
	raterRole     delivery.Role
}

type MemoryStore struct {
	mu   sync.Mutex
	rows map[ratingKey]Rating
	sink events.Sink
}

func NewMemoryStore(sink events.Sink) *MemoryStore {
	if sink == nil {
		sink = events.Discard
	}
	return &MemoryStore{rows: make(map[ratingKey]Rating), sink: sink}
}

func (m *MemoryStore) Insert(ctx context.Context, r Rating, evs ...events.Event) (Rating, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ratingKey{r.TransactionID, r.RaterRole}
	if existing, ok := m.rows[key]; ok {
		return clone(existing), false, nil
	}
	m.rows[key] = clone(r)
	if err := m.sink.Publish(ctx, evs...); err != nil {
		return Rating{}, false, err
	}
	return r, true, nil
}

func (m *MemoryStore) ListForParticipant(_ context.Context, ratedID string, limit int) ([]Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Rating
	for _, r := range m.rows {
		if r.RatedID == ratedID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Totals(_ context.Context, ratedID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, sum := 0, 0
	for _, r := range m.rows {
		if r.RatedID == ratedID {
			count++
			sum += r.Score
		}
	}
	return count, sum, nil
}

func clone(r Rating) Rating {
	if r.Criteria != nil {
		c := make(map[string]int, len(r.Criteria))
		for k, v := range r.Criteria {
			c[k] = v
		}
		r.Criteria = c
	}
	return r
}
