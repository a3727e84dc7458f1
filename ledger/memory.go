package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"colisflow/delivery"
	"colisflow/events"
)

// MemoryStore keeps transactions in process. Events go to sink on commit.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]Transaction
	byColl map[string]string
	sink   events.Sink
}

func NewMemoryStore(sink events.Sink) *MemoryStore {
	if sink == nil {
		sink = events.Discard
	}
	return &MemoryStore{
		rows:   make(map[string]Transaction),
		byColl: make(map[string]string),
		sink:   sink,
	}
}

func (m *MemoryStore) Create(ctx context.Context, t Transaction, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byColl[t.CollaborationID]; ok {
		return ErrDuplicate
	}
	m.rows[t.ID] = t
	m.byColl[t.CollaborationID] = t.ID
	return m.sink.Publish(ctx, evs...)
}

func (m *MemoryStore) Get(_ context.Context, id string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) GetByCollaboration(ctx context.Context, collaborationID string) (Transaction, error) {
	m.mu.Lock()
	id, ok := m.byColl[collaborationID]
	m.mu.Unlock()
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) ListByParticipant(_ context.Context, participantID string) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, 0)
	for _, t := range m.rows {
		if _, ok := t.Parties.RoleOf(participantID); ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, next Transaction, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != next.Version-1 {
		return delivery.ErrConflict
	}
	if err := checkImmutable(cur, next); err != nil {
		return err
	}
	if !cur.Status.CanTransition(next.Status) {
		return fmt.Errorf("ledger: %s -> %s: %w", cur.Status, next.Status, delivery.ErrInvalidTransition)
	}
	m.rows[next.ID] = next
	return m.sink.Publish(ctx, evs...)
}

// checkImmutable refuses changes to what is fixed at creation; the Postgres
// update never writes these columns.
func checkImmutable(cur, next Transaction) error {
	if next.CollaborationID != cur.CollaborationID || next.Parties != cur.Parties ||
		!next.Amount.Equal(cur.Amount) || !next.CommissionRate.Equal(cur.CommissionRate) ||
		!next.CommissionAmount.Equal(cur.CommissionAmount) || !next.CarrierAmount.Equal(cur.CarrierAmount) ||
		!next.InsuranceAmount.Equal(cur.InsuranceAmount) {
		return fmt.Errorf("ledger: identity and split of %s are immutable: %w", cur.ID, delivery.ErrValidation)
	}
	return nil
}
