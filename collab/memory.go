package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"colisflow/delivery"
	"colisflow/events"
)

// MemoryStore keeps listings and collaborations in process.
type MemoryStore struct {
	mu       sync.Mutex
	listings map[string]Listing
	rows     map[string]Collaboration
	sink     events.Sink
}

func NewMemoryStore(sink events.Sink) *MemoryStore {
	if sink == nil {
		sink = events.Discard
	}
	return &MemoryStore{
		listings: make(map[string]Listing),
		rows:     make(map[string]Collaboration),
		sink:     sink,
	}
}

func (m *MemoryStore) CreateListing(ctx context.Context, l Listing, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = l
	return m.sink.Publish(ctx, evs...)
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return Listing{}, ErrListingNotFound
	}
	return l, nil
}

func (m *MemoryStore) SearchListings(_ context.Context, f ListingFilters) ([]Listing, int, error) {
	f = f.normalize()
	m.mu.Lock()
	matches := make([]Listing, 0)
	for _, l := range m.listings {
		if f.matches(l) {
			matches = append(matches, l)
		}
	}
	m.mu.Unlock()

	less := listingLess(f.SortKey)
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if f.SortOrder == "desc" {
			a, b = b, a
		}
		if less(a, b) != less(b, a) {
			return less(a, b)
		}
		return matches[i].ID < matches[j].ID
	})

	total := len(matches)
	start := (f.Page - 1) * f.PageSize
	if start >= total {
		return []Listing{}, total, nil
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func (f ListingFilters) matches(l Listing) bool {
	switch {
	case l.Status != f.Status:
		return false
	case f.PublisherRole != "" && l.PublisherRole != f.PublisherRole:
		return false
	case f.PublisherID != "" && l.PublisherID != f.PublisherID:
		return false
	case f.Origin != "" && !strings.EqualFold(l.Origin, f.Origin):
		return false
	case f.Destination != "" && !strings.EqualFold(l.Destination, f.Destination):
		return false
	case f.MaxPrice.IsPositive() && l.Price.GreaterThan(f.MaxPrice):
		return false
	}
	return true
}

func listingLess(key string) func(a, b Listing) bool {
	switch key {
	case "price":
		return func(a, b Listing) bool { return a.Price.LessThan(b.Price) }
	case "weightKg":
		return func(a, b Listing) bool { return a.WeightKg.LessThan(b.WeightKg) }
	case "departureAt":
		return func(a, b Listing) bool {
			if a.DepartureAt == nil || b.DepartureAt == nil {
				return a.DepartureAt == nil && b.DepartureAt != nil
			}
			return a.DepartureAt.Before(*b.DepartureAt)
		}
	default:
		return func(a, b Listing) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}
}

func (m *MemoryStore) Secure(ctx context.Context, l Listing, c Collaboration, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.listings[l.ID]
	if !ok {
		return ErrListingNotFound
	}
	if cur.Version != l.Version-1 {
		return delivery.ErrConflict
	}
	m.listings[l.ID] = l
	m.rows[c.ID] = c.clone()
	return m.sink.Publish(ctx, evs...)
}

func (m *MemoryStore) Get(_ context.Context, id string) (Collaboration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return Collaboration{}, ErrNotFound
	}
	return c.clone(), nil
}

func (m *MemoryStore) ListForActor(_ context.Context, actorID string) ([]Collaboration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Collaboration, 0)
	for _, c := range m.rows {
		if _, ok := c.Parties.RoleOf(actorID); ok {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListIdle(_ context.Context, q IdleQuery) ([]Collaboration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Collaboration, 0)
	for _, c := range m.rows {
		if c.Status.Terminal() || c.Status == delivery.CollaborationDisputed {
			continue
		}
		if q.matches(c) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageStartedAt.Before(out[j].StageStartedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, next Collaboration, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != next.Version-1 {
		return delivery.ErrConflict
	}
	if next.Parties != cur.Parties || next.ListingID != cur.ListingID {
		return fmt.Errorf("collab: parties of %s are immutable: %w", next.ID, delivery.ErrValidation)
	}
	m.rows[next.ID] = next.clone()
	return m.sink.Publish(ctx, evs...)
}
