// Package collab owns listings and the tri-party collaborations created when
// a listing is secured.
package collab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"colisflow/delivery"
	"colisflow/events"
)

// Verifier answers whether a participant's identity has been verified.
type Verifier interface {
	IsVerified(ctx context.Context, participantID string) (bool, error)
}

const maxDocuments = 50

type Service struct {
	store       Store
	verifier    Verifier
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
	attempts    int
}

func NewService(store Store, verifier Verifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		verifier:    verifier,
		logger:      logger.With(zap.String("component", "collab")),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		attempts:    delivery.DefaultConflictAttempts,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// PublishListing opens a listing. Carriers must be verified to offer capacity.
func (s *Service) PublishListing(ctx context.Context, p PublishParams) (Listing, error) {
	if p.PublisherID == "" {
		return Listing{}, fmt.Errorf("collab: missing publisher: %w", delivery.ErrValidation)
	}
	if p.PublisherRole != delivery.RoleSender && p.PublisherRole != delivery.RoleCarrier {
		return Listing{}, fmt.Errorf("collab: listings are published by a sender or a carrier: %w", delivery.ErrValidation)
	}
	p.Origin = strings.TrimSpace(p.Origin)
	p.Destination = strings.TrimSpace(p.Destination)
	if p.Origin == "" || p.Destination == "" {
		return Listing{}, fmt.Errorf("collab: origin and destination are required: %w", delivery.ErrValidation)
	}
	if !p.Price.IsPositive() {
		return Listing{}, fmt.Errorf("collab: price must be positive: %w", delivery.ErrValidation)
	}
	if p.InsuranceAmount.IsNegative() || p.InsuranceAmount.GreaterThan(p.Price) {
		return Listing{}, fmt.Errorf("collab: insurance must be within [0, price]: %w", delivery.ErrValidation)
	}
	if err := delivery.CheckAmount("collab: price", p.Price); err != nil {
		return Listing{}, err
	}
	if err := delivery.CheckAmount("collab: insurance", p.InsuranceAmount); err != nil {
		return Listing{}, err
	}
	if p.WeightKg.IsNegative() {
		return Listing{}, fmt.Errorf("collab: weight must not be negative: %w", delivery.ErrValidation)
	}
	if p.PublisherRole == delivery.RoleCarrier {
		if err := s.requireVerifiedCarrier(ctx, p.PublisherID); err != nil {
			return Listing{}, err
		}
	}

	now := s.Now()
	l := Listing{
		ID:              s.idGenerator(),
		PublisherID:     p.PublisherID,
		PublisherRole:   p.PublisherRole,
		Origin:          p.Origin,
		Destination:     p.Destination,
		DepartureAt:     p.DepartureAt,
		WeightKg:        p.WeightKg,
		Price:           p.Price,
		InsuranceAmount: p.InsuranceAmount,
		Status:          ListingOpen,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev := events.New(events.ListingPublished, events.AggregateListing, l.ID, l.Version, map[string]any{
		"publisher_id":   l.PublisherID,
		"publisher_role": string(l.PublisherRole),
		"origin":         l.Origin,
		"destination":    l.Destination,
		"price":          l.Price.String(),
	}, now)
	if err := s.store.CreateListing(ctx, l, ev); err != nil {
		return Listing{}, err
	}
	return l, nil
}

func (s *Service) GetListing(ctx context.Context, id string) (Listing, error) {
	return s.store.GetListing(ctx, id)
}

func (s *Service) SearchListings(ctx context.Context, f ListingFilters) ([]Listing, int, error) {
	if f.PublisherRole != "" && !f.PublisherRole.Valid() {
		return nil, 0, fmt.Errorf("collab: publisher role %q: %w", f.PublisherRole, delivery.ErrValidation)
	}
	if f.MaxPrice.IsNegative() {
		return nil, 0, fmt.Errorf("collab: negative max price: %w", delivery.ErrValidation)
	}
	return s.store.SearchListings(ctx, f.normalize())
}

// SecureListing binds a counter-party and a receiver to an open listing and
// creates the collaboration. Securing again with the same counter-party
// returns the existing collaboration.
func (s *Service) SecureListing(ctx context.Context, listingID, counterpartyID, receiverID string) (Collaboration, error) {
	var out Collaboration
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		l, err := s.store.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		switch l.Status {
		case ListingSecured:
			if l.SecuredBy != counterpartyID {
				return ErrListingTaken
			}
			out, err = s.store.Get(ctx, l.CollaborationID)
			return err
		case ListingClosed:
			return fmt.Errorf("collab: listing closed: %w", delivery.ErrInvalidTransition)
		}

		parties := delivery.Parties{ReceiverID: receiverID}
		if l.PublisherRole == delivery.RoleSender {
			parties.SenderID, parties.CarrierID = l.PublisherID, counterpartyID
		} else {
			parties.SenderID, parties.CarrierID = counterpartyID, l.PublisherID
		}
		if err := parties.Validate(); err != nil {
			return fmt.Errorf("collab: %w", err)
		}
		if err := s.requireVerifiedCarrier(ctx, parties.CarrierID); err != nil {
			return err
		}

		now := s.Now()
		c := Collaboration{
			ID:               s.idGenerator(),
			ListingID:        l.ID,
			Parties:          parties,
			Status:           delivery.CollaborationActive,
			CurrentStage:     delivery.FirstStage,
			StageStartedAt:   now,
			StageCompletedAt: map[delivery.Stage]time.Time{},
			Documents:        []string{},
			Price:            l.Price,
			InsuranceAmount:  l.InsuranceAmount,
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		next := l
		next.Status = ListingSecured
		next.SecuredBy = counterpartyID
		next.CollaborationID = c.ID
		next.Version++
		next.UpdatedAt = now

		evs := []events.Event{
			events.New(events.ListingSecured, events.AggregateListing, l.ID, next.Version, map[string]any{
				"secured_by":       counterpartyID,
				"collaboration_id": c.ID,
			}, now),
			events.New(events.CollaborationCreated, events.AggregateCollaboration, c.ID, c.Version, map[string]any{
				"listing_id":  l.ID,
				"sender_id":   parties.SenderID,
				"carrier_id":  parties.CarrierID,
				"receiver_id": parties.ReceiverID,
				"status":      string(c.Status),
				"stage":       c.CurrentStage.String(),
			}, now),
		}
		if err := s.store.Secure(ctx, next, c, evs...); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Collaboration{}, err
	}
	return out, nil
}

func (s *Service) requireVerifiedCarrier(ctx context.Context, carrierID string) error {
	if s.verifier == nil {
		return ErrCarrierUnverified
	}
	ok, err := s.verifier.IsVerified(ctx, carrierID)
	if err != nil {
		return fmt.Errorf("collab: verify carrier: %w", err)
	}
	if !ok {
		s.logger.Warn("unverified participant refused as carrier",
			zap.Bool("security", true),
			zap.String("actor_id", carrierID),
		)
		return ErrCarrierUnverified
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Collaboration, error) {
	return s.store.Get(ctx, id)
}

// GetForActor returns the collaboration with the role actorID holds in it.
func (s *Service) GetForActor(ctx context.Context, id, actorID string) (Collaboration, delivery.Role, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return Collaboration{}, "", err
	}
	role, ok := c.Parties.RoleOf(actorID)
	if !ok {
		s.logger.Warn("non-participant access to collaboration",
			zap.Bool("security", true),
			zap.String("collaboration_id", id),
			zap.String("actor_id", actorID),
		)
		return Collaboration{}, "", ErrNotParticipant
	}
	return c, role, nil
}

func (s *Service) ListForActor(ctx context.Context, actorID string) ([]Collaboration, error) {
	return s.store.ListForActor(ctx, actorID)
}

func (s *Service) ListIdle(ctx context.Context, q IdleQuery) ([]Collaboration, error) {
	return s.store.ListIdle(ctx, q)
}

// AddDocument appends a shared document URI. Adding the same URI twice is a no-op.
func (s *Service) AddDocument(ctx context.Context, id, actorID, uri string) (Collaboration, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Collaboration{}, fmt.Errorf("collab: empty document uri: %w", delivery.ErrValidation)
	}
	var out Collaboration
	err := delivery.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		cur, role, err := s.GetForActor(ctx, id, actorID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("collab: collaboration is %s: %w", cur.Status, delivery.ErrInvalidTransition)
		}
		for _, d := range cur.Documents {
			if d == uri {
				out = cur
				return nil
			}
		}
		if len(cur.Documents) >= maxDocuments {
			return fmt.Errorf("collab: at most %d documents: %w", maxDocuments, delivery.ErrValidation)
		}
		next := cur.clone()
		next.Documents = append(next.Documents, uri)
		out, err = s.Commit(ctx, next, Transition{
			From: cur.Status,
			Emit: []Emission{{Type: events.CollaborationDocumentAdded, Payload: map[string]any{
				"uri":      uri,
				"actor_id": actorID,
				"role":     string(role),
			}}},
		})
		return err
	})
	return out, err
}

// Emission is an extra event written with a collaboration change.
type Emission struct {
	Type    string
	Payload map[string]any
}

// Transition describes one collaboration change applied through Commit.
type Transition struct {
	From   delivery.CollaborationStatus
	Reason string
	Emit   []Emission
}

// Commit persists next as the successor of the version it was loaded at. A
// status change emits collaboration.status_changed; Emit adds further events
// stamped with the new version.
func (s *Service) Commit(ctx context.Context, next Collaboration, tr Transition) (Collaboration, error) {
	next.Version++
	next.UpdatedAt = s.Now()
	if next.Status.Terminal() && next.ClosedAt == nil {
		at := next.UpdatedAt
		next.ClosedAt = &at
	}

	evs := make([]events.Event, 0, len(tr.Emit)+1)
	if next.Status != tr.From {
		payload := map[string]any{
			"from":  string(tr.From),
			"to":    string(next.Status),
			"stage": next.CurrentStage.String(),
		}
		if tr.Reason != "" {
			payload["reason"] = tr.Reason
		}
		evs = append(evs, events.New(events.CollaborationStatusChanged, events.AggregateCollaboration, next.ID, next.Version, payload, next.UpdatedAt))
	}
	for _, e := range tr.Emit {
		evs = append(evs, events.New(e.Type, events.AggregateCollaboration, next.ID, next.Version, e.Payload, next.UpdatedAt))
	}
	if err := s.store.Update(ctx, next, evs...); err != nil {
		return Collaboration{}, err
	}
	return next, nil
}

