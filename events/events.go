// Package events defines the domain event contract consumed by notification
// and realtime layers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ListingPublished           = "listing.published"
	ListingSecured             = "listing.secured"
	CollaborationCreated       = "collaboration.created"
	CollaborationStatusChanged = "collaboration.status_changed"
	CollaborationDocumentAdded = "collaboration.document_added"
	CollaborationStalled       = "collaboration.stalled"
	TransactionCreated         = "transaction.created"
	TransactionStatusChanged   = "transaction.status_changed"
	TransactionRefundRequested = "transaction.refund_requested"
	TransactionSettlementLeg   = "transaction.settlement_leg"
	StageValidated             = "stage.validated"
	StageCompleted             = "stage.completed"
	DisputeOpened              = "dispute.opened"
	DisputeReviewed            = "dispute.reviewed"
	DisputeResolved            = "dispute.resolved"
	RatingSubmitted            = "rating.submitted"
)

const (
	AggregateListing       = "listing"
	AggregateCollaboration = "collaboration"
	AggregateTransaction   = "transaction"
	AggregateDispute       = "dispute"
	AggregateRating        = "rating"
)

// Event is one committed state change. Version is the aggregate version the
// change produced, so consumers can order events of one entity.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	Version       int64          `json:"version"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// New stamps an event with a fresh id.
func New(typ, aggregateType, aggregateID string, version int64, payload map[string]any, at time.Time) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          typ,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       version,
		Payload:       payload,
		OccurredAt:    at.UTC(),
	}
}

// Sink receives committed events.
type Sink interface {
	Publish(ctx context.Context, evs ...Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, ...Event) error { return nil }

// Recorder keeps published events in memory in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, evs ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters the snapshot by event type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// ForAggregate filters the snapshot by aggregate id.
func (r *Recorder) ForAggregate(id string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.AggregateID == id {
			out = append(out, ev)
		}
	}
	return out
}
