package collab

import (
	"time"

	"github.com/shopspring/decimal"

	"colisflow/delivery"
)

// ListingStatus tracks whether a listing can still be secured.
type ListingStatus string

const (
	ListingOpen    ListingStatus = "open"
	ListingSecured ListingStatus = "secured"
	ListingClosed  ListingStatus = "closed"
)

// Listing is a published offer. A carrier publishes spare capacity on a trip;
// a sender publishes a package looking for a carrier.
type Listing struct {
	ID              string
	PublisherID     string
	PublisherRole   delivery.Role
	Origin          string
	Destination     string
	DepartureAt     *time.Time
	WeightKg        decimal.Decimal
	Price           decimal.Decimal
	InsuranceAmount decimal.Decimal
	Status          ListingStatus
	SecuredBy       string
	CollaborationID string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IdleQuery selects the collaborations the stalled-stage policy can still act
// on: those at or before payment_secured idle since UnpaidBefore, and later
// ones idle since PaidBefore that were not yet flagged at their current stage.
type IdleQuery struct {
	UnpaidBefore time.Time
	PaidBefore   time.Time
	Limit        int
}

func (q IdleQuery) matches(c Collaboration) bool {
	if c.CurrentStage <= delivery.StagePaymentSecured {
		return c.StageStartedAt.Before(q.UnpaidBefore)
	}
	return c.StageStartedAt.Before(q.PaidBefore) && c.StalledStage != c.CurrentStage
}

// ListingFilters narrows a listing search. Zero values match everything
// except Status, which defaults to open.
type ListingFilters struct {
	Status        ListingStatus
	PublisherRole delivery.Role
	PublisherID   string
	Origin        string
	Destination   string
	MaxPrice      decimal.Decimal
	Page          int
	PageSize      int
	SortKey       string
	SortOrder     string
}

func (f ListingFilters) normalize() ListingFilters {
	if f.Status == "" {
		f.Status = ListingOpen
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	if f.SortKey == "" {
		f.SortKey = "createdAt"
	}
	if f.SortOrder != "asc" {
		f.SortOrder = "desc"
	}
	return f
}

type PublishParams struct {
	PublisherID     string
	PublisherRole   delivery.Role
	Origin          string
	Destination     string
	DepartureAt     *time.Time
	WeightKg        decimal.Decimal
	Price           decimal.Decimal
	InsuranceAmount decimal.Decimal
}

// Collaboration is the tri-party space for one delivery. Parties never change
// after creation.
type Collaboration struct {
	ID                  string
	ListingID           string
	Parties             delivery.Parties
	Status              delivery.CollaborationStatus
	StatusBeforeDispute delivery.CollaborationStatus
	CurrentStage        delivery.Stage
	StageStartedAt      time.Time
	StageCompletedAt    map[delivery.Stage]time.Time
	// StalledStage is the last stage reported as stalled, zero if none.
	StalledStage    delivery.Stage
	ChatEnabled     bool
	Documents       []string
	TransactionID   string
	Price           decimal.Decimal
	InsuranceAmount decimal.Decimal
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClosedAt        *time.Time
}

// StageComplete reports whether s has been completed.
func (c Collaboration) StageComplete(s delivery.Stage) bool {
	_, ok := c.StageCompletedAt[s]
	return ok
}

// Finished is true once every stage has completed.
func (c Collaboration) Finished() bool {
	return c.StageComplete(delivery.LastStage)
}

func (c Collaboration) clone() Collaboration {
	out := c
	out.StageCompletedAt = make(map[delivery.Stage]time.Time, len(c.StageCompletedAt))
	for k, v := range c.StageCompletedAt {
		out.StageCompletedAt[k] = v
	}
	out.Documents = append([]string(nil), c.Documents...)
	return out
}
