package rating

import (
	"time"

	"github.com/shopspring/decimal"

	"colisflow/delivery"
)

// Criteria a rater may score next to the overall score.
const (
	CriterionPunctuality   = "punctuality"
	CriterionCommunication = "communication"
	CriterionCare          = "care"
)

var knownCriteria = map[string]bool{
	CriterionPunctuality:   true,
	CriterionCommunication: true,
	CriterionCare:          true,
}

const (
	MinScore = 1
	MaxScore = 5
)

// Rating is one participant's review of another after a settled transaction.
// There is at most one per (transaction, rater role).
type Rating struct {
	ID              string
	TransactionID   string
	CollaborationID string
	RaterID         string
	RaterRole       delivery.Role
	RatedID         string
	RatedRole       delivery.Role
	Score           int
	Criteria        map[string]int
	Comment         string
	CreatedAt       time.Time
}

type SubmitParams struct {
	TransactionID string
	RaterID       string
	RatedID       string
	Score         int
	Criteria      map[string]int
	Comment       string
}

type SubmitResult struct {
	Rating       Rating
	AlreadyRated bool
}

// Summary aggregates the ratings a participant received.
type Summary struct {
	ParticipantID string
	Count         int
	Average       decimal.Decimal
}
