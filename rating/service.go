// Package rating records reviews participants leave once a delivery's money
// has settled.
package rating

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"colisflow/delivery"
	"colisflow/events"
	"colisflow/ledger"
)

const maxCommentLength = 2000

// Transactions reads the ledger.
type Transactions interface {
	GetTransaction(ctx context.Context, id string) (ledger.Transaction, error)
}

type Service struct {
	store       Store
	ledger      Transactions
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(store Store, l Transactions, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		ledger:      l,
		logger:      logger.With(zap.String("component", "rating")),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
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

// Submit records the rater's review of another party to the transaction.
// A second submission from the same role returns the first rating with
// AlreadyRated set.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (SubmitResult, error) {
	if p.TransactionID == "" || p.RaterID == "" || p.RatedID == "" {
		return SubmitResult{}, fmt.Errorf("rating: missing transaction, rater or rated participant: %w", delivery.ErrValidation)
	}
	if p.RaterID == p.RatedID {
		return SubmitResult{}, errSelfRating
	}
	if err := checkScores(p.Score, p.Criteria); err != nil {
		return SubmitResult{}, err
	}
	comment := strings.TrimSpace(p.Comment)
	if len(comment) > maxCommentLength {
		return SubmitResult{}, fmt.Errorf("rating: comment longer than %d bytes: %w", maxCommentLength, delivery.ErrValidation)
	}

	tx, err := s.ledger.GetTransaction(ctx, p.TransactionID)
	if err != nil {
		return SubmitResult{}, err
	}
	raterRole, ok := tx.Parties.RoleOf(p.RaterID)
	if !ok {
		s.logger.Warn("rating by non-participant refused",
			zap.Bool("security", true),
			zap.String("transaction_id", tx.ID),
			zap.String("actor_id", p.RaterID),
		)
		return SubmitResult{}, fmt.Errorf("rating: %s is not a party to %s: %w", p.RaterID, tx.ID, delivery.ErrRoleNotPermitted)
	}
	ratedRole, ok := tx.Parties.RoleOf(p.RatedID)
	if !ok {
		return SubmitResult{}, fmt.Errorf("rating: %s is not a party to %s: %w", p.RatedID, tx.ID, delivery.ErrValidation)
	}
	if !tx.Status.Terminal() {
		return SubmitResult{}, ErrNotTerminal
	}

	now := s.now().UTC()
	r := Rating{
		ID:              s.idGenerator(),
		TransactionID:   tx.ID,
		CollaborationID: tx.CollaborationID,
		RaterID:         p.RaterID,
		RaterRole:       raterRole,
		RatedID:         p.RatedID,
		RatedRole:       ratedRole,
		Score:           p.Score,
		Criteria:        p.Criteria,
		Comment:         comment,
		CreatedAt:       now,
	}
	ev := events.New(events.RatingSubmitted, events.AggregateRating, r.ID, 1, map[string]any{
		"transaction_id": r.TransactionID,
		"rater_role":     string(r.RaterRole),
		"rated_id":       r.RatedID,
		"score":          r.Score,
	}, now)
	stored, created, err := s.store.Insert(ctx, r, ev)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Rating: stored, AlreadyRated: !created}, nil
}

func (s *Service) ListForParticipant(ctx context.Context, participantID string, limit int) ([]Rating, error) {
	return s.store.ListForParticipant(ctx, participantID, limit)
}

// Summary returns how often participantID was rated and the mean overall
// score rounded to two decimals.
func (s *Service) Summary(ctx context.Context, participantID string) (Summary, error) {
	count, sum, err := s.store.Totals(ctx, participantID)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{ParticipantID: participantID, Count: count, Average: decimal.Zero}
	if count > 0 {
		out.Average = decimal.NewFromInt(int64(sum)).DivRound(decimal.NewFromInt(int64(count)), 2)
	}
	return out, nil
}

func checkScores(score int, criteria map[string]int) error {
	if score < MinScore || score > MaxScore {
		return fmt.Errorf("rating: score %d outside %d..%d: %w", score, MinScore, MaxScore, delivery.ErrValidation)
	}
	for name, v := range criteria {
		if !knownCriteria[name] {
			return fmt.Errorf("rating: unknown criterion %q: %w", name, delivery.ErrValidation)
		}
		if v < MinScore || v > MaxScore {
			return fmt.Errorf("rating: %s score %d outside %d..%d: %w", name, v, MinScore, MaxScore, delivery.ErrValidation)
		}
	}
	return nil
}
