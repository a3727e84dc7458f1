package rating

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"colisflow/delivery"
	"colisflow/events"
	"colisflow/outbox"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ratingColumns = `id::text, transaction_id::text, collaboration_id::text, rater_id, rater_role, rated_id, rated_role,
	score, criteria, COALESCE(comment, ''), created_at`

func (r *Repository) Insert(ctx context.Context, rt Rating, evs ...events.Event) (Rating, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Rating{}, false, fmt.Errorf("rating: begin insert: %w", err)
	}
	defer tx.Rollback(ctx)

	criteria := rt.Criteria
	if criteria == nil {
		criteria = map[string]int{}
	}
	stored, err := scanRating(tx.QueryRow(ctx, `
		INSERT INTO ratings (id, transaction_id, collaboration_id, rater_id, rater_role, rated_id, rated_role,
			score, criteria, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (transaction_id, rater_role) DO NOTHING
		RETURNING `+ratingColumns,
		rt.ID, rt.TransactionID, rt.CollaborationID, rt.RaterID, string(rt.RaterRole), rt.RatedID, string(rt.RatedRole),
		int32(rt.Score), criteria, rt.Comment, rt.CreatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanRating(tx.QueryRow(ctx, `
			SELECT `+ratingColumns+`
			FROM ratings
			WHERE transaction_id = $1 AND rater_role = $2
		`, rt.TransactionID, string(rt.RaterRole)))
		if err != nil {
			return Rating{}, false, fmt.Errorf("rating: load existing: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return Rating{}, false, fmt.Errorf("rating: insert: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, evs...); err != nil {
		return Rating{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Rating{}, false, fmt.Errorf("rating: commit insert: %w", err)
	}
	return stored, true, nil
}

func (r *Repository) ListForParticipant(ctx context.Context, ratedID string, limit int) ([]Rating, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+ratingColumns+`
		FROM ratings
		WHERE rated_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ratedID, limit)
	if err != nil {
		return nil, fmt.Errorf("rating: list: %w", err)
	}
	defer rows.Close()

	var out []Rating
	for rows.Next() {
		rt, err := scanRating(rows)
		if err != nil {
			return nil, fmt.Errorf("rating: scan: %w", err)
		}
		out = append(out, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rating: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Totals(ctx context.Context, ratedID string) (int, int, error) {
	var count, sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(score), 0)
		FROM ratings
		WHERE rated_id = $1
	`, ratedID).Scan(&count, &sum)
	if err != nil {
		return 0, 0, fmt.Errorf("rating: totals: %w", err)
	}
	return int(count), int(sum), nil
}

func scanRating(row pgx.Row) (Rating, error) {
	var (
		rt                   Rating
		raterRole, ratedRole string
		score                int32
	)
	if err := row.Scan(&rt.ID, &rt.TransactionID, &rt.CollaborationID, &rt.RaterID, &raterRole, &rt.RatedID, &ratedRole,
		&score, &rt.Criteria, &rt.Comment, &rt.CreatedAt); err != nil {
		return Rating{}, err
	}
	rt.RaterRole = delivery.Role(raterRole)
	rt.RatedRole = delivery.Role(ratedRole)
	rt.Score = int(score)
	return rt, nil
}
