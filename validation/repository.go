package validation

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

// Repository implements Store on PostgreSQL. The unique constraint on
// (collaboration_id, stage, role) makes concurrent double submits collapse.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `id::text, collaboration_id::text, stage, role, actor_id::text, evidence_uris, COALESCE(comment, ''), created_at`

func (r *Repository) Insert(ctx context.Context, rec Record, evs ...events.Event) (Record, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("validation: begin insert: %w", err)
	}
	defer tx.Rollback(ctx)

	uris := rec.EvidenceURIs
	if uris == nil {
		uris = []string{}
	}
	stored, err := scanRecord(tx.QueryRow(ctx, `
		INSERT INTO validation_records (id, collaboration_id, stage, role, actor_id, evidence_uris, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (collaboration_id, stage, role) DO NOTHING
		RETURNING `+recordColumns,
		rec.ID, rec.CollaborationID, int32(rec.Stage), string(rec.Role), rec.ActorID, uris, rec.Comment, rec.CreatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanRecord(tx.QueryRow(ctx, `
			SELECT `+recordColumns+`
			FROM validation_records
			WHERE collaboration_id = $1 AND stage = $2 AND role = $3
		`, rec.CollaborationID, int32(rec.Stage), string(rec.Role)))
		if err != nil {
			return Record{}, false, fmt.Errorf("validation: load existing: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("validation: insert: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, evs...); err != nil {
		return Record{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, false, fmt.Errorf("validation: commit insert: %w", err)
	}
	return stored, true, nil
}

func (r *Repository) List(ctx context.Context, collaborationID string, stage delivery.Stage) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM validation_records
		WHERE collaboration_id = $1 AND stage = $2
		ORDER BY created_at ASC
	`, collaborationID, int32(stage))
	if err != nil {
		return nil, fmt.Errorf("validation: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 3)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("validation: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("validation: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec   Record
		stage int32
		role  string
	)
	if err := row.Scan(&rec.ID, &rec.CollaborationID, &stage, &role, &rec.ActorID, &rec.EvidenceURIs, &rec.Comment, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Stage = delivery.Stage(stage)
	rec.Role = delivery.Role(role)
	return rec, nil
}
