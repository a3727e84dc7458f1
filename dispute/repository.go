package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

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

const columns = `
	d.id::text, d.collaboration_id::text, d.transaction_id::text, d.complainant_id::text,
	d.complainant_role, d.respondent_role, d.reason, d.requested_action, COALESCE(d.description, ''), d.evidence_uris,
	d.status, COALESCE(d.decision, ''), COALESCE(d.refund_amount, 0)::text, COALESCE(d.resolution_note, ''),
	COALESCE(d.resolved_by::text, ''), d.version, d.created_at, d.updated_at, d.reviewed_at, d.resolved_at
`

func (r *Repository) Create(ctx context.Context, d Record, evs ...events.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	uris := d.EvidenceURIs
	if uris == nil {
		uris = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO disputes (
			id, collaboration_id, transaction_id, complainant_id, complainant_role, respondent_role,
			reason, requested_action, description, evidence_uris, status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13, $13)
	`, d.ID, d.CollaborationID, d.TransactionID, d.ComplainantID, string(d.ComplainantRole), string(d.RespondentRole),
		string(d.Reason), string(d.RequestedAction), d.Description, uris, string(d.Status), d.Version, d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyOpen
		}
		return fmt.Errorf("dispute: create: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, evs...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit create: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM disputes d WHERE d.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) ListForCollaboration(ctx context.Context, collaborationID string) ([]Record, error) {
	return r.list(ctx, `
		SELECT `+columns+`
		FROM disputes d
		WHERE d.collaboration_id = $1
		ORDER BY d.created_at DESC
	`, collaborationID)
}

func (r *Repository) ListActive(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return r.list(ctx, `
		SELECT `+columns+`
		FROM disputes d
		WHERE d.status IN ('open', 'in_review')
		ORDER BY d.created_at ASC
		LIMIT $1
	`, limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Update(ctx context.Context, next Record, evs ...events.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	var refund *string
	if next.Decision != "" {
		s := next.RefundAmount.String()
		refund = &s
	}
	tag, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = $3,
		    decision = NULLIF($4, ''),
		    refund_amount = $5::numeric,
		    resolution_note = NULLIF($6, ''),
		    resolved_by = NULLIF($7, ''),
		    reviewed_at = $8,
		    resolved_at = $9,
		    updated_at = $10,
		    version = $2 + 1
		WHERE id = $1 AND version = $2
	`, next.ID, next.Version-1, string(next.Status), string(next.Decision), refund,
		next.ResolutionNote, next.ResolvedBy, next.ReviewedAt, next.ResolvedAt, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
			return fmt.Errorf("dispute: update check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return delivery.ErrConflict
	}
	if err := outbox.Enqueue(ctx, tx, evs...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit update: %w", err)
	}
	return nil
}

func (r *Repository) ActiveForTransaction(ctx context.Context, transactionID string) (delivery.Hold, bool, error) {
	return r.active(ctx, `d.transaction_id = $1`, transactionID)
}

func (r *Repository) ActiveForCollaboration(ctx context.Context, collaborationID string) (delivery.Hold, bool, error) {
	return r.active(ctx, `d.collaboration_id = $1`, collaborationID)
}

func (r *Repository) active(ctx context.Context, where string, arg string) (delivery.Hold, bool, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `
		SELECT `+columns+`
		FROM disputes d
		WHERE `+where+` AND d.status IN ('open', 'in_review')
		ORDER BY d.created_at ASC
		LIMIT 1
	`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Hold{}, false, nil
	}
	if err != nil {
		return delivery.Hold{}, false, fmt.Errorf("dispute: active lookup: %w", err)
	}
	return rec.Hold(), true, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                               Record
		complainant, respondent, decision string
		reason, requested, status, refund string
	)
	err := row.Scan(
		&rec.ID, &rec.CollaborationID, &rec.TransactionID, &rec.ComplainantID,
		&complainant, &respondent, &reason, &requested, &rec.Description, &rec.EvidenceURIs,
		&status, &decision, &refund, &rec.ResolutionNote,
		&rec.ResolvedBy, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &rec.ReviewedAt, &rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.ComplainantRole = delivery.Role(complainant)
	rec.RespondentRole = delivery.Role(respondent)
	rec.Reason = Reason(reason)
	rec.RequestedAction = delivery.Decision(requested)
	rec.Status = Status(status)
	rec.Decision = delivery.Decision(decision)
	if rec.RefundAmount, err = decimal.NewFromString(refund); err != nil {
		return Record{}, fmt.Errorf("dispute: parse refund amount: %w", err)
	}
	return rec, nil
}
