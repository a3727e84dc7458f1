package ledger

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

// Repository implements Store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `
	id::text, collaboration_id::text, sender_id::text, carrier_id::text, receiver_id::text,
	amount::text, commission_rate::text, commission_amount::text, carrier_amount::text, insurance_amount::text,
	payment_status::text, COALESCE(status_before_dispute::text, ''),
	COALESCE(provider_reference, ''), COALESCE(charge_fingerprint, ''), COALESCE(refund_reference, ''),
	refund_pending, refunded_amount::text, released_amount::text,
	version, created_at, updated_at, paid_at, escrowed_at, released_at, refunded_at
`

func (r *Repository) Create(ctx context.Context, t Transaction, evs ...events.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO transactions (
	id, collaboration_id, sender_id, carrier_id, receiver_id,
	amount, commission_rate, commission_amount, carrier_amount, insurance_amount,
	payment_status, refunded_amount, released_amount, version, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5,
	$6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric,
	$11::payment_status, 0, 0, $12, $13, $13
);
`
	_, err = tx.Exec(ctx, insertSQL,
		t.ID, t.CollaborationID, t.Parties.SenderID, t.Parties.CarrierID, t.Parties.ReceiverID,
		t.Amount.String(), t.CommissionRate.String(), t.CommissionAmount.String(), t.CarrierAmount.String(), t.InsuranceAmount.String(),
		string(t.Status), t.Version, t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("ledger: insert transaction: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, evs...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit create: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("ledger: get: %w", err)
	}
	return t, nil
}

func (r *Repository) GetByCollaboration(ctx context.Context, collaborationID string) (Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transactions WHERE collaboration_id = $1`, collaborationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("ledger: get by collaboration: %w", err)
	}
	return t, nil
}

func (r *Repository) ListByParticipant(ctx context.Context, participantID string) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM transactions
		WHERE sender_id = $1 OR carrier_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 8)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Update(ctx context.Context, next Transaction, evs ...events.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
UPDATE transactions
SET payment_status = $3::payment_status,
    status_before_dispute = NULLIF($4, '')::payment_status,
    provider_reference = NULLIF($5, ''),
    charge_fingerprint = NULLIF($6, ''),
    refund_reference = NULLIF($7, ''),
    refunded_amount = $8::numeric,
    released_amount = $9::numeric,
    paid_at = $10,
    escrowed_at = $11,
    released_at = $12,
    refunded_at = $13,
    updated_at = $14,
    refund_pending = $15,
    version = $2 + 1
WHERE id = $1 AND version = $2;
`
	tag, err := tx.Exec(ctx, updateSQL,
		next.ID, next.Version-1, string(next.Status), string(next.StatusBeforeDispute),
		next.ProviderReference, next.ChargeFingerprint, next.RefundReference,
		next.RefundedAmount.String(), next.ReleasedAmount.String(),
		next.PaidAt, next.EscrowedAt, next.ReleasedAt, next.RefundedAt, next.UpdatedAt,
		next.RefundPending,
	)
	if err != nil {
		return fmt.Errorf("ledger: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
			return fmt.Errorf("ledger: update check: %w", err)
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
		return fmt.Errorf("ledger: commit update: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t                                            Transaction
		amount, rate, commission, carrier, insurance string
		refunded, released, status, statusBefore     string
	)
	err := row.Scan(
		&t.ID, &t.CollaborationID, &t.Parties.SenderID, &t.Parties.CarrierID, &t.Parties.ReceiverID,
		&amount, &rate, &commission, &carrier, &insurance,
		&status, &statusBefore,
		&t.ProviderReference, &t.ChargeFingerprint, &t.RefundReference,
		&t.RefundPending, &refunded, &released,
		&t.Version, &t.CreatedAt, &t.UpdatedAt, &t.PaidAt, &t.EscrowedAt, &t.ReleasedAt, &t.RefundedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	t.Status = delivery.PaymentStatus(status)
	t.StatusBeforeDispute = delivery.PaymentStatus(statusBefore)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&t.Amount, amount}, {&t.CommissionRate, rate}, {&t.CommissionAmount, commission},
		{&t.CarrierAmount, carrier}, {&t.InsuranceAmount, insurance},
		{&t.RefundedAmount, refunded}, {&t.ReleasedAmount, released},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return Transaction{}, fmt.Errorf("parse amount %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return t, nil
}
