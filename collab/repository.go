package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
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

const listingColumns = `
	id::text, publisher_id::text, publisher_role, origin, destination, departure_at,
	weight_kg::text, price::text, insurance_amount::text, status,
	COALESCE(secured_by::text, ''), COALESCE(collaboration_id::text, ''), version, created_at, updated_at
`

const collabColumns = `
	id::text, listing_id::text, sender_id::text, carrier_id::text, receiver_id::text,
	status, COALESCE(status_before_dispute, ''), current_stage, stage_started_at, stage_completed_at,
	stalled_stage, chat_enabled, documents, COALESCE(transaction_id::text, ''),
	price::text, insurance_amount::text, version, created_at, updated_at, closed_at
`

func (r *Repository) CreateListing(ctx context.Context, l Listing, evs ...events.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("collab: begin create listing: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO listings (
			id, publisher_id, publisher_role, origin, destination, departure_at,
			weight_kg, price, insurance_amount, status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12, $12)
	`, l.ID, l.PublisherID, string(l.PublisherRole), l.Origin, l.Destination, l.DepartureAt,
		l.WeightKg.String(), l.Price.String(), l.InsuranceAmount.String(), string(l.Status), l.Version, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("collab: insert listing: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, evs...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("collab: commit create listing: %w", err)
	}
	return nil
}

func (r *Repository) GetListing(ctx context.Context, id string) (Listing, error) {
	l, err := scanListing(r.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrListingNotFound
		}
		return Listing{}, fmt.Errorf("collab: get listing: %w", err)
	}
	return l, nil
}

func (r *Repository) SearchListings(ctx context.Context, f ListingFilters) ([]Listing, int, error) {
	f = f.normalize()
	where := []string{"status = $1"}
	args := []any{string(f.Status)}

	if f.PublisherRole != "" {
		where = append(where, fmt.Sprintf("publisher_role = $%d", len(args)+1))
		args = append(args, string(f.PublisherRole))
	}
	if f.PublisherID != "" {
		where = append(where, fmt.Sprintf("publisher_id = $%d", len(args)+1))
		args = append(args, f.PublisherID)
	}
	if f.Origin != "" {
		where = append(where, fmt.Sprintf("lower(origin) = lower($%d)", len(args)+1))
		args = append(args, f.Origin)
	}
	if f.Destination != "" {
		where = append(where, fmt.Sprintf("lower(destination) = lower($%d)", len(args)+1))
		args = append(args, f.Destination)
	}
	if f.MaxPrice.IsPositive() {
		where = append(where, fmt.Sprintf("price <= $%d::numeric", len(args)+1))
		args = append(args, f.MaxPrice.String())
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM listings%s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		listingColumns, whereClause, listingSortColumn(f.SortKey), strings.ToUpper(f.SortOrder),
		f.PageSize, (f.Page-1)*f.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("collab: search listings: %w", err)
	}
	defer rows.Close()

	out := make([]Listing, 0, f.PageSize)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("collab: scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("collab: iterate listings: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM listings"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("collab: count listings: %w", err)
	}
	return out, total, nil
}

func listingSortColumn(key string) string {
	switch key {
	case "price":
		return "price"
	case "departureAt":
		return "departure_at"
	case "weightKg":
		return "weight_kg"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}

func (r *Repository) Secure(ctx context.Context, l Listing, c Collaboration, evs ...events.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("collab: begin secure: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE listings
		SET status = $3, secured_by = $4, collaboration_id = $5, updated_at = $6, version = $2 + 1
		WHERE id = $1 AND version = $2
	`, l.ID, l.Version-1, string(l.Status), l.SecuredBy, l.CollaborationID, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("collab: update listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, l.ID).Scan(&exists); err != nil {
			return fmt.Errorf("collab: secure check: %w", err)
		}
		if !exists {
			return ErrListingNotFound
		}
		return delivery.ErrConflict
	}

	completed, err := encodeStages(c.StageCompletedAt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO collaborations (
			id, listing_id, sender_id, carrier_id, receiver_id,
			status, current_stage, stage_started_at, stage_completed_at, stalled_stage,
			chat_enabled, documents, price, insurance_amount, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9::jsonb, $10,
			$11, $12, $13::numeric, $14::numeric, $15, $16, $16
		)
	`, c.ID, c.ListingID, c.Parties.SenderID, c.Parties.CarrierID, c.Parties.ReceiverID,
		string(c.Status), int32(c.CurrentStage), c.StageStartedAt, completed, int32(c.StalledStage),
		c.ChatEnabled, documentsOrEmpty(c.Documents), c.Price.String(), c.InsuranceAmount.String(), c.Version, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("collab: insert collaboration: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, evs...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("collab: commit secure: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Collaboration, error) {
	c, err := scanCollaboration(r.pool.QueryRow(ctx, `SELECT `+collabColumns+` FROM collaborations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Collaboration{}, ErrNotFound
		}
		return Collaboration{}, fmt.Errorf("collab: get: %w", err)
	}
	return c, nil
}

func (r *Repository) ListForActor(ctx context.Context, actorID string) ([]Collaboration, error) {
	return r.list(ctx, `
		SELECT `+collabColumns+`
		FROM collaborations
		WHERE sender_id = $1 OR carrier_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
	`, actorID)
}

func (r *Repository) ListIdle(ctx context.Context, q IdleQuery) ([]Collaboration, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	return r.list(ctx, `
		SELECT `+collabColumns+`
		FROM collaborations
		WHERE status NOT IN ('completed', 'cancelled', 'disputed')
		  AND ((current_stage <= $1 AND stage_started_at < $2)
		    OR (current_stage > $1 AND stage_started_at < $3 AND stalled_stage <> current_stage))
		ORDER BY stage_started_at ASC
		LIMIT $4
	`, int32(delivery.StagePaymentSecured), q.UnpaidBefore, q.PaidBefore, limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Collaboration, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("collab: list: %w", err)
	}
	defer rows.Close()

	out := make([]Collaboration, 0, 8)
	for rows.Next() {
		c, err := scanCollaboration(rows)
		if err != nil {
			return nil, fmt.Errorf("collab: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collab: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Update(ctx context.Context, next Collaboration, evs ...events.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("collab: begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	completed, err := encodeStages(next.StageCompletedAt)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE collaborations
		SET status = $3,
		    status_before_dispute = NULLIF($4, ''),
		    current_stage = $5,
		    stage_started_at = $6,
		    stage_completed_at = $7::jsonb,
		    stalled_stage = $8,
		    chat_enabled = $9,
		    documents = $10,
		    transaction_id = NULLIF($11, '')::uuid,
		    updated_at = $12,
		    closed_at = $13,
		    version = $2 + 1
		WHERE id = $1 AND version = $2
	`, next.ID, next.Version-1, string(next.Status), string(next.StatusBeforeDispute),
		int32(next.CurrentStage), next.StageStartedAt, completed, int32(next.StalledStage),
		next.ChatEnabled, documentsOrEmpty(next.Documents), next.TransactionID, next.UpdatedAt, next.ClosedAt)
	if err != nil {
		return fmt.Errorf("collab: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM collaborations WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
			return fmt.Errorf("collab: update check: %w", err)
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
		return fmt.Errorf("collab: commit update: %w", err)
	}
	return nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var (
		l                       Listing
		role, status            string
		weight, price, insurance string
	)
	err := row.Scan(
		&l.ID, &l.PublisherID, &role, &l.Origin, &l.Destination, &l.DepartureAt,
		&weight, &price, &insurance, &status,
		&l.SecuredBy, &l.CollaborationID, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return Listing{}, err
	}
	l.PublisherRole = delivery.Role(role)
	l.Status = ListingStatus(status)
	if l.WeightKg, err = decimal.NewFromString(weight); err != nil {
		return Listing{}, fmt.Errorf("collab: parse weight: %w", err)
	}
	if l.Price, err = decimal.NewFromString(price); err != nil {
		return Listing{}, fmt.Errorf("collab: parse price: %w", err)
	}
	if l.InsuranceAmount, err = decimal.NewFromString(insurance); err != nil {
		return Listing{}, fmt.Errorf("collab: parse insurance: %w", err)
	}
	return l, nil
}

func scanCollaboration(row pgx.Row) (Collaboration, error) {
	var (
		c                    Collaboration
		status, before       string
		stage, stalled       int32
		completed            []byte
		price, insuranceText string
	)
	err := row.Scan(
		&c.ID, &c.ListingID, &c.Parties.SenderID, &c.Parties.CarrierID, &c.Parties.ReceiverID,
		&status, &before, &stage, &c.StageStartedAt, &completed,
		&stalled, &c.ChatEnabled, &c.Documents, &c.TransactionID,
		&price, &insuranceText, &c.Version, &c.CreatedAt, &c.UpdatedAt, &c.ClosedAt,
	)
	if err != nil {
		return Collaboration{}, err
	}
	c.Status = delivery.CollaborationStatus(status)
	c.StatusBeforeDispute = delivery.CollaborationStatus(before)
	c.CurrentStage = delivery.Stage(stage)
	c.StalledStage = delivery.Stage(stalled)
	if c.StageCompletedAt, err = decodeStages(completed); err != nil {
		return Collaboration{}, err
	}
	if c.Price, err = decimal.NewFromString(price); err != nil {
		return Collaboration{}, fmt.Errorf("collab: parse price: %w", err)
	}
	if c.InsuranceAmount, err = decimal.NewFromString(insuranceText); err != nil {
		return Collaboration{}, fmt.Errorf("collab: parse insurance: %w", err)
	}
	return c, nil
}

// stage_completed_at is a JSON object keyed by stage number.
func encodeStages(m map[delivery.Stage]time.Time) (string, error) {
	raw := make(map[string]time.Time, len(m))
	for s, at := range m {
		raw[strconv.Itoa(int(s))] = at.UTC()
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("collab: encode stages: %w", err)
	}
	return string(b), nil
}

func decodeStages(b []byte) (map[delivery.Stage]time.Time, error) {
	out := make(map[delivery.Stage]time.Time)
	if len(b) == 0 {
		return out, nil
	}
	raw := make(map[string]time.Time)
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("collab: decode stages: %w", err)
	}
	for k, at := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("collab: decode stage key %q: %w", k, err)
		}
		out[delivery.Stage(n)] = at
	}
	return out, nil
}

func documentsOrEmpty(docs []string) []string {
	if docs == nil {
		return []string{}
	}
	return docs
}
