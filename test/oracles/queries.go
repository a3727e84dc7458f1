package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_split_adds_up",
			SQL: `SELECT id, amount, commission_amount, carrier_amount, insurance_amount FROM transactions
			      WHERE commission_amount + carrier_amount + insurance_amount <> amount
			         OR refunded_amount + released_amount > amount`,
		},
		{
			Name: "O2_release_pays_remainder",
			SQL: `SELECT id, amount, refunded_amount, released_amount FROM transactions
			      WHERE payment_status = 'released' AND released_amount <> amount - refunded_amount`,
		},
		{
			Name: "O3_one_active_dispute",
			SQL: `SELECT transaction_id, COUNT(*) FROM disputes
			      WHERE status IN ('open','in_review')
			      GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_listing_linkage",
			SQL: `SELECT l.id, l.status, l.collaboration_id FROM listings l
			      LEFT JOIN collaborations c ON c.id = l.collaboration_id
			      WHERE (l.status = 'secured' AND (c.id IS NULL OR c.listing_id <> l.id))
			         OR (l.status = 'open' AND l.collaboration_id IS NOT NULL)`,
		},
		{
			Name: "O5_stage_needs_validations",
			SQL: `WITH required(stage, role) AS (VALUES
			          (1,'sender'),(2,'carrier'),(3,'sender'),(3,'carrier'),(4,'sender'),
			          (5,'sender'),(5,'carrier'),(6,'carrier'),(7,'sender'),(7,'receiver'),(8,'carrier'))
			      SELECT c.id, r.stage, r.role FROM collaborations c
			      JOIN required r ON c.stage_completed_at ? r.stage::text
			      WHERE NOT EXISTS (
			          SELECT 1 FROM validation_records v
			          WHERE v.collaboration_id = c.id AND v.stage = r.stage AND v.role = r.role)`,
		},
		{
			Name: "O6_paid_before_pickup",
			SQL: `SELECT c.id, t.payment_status FROM collaborations c
			      JOIN transactions t ON t.collaboration_id = c.id
			      WHERE c.stage_completed_at ? '4' AND t.payment_status = 'pending'`,
		},
		{
			Name: "O7_release_authorized",
			SQL: `SELECT t.id, c.status FROM transactions t
			      JOIN collaborations c ON c.id = t.collaboration_id
			      WHERE t.released_amount > 0
			        AND NOT EXISTS (
			            SELECT 1 FROM validation_records v
			            WHERE v.collaboration_id = c.id AND v.stage = 8 AND v.role = 'carrier')
			        AND NOT EXISTS (
			            SELECT 1 FROM disputes d
			            WHERE d.transaction_id = t.id AND d.decision IN ('release','partial_refund'))`,
		},
		{
			Name: "O8_outbox_drains",
			SQL: `SELECT id, topic, attempts, last_error FROM outbox
			      WHERE published_at IS NULL AND dead_lettered_at IS NULL
			        AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_ratings_after_settlement",
			SQL: `SELECT r.id, t.payment_status FROM ratings r
			      JOIN transactions t ON t.id = r.transaction_id
			      WHERE t.payment_status NOT IN ('released','refunded')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
