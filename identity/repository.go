package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"colisflow/delivery"
)

// ErrNotFound signals the requested participant does not exist.
var ErrNotFound = fmt.Errorf("identity: participant %w", delivery.ErrNotFound)

// Repository provides access to participant profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a participant profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT id::text, display_name, verified, created_at
		FROM participants
		WHERE id = $1
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.DisplayName,
		&profile.Verified,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("identity: query by id: %w", err)
	}

	return profile, nil
}

// List fetches up to limit participant profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id::text, display_name, verified, created_at
		FROM participants
		ORDER BY display_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("identity: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.DisplayName, &profile.Verified, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("identity: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: iterate profiles: %w", err)
	}

	return profiles, nil
}

// Save inserts or updates a profile. Verification is set by the identity
// review process upstream; the core only reads it.
func (r *Repository) Save(ctx context.Context, p Profile) error {
	const query = `
		INSERT INTO participants (id, display_name, verified, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    verified = EXCLUDED.verified
	`
	if _, err := r.pool.Exec(ctx, query, p.ID, p.DisplayName, p.Verified, p.CreatedAt); err != nil {
		return fmt.Errorf("identity: save: %w", err)
	}
	return nil
}
