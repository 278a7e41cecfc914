package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/relayhq/inbox-ingest/internal/domain"
)

// CreatorRepo persists provider-scoped creators.
type CreatorRepo struct{ db *sql.DB }

// NewCreatorRepo creates a Postgres-backed creator repository.
func NewCreatorRepo(db *sql.DB) *CreatorRepo { return &CreatorRepo{db: db} }

// FindOrCreate upserts a creator keyed by (provider, provider_creator_id) and
// returns its row ID. The insert is idempotent; racing callers converge on
// one row. Optional fields only fill gaps on conflict, never overwrite.
func (r *CreatorRepo) FindOrCreate(ctx context.Context, c *domain.Creator) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO creators
			(id, provider, provider_creator_id, display_name, normalized_name,
			 handle, image_url, external_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (provider, provider_creator_id) DO UPDATE
			SET handle       = COALESCE(creators.handle, EXCLUDED.handle),
			    image_url    = COALESCE(creators.image_url, EXCLUDED.image_url),
			    external_url = COALESCE(creators.external_url, EXCLUDED.external_url)
		RETURNING id
	`, c.ID, c.Provider, c.ProviderCreatorID, c.DisplayName, c.NormalizedName,
		c.Handle, c.ImageURL, c.ExternalURL).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("find or create creator: %w", err)
	}
	return id, nil
}

// GetByProviderID fetches a creator by its provider-scoped identity.
func (r *CreatorRepo) GetByProviderID(ctx context.Context, provider domain.Provider, providerCreatorID string) (*domain.Creator, error) {
	c := &domain.Creator{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, provider, provider_creator_id, display_name, normalized_name,
		       handle, image_url, external_url, created_at
		FROM creators
		WHERE provider = $1 AND provider_creator_id = $2
	`, provider, providerCreatorID).Scan(
		&c.ID, &c.Provider, &c.ProviderCreatorID, &c.DisplayName, &c.NormalizedName,
		&c.Handle, &c.ImageURL, &c.ExternalURL, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get creator: %w", err)
	}
	return c, nil
}
