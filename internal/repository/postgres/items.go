package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/relayhq/inbox-ingest/internal/domain"
)

// ItemRepo persists canonical items and per-user inbox entries.
type ItemRepo struct{ db *sql.DB }

// NewItemRepo creates a Postgres-backed item repository.
func NewItemRepo(db *sql.DB) *ItemRepo { return &ItemRepo{db: db} }

const itemCols = `
	id, provider, provider_id, content_type, url, title, summary,
	published_at, duration_seconds, thumbnail_url, raw_metadata, creator_id, created_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*domain.Item, error) {
	i := &domain.Item{}
	err := row.Scan(
		&i.ID, &i.Provider, &i.ProviderID, &i.ContentType, &i.URL, &i.Title, &i.Summary,
		&i.PublishedAt, &i.DurationSecs, &i.ThumbnailURL, &i.RawMetadata, &i.CreatorID, &i.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return i, nil
}

// GetByProviderID looks up the canonical item for (provider, providerID).
func (r *ItemRepo) GetByProviderID(ctx context.Context, provider domain.Provider, providerID string) (*domain.Item, error) {
	i, err := scanItem(r.db.QueryRowContext(ctx, `
		SELECT `+itemCols+` FROM items WHERE provider = $1 AND provider_id = $2
	`, provider, providerID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return i, nil
}

// Insert creates the canonical item if it does not exist. Returns the row ID
// and created=false when a concurrent writer got there first.
func (r *ItemRepo) Insert(ctx context.Context, i *domain.Item) (string, bool, error) {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO items
			(id, provider, provider_id, content_type, url, title, summary,
			 published_at, duration_seconds, thumbnail_url, raw_metadata, creator_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (provider, provider_id) DO NOTHING
	`, i.ID, i.Provider, i.ProviderID, i.ContentType, i.URL, i.Title, i.Summary,
		i.PublishedAt, i.DurationSecs, i.ThumbnailURL, i.RawMetadata, i.CreatorID)
	if err != nil {
		return "", false, fmt.Errorf("insert item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race; fetch the winner's ID.
		existing, err := r.GetByProviderID(ctx, i.Provider, i.ProviderID)
		if err != nil {
			return "", false, fmt.Errorf("insert item conflict lookup: %w", err)
		}
		return existing.ID, false, nil
	}
	return i.ID, true, nil
}

// BackfillMetadata fills fields that are currently NULL or empty on an
// existing item. It never overwrites a non-null value, so user-visible data
// observed earlier is preserved.
func (r *ItemRepo) BackfillMetadata(ctx context.Context, id string, d *domain.ItemDraft) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET summary = CASE WHEN summary = '' THEN $2 ELSE summary END,
		    duration_seconds = COALESCE(duration_seconds, $3),
		    thumbnail_url = COALESCE(thumbnail_url, $4),
		    raw_metadata = COALESCE(raw_metadata, $5)
		WHERE id = $1
	`, id, d.Summary, d.DurationSecs, d.ThumbnailURL, d.RawMetadata)
	if err != nil {
		return fmt.Errorf("backfill item metadata: %w", err)
	}
	return nil
}

// UpgradeURL replaces an item's canonical URL. Used when a newsletter item
// was ingested with a fallback/redirect link and a real content URL is later
// resolved.
func (r *ItemRepo) UpgradeURL(ctx context.Context, id, url string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE items SET url = $2 WHERE id = $1
	`, id, url)
	if err != nil {
		return fmt.Errorf("upgrade item url: %w", err)
	}
	return nil
}

// SetCreator assigns a creator to an item that lacks one. Admin backfill only.
func (r *ItemRepo) SetCreator(ctx context.Context, id, creatorID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE items SET creator_id = $2 WHERE id = $1 AND creator_id IS NULL
	`, id, creatorID)
	if err != nil {
		return fmt.Errorf("set item creator: %w", err)
	}
	return nil
}

// InsertUserItem creates the per-user inbox entry. (user, item) is unique;
// re-ingestion is a no-op. Returns created=false on conflict.
func (r *ItemRepo) InsertUserItem(ctx context.Context, userID, itemID string, state domain.UserItemState) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO user_items (id, user_id, item_id, state, ingested_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, item_id) DO NOTHING
	`, uuid.New().String(), userID, itemID, state)
	if err != nil {
		return false, fmt.Errorf("insert user item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
