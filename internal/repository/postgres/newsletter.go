package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relayhq/inbox-ingest/internal/domain"
)

// NewsletterRepo persists per-user newsletter feeds and mailbox cursors.
type NewsletterRepo struct{ db *sql.DB }

// NewNewsletterRepo creates a Postgres-backed newsletter repository.
func NewNewsletterRepo(db *sql.DB) *NewsletterRepo { return &NewsletterRepo{db: db} }

// UpsertFeed creates the feed on first observation (status UNSUBSCRIBED:
// explicit opt-in model) or refreshes last_seen_at and the detection score on
// subsequent messages. Returns the stored feed.
func (r *NewsletterRepo) UpsertFeed(ctx context.Context, f *domain.NewsletterFeed) (*domain.NewsletterFeed, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	out := &domain.NewsletterFeed{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO newsletter_feeds
			(id, user_id, canonical_key, display_name, sender_address,
			 detection_score, status, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'unsubscribed', $7, $7)
		ON CONFLICT (user_id, canonical_key) DO UPDATE
			SET last_seen_at = EXCLUDED.last_seen_at,
			    detection_score = GREATEST(newsletter_feeds.detection_score, EXCLUDED.detection_score)
		RETURNING id, user_id, canonical_key, display_name, sender_address,
		          detection_score, status, first_seen_at, last_seen_at
	`, f.ID, f.UserID, f.CanonicalKey, f.DisplayName, f.SenderAddress,
		f.DetectionScore, f.LastSeenAt).Scan(
		&out.ID, &out.UserID, &out.CanonicalKey, &out.DisplayName, &out.SenderAddress,
		&out.DetectionScore, &out.Status, &out.FirstSeenAt, &out.LastSeenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert newsletter feed: %w", err)
	}
	return out, nil
}

// SetFeedStatus switches a feed between active/hidden/unsubscribed.
func (r *NewsletterRepo) SetFeedStatus(ctx context.Context, id string, status domain.NewsletterFeedStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE newsletter_feeds SET status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set newsletter feed status: %w", err)
	}
	return nil
}

// GetMailbox fetches the user's mailbox binding for a provider.
func (r *NewsletterRepo) GetMailbox(ctx context.Context, userID string, provider domain.Provider) (*domain.Mailbox, error) {
	m := &domain.Mailbox{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, email_address, history_cursor, updated_at
		FROM mailboxes
		WHERE user_id = $1 AND provider = $2
	`, userID, provider).Scan(
		&m.ID, &m.UserID, &m.Provider, &m.EmailAddress, &m.HistoryCursor, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return m, nil
}

// AdvanceCursor stores the provider's incremental sync cursor after a
// successful mailbox sync.
func (r *NewsletterRepo) AdvanceCursor(ctx context.Context, mailboxID, cursor string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailboxes SET history_cursor = $2, updated_at = $3 WHERE id = $1
	`, mailboxID, cursor, now)
	if err != nil {
		return fmt.Errorf("advance mailbox cursor: %w", err)
	}
	return nil
}

// ClearCursor drops a stale cursor so the next sync falls back to the 30-day
// initial query.
func (r *NewsletterRepo) ClearCursor(ctx context.Context, mailboxID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailboxes SET history_cursor = '', updated_at = NOW() WHERE id = $1
	`, mailboxID)
	if err != nil {
		return fmt.Errorf("clear mailbox cursor: %w", err)
	}
	return nil
}
