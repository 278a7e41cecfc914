package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relayhq/inbox-ingest/internal/domain"
)

// SubscriptionRepo persists subscriptions and their poll state.
type SubscriptionRepo struct{ db *sql.DB }

// NewSubscriptionRepo creates a Postgres-backed subscription repository.
func NewSubscriptionRepo(db *sql.DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

const subscriptionCols = `
	id, user_id, provider, provider_channel_id, display_name,
	poll_interval_seconds, last_polled_at, last_published_at, total_items,
	status, error_count, last_error, last_error_at, created_at, updated_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (*domain.Subscription, error) {
	s := &domain.Subscription{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.Provider, &s.ProviderChannelID, &s.DisplayName,
		&s.PollIntervalSecs, &s.LastPolledAt, &s.LastPublishedAt, &s.TotalItems,
		&s.Status, &s.ErrorCount, &s.LastError, &s.LastErrorAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get fetches one subscription by ID.
func (r *SubscriptionRepo) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRowContext(ctx, `
		SELECT `+subscriptionCols+`
		FROM subscriptions
		WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

// Create inserts a subscription. (user, provider, provider_channel_id) is
// unique; re-subscribing is a no-op that returns the existing row's ID.
func (r *SubscriptionRepo) Create(ctx context.Context, s *domain.Subscription) (string, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = domain.SubscriptionActive
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions
			(id, user_id, provider, provider_channel_id, display_name,
			 poll_interval_seconds, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (user_id, provider, provider_channel_id) DO UPDATE
			SET updated_at = NOW()
		RETURNING id
	`, s.ID, s.UserID, s.Provider, s.ProviderChannelID, s.DisplayName,
		s.PollIntervalSecs, s.Status).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}
	return id, nil
}

// SelectDue returns ACTIVE subscriptions whose next poll time has passed,
// never-polled first, oldest-polled next, capped at limit.
func (r *SubscriptionRepo) SelectDue(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+subscriptionCols+`
		FROM subscriptions
		WHERE status = 'active'
		  AND (last_polled_at IS NULL
		       OR last_polled_at < $1 - poll_interval_seconds * INTERVAL '1 second')
		ORDER BY last_polled_at ASC NULLS FIRST
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkPolled advances last_polled_at and, when newestPublished is non-nil,
// raises the watermark. GREATEST keeps the watermark monotonic even if two
// overlapping cycles race (the repair tool is the only path that lowers it).
// On success the error counter is cleared.
func (r *SubscriptionRepo) MarkPolled(ctx context.Context, id string, now time.Time, newestPublished *time.Time) error {
	var err error
	if newestPublished != nil {
		_, err = r.db.ExecContext(ctx, `
			UPDATE subscriptions
			SET last_polled_at = $2,
			    last_published_at = GREATEST(COALESCE(last_published_at, 'epoch'::timestamptz), $3),
			    error_count = 0, last_error = NULL, last_error_at = NULL,
			    updated_at = NOW()
			WHERE id = $1
		`, id, now, *newestPublished)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE subscriptions
			SET last_polled_at = $2,
			    error_count = 0, last_error = NULL, last_error_at = NULL,
			    updated_at = NOW()
			WHERE id = $1
		`, id, now)
	}
	if err != nil {
		return fmt.Errorf("mark subscription polled: %w", err)
	}
	return nil
}

// MarkPolledWithError advances last_polled_at (preventing a tight retry loop)
// while recording the failure so it stays visible to operators.
func (r *SubscriptionRepo) MarkPolledWithError(ctx context.Context, id string, now time.Time, pollErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET last_polled_at = $2,
		    error_count = error_count + 1,
		    last_error = $3, last_error_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, id, now, pollErr)
	if err != nil {
		return fmt.Errorf("mark subscription poll error: %w", err)
	}
	return nil
}

// UpdateTotalItems records the provider-reported item total used for batch
// delta detection.
func (r *SubscriptionRepo) UpdateTotalItems(ctx context.Context, id string, total int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET total_items = $2, updated_at = NOW() WHERE id = $1
	`, id, total)
	if err != nil {
		return fmt.Errorf("update subscription total items: %w", err)
	}
	return nil
}

// SetStatus transitions one subscription's status.
func (r *SubscriptionRepo) SetStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return nil
}

// DisconnectForUser marks all of a user's subscriptions for one provider
// DISCONNECTED. Used when the connection is missing or permanently expired.
func (r *SubscriptionRepo) DisconnectForUser(ctx context.Context, userID string, provider domain.Provider) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'disconnected', updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND status = 'active'
	`, userID, provider)
	if err != nil {
		return fmt.Errorf("disconnect subscriptions: %w", err)
	}
	return nil
}

// RecordFeedError advances last_polled_at, increments the per-feed error
// counter, and transitions the subscription to ERROR once the threshold is
// crossed. Used by the web-feed consecutive-failure rule.
func (r *SubscriptionRepo) RecordFeedError(ctx context.Context, id string, now time.Time, feedErr string, threshold int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET last_polled_at = $2,
		    error_count = error_count + 1,
		    last_error = $3, last_error_at = NOW(),
		    status = CASE WHEN error_count + 1 >= $4 THEN 'error' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, now, feedErr, threshold)
	if err != nil {
		return fmt.Errorf("record feed error: %w", err)
	}
	return nil
}
