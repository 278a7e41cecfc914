package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relayhq/inbox-ingest/internal/domain"
)

// ConnectionRepo persists provider OAuth connections.
type ConnectionRepo struct{ db *sql.DB }

// NewConnectionRepo creates a Postgres-backed connection repository.
func NewConnectionRepo(db *sql.DB) *ConnectionRepo { return &ConnectionRepo{db: db} }

const connectionCols = `
	id, user_id, provider, access_token_encrypted, refresh_token_encrypted,
	token_expires_at, status, last_refreshed_at, created_at, updated_at`

func scanConnection(row interface{ Scan(...interface{}) error }) (*domain.ProviderConnection, error) {
	c := &domain.ProviderConnection{}
	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.AccessTokenEncrypted, &c.RefreshTokenEncrypted,
		&c.TokenExpiresAt, &c.Status, &c.LastRefreshedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get fetches one connection by ID.
func (r *ConnectionRepo) Get(ctx context.Context, id string) (*domain.ProviderConnection, error) {
	c, err := scanConnection(r.db.QueryRowContext(ctx, `
		SELECT `+connectionCols+` FROM provider_connections WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

// GetActive fetches the user's ACTIVE connection for a provider.
// (user, provider) is unique, so at most one row matches.
func (r *ConnectionRepo) GetActive(ctx context.Context, userID string, provider domain.Provider) (*domain.ProviderConnection, error) {
	c, err := scanConnection(r.db.QueryRowContext(ctx, `
		SELECT `+connectionCols+`
		FROM provider_connections
		WHERE user_id = $1 AND provider = $2 AND status = 'active'
	`, userID, provider))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active connection: %w", err)
	}
	return c, nil
}

// SaveRefreshedToken persists the outcome of a successful token refresh.
// If the provider rotated the refresh token, newRefreshEncrypted is non-empty
// and overwrites the stored one. The write is idempotent: two racing
// refreshes both land a valid token and the row converges.
func (r *ConnectionRepo) SaveRefreshedToken(ctx context.Context, id, accessEncrypted, newRefreshEncrypted string, expiresAt, now time.Time) error {
	var err error
	if newRefreshEncrypted != "" {
		_, err = r.db.ExecContext(ctx, `
			UPDATE provider_connections
			SET access_token_encrypted = $2,
			    refresh_token_encrypted = $3,
			    token_expires_at = $4,
			    status = 'active', last_refreshed_at = $5, updated_at = NOW()
			WHERE id = $1
		`, id, accessEncrypted, newRefreshEncrypted, expiresAt, now)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE provider_connections
			SET access_token_encrypted = $2,
			    token_expires_at = $3,
			    status = 'active', last_refreshed_at = $4, updated_at = NOW()
			WHERE id = $1
		`, id, accessEncrypted, expiresAt, now)
	}
	if err != nil {
		return fmt.Errorf("save refreshed token: %w", err)
	}
	return nil
}

// MarkExpired transitions a connection to EXPIRED after a permanent refresh
// failure. The user must re-consent to recover.
func (r *ConnectionRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE provider_connections
		SET status = 'expired', updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark connection expired: %w", err)
	}
	return nil
}
