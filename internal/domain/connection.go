package domain

import "time"

// ConnectionStatus enumerates the lifecycle states of a provider connection.
type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "active"
	ConnectionExpired      ConnectionStatus = "expired"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// ProviderConnection binds a user to an external provider account. Tokens are
// stored encrypted; decryption happens only inside the token manager.
type ProviderConnection struct {
	ID                    string           `json:"id" db:"id"`
	UserID                string           `json:"user_id" db:"user_id"`
	Provider              Provider         `json:"provider" db:"provider"`
	AccessTokenEncrypted  string           `json:"-" db:"access_token_encrypted"`
	RefreshTokenEncrypted string           `json:"-" db:"refresh_token_encrypted"`
	TokenExpiresAt        time.Time        `json:"token_expires_at" db:"token_expires_at"`
	Status                ConnectionStatus `json:"status" db:"status"`
	LastRefreshedAt       *time.Time       `json:"last_refreshed_at" db:"last_refreshed_at"`
	CreatedAt             time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at" db:"updated_at"`
}

// TokenValidFor reports whether the stored access token is still usable at
// now plus the given buffer.
func (c *ProviderConnection) TokenValidFor(now time.Time, buffer time.Duration) bool {
	return c.TokenExpiresAt.After(now.Add(buffer))
}
