// Package token produces valid provider access tokens for the scheduler and
// adapters, refreshing proactively under a distributed lock, persisting
// rotated refresh tokens, and marking connections EXPIRED on permanent
// failure.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relayhq/inbox-ingest/internal/config"
	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/pkg/distlock"
	"github.com/relayhq/inbox-ingest/internal/pkg/httpretry"
	"github.com/relayhq/inbox-ingest/internal/pkg/logger"
	"github.com/relayhq/inbox-ingest/internal/repository/postgres"
	"github.com/relayhq/inbox-ingest/internal/secrets"
)

// ExpiryBuffer is the validity window guarantee: a returned token satisfies
// now + ExpiryBuffer < expiry.
const ExpiryBuffer = 5 * time.Minute

const (
	refreshLockTTL = 60 * time.Second
	// How long a loser of the refresh-lock race waits before re-reading the
	// connection row.
	lockWait = 2 * time.Second
)

var (
	// ErrRefreshInProgress means another worker holds the refresh lock and
	// its refresh hasn't landed yet. Transient; retry next cycle.
	ErrRefreshInProgress = errors.New("token: refresh in progress")
	// ErrRefreshFailedPermanent means the refresh token is unusable without
	// user re-consent. The connection has been marked EXPIRED.
	ErrRefreshFailedPermanent = errors.New("token: permanent refresh failure")
	// ErrRefreshFailed is a transient refresh failure (network, 5xx).
	ErrRefreshFailed = errors.New("token: refresh failed")
)

// permanentOAuthCodes are the error codes that indicate the grant is dead.
var permanentOAuthCodes = map[string]bool{
	"invalid_grant":       true,
	"unauthorized_client": true,
	"invalid_client":      true,
}

// Manager refreshes and decrypts provider tokens.
type Manager struct {
	connections *postgres.ConnectionRepo
	box         *secrets.Box
	locker      *distlock.Locker
	providers   config.ProvidersConfig
	client      httpretry.HTTPDoer
	now         func() time.Time
	sleep       func(time.Duration)
}

// NewManager creates a token manager.
func NewManager(connections *postgres.ConnectionRepo, box *secrets.Box, locker *distlock.Locker, providers config.ProvidersConfig) *Manager {
	return &Manager{
		connections: connections,
		box:         box,
		locker:      locker,
		providers:   providers,
		client:      httpretry.NewRetryClient(&http.Client{Timeout: 15 * time.Second}, 2),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// GetValidAccessToken returns a decrypted access token guaranteed valid for
// at least ExpiryBuffer. It refreshes under the per-connection lock when the
// stored token is inside the buffer.
func (m *Manager) GetValidAccessToken(ctx context.Context, conn *domain.ProviderConnection) (string, error) {
	if conn.Status != domain.ConnectionActive {
		return "", fmt.Errorf("%w: connection %s is %s", ErrRefreshFailedPermanent, conn.ID, conn.Status)
	}

	if conn.TokenValidFor(m.now(), ExpiryBuffer) {
		access, err := m.box.Decrypt(conn.AccessTokenEncrypted)
		if err != nil {
			// An undecryptable token cannot be recovered; the refresh token
			// is encrypted with the same key and is just as dead.
			_ = m.connections.MarkExpired(ctx, conn.ID)
			return "", fmt.Errorf("%w: %v", ErrRefreshFailedPermanent, err)
		}
		return access, nil
	}

	var access string
	err := m.locker.WithLock(ctx, "token:refresh:"+conn.ID, refreshLockTTL, func(ctx context.Context) error {
		var err error
		access, err = m.refresh(ctx, conn)
		return err
	})
	if errors.Is(err, distlock.ErrLockUnavailable) {
		return m.awaitPeerRefresh(ctx, conn.ID)
	}
	if err != nil {
		return "", err
	}
	return access, nil
}

// awaitPeerRefresh handles losing the refresh-lock race: wait briefly,
// re-read the row, and use the peer's token if it landed.
func (m *Manager) awaitPeerRefresh(ctx context.Context, connID string) (string, error) {
	m.sleep(lockWait)
	fresh, err := m.connections.Get(ctx, connID)
	if err != nil {
		return "", fmt.Errorf("re-read connection after lock wait: %w", err)
	}
	if fresh.Status == domain.ConnectionActive && fresh.TokenExpiresAt.After(m.now()) {
		access, err := m.box.Decrypt(fresh.AccessTokenEncrypted)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrRefreshFailedPermanent, err)
		}
		return access, nil
	}
	return "", ErrRefreshInProgress
}

// tokenResponse is the provider's refresh-grant response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (m *Manager) refresh(ctx context.Context, conn *domain.ProviderConnection) (string, error) {
	pc, ok := m.providers.ForProvider(string(conn.Provider))
	if !ok {
		return "", fmt.Errorf("%w: provider %s has no OAuth config", ErrRefreshFailed, conn.Provider)
	}

	refreshToken, err := m.box.Decrypt(conn.RefreshTokenEncrypted)
	if err != nil {
		_ = m.connections.MarkExpired(ctx, conn.ID)
		return "", fmt.Errorf("%w: %v", ErrRefreshFailedPermanent, err)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {pc.ClientID},
	}
	// client_secret is optional under PKCE flows
	if pc.ClientSecret != "" {
		form.Set("client_secret", pc.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: build refresh request: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var tr tokenResponse
	_ = json.Unmarshal(body, &tr)

	if resp.StatusCode != http.StatusOK {
		if isPermanentRefreshError(resp.StatusCode, tr.Error, string(body)) {
			logger.Warn("permanent token refresh failure",
				"connection_id", conn.ID,
				"provider", string(conn.Provider),
				"oauth_error", tr.Error)
			_ = m.connections.MarkExpired(ctx, conn.ID)
			return "", fmt.Errorf("%w: %s", ErrRefreshFailedPermanent, tr.Error)
		}
		return "", fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return "", fmt.Errorf("%w: malformed token response", ErrRefreshFailed)
	}

	now := m.now()
	expiresAt := now.Add(time.Duration(tr.ExpiresIn) * time.Second)

	accessEncrypted, err := m.box.Encrypt(tr.AccessToken)
	if err != nil {
		return "", fmt.Errorf("%w: encrypt access token: %v", ErrRefreshFailed, err)
	}
	var refreshEncrypted string
	if tr.RefreshToken != "" {
		// Provider rotated the refresh token; the old one may already be dead.
		refreshEncrypted, err = m.box.Encrypt(tr.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("%w: encrypt refresh token: %v", ErrRefreshFailed, err)
		}
	}

	if err := m.connections.SaveRefreshedToken(ctx, conn.ID, accessEncrypted, refreshEncrypted, expiresAt, now); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	logger.Info("token refreshed",
		"connection_id", conn.ID,
		"provider", string(conn.Provider),
		"expires_at", expiresAt.Format(time.RFC3339),
		"rotated", fmt.Sprintf("%t", tr.RefreshToken != ""))

	return tr.AccessToken, nil
}

// isPermanentRefreshError classifies a refresh failure as unrecoverable:
// HTTP 400/401 with a dead-grant OAuth code, or Google's revocation message.
func isPermanentRefreshError(status int, oauthError, body string) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized {
		return false
	}
	if permanentOAuthCodes[oauthError] {
		return true
	}
	return strings.Contains(body, "Token has been expired or revoked")
}
