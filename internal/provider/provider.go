// Package provider defines the adapter contract the scheduler drives. One
// adapter exists per external content source; each turns provider payloads
// into canonical item drafts and owns its own delta detection.
//
// Heterogeneous provider behavior is expressed as a required Adapter
// interface plus an optional BatchPoller capability, discriminated by the
// domain.Provider tag. All network calls inside an adapter must go through
// the rate limiter, and quota-metered providers account every call.
package provider

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/pkg/httpretry"
	"github.com/relayhq/inbox-ingest/internal/ratelimit"
)

// PollResult is what an adapter observed for one subscription.
type PollResult struct {
	// RawItems holds provider payloads newer than the subscription's
	// watermark, newest first. The scheduler feeds each through the
	// adapter's Transform and the ingestion pipeline.
	RawItems []interface{}

	// NewestPublishedAt is the newest publish time observed, nil when no new
	// items. The scheduler uses it to raise the watermark.
	NewestPublishedAt *time.Time

	// TotalItems is the provider-reported item total, when the provider
	// exposes one (podcast shows). Stored for batch delta detection.
	TotalItems *int

	// NotModified is set when a conditional fetch returned 304: only the
	// poll timestamp advances.
	NotModified bool
}

// Adapter is the required per-provider contract.
type Adapter interface {
	// Provider returns the enum tag the scheduler dispatches on.
	Provider() domain.Provider

	// RequiresAuth reports whether PollOne needs an access token. Web feeds
	// are unauthenticated; everything else goes through the token manager.
	RequiresAuth() bool

	// PollOne fetches recent items for one subscription. token is empty for
	// unauthenticated providers.
	PollOne(ctx context.Context, token string, sub *domain.Subscription) (*PollResult, error)

	// Transform is a pure projection from a raw payload (as returned in
	// PollResult.RawItems) to the canonical item shape.
	Transform(raw interface{}) (*domain.ItemDraft, error)
}

// BatchPoller is the optional capability to group multiple subscriptions of
// one user into fewer API calls. The scheduler prefers it when a user has two
// or more due subscriptions, falling back to per-subscription PollOne on
// failure.
type BatchPoller interface {
	// PollBatch returns results keyed by subscription ID. A missing key
	// means the adapter could not answer for that subscription and the
	// scheduler should fall back to PollOne.
	PollBatch(ctx context.Context, token string, subs []*domain.Subscription) (map[string]*PollResult, error)
}

// Registry maps provider tags to adapters.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// NewRegistry creates a registry over the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[domain.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Provider()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for a provider tag, if registered. Subscriptions
// whose provider is unknown are skipped by the scheduler.
func (r *Registry) Get(p domain.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// AuthedClient builds an HTTP client that sends the given bearer token and
// retries transient failures. Shared by the OAuth-backed adapters.
func AuthedClient(ctx context.Context, accessToken string) httpretry.HTTPDoer {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	base := oauth2.NewClient(ctx, src)
	base.Timeout = 15 * time.Second
	return httpretry.NewRetryClient(base, 2)
}

// ReadError turns a non-2xx response into an HTTP status error the rate
// limiter can classify. Defined here so every adapter reports upstream
// failures the same way.
func ReadError(resp *http.Response, body []byte) error {
	return &ratelimit.HTTPStatusError{
		StatusCode: resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
		Body:       string(body),
	}
}
