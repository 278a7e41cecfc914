// Package ingest is the idempotent materialization pipeline: a raw provider
// payload becomes a canonical item plus a per-user inbox entry. Running the
// pipeline twice on the same input leaves the database unchanged.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/repository/postgres"
)

// Result reports what one ingestion did.
type Result struct {
	Created bool
	ItemID  string
}

// Transform is an adapter's pure raw-to-canonical projection.
type Transform func(raw interface{}) (*domain.ItemDraft, error)

// itemStore is the slice of the item repository the pipeline writes through.
type itemStore interface {
	GetByProviderID(ctx context.Context, provider domain.Provider, providerID string) (*domain.Item, error)
	Insert(ctx context.Context, i *domain.Item) (string, bool, error)
	BackfillMetadata(ctx context.Context, id string, d *domain.ItemDraft) error
	InsertUserItem(ctx context.Context, userID, itemID string, state domain.UserItemState) (bool, error)
}

type creatorStore interface {
	FindOrCreate(ctx context.Context, c *domain.Creator) (string, error)
}

// Pipeline ingests raw provider payloads.
type Pipeline struct {
	items    itemStore
	creators creatorStore
	now      func() time.Time
}

// NewPipeline creates an ingestion pipeline over the given repositories.
func NewPipeline(items *postgres.ItemRepo, creators *postgres.CreatorRepo) *Pipeline {
	return &Pipeline{items: items, creators: creators, now: time.Now}
}

// Ingest materializes one raw payload for one user. Existing items get their
// metadata back-filled and the user's inbox entry ensured; new items also
// resolve their creator. Created is true only when the canonical item row was
// inserted by this call.
func (p *Pipeline) Ingest(ctx context.Context, userID string, sub *domain.Subscription, raw interface{}, transform Transform) (*Result, error) {
	draft, err := transform(raw)
	if err != nil {
		return nil, fmt.Errorf("transform payload: %w", err)
	}
	if draft.ProviderID == "" {
		return nil, fmt.Errorf("payload for subscription %s has no provider ID", sub.ID)
	}

	existing, err := p.items.GetByProviderID(ctx, draft.Provider, draft.ProviderID)
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if err := p.items.BackfillMetadata(ctx, existing.ID, draft); err != nil {
			return nil, err
		}
		if _, err := p.items.InsertUserItem(ctx, userID, existing.ID, domain.UserItemInbox); err != nil {
			return nil, err
		}
		return &Result{Created: false, ItemID: existing.ID}, nil
	}

	creatorID, err := p.resolveCreator(ctx, draft)
	if err != nil {
		return nil, err
	}

	item := &domain.Item{
		Provider:     draft.Provider,
		ProviderID:   draft.ProviderID,
		ContentType:  draft.ContentType,
		URL:          draft.URL,
		Title:        draft.Title,
		Summary:      draft.Summary,
		PublishedAt:  draft.PublishedAt,
		DurationSecs: draft.DurationSecs,
		ThumbnailURL: draft.ThumbnailURL,
		RawMetadata:  draft.RawMetadata,
		CreatedAt:    p.now(),
	}
	if creatorID != "" {
		item.CreatorID = &creatorID
	}

	itemID, created, err := p.items.Insert(ctx, item)
	if err != nil {
		return nil, err
	}
	if _, err := p.items.InsertUserItem(ctx, userID, itemID, domain.UserItemInbox); err != nil {
		return nil, err
	}
	return &Result{Created: created, ItemID: itemID}, nil
}

// resolveCreator upserts the draft's creator identity, synthesizing a stable
// provider creator ID when the provider has no native one. Drafts with no
// creator information at all get no creator.
func (p *Pipeline) resolveCreator(ctx context.Context, draft *domain.ItemDraft) (string, error) {
	if draft.CreatorProviderID == "" && draft.CreatorName == "" {
		return "", nil
	}
	normalized := NormalizeCreatorName(draft.CreatorName)
	providerCreatorID := draft.CreatorProviderID
	if providerCreatorID == "" {
		providerCreatorID = SyntheticCreatorID(draft.Provider, normalized)
	}
	return p.creators.FindOrCreate(ctx, &domain.Creator{
		Provider:          draft.Provider,
		ProviderCreatorID: providerCreatorID,
		DisplayName:       draft.CreatorName,
		NormalizedName:    normalized,
		Handle:            draft.CreatorHandle,
		ImageURL:          draft.CreatorImageURL,
		ExternalURL:       draft.CreatorURL,
	})
}

// NormalizeCreatorName lowercases and collapses whitespace so the same
// publication observed with cosmetic name variations maps to one creator.
func NormalizeCreatorName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// SyntheticCreatorID derives a stable provider creator ID for providers
// without native creator identities: SHA-256 of "<provider>:<normalizedName>"
// truncated to 32 hex chars.
func SyntheticCreatorID(provider domain.Provider, normalizedName string) string {
	sum := sha256.Sum256([]byte(string(provider) + ":" + normalizedName))
	return hex.EncodeToString(sum[:])[:32]
}
