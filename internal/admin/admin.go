// Package admin implements the operator repair tools: creator backfill for
// items ingested before creator resolution existed, and watermark repair for
// subscriptions whose watermark ran ahead of their actual items. Both support
// dry-run.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/ingest"
	"github.com/relayhq/inbox-ingest/internal/pkg/logger"
	"github.com/relayhq/inbox-ingest/internal/repository/postgres"
)

// Tools bundles the repair operations.
type Tools struct {
	store *postgres.Store
	db    *sql.DB
}

// NewTools creates the repair toolset.
func NewTools(store *postgres.Store) *Tools {
	return &Tools{store: store, db: store.DB()}
}

// BackfillReport summarizes one creator backfill run.
type BackfillReport struct {
	DryRun   bool `json:"dry_run"`
	Scanned  int  `json:"scanned"`
	Resolved int  `json:"resolved"`
	Skipped  int  `json:"skipped"`
}

// creatorIdentity is what the backfill extracts from one item's raw metadata.
type creatorIdentity struct {
	providerCreatorID string
	name              string
}

// CreatorBackfill resolves creators for items that have none, reading the
// creator identity out of each item's raw metadata. Items sharing a
// normalized creator name under one provider converge on one creator row.
func (t *Tools) CreatorBackfill(ctx context.Context, dryRun bool) (*BackfillReport, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, provider, raw_metadata
		FROM items
		WHERE creator_id IS NULL AND raw_metadata IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("select items without creator: %w", err)
	}
	defer rows.Close()

	type pending struct {
		itemID   string
		provider domain.Provider
		identity creatorIdentity
	}
	var work []pending
	report := &BackfillReport{DryRun: dryRun}

	for rows.Next() {
		var itemID string
		var p domain.Provider
		var raw []byte
		if err := rows.Scan(&itemID, &p, &raw); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		report.Scanned++

		identity, ok := extractCreator(p, raw)
		if !ok {
			report.Skipped++
			continue
		}
		work = append(work, pending{itemID: itemID, provider: p, identity: identity})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, w := range work {
		normalized := ingest.NormalizeCreatorName(w.identity.name)
		providerCreatorID := w.identity.providerCreatorID
		if providerCreatorID == "" {
			providerCreatorID = ingest.SyntheticCreatorID(w.provider, normalized)
		}
		report.Resolved++
		if dryRun {
			continue
		}
		creatorID, err := t.store.Creators.FindOrCreate(ctx, &domain.Creator{
			Provider:          w.provider,
			ProviderCreatorID: providerCreatorID,
			DisplayName:       w.identity.name,
			NormalizedName:    normalized,
		})
		if err != nil {
			logger.Warn("creator backfill upsert failed",
				"item_id", w.itemID, "error", err.Error())
			report.Resolved--
			report.Skipped++
			continue
		}
		if err := t.store.Items.SetCreator(ctx, w.itemID, creatorID); err != nil {
			logger.Warn("creator backfill set failed",
				"item_id", w.itemID, "error", err.Error())
		}
	}
	return report, nil
}

// extractCreator pulls the creator identity out of an item's raw metadata.
// Each provider's adapter stores its own payload shape.
func extractCreator(p domain.Provider, raw []byte) (creatorIdentity, bool) {
	switch p {
	case domain.ProviderYouTube:
		var v struct {
			ChannelID    string `json:"channel_id"`
			ChannelTitle string `json:"channel_title"`
		}
		if json.Unmarshal(raw, &v) != nil || v.ChannelTitle == "" {
			return creatorIdentity{}, false
		}
		return creatorIdentity{providerCreatorID: v.ChannelID, name: v.ChannelTitle}, true
	case domain.ProviderSpotify:
		var v struct {
			ShowID   string `json:"show_id"`
			ShowName string `json:"show_name"`
		}
		if json.Unmarshal(raw, &v) != nil || v.ShowName == "" {
			return creatorIdentity{}, false
		}
		return creatorIdentity{providerCreatorID: v.ShowID, name: v.ShowName}, true
	case domain.ProviderGmail:
		var v struct {
			FeedKey  string `json:"feed_key"`
			FeedName string `json:"feed_name"`
		}
		if json.Unmarshal(raw, &v) != nil || v.FeedName == "" {
			return creatorIdentity{}, false
		}
		return creatorIdentity{providerCreatorID: v.FeedKey, name: v.FeedName}, true
	case domain.ProviderWebFeed:
		var v struct {
			FeedTitle string `json:"feed_title"`
		}
		if json.Unmarshal(raw, &v) != nil || v.FeedTitle == "" {
			return creatorIdentity{}, false
		}
		// Web feeds have no native creator ID; one is synthesized from the
		// normalized title.
		return creatorIdentity{name: v.FeedTitle}, true
	}
	return creatorIdentity{}, false
}

// WatermarkCandidate is one subscription flagged by watermark repair.
type WatermarkCandidate struct {
	SubscriptionID string     `json:"subscription_id"`
	Current        time.Time  `json:"current_watermark"`
	NewestItemAt   *time.Time `json:"newest_item_at"` // nil when no items exist
}

// WatermarkReport summarizes one watermark repair run.
type WatermarkReport struct {
	DryRun     bool                 `json:"dry_run"`
	Candidates []WatermarkCandidate `json:"candidates"`
	Repaired   int                  `json:"repaired"`
}

// WatermarkRepair finds subscriptions whose watermark sits more than a day
// past their newest item, or is set while no items exist, and resets it to
// the newest item's publish time (or NULL to trigger a full backfill). This
// is the only code path allowed to lower a watermark.
//
// Item association differs by provider. YouTube and Spotify creators are
// keyed by the subscription's channel ID, so their items are reached through
// the creators table. Gmail creators are keyed by the feed's canonical key
// and web-feed creators by a hash synthesized from the feed title, neither of
// which matches provider_channel_id; joining those through creators would
// match no items and flag every healthy row. Their items are reached through
// the owning user's inbox instead.
func (t *Tools) WatermarkRepair(ctx context.Context, dryRun bool) (*WatermarkReport, error) {
	report := &WatermarkReport{DryRun: dryRun}

	channelRows, err := t.db.QueryContext(ctx, `
		SELECT s.id, s.last_published_at, MAX(i.published_at) AS newest_item_at
		FROM subscriptions s
		LEFT JOIN creators c
			ON c.provider = s.provider AND c.provider_creator_id = s.provider_channel_id
		LEFT JOIN items i ON i.creator_id = c.id
		WHERE s.provider IN ('youtube', 'spotify') AND s.last_published_at IS NOT NULL
		GROUP BY s.id, s.last_published_at
		HAVING MAX(i.published_at) IS NULL
			OR s.last_published_at > MAX(i.published_at) + INTERVAL '1 day'
	`)
	if err != nil {
		return nil, fmt.Errorf("select channel watermark candidates: %w", err)
	}
	if err := collectCandidates(channelRows, report); err != nil {
		return nil, err
	}

	// A user's gmail and web-feed subscriptions share one MAX over the user's
	// items in that provider. A sibling feed's newer item can therefore mask a
	// corrupted watermark for one cycle, but a healthy subscription is never
	// flagged, and lowering a watermark is the failure mode this tool must not
	// have.
	inboxRows, err := t.db.QueryContext(ctx, `
		SELECT s.id, s.last_published_at, MAX(i.published_at) AS newest_item_at
		FROM subscriptions s
		LEFT JOIN user_items ui ON ui.user_id = s.user_id
		LEFT JOIN items i ON i.id = ui.item_id AND i.provider = s.provider
		WHERE s.provider IN ('gmail', 'webfeed') AND s.last_published_at IS NOT NULL
		GROUP BY s.id, s.last_published_at
		HAVING MAX(i.published_at) IS NULL
			OR s.last_published_at > MAX(i.published_at) + INTERVAL '1 day'
	`)
	if err != nil {
		return nil, fmt.Errorf("select inbox watermark candidates: %w", err)
	}
	if err := collectCandidates(inboxRows, report); err != nil {
		return nil, err
	}
	if dryRun {
		return report, nil
	}

	for _, c := range report.Candidates {
		_, err := t.db.ExecContext(ctx, `
			UPDATE subscriptions
			SET last_published_at = $2, updated_at = NOW()
			WHERE id = $1
		`, c.SubscriptionID, c.NewestItemAt)
		if err != nil {
			logger.Warn("watermark repair update failed",
				"subscription_id", c.SubscriptionID, "error", err.Error())
			continue
		}
		report.Repaired++
		newest := "NULL"
		if c.NewestItemAt != nil {
			newest = c.NewestItemAt.Format(time.RFC3339)
		}
		logger.Info("watermark repaired",
			"subscription_id", c.SubscriptionID,
			"previous", c.Current.Format(time.RFC3339),
			"reset_to", newest)
	}
	return report, nil
}

func collectCandidates(rows *sql.Rows, report *WatermarkReport) error {
	defer rows.Close()
	for rows.Next() {
		var c WatermarkCandidate
		if err := rows.Scan(&c.SubscriptionID, &c.Current, &c.NewestItemAt); err != nil {
			return fmt.Errorf("scan watermark candidate: %w", err)
		}
		report.Candidates = append(report.Candidates, c)
	}
	return rows.Err()
}
