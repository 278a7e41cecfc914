// Package webfeed implements the RSS/Atom provider adapter. Feeds are polled
// with conditional GETs: ETag and Last-Modified validators are cached in
// Redis, a 304 advances only the poll timestamp, and response bodies are
// capped so a misbehaving feed cannot exhaust memory.
package webfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/redis/go-redis/v9"

	"github.com/relayhq/inbox-ingest/internal/config"
	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/pkg/httpretry"
	"github.com/relayhq/inbox-ingest/internal/provider"
	"github.com/relayhq/inbox-ingest/internal/ratelimit"
)

const validatorTTL = 7 * 24 * time.Hour

// Adapter polls RSS and Atom feeds. The subscription's providerChannelId is
// the feed URL.
type Adapter struct {
	limiter *ratelimit.Limiter
	cache   *redis.Client
	cfg     config.WebFeedConfig
	client  httpretry.HTTPDoer
	parser  *gofeed.Parser
}

// New creates the web feed adapter. cache may be nil to disable conditional
// GET validators.
func New(limiter *ratelimit.Limiter, cache *redis.Client, cfg config.WebFeedConfig) *Adapter {
	base := &http.Client{Timeout: cfg.Timeout()}
	return &Adapter{
		limiter: limiter,
		cache:   cache,
		cfg:     cfg,
		client:  httpretry.NewRetryClient(base, 2),
		parser:  gofeed.NewParser(),
	}
}

// Provider returns the adapter's enum tag.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderWebFeed }

// RequiresAuth reports that public feeds need no token.
func (a *Adapter) RequiresAuth() bool { return false }

// Entry is the raw payload carried through PollResult.
type Entry struct {
	GUID        string    `json:"guid"`
	FeedTitle   string    `json:"feed_title"`
	FeedLink    string    `json:"feed_link"`
	FeedImage   string    `json:"feed_image"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description"`
	Author      string    `json:"author"`
	PublishedAt time.Time `json:"published_at"`
}

// validators is the cached conditional-GET state for one feed URL.
type validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// PollOne fetches and parses the feed. A 304 yields NotModified with no
// items.
func (a *Adapter) PollOne(ctx context.Context, _ string, sub *domain.Subscription) (*provider.PollResult, error) {
	feedURL := sub.ProviderChannelID

	var res *provider.PollResult
	err := a.limiter.Fetch(ctx, string(a.Provider()), sub.UserID, func(ctx context.Context) error {
		var err error
		res, err = a.fetchFeed(ctx, feedURL, sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (a *Adapter) fetchFeed(ctx context.Context, feedURL string, sub *domain.Subscription) (*provider.PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", "inbox-ingest/1.0 (+https://github.com/relayhq/inbox-ingest)")

	v := a.loadValidators(ctx, feedURL)
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &provider.PollResult{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, provider.ReadError(resp, body)
	}

	limited := io.LimitReader(resp.Body, a.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}
	if int64(len(body)) > a.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("feed body exceeds %d bytes", a.cfg.MaxBodyBytes)
	}

	feed, err := a.parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	a.storeValidators(ctx, feedURL, validators{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	})

	return a.buildResult(feed, sub), nil
}

// buildResult sorts entries newest-first, caps them, and applies the
// watermark delta.
func (a *Adapter) buildResult(feed *gofeed.Feed, sub *domain.Subscription) *provider.PollResult {
	entries := make([]Entry, 0, len(feed.Items))
	for _, it := range feed.Items {
		e := Entry{
			GUID:        entryGUID(it),
			FeedTitle:   feed.Title,
			FeedLink:    feed.Link,
			Title:       it.Title,
			Link:        it.Link,
			Description: it.Description,
		}
		if feed.Image != nil {
			e.FeedImage = feed.Image.URL
		}
		if len(it.Authors) > 0 && it.Authors[0] != nil {
			e.Author = it.Authors[0].Name
		}
		if it.PublishedParsed != nil {
			e.PublishedAt = it.PublishedParsed.UTC()
		} else if it.UpdatedParsed != nil {
			e.PublishedAt = it.UpdatedParsed.UTC()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PublishedAt.After(entries[j].PublishedAt)
	})
	if len(entries) > a.cfg.MaxEntries {
		entries = entries[:a.cfg.MaxEntries]
	}

	res := &provider.PollResult{}
	for _, e := range entries {
		if sub.LastPublishedAt != nil && !e.PublishedAt.After(*sub.LastPublishedAt) {
			continue
		}
		res.RawItems = append(res.RawItems, e)
		if res.NewestPublishedAt == nil || e.PublishedAt.After(*res.NewestPublishedAt) {
			t := e.PublishedAt
			res.NewestPublishedAt = &t
		}
	}
	return res
}

// Transform projects an Entry into the canonical item shape. Web feeds have
// no native creator identity; the pipeline synthesizes one from the feed
// title.
func (a *Adapter) Transform(raw interface{}) (*domain.ItemDraft, error) {
	e, ok := raw.(Entry)
	if !ok {
		return nil, fmt.Errorf("webfeed transform: unexpected payload %T", raw)
	}
	meta, _ := json.Marshal(e)
	d := &domain.ItemDraft{
		Provider:    domain.ProviderWebFeed,
		ProviderID:  e.GUID,
		ContentType: domain.ContentArticle,
		URL:         e.Link,
		Title:       e.Title,
		Summary:     e.Description,
		PublishedAt: e.PublishedAt,
		RawMetadata: meta,
		CreatorName: e.FeedTitle,
	}
	if e.FeedLink != "" {
		link := e.FeedLink
		d.CreatorURL = &link
	}
	if e.FeedImage != "" {
		img := e.FeedImage
		d.CreatorImageURL = &img
	}
	return d, nil
}

// entryGUID prefers the feed-declared GUID, falling back to the entry link.
func entryGUID(it *gofeed.Item) string {
	if g := strings.TrimSpace(it.GUID); g != "" {
		return g
	}
	return it.Link
}

func validatorKey(feedURL string) string {
	return "feedvalidators:" + feedURL
}

func (a *Adapter) loadValidators(ctx context.Context, feedURL string) validators {
	if a.cache == nil {
		return validators{}
	}
	raw, err := a.cache.Get(ctx, validatorKey(feedURL)).Result()
	if err != nil {
		return validators{}
	}
	var v validators
	_ = json.Unmarshal([]byte(raw), &v)
	return v
}

func (a *Adapter) storeValidators(ctx context.Context, feedURL string, v validators) {
	if a.cache == nil || (v.ETag == "" && v.LastModified == "") {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = a.cache.Set(ctx, validatorKey(feedURL), raw, validatorTTL).Err()
}
