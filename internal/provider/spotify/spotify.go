// Package spotify implements the podcast provider adapter. The quota
// optimization lives in PollBatch: one "get several shows" call covers 50
// subscriptions, and the per-show episodes call is issued only for shows
// whose reported episode total changed since the last poll.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/pkg/httpretry"
	"github.com/relayhq/inbox-ingest/internal/provider"
	"github.com/relayhq/inbox-ingest/internal/ratelimit"
)

const (
	showsChunk     = 50
	episodesWindow = 10
	showCacheTTL   = 6 * time.Hour
)

// Adapter polls Spotify shows.
type Adapter struct {
	baseURL string
	limiter *ratelimit.Limiter
	cache   *redis.Client
}

// New creates the podcast adapter. cache may be nil to disable the show
// metadata cache.
func New(baseURL string, limiter *ratelimit.Limiter, cache *redis.Client) *Adapter {
	return &Adapter{baseURL: baseURL, limiter: limiter, cache: cache}
}

// Provider returns the adapter's enum tag.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderSpotify }

// RequiresAuth reports that Spotify polling needs an access token.
func (a *Adapter) RequiresAuth() bool { return true }

// Episode is the raw payload carried through PollResult.
type Episode struct {
	ID            string    `json:"id"`
	ShowID        string    `json:"show_id"`
	ShowName      string    `json:"show_name"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	ReleaseDate   string    `json:"release_date"`
	DatePrecision string    `json:"release_date_precision"`
	DurationMs    int       `json:"duration_ms"`
	ExternalURL   string    `json:"external_url"`
	ImageURL      string    `json:"image_url"`
	PublishedAt   time.Time `json:"published_at"` // normalized from ReleaseDate
}

// show is the slice of the shows response we care about.
type show struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TotalEpisodes int    `json:"total_episodes"`
	ExternalURLs  struct {
		Spotify string `json:"spotify"`
	} `json:"external_urls"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// PollBatch groups one user's due subscriptions into chunked "get several
// shows" calls and fetches episodes only for shows whose total changed.
// Results are keyed by subscription ID; unchanged shows yield an empty result
// with TotalItems set so the scheduler still advances lastPolledAt.
func (a *Adapter) PollBatch(ctx context.Context, token string, subs []*domain.Subscription) (map[string]*provider.PollResult, error) {
	if len(subs) == 0 {
		return map[string]*provider.PollResult{}, nil
	}
	client := provider.AuthedClient(ctx, token)
	userID := subs[0].UserID

	byShow := make(map[string]*domain.Subscription, len(subs))
	for _, s := range subs {
		byShow[s.ProviderChannelID] = s
	}

	results := make(map[string]*provider.PollResult, len(subs))

	ids := make([]string, 0, len(byShow))
	for id := range byShow {
		ids = append(ids, id)
	}

	for start := 0; start < len(ids); start += showsChunk {
		end := start + showsChunk
		if end > len(ids) {
			end = len(ids)
		}
		shows, err := a.getShows(ctx, client, userID, ids[start:end])
		if err != nil {
			return nil, err
		}

		for _, sh := range shows {
			sub, ok := byShow[sh.ID]
			if !ok {
				continue
			}
			total := sh.TotalEpisodes
			res := &provider.PollResult{TotalItems: &total}

			// Delta detection: an unchanged total means no episode call.
			if sub.TotalItems != nil && *sub.TotalItems == sh.TotalEpisodes && !sub.FirstPoll() {
				results[sub.ID] = res
				continue
			}
			a.invalidateShowCache(ctx, sh.ID)

			episodes, err := a.getEpisodes(ctx, client, userID, sh)
			if err != nil {
				// Leave this subscription out of the map; the scheduler
				// falls back to PollOne or records the error.
				continue
			}
			fillResult(res, sub, episodes)
			results[sub.ID] = res
		}
	}
	return results, nil
}

// PollOne fetches one show and, when its total changed, its recent episodes.
func (a *Adapter) PollOne(ctx context.Context, token string, sub *domain.Subscription) (*provider.PollResult, error) {
	client := provider.AuthedClient(ctx, token)

	sh, err := a.getShow(ctx, client, sub.UserID, sub.ProviderChannelID)
	if err != nil {
		return nil, err
	}
	total := sh.TotalEpisodes
	res := &provider.PollResult{TotalItems: &total}

	if sub.TotalItems != nil && *sub.TotalItems == sh.TotalEpisodes && !sub.FirstPoll() {
		return res, nil
	}
	a.invalidateShowCache(ctx, sh.ID)

	episodes, err := a.getEpisodes(ctx, client, sub.UserID, *sh)
	if err != nil {
		return nil, err
	}
	fillResult(res, sub, episodes)
	return res, nil
}

// fillResult applies the watermark delta and newest-published bookkeeping.
func fillResult(res *provider.PollResult, sub *domain.Subscription, episodes []Episode) {
	for _, ep := range episodes {
		if sub.LastPublishedAt != nil && !ep.PublishedAt.After(*sub.LastPublishedAt) {
			continue
		}
		res.RawItems = append(res.RawItems, ep)
		if res.NewestPublishedAt == nil || ep.PublishedAt.After(*res.NewestPublishedAt) {
			t := ep.PublishedAt
			res.NewestPublishedAt = &t
		}
	}
}

// Transform projects an Episode into the canonical item shape.
func (a *Adapter) Transform(raw interface{}) (*domain.ItemDraft, error) {
	ep, ok := raw.(Episode)
	if !ok {
		return nil, fmt.Errorf("spotify transform: unexpected payload %T", raw)
	}
	meta, _ := json.Marshal(ep)
	durationSecs := ep.DurationMs / 1000
	d := &domain.ItemDraft{
		Provider:          domain.ProviderSpotify,
		ProviderID:        ep.ID,
		ContentType:       domain.ContentPodcast,
		URL:               ep.ExternalURL,
		Title:             ep.Name,
		Summary:           ep.Description,
		PublishedAt:       ep.PublishedAt,
		RawMetadata:       meta,
		CreatorProviderID: ep.ShowID,
		CreatorName:       ep.ShowName,
	}
	if ep.URLFallback() != "" && d.URL == "" {
		d.URL = ep.URLFallback()
	}
	if durationSecs > 0 {
		d.DurationSecs = &durationSecs
	}
	if ep.ImageURL != "" {
		img := ep.ImageURL
		d.ThumbnailURL = &img
	}
	return d, nil
}

// URLFallback builds an open.spotify.com link when the payload lacked one.
func (e Episode) URLFallback() string {
	if e.ID == "" {
		return ""
	}
	return "https://open.spotify.com/episode/" + e.ID
}

func (a *Adapter) showCacheKey(showID string) string {
	return "spotifyshow:" + showID
}

func (a *Adapter) invalidateShowCache(ctx context.Context, showID string) {
	if a.cache == nil {
		return
	}
	_ = a.cache.Del(ctx, a.showCacheKey(showID)).Err()
}

// getShow reads one show, through the 6h metadata cache when present.
func (a *Adapter) getShow(ctx context.Context, client httpretry.HTTPDoer, userID, showID string) (*show, error) {
	if a.cache != nil {
		if raw, err := a.cache.Get(ctx, a.showCacheKey(showID)).Result(); err == nil {
			var sh show
			if json.Unmarshal([]byte(raw), &sh) == nil {
				return &sh, nil
			}
		}
	}
	shows, err := a.getShows(ctx, client, userID, []string{showID})
	if err != nil {
		return nil, err
	}
	if len(shows) == 0 {
		return nil, fmt.Errorf("show %s not found", showID)
	}
	return &shows[0], nil
}

// getShows issues the batched shows call and refreshes the cache entries.
func (a *Adapter) getShows(ctx context.Context, client httpretry.HTTPDoer, userID string, ids []string) ([]show, error) {
	var shows []show
	err := a.limiter.Fetch(ctx, string(a.Provider()), userID, func(ctx context.Context) error {
		q := url.Values{"ids": {strings.Join(ids, ",")}}
		var body struct {
			Shows []show `json:"shows"`
		}
		if err := a.getJSON(ctx, client, "/shows", q, &body); err != nil {
			return err
		}
		shows = body.Shows
		return nil
	})
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		for _, sh := range shows {
			if raw, err := json.Marshal(sh); err == nil {
				_ = a.cache.Set(ctx, a.showCacheKey(sh.ID), raw, showCacheTTL).Err()
			}
		}
	}
	return shows, nil
}

// getEpisodes lists the show's most recent episodes.
func (a *Adapter) getEpisodes(ctx context.Context, client httpretry.HTTPDoer, userID string, sh show) ([]Episode, error) {
	var episodes []Episode
	err := a.limiter.Fetch(ctx, string(a.Provider()), userID, func(ctx context.Context) error {
		q := url.Values{"limit": {fmt.Sprintf("%d", episodesWindow)}}
		var body struct {
			Items []struct {
				ID            string `json:"id"`
				Name          string `json:"name"`
				Description   string `json:"description"`
				ReleaseDate   string `json:"release_date"`
				DatePrecision string `json:"release_date_precision"`
				DurationMs    int    `json:"duration_ms"`
				ExternalURLs  struct {
					Spotify string `json:"spotify"`
				} `json:"external_urls"`
				Images []struct {
					URL string `json:"url"`
				} `json:"images"`
			} `json:"items"`
		}
		if err := a.getJSON(ctx, client, "/shows/"+sh.ID+"/episodes", q, &body); err != nil {
			return err
		}
		for _, it := range body.Items {
			ep := Episode{
				ID:            it.ID,
				ShowID:        sh.ID,
				ShowName:      sh.Name,
				Name:          it.Name,
				Description:   it.Description,
				ReleaseDate:   it.ReleaseDate,
				DatePrecision: it.DatePrecision,
				DurationMs:    it.DurationMs,
				ExternalURL:   it.ExternalURLs.Spotify,
			}
			if len(it.Images) > 0 {
				ep.ImageURL = it.Images[0].URL
			}
			if t, ok := ParseReleaseDate(it.ReleaseDate); ok {
				ep.PublishedAt = t
			}
			episodes = append(episodes, ep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return episodes, nil
}

func (a *Adapter) getJSON(ctx context.Context, client httpretry.HTTPDoer, path string, q url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if resp.StatusCode != http.StatusOK {
		return provider.ReadError(resp, body)
	}
	return json.Unmarshal(body, out)
}

// ParseReleaseDate normalizes Spotify's variable-precision release dates
// (YYYY, YYYY-MM, or YYYY-MM-DD) to UTC midnight. Permissive date parsers
// are deliberately avoided: "2023" must not parse as a duration or epoch.
func ParseReleaseDate(s string) (time.Time, bool) {
	var layout string
	switch len(s) {
	case 4:
		layout = "2006"
	case 7:
		layout = "2006-01"
	case 10:
		layout = "2006-01-02"
	default:
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
