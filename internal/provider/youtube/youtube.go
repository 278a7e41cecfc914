// Package youtube implements the video provider adapter. Listing a channel's
// uploads playlist is cheap (1 unit); the details call that yields duration
// and full description is batched in chunks of 50 IDs (1 unit per chunk).
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/pkg/httpretry"
	"github.com/relayhq/inbox-ingest/internal/provider"
	"github.com/relayhq/inbox-ingest/internal/quota"
	"github.com/relayhq/inbox-ingest/internal/ratelimit"
)

const (
	// Videos at or under this length are Shorts and excluded from the inbox.
	shortsMaxSeconds = 180
	// Recent playlist items fetched per poll.
	recentWindow = 10
	detailsChunk = 50
)

// Adapter polls YouTube channels.
type Adapter struct {
	baseURL string
	limiter *ratelimit.Limiter
	quota   *quota.Tracker
}

// New creates the video adapter.
func New(baseURL string, limiter *ratelimit.Limiter, q *quota.Tracker) *Adapter {
	return &Adapter{baseURL: baseURL, limiter: limiter, quota: q}
}

// Provider returns the adapter's enum tag.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderYouTube }

// RequiresAuth reports that YouTube polling needs an access token.
func (a *Adapter) RequiresAuth() bool { return true }

// Video is the raw payload carried through PollResult for one upload.
type Video struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channel_id"`
	ChannelTitle string    `json:"channel_title"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	PublishedAt  time.Time `json:"published_at"`
	DurationSecs *int      `json:"duration_seconds"` // nil when details were unavailable
	ThumbnailURL string    `json:"thumbnail_url"`
}

// PollOne lists the channel's most recent uploads, joins details, filters
// Shorts, and returns videos newer than the subscription watermark.
func (a *Adapter) PollOne(ctx context.Context, token string, sub *domain.Subscription) (*provider.PollResult, error) {
	client := provider.AuthedClient(ctx, token)

	playlistID, err := a.uploadsPlaylistID(ctx, client, sub)
	if err != nil {
		return nil, err
	}

	entries, err := a.listPlaylist(ctx, client, sub.UserID, playlistID)
	if err != nil {
		return nil, err
	}

	// Delta: only items past the watermark are candidates.
	var candidates []playlistEntry
	for _, e := range entries {
		if sub.LastPublishedAt != nil && !e.PublishedAt.After(*sub.LastPublishedAt) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return &provider.PollResult{}, nil
	}

	durations, descriptions, err := a.videoDetails(ctx, client, sub.UserID, videoIDs(candidates))
	if err != nil {
		// Details are an enrichment; losing them must not lose the upload.
		durations = map[string]int{}
		descriptions = map[string]string{}
	}

	result := &provider.PollResult{}
	for _, e := range candidates {
		v := Video{
			ID:           e.VideoID,
			ChannelID:    e.ChannelID,
			ChannelTitle: e.ChannelTitle,
			Title:        e.Title,
			Description:  e.Description,
			PublishedAt:  e.PublishedAt,
			ThumbnailURL: e.ThumbnailURL,
		}
		if d, ok := durations[e.VideoID]; ok {
			v.DurationSecs = &d
		}
		if desc, ok := descriptions[e.VideoID]; ok && desc != "" {
			v.Description = desc
		}
		// Shorts filter: exclude known-short videos; keep unknown durations
		// (losing content is worse than a false keep).
		if v.DurationSecs != nil && *v.DurationSecs <= shortsMaxSeconds {
			continue
		}
		result.RawItems = append(result.RawItems, v)
		if result.NewestPublishedAt == nil || v.PublishedAt.After(*result.NewestPublishedAt) {
			t := v.PublishedAt
			result.NewestPublishedAt = &t
		}
	}
	return result, nil
}

// Transform projects a Video into the canonical item shape.
func (a *Adapter) Transform(raw interface{}) (*domain.ItemDraft, error) {
	v, ok := raw.(Video)
	if !ok {
		return nil, fmt.Errorf("youtube transform: unexpected payload %T", raw)
	}
	meta, _ := json.Marshal(v)
	thumb := v.ThumbnailURL
	d := &domain.ItemDraft{
		Provider:          domain.ProviderYouTube,
		ProviderID:        v.ID,
		ContentType:       domain.ContentVideo,
		URL:               "https://www.youtube.com/watch?v=" + v.ID,
		Title:             v.Title,
		Summary:           v.Description,
		PublishedAt:       v.PublishedAt,
		DurationSecs:      v.DurationSecs,
		RawMetadata:       meta,
		CreatorProviderID: v.ChannelID,
		CreatorName:       v.ChannelTitle,
	}
	if thumb != "" {
		d.ThumbnailURL = &thumb
	}
	if v.ChannelID != "" {
		u := "https://www.youtube.com/channel/" + v.ChannelID
		d.CreatorURL = &u
	}
	return d, nil
}

// uploadsPlaylistID resolves a channel to its uploads playlist. Channel IDs
// of the standard UC... form map directly to UU... without an API call.
func (a *Adapter) uploadsPlaylistID(ctx context.Context, client httpretry.HTTPDoer, sub *domain.Subscription) (string, error) {
	ch := sub.ProviderChannelID
	if strings.HasPrefix(ch, "UC") && len(ch) > 2 {
		return "UU" + ch[2:], nil
	}

	var playlistID string
	err := a.limiter.Fetch(ctx, string(a.Provider()), sub.UserID, func(ctx context.Context) error {
		return a.quota.WithTracking(ctx, 1, func(ctx context.Context) error {
			q := url.Values{"part": {"contentDetails"}, "id": {ch}}
			var body struct {
				Items []struct {
					ContentDetails struct {
						RelatedPlaylists struct {
							Uploads string `json:"uploads"`
						} `json:"relatedPlaylists"`
					} `json:"contentDetails"`
				} `json:"items"`
			}
			if err := a.getJSON(ctx, client, "/channels", q, &body); err != nil {
				return err
			}
			if len(body.Items) == 0 {
				return fmt.Errorf("channel %s not found", ch)
			}
			playlistID = body.Items[0].ContentDetails.RelatedPlaylists.Uploads
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return playlistID, nil
}

type playlistEntry struct {
	VideoID      string
	ChannelID    string
	ChannelTitle string
	Title        string
	Description  string
	PublishedAt  time.Time
	ThumbnailURL string
}

func videoIDs(entries []playlistEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.VideoID)
	}
	return ids
}

// listPlaylist fetches the most recent uploads (1 unit).
func (a *Adapter) listPlaylist(ctx context.Context, client httpretry.HTTPDoer, userID, playlistID string) ([]playlistEntry, error) {
	var entries []playlistEntry
	err := a.limiter.Fetch(ctx, string(a.Provider()), userID, func(ctx context.Context) error {
		return a.quota.WithTracking(ctx, 1, func(ctx context.Context) error {
			q := url.Values{
				"part":       {"snippet,contentDetails"},
				"playlistId": {playlistID},
				"maxResults": {fmt.Sprintf("%d", recentWindow)},
			}
			var body struct {
				Items []struct {
					Snippet struct {
						PublishedAt  time.Time `json:"publishedAt"`
						ChannelID    string    `json:"channelId"`
						ChannelTitle string    `json:"channelTitle"`
						Title        string    `json:"title"`
						Description  string    `json:"description"`
						Thumbnails   struct {
							High struct {
								URL string `json:"url"`
							} `json:"high"`
						} `json:"thumbnails"`
					} `json:"snippet"`
					ContentDetails struct {
						VideoID          string `json:"videoId"`
						VideoPublishedAt string `json:"videoPublishedAt"`
					} `json:"contentDetails"`
				} `json:"items"`
			}
			if err := a.getJSON(ctx, client, "/playlistItems", q, &body); err != nil {
				return err
			}
			for _, it := range body.Items {
				e := playlistEntry{
					VideoID:      it.ContentDetails.VideoID,
					ChannelID:    it.Snippet.ChannelID,
					ChannelTitle: it.Snippet.ChannelTitle,
					Title:        it.Snippet.Title,
					Description:  it.Snippet.Description,
					PublishedAt:  it.Snippet.PublishedAt,
					ThumbnailURL: it.Snippet.Thumbnails.High.URL,
				}
				// videoPublishedAt is the public publish time; snippet's is
				// the time the video was added to the playlist.
				if t, err := time.Parse(time.RFC3339, it.ContentDetails.VideoPublishedAt); err == nil {
					e.PublishedAt = t
				}
				entries = append(entries, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// videoDetails batch-fetches durations and full descriptions, one unit per
// chunk of 50 IDs.
func (a *Adapter) videoDetails(ctx context.Context, client httpretry.HTTPDoer, userID string, ids []string) (map[string]int, map[string]string, error) {
	durations := make(map[string]int, len(ids))
	descriptions := make(map[string]string, len(ids))

	for start := 0; start < len(ids); start += detailsChunk {
		end := start + detailsChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		err := a.limiter.Fetch(ctx, string(a.Provider()), userID, func(ctx context.Context) error {
			return a.quota.WithTracking(ctx, 1, func(ctx context.Context) error {
				q := url.Values{
					"part": {"contentDetails,snippet"},
					"id":   {strings.Join(chunk, ",")},
				}
				var body struct {
					Items []struct {
						ID      string `json:"id"`
						Snippet struct {
							Description string `json:"description"`
						} `json:"snippet"`
						ContentDetails struct {
							Duration string `json:"duration"`
						} `json:"contentDetails"`
					} `json:"items"`
				}
				if err := a.getJSON(ctx, client, "/videos", q, &body); err != nil {
					return err
				}
				for _, it := range body.Items {
					if secs, ok := parseISODuration(it.ContentDetails.Duration); ok {
						durations[it.ID] = secs
					}
					descriptions[it.ID] = it.Snippet.Description
				}
				return nil
			})
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return durations, descriptions, nil
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

// parseISODuration parses the ISO-8601 duration subset YouTube emits
// (PT#H#M#S, optionally P#DT...). Returns total seconds.
func parseISODuration(s string) (int, bool) {
	if !strings.HasPrefix(s, "P") {
		return 0, false
	}
	s = s[1:]
	total := 0
	inTime := false
	num := 0
	haveNum := false
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			haveNum = true
		case r == 'D' && !inTime:
			total += num * 86400
			num, haveNum = 0, false
		case r == 'H' && inTime:
			total += num * 3600
			num, haveNum = 0, false
		case r == 'M' && inTime:
			total += num * 60
			num, haveNum = 0, false
		case r == 'S' && inTime:
			total += num
			num, haveNum = 0, false
		default:
			return 0, false
		}
	}
	if haveNum {
		return 0, false
	}
	return total, true
}
