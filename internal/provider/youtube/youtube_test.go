package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/quota"
	"github.com/relayhq/inbox-ingest/internal/ratelimit"
)

type fakeUpload struct {
	id        string
	title     string
	published time.Time
	duration  string // ISO-8601; empty = omit from the details response
}

// fakeAPI serves the two endpoints PollOne touches for a UC-form channel.
func fakeAPI(t *testing.T, uploads []fakeUpload) (*httptest.Server, *map[string]int) {
	t.Helper()
	calls := map[string]int{}

	mux := http.NewServeMux()
	mux.HandleFunc("/playlistItems", func(w http.ResponseWriter, r *http.Request) {
		calls["/playlistItems"]++
		items := []map[string]interface{}{}
		for _, u := range uploads {
			items = append(items, map[string]interface{}{
				"snippet": map[string]interface{}{
					"publishedAt":  u.published,
					"channelId":    "UCabc",
					"channelTitle": "Test Channel",
					"title":        u.title,
					"thumbnails": map[string]interface{}{
						"high": map[string]string{"url": "https://i.ytimg.com/" + u.id + ".jpg"},
					},
				},
				"contentDetails": map[string]interface{}{
					"videoId":          u.id,
					"videoPublishedAt": u.published.Format(time.RFC3339),
				},
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
	})
	mux.HandleFunc("/videos", func(w http.ResponseWriter, r *http.Request) {
		calls["/videos"]++
		items := []map[string]interface{}{}
		for _, u := range uploads {
			if u.duration == "" {
				continue
			}
			items = append(items, map[string]interface{}{
				"id":             u.id,
				"snippet":        map[string]string{"description": "full description of " + u.id},
				"contentDetails": map[string]string{"duration": u.duration},
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return New(baseURL, ratelimit.NewLimiter(rc), quota.NewTracker(rc, "youtube", 10000, ""))
}

func day(d int) time.Time {
	return time.Date(2024, 6, d, 10, 0, 0, 0, time.UTC)
}

func TestPollOne_ShortsFiltered(t *testing.T) {
	srv, _ := fakeAPI(t, []fakeUpload{
		{"vid-60", "a short", day(1), "PT1M"},
		{"vid-180", "boundary short", day(2), "PT3M"},
		{"vid-181", "barely long form", day(3), "PT3M1S"},
		{"vid-300", "long form", day(4), "PT5M"},
		{"vid-unknown", "no details row", day(5), ""},
	})
	a := newTestAdapter(t, srv.URL)

	sub := &domain.Subscription{ID: "sub-1", UserID: "user-1", ProviderChannelID: "UCabc"}
	res, err := a.PollOne(context.Background(), "tok", sub)
	if err != nil {
		t.Fatalf("PollOne: %v", err)
	}

	got := map[string]bool{}
	for _, raw := range res.RawItems {
		got[raw.(Video).ID] = true
	}
	want := []string{"vid-181", "vid-300", "vid-unknown"}
	if len(got) != len(want) {
		t.Fatalf("kept %d videos %v, want %d", len(got), got, len(want))
	}
	for _, id := range want {
		if !got[id] {
			t.Errorf("video %s missing; <=180s must be dropped, unknown duration kept", id)
		}
	}
	if res.NewestPublishedAt == nil || !res.NewestPublishedAt.Equal(day(5)) {
		t.Errorf("NewestPublishedAt = %v, want %v", res.NewestPublishedAt, day(5))
	}
}

func TestPollOne_WatermarkSkipsDetails(t *testing.T) {
	srv, calls := fakeAPI(t, []fakeUpload{
		{"vid-1", "old", day(1), "PT10M"},
		{"vid-2", "also old", day(2), "PT10M"},
	})
	a := newTestAdapter(t, srv.URL)

	mark := day(2)
	sub := &domain.Subscription{
		ID: "sub-1", UserID: "user-1",
		ProviderChannelID: "UCabc",
		LastPublishedAt:   &mark,
	}
	res, err := a.PollOne(context.Background(), "tok", sub)
	if err != nil {
		t.Fatalf("PollOne: %v", err)
	}
	if len(res.RawItems) != 0 {
		t.Errorf("items = %d, want 0 at watermark", len(res.RawItems))
	}
	if (*calls)["/videos"] != 0 {
		t.Error("details endpoint called with no candidates; wastes a quota unit")
	}
}

func TestPollOne_ConsumesQuota(t *testing.T) {
	srv, _ := fakeAPI(t, []fakeUpload{{"vid-1", "v", day(1), "PT10M"}})
	a := newTestAdapter(t, srv.URL)

	sub := &domain.Subscription{ID: "sub-1", UserID: "user-1", ProviderChannelID: "UCabc"}
	if _, err := a.PollOne(context.Background(), "tok", sub); err != nil {
		t.Fatalf("PollOne: %v", err)
	}

	st, err := a.quota.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	// One list call plus one details chunk.
	if st.Used != 2 {
		t.Errorf("quota used = %d, want 2", st.Used)
	}
}

func TestTransform(t *testing.T) {
	a := newTestAdapter(t, "http://unused.invalid")
	dur := 300
	v := Video{
		ID:           "vid-1",
		ChannelID:    "UCabc",
		ChannelTitle: "Test Channel",
		Title:        "Video Title",
		Description:  "desc",
		PublishedAt:  day(1),
		DurationSecs: &dur,
		ThumbnailURL: "https://i.ytimg.com/vid-1.jpg",
	}

	d, err := a.Transform(v)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if d.URL != "https://www.youtube.com/watch?v=vid-1" {
		t.Errorf("URL = %s", d.URL)
	}
	if d.ContentType != domain.ContentVideo || d.Provider != domain.ProviderYouTube {
		t.Errorf("type/provider = %s/%s", d.ContentType, d.Provider)
	}
	if d.CreatorProviderID != "UCabc" || d.CreatorName != "Test Channel" {
		t.Errorf("creator = %s/%s", d.CreatorProviderID, d.CreatorName)
	}
	if d.CreatorURL == nil || *d.CreatorURL != "https://www.youtube.com/channel/UCabc" {
		t.Errorf("CreatorURL = %v", d.CreatorURL)
	}
	if d.DurationSecs == nil || *d.DurationSecs != 300 {
		t.Errorf("DurationSecs = %v", d.DurationSecs)
	}

	if _, err := a.Transform("not a video"); err == nil {
		t.Error("Transform should reject foreign payloads")
	}
}

func TestParseISODuration(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"PT1M", 60, true},
		{"PT3M1S", 181, true},
		{"PT1H2M3S", 3723, true},
		{"P1DT1H", 90000, true},
		{"PT0S", 0, true},
		{"PT", 0, true},
		{"1M", 0, false},
		{"PT5X", 0, false},
		{"PT5", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, ok := parseISODuration(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("parseISODuration(%q) = (%d, %v), want (%d, %v)",
					tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
