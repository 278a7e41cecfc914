package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/ratelimit"
	"github.com/relayhq/inbox-ingest/internal/repository/postgres"
)

type fakeFeeds struct {
	mailbox    *domain.Mailbox
	feedStatus domain.NewsletterFeedStatus
	upserts    []*domain.NewsletterFeed
	advancedTo string
	cleared    bool
}

func (f *fakeFeeds) UpsertFeed(_ context.Context, feed *domain.NewsletterFeed) (*domain.NewsletterFeed, error) {
	f.upserts = append(f.upserts, feed)
	out := *feed
	out.ID = "feed-1"
	out.Status = f.feedStatus
	return &out, nil
}

func (f *fakeFeeds) GetMailbox(_ context.Context, _ string, _ domain.Provider) (*domain.Mailbox, error) {
	if f.mailbox == nil {
		return nil, postgres.ErrNotFound
	}
	return f.mailbox, nil
}

func (f *fakeFeeds) AdvanceCursor(_ context.Context, _, cursor string, _ time.Time) error {
	f.advancedTo = cursor
	return nil
}

func (f *fakeFeeds) ClearCursor(_ context.Context, _ string) error {
	f.cleared = true
	return nil
}

type fakeItemStore struct {
	existing *domain.Item
	upgraded map[string]string
}

func (f *fakeItemStore) GetByProviderID(_ context.Context, _ domain.Provider, providerID string) (*domain.Item, error) {
	if f.existing != nil && f.existing.ProviderID == providerID {
		return f.existing, nil
	}
	return nil, postgres.ErrNotFound
}

func (f *fakeItemStore) UpgradeURL(_ context.Context, id, url string) error {
	if f.upgraded == nil {
		f.upgraded = map[string]string{}
	}
	f.upgraded[id] = url
	return nil
}

var msgDate = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

// gmailServer serves the mailbox sync endpoints for one newsletter message.
func gmailServer(t *testing.T, staleCursor bool) *httptest.Server {
	t.Helper()
	htmlBody := `<html><body><a href="https://stratechery.substack.com/p/weekly-issue-42">Read the full issue online</a></body></html>`
	encoded := base64.RawURLEncoding.EncodeToString([]byte(htmlBody))

	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/history", func(w http.ResponseWriter, _ *http.Request) {
		if staleCursor {
			http.Error(w, `{"error": {"code": 404}}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"history": []map[string]interface{}{
				{"id": "90001", "messagesAdded": []map[string]interface{}{
					{"message": map[string]string{"id": "msg-1"}},
				}},
			},
			"historyId": "90002",
		})
	})
	mux.HandleFunc("/users/me/messages", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]string{{"id": "msg-1"}},
		})
	})
	mux.HandleFunc("/users/me/profile", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"historyId": "95000"})
	})
	mux.HandleFunc("/users/me/messages/msg-1", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "full" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":       "msg-1",
				"threadId": "thread-1",
				"payload": map[string]interface{}{
					"mimeType": "text/html",
					"body":     map[string]string{"data": encoded},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":           "msg-1",
			"threadId":     "thread-1",
			"snippet":      "This week in tech...",
			"internalDate": strconv.FormatInt(msgDate.UnixMilli(), 10),
			"payload": map[string]interface{}{
				"headers": []map[string]string{
					{"name": "From", "value": "Ben <ben@stratechery.substack.com>"},
					{"name": "Subject", "value": "Weekly Issue #42"},
					{"name": "List-Id", "value": "<stratechery.substack.com>"},
					{"name": "List-Unsubscribe", "value": "<https://stratechery.substack.com/action/disable_email?t=1>"},
				},
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newGmailAdapter(t *testing.T, baseURL string, feeds *fakeFeeds, items *fakeItemStore) *Adapter {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	a := &Adapter{
		baseURL: baseURL,
		limiter: ratelimit.NewLimiter(rc),
		feeds:   feeds,
		items:   items,
		now:     func() time.Time { return msgDate.Add(time.Hour) },
	}
	return a
}

func mailboxSub() *domain.Subscription {
	return &domain.Subscription{
		ID:                "sub-1",
		UserID:            "user-1",
		Provider:          domain.ProviderGmail,
		ProviderChannelID: "mailbox",
	}
}

func TestPollOne_ActiveFeedYieldsIssue(t *testing.T) {
	srv := gmailServer(t, false)
	feeds := &fakeFeeds{
		mailbox:    &domain.Mailbox{ID: "mb-1", UserID: "user-1", HistoryCursor: "90000"},
		feedStatus: domain.NewsletterFeedActive,
	}
	a := newGmailAdapter(t, srv.URL, feeds, &fakeItemStore{})

	res, err := a.PollOne(context.Background(), "tok", mailboxSub())
	if err != nil {
		t.Fatalf("PollOne: %v", err)
	}
	if len(res.RawItems) != 1 {
		t.Fatalf("items = %d, want 1", len(res.RawItems))
	}

	m := res.RawItems[0].(Message)
	if m.ID != "msg-1" || m.Subject != "Weekly Issue #42" {
		t.Errorf("message = %+v", m)
	}
	if m.IssueURL != "https://stratechery.substack.com/p/weekly-issue-42" {
		t.Errorf("IssueURL = %q, want the extracted content link", m.IssueURL)
	}
	if m.FeedKey != "listid:stratechery.substack.com" {
		t.Errorf("FeedKey = %q", m.FeedKey)
	}
	if !m.PublishedAt.Equal(msgDate) {
		t.Errorf("PublishedAt = %v, want %v", m.PublishedAt, msgDate)
	}
	if feeds.advancedTo != "90002" {
		t.Errorf("cursor advanced to %q, want 90002", feeds.advancedTo)
	}
}

// Feeds the user hasn't opted into are upserted but yield no items.
func TestPollOne_UnsubscribedFeedYieldsNothing(t *testing.T) {
	srv := gmailServer(t, false)
	feeds := &fakeFeeds{
		mailbox:    &domain.Mailbox{ID: "mb-1", UserID: "user-1", HistoryCursor: "90000"},
		feedStatus: domain.NewsletterFeedUnsubscribed,
	}
	a := newGmailAdapter(t, srv.URL, feeds, &fakeItemStore{})

	res, err := a.PollOne(context.Background(), "tok", mailboxSub())
	if err != nil {
		t.Fatalf("PollOne: %v", err)
	}
	if len(res.RawItems) != 0 {
		t.Errorf("items = %d, want 0 for an unsubscribed feed", len(res.RawItems))
	}
	if len(feeds.upserts) != 1 {
		t.Errorf("upserts = %d, want 1 (the feed is still discovered)", len(feeds.upserts))
	}
	// The sync itself succeeded, so the cursor still moves.
	if feeds.advancedTo != "90002" {
		t.Errorf("cursor advanced to %q, want 90002", feeds.advancedTo)
	}
}

// A 404 from the history endpoint clears the cursor and falls back to the
// 30-day bootstrap query plus a fresh profile cursor.
func TestPollOne_StaleCursorFallsBack(t *testing.T) {
	srv := gmailServer(t, true)
	feeds := &fakeFeeds{
		mailbox:    &domain.Mailbox{ID: "mb-1", UserID: "user-1", HistoryCursor: "90000"},
		feedStatus: domain.NewsletterFeedActive,
	}
	a := newGmailAdapter(t, srv.URL, feeds, &fakeItemStore{})

	res, err := a.PollOne(context.Background(), "tok", mailboxSub())
	if err != nil {
		t.Fatalf("PollOne: %v", err)
	}
	if !feeds.cleared {
		t.Error("stale cursor was not cleared")
	}
	if len(res.RawItems) != 1 {
		t.Errorf("items = %d, want 1 from the bootstrap query", len(res.RawItems))
	}
	if feeds.advancedTo != "95000" {
		t.Errorf("cursor advanced to %q, want the profile's 95000", feeds.advancedTo)
	}
}

// An issue first stored with the thread fallback link is upgraded in place
// once a real content URL resolves.
func TestPollOne_UpgradesThreadFallbackURL(t *testing.T) {
	srv := gmailServer(t, false)
	feeds := &fakeFeeds{
		mailbox:    &domain.Mailbox{ID: "mb-1", UserID: "user-1", HistoryCursor: "90000"},
		feedStatus: domain.NewsletterFeedActive,
	}
	items := &fakeItemStore{
		existing: &domain.Item{
			ID:         "item-1",
			Provider:   domain.ProviderGmail,
			ProviderID: "msg-1",
			URL:        threadDeepLink("thread-1"),
		},
	}
	a := newGmailAdapter(t, srv.URL, feeds, items)

	if _, err := a.PollOne(context.Background(), "tok", mailboxSub()); err != nil {
		t.Fatalf("PollOne: %v", err)
	}
	if got := items.upgraded["item-1"]; got != "https://stratechery.substack.com/p/weekly-issue-42" {
		t.Errorf("upgraded URL = %q", got)
	}
}

func TestThreadDeepLink(t *testing.T) {
	link := threadDeepLink("thread-1")
	if link != "https://mail.google.com/mail/u/0/#all/thread-1" {
		t.Errorf("threadDeepLink = %q", link)
	}
	if !isThreadDeepLink(link) {
		t.Error("isThreadDeepLink(own link) = false")
	}
	if isThreadDeepLink("https://stratechery.substack.com/p/x") {
		t.Error("content link misdetected as thread link")
	}
}

func TestWalkParts(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	p := &messagePayload{
		MimeType: "multipart/alternative",
		Parts: []messagePayload{
			{MimeType: "text/plain", Body: struct {
				Data string `json:"data"`
			}{Data: enc("plain text")}},
			{MimeType: "text/html; charset=utf-8", Body: struct {
				Data string `json:"data"`
			}{Data: enc("<p>html</p>")}},
		},
	}
	htmlBody, textBody := walkParts(p)
	if htmlBody != "<p>html</p>" || textBody != "plain text" {
		t.Errorf("walkParts = (%q, %q)", htmlBody, textBody)
	}
}

func TestParseInternalDate(t *testing.T) {
	got := parseInternalDate(strconv.FormatInt(msgDate.UnixMilli(), 10))
	if !got.Equal(msgDate) {
		t.Errorf("parseInternalDate = %v, want %v", got, msgDate)
	}
	if !parseInternalDate("not-a-number").IsZero() {
		t.Error("garbage input should yield the zero time")
	}
}

func TestTransform(t *testing.T) {
	a := &Adapter{}
	m := Message{
		ID:          "msg-1",
		ThreadID:    "thread-1",
		Subject:     "Weekly Issue #42",
		Snippet:     "This week...",
		IssueURL:    "https://stratechery.substack.com/p/weekly-issue-42",
		FeedKey:     "listid:stratechery.substack.com",
		FeedName:    "Stratechery",
		SenderAddr:  "ben@stratechery.substack.com",
		PublishedAt: msgDate,
	}

	d, err := a.Transform(m)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if d.ContentType != domain.ContentNewsletter || d.Provider != domain.ProviderGmail {
		t.Errorf("type/provider = %s/%s", d.ContentType, d.Provider)
	}
	if d.CreatorProviderID != m.FeedKey || d.CreatorName != "Stratechery" {
		t.Errorf("creator = %s / %s", d.CreatorProviderID, d.CreatorName)
	}
	if !strings.Contains(string(d.RawMetadata), `"feed_key"`) {
		t.Error("raw metadata missing feed key")
	}
}

// historyFixture builds a history response with one record per entry, where
// each entry carries the given number of messages.
func historyFixture(t *testing.T, historyID, pageToken string, records map[string]int) *historyResponse {
	t.Helper()
	var recs []string
	for _, recID := range sortedKeys(records) {
		var msgs []string
		for i := 0; i < records[recID]; i++ {
			msgs = append(msgs, `{"message":{"id":"`+recID+`-msg-`+strconv.Itoa(i)+`"}}`)
		}
		recs = append(recs, `{"id":"`+recID+`","messagesAdded":[`+strings.Join(msgs, ",")+`]}`)
	}
	doc := `{"history":[` + strings.Join(recs, ",") + `],"historyId":"` + historyID + `"`
	if pageToken != "" {
		doc += `,"nextPageToken":"` + pageToken + `"`
	}
	doc += `}`

	var hr historyResponse
	if err := json.Unmarshal([]byte(doc), &hr); err != nil {
		t.Fatalf("parse history fixture: %v", err)
	}
	return &hr
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestCapHistory_ConsumedSyncAdvancesToHistoryID(t *testing.T) {
	hr := historyFixture(t, "90005", "", map[string]int{"1001": 2, "1002": 3})

	ids, cursor := capHistory(hr)
	if len(ids) != 5 {
		t.Fatalf("ids = %d, want 5", len(ids))
	}
	if cursor != "90005" {
		t.Errorf("cursor = %q, want the response historyId", cursor)
	}
}

// When a sync yields more messages than one poll may fetch, the excess must
// not be dropped: the cut happens at a record boundary and the cursor stops
// there, so the next sync picks up the remaining records.
func TestCapHistory_OverflowHoldsCursorAtBoundary(t *testing.T) {
	hr := historyFixture(t, "90005", "", map[string]int{"1001": 30, "1002": 30})

	ids, cursor := capHistory(hr)
	if len(ids) != 30 {
		t.Fatalf("ids = %d, want only the first record's 30", len(ids))
	}
	for _, id := range ids {
		if !strings.HasPrefix(id, "1001-") {
			t.Fatalf("id %q is not from the first record", id)
		}
	}
	if cursor != "1001" {
		t.Errorf("cursor = %q, want the last included record", cursor)
	}
}

// An oversized first record is taken whole: cutting inside it would make no
// progress at all.
func TestCapHistory_OversizedFirstRecord(t *testing.T) {
	hr := historyFixture(t, "90005", "", map[string]int{"1001": 60})

	ids, cursor := capHistory(hr)
	if len(ids) != 60 {
		t.Fatalf("ids = %d, want the whole record", len(ids))
	}
	if cursor != "90005" {
		t.Errorf("cursor = %q, want the response historyId", cursor)
	}
}

// A paginated response means unread records exist beyond this page; the
// cursor must not jump past them.
func TestCapHistory_PaginationHoldsCursor(t *testing.T) {
	hr := historyFixture(t, "90005", "next-page", map[string]int{"1001": 2})

	ids, cursor := capHistory(hr)
	if len(ids) != 2 {
		t.Fatalf("ids = %d, want 2", len(ids))
	}
	if cursor != "1001" {
		t.Errorf("cursor = %q, want the last included record", cursor)
	}
}

func TestCapHistory_DeduplicatesAcrossRecords(t *testing.T) {
	doc := `{"history":[
		{"id":"1001","messagesAdded":[{"message":{"id":"msg-a"}}]},
		{"id":"1002","messagesAdded":[{"message":{"id":"msg-a"}},{"message":{"id":"msg-b"}}]}
	],"historyId":"90005"}`
	var hr historyResponse
	if err := json.Unmarshal([]byte(doc), &hr); err != nil {
		t.Fatalf("parse history fixture: %v", err)
	}

	ids, cursor := capHistory(&hr)
	if len(ids) != 2 || ids[0] != "msg-a" || ids[1] != "msg-b" {
		t.Fatalf("ids = %v, want [msg-a msg-b]", ids)
	}
	if cursor != "90005" {
		t.Errorf("cursor = %q", cursor)
	}
}
