package admin

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/ingest"
	"github.com/relayhq/inbox-ingest/internal/repository/postgres"
)

func newTestTools(t *testing.T) (*Tools, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewTools(postgres.NewStore(db)), mock
}

func TestWatermarkRepair_DryRunReportsOnly(t *testing.T) {
	tools, mock := newTestTools(t)

	// Watermark 2024-01-06 against a newest item of 2023-12-19: flagged.
	current := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2023, 12, 19, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`s\.provider IN \('youtube', 'spotify'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_published_at", "newest_item_at"}).
			AddRow("sub-1", current, newest))
	mock.ExpectQuery(`s\.provider IN \('gmail', 'webfeed'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_published_at", "newest_item_at"}))

	report, err := tools.WatermarkRepair(context.Background(), true)
	if err != nil {
		t.Fatalf("WatermarkRepair: %v", err)
	}
	if !report.DryRun || report.Repaired != 0 {
		t.Errorf("report = %+v, want dry run with nothing repaired", report)
	}
	if len(report.Candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(report.Candidates))
	}
	c := report.Candidates[0]
	if c.SubscriptionID != "sub-1" || !c.Current.Equal(current) {
		t.Errorf("candidate = %+v", c)
	}
	if c.NewestItemAt == nil || !c.NewestItemAt.Equal(newest) {
		t.Errorf("NewestItemAt = %v, want %v", c.NewestItemAt, newest)
	}
	// Dry run issues no updates.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected DB traffic: %v", err)
	}
}

func TestWatermarkRepair_ApplyResetsWatermark(t *testing.T) {
	tools, mock := newTestTools(t)

	current := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2023, 12, 19, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`s\.provider IN \('youtube', 'spotify'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_published_at", "newest_item_at"}).
			AddRow("sub-1", current, newest).
			AddRow("sub-2", current, nil))
	mock.ExpectQuery(`s\.provider IN \('gmail', 'webfeed'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_published_at", "newest_item_at"}))

	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs("sub-1", newest).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// No items at all: the watermark is cleared outright.
	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs("sub-2", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := tools.WatermarkRepair(context.Background(), false)
	if err != nil {
		t.Fatalf("WatermarkRepair: %v", err)
	}
	if report.Repaired != 2 {
		t.Errorf("repaired = %d, want 2", report.Repaired)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("DB expectations: %v", err)
	}
}

func TestWatermarkRepair_NoCandidates(t *testing.T) {
	tools, mock := newTestTools(t)

	mock.ExpectQuery(`s\.provider IN \('youtube', 'spotify'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_published_at", "newest_item_at"}))
	mock.ExpectQuery(`s\.provider IN \('gmail', 'webfeed'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_published_at", "newest_item_at"}))

	report, err := tools.WatermarkRepair(context.Background(), false)
	if err != nil {
		t.Fatalf("WatermarkRepair: %v", err)
	}
	if len(report.Candidates) != 0 || report.Repaired != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}

// Gmail and web-feed creators are not keyed by the subscription channel ID,
// so their candidates must come from the user_items association, never from
// the creator join — that join sees no items for them and would flag every
// healthy feed subscription.
func TestWatermarkRepair_FeedItemsAssociateThroughInbox(t *testing.T) {
	tools, mock := newTestTools(t)

	current := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2023, 12, 19, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`c\.provider_creator_id = s\.provider_channel_id[\s\S]*s\.provider IN \('youtube', 'spotify'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_published_at", "newest_item_at"}))
	mock.ExpectQuery(`ui\.user_id = s\.user_id[\s\S]*s\.provider IN \('gmail', 'webfeed'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_published_at", "newest_item_at"}).
			AddRow("sub-feed", current, newest))

	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs("sub-feed", newest).
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := tools.WatermarkRepair(context.Background(), false)
	if err != nil {
		t.Fatalf("WatermarkRepair: %v", err)
	}
	if report.Repaired != 1 {
		t.Errorf("repaired = %d, want 1", report.Repaired)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("DB expectations: %v", err)
	}
}

func TestCreatorBackfill_DryRunCounts(t *testing.T) {
	tools, mock := newTestTools(t)

	mock.ExpectQuery(`WHERE creator_id IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "raw_metadata"}).
			AddRow("item-1", "youtube", []byte(`{"channel_id":"UCabc","channel_title":"Test Channel"}`)).
			AddRow("item-2", "webfeed", []byte(`{"feed_title":"Example Blog"}`)).
			AddRow("item-3", "youtube", []byte(`{"title":"no channel info"}`)))

	report, err := tools.CreatorBackfill(context.Background(), true)
	if err != nil {
		t.Fatalf("CreatorBackfill: %v", err)
	}
	if report.Scanned != 3 || report.Resolved != 2 || report.Skipped != 1 {
		t.Errorf("report = %+v, want scanned 3 / resolved 2 / skipped 1", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected DB traffic: %v", err)
	}
}

func TestCreatorBackfill_ApplyUpsertsAndSets(t *testing.T) {
	tools, mock := newTestTools(t)

	mock.ExpectQuery(`WHERE creator_id IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "raw_metadata"}).
			AddRow("item-1", "webfeed", []byte(`{"feed_title":"Example Blog"}`)))

	syntheticID := ingest.SyntheticCreatorID(domain.ProviderWebFeed, "example blog")
	mock.ExpectQuery(`INSERT INTO creators`).
		WithArgs(sqlmock.AnyArg(), "webfeed", syntheticID, "Example Blog", "example blog",
			nil, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("creator-1"))
	mock.ExpectExec(`UPDATE items`).
		WithArgs("item-1", "creator-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := tools.CreatorBackfill(context.Background(), false)
	if err != nil {
		t.Fatalf("CreatorBackfill: %v", err)
	}
	if report.Resolved != 1 {
		t.Errorf("resolved = %d, want 1", report.Resolved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("DB expectations: %v", err)
	}
}

func TestExtractCreator(t *testing.T) {
	tests := []struct {
		name     string
		provider domain.Provider
		raw      string
		wantID   string
		wantName string
		wantOK   bool
	}{
		{"youtube", domain.ProviderYouTube,
			`{"channel_id":"UCabc","channel_title":"Channel"}`, "UCabc", "Channel", true},
		{"spotify", domain.ProviderSpotify,
			`{"show_id":"show-1","show_name":"Show"}`, "show-1", "Show", true},
		{"gmail", domain.ProviderGmail,
			`{"feed_key":"listid:x.com","feed_name":"Letter"}`, "listid:x.com", "Letter", true},
		{"webfeed synthesizes later", domain.ProviderWebFeed,
			`{"feed_title":"Blog"}`, "", "Blog", true},
		{"missing name", domain.ProviderYouTube, `{"channel_id":"UCabc"}`, "", "", false},
		{"malformed json", domain.ProviderSpotify, `{`, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractCreator(tt.provider, []byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && (got.providerCreatorID != tt.wantID || got.name != tt.wantName) {
				t.Errorf("identity = %+v, want %s/%s", got, tt.wantID, tt.wantName)
			}
		})
	}
}
