package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T, cap int) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tr := NewTracker(client, "youtube", cap, "America/Los_Angeles")
	tr.now = func() time.Time {
		return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	}
	return tr
}

func TestTracker_TrackAndStatus(t *testing.T) {
	tr := newTestTracker(t, 10000)
	ctx := context.Background()

	st, err := tr.Track(ctx, 100)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if st.Used != 100 || st.Remaining != 9900 {
		t.Errorf("status = used %d remaining %d, want 100/9900", st.Used, st.Remaining)
	}
	if st.IsWarning || st.IsCritical {
		t.Error("1% usage should not trip thresholds")
	}

	st, _ = tr.Track(ctx, 7900)
	if !st.IsWarning {
		t.Error("80% usage should be warning")
	}
	if st.IsCritical {
		t.Error("80% usage should not be critical")
	}

	st, _ = tr.Track(ctx, 1500)
	if !st.IsCritical {
		t.Error("95% usage should be critical")
	}
}

func TestTracker_CanUse(t *testing.T) {
	tr := newTestTracker(t, 100)
	ctx := context.Background()

	tests := []struct {
		name       string
		used       int
		units      int
		want       bool
		wantReason string
	}{
		{"plenty left", 10, 5, true, ""},
		{"fills to exactly the cap", 90, 5, true, ""},
		{"would exceed cap", 96, 5, false, "daily cap"},
		{"critical cheap call allowed", 96, 2, true, ""},
		{"critical expensive call denied", 96, 3, false, "critical threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tr.Track(ctx, tt.used-trackedUsed(ctx, t, tr)); err != nil {
				t.Fatalf("seed: %v", err)
			}
			got, reason, err := tr.CanUse(ctx, tt.units)
			if err != nil {
				t.Fatalf("CanUse: %v", err)
			}
			if got != tt.want || reason != tt.wantReason {
				t.Errorf("CanUse(%d) = (%v, %q), want (%v, %q)",
					tt.units, got, reason, tt.want, tt.wantReason)
			}
		})
	}
}

func trackedUsed(ctx context.Context, t *testing.T, tr *Tracker) int {
	t.Helper()
	st, err := tr.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	return st.Used
}

// CanUse(true) followed by Track must never leave usage above the cap.
func TestTracker_CanUseThenTrackStaysUnderCap(t *testing.T) {
	tr := newTestTracker(t, 50)
	ctx := context.Background()

	for {
		ok, _, err := tr.CanUse(ctx, 7)
		if err != nil {
			t.Fatalf("CanUse: %v", err)
		}
		if !ok {
			break
		}
		st, err := tr.Track(ctx, 7)
		if err != nil {
			t.Fatalf("Track: %v", err)
		}
		if st.Used > 50 {
			t.Fatalf("usage %d exceeded cap after an allowed call", st.Used)
		}
	}
}

func TestTracker_WithTracking(t *testing.T) {
	tr := newTestTracker(t, 10)
	ctx := context.Background()

	calls := 0
	if err := tr.WithTracking(ctx, 4, func(ctx context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("WithTracking: %v", err)
	}

	// fn errors still consume the units: the provider charged the attempt.
	fnErr := errors.New("upstream 500")
	if err := tr.WithTracking(ctx, 4, func(ctx context.Context) error {
		calls++
		return fnErr
	}); !errors.Is(err, fnErr) {
		t.Fatalf("error = %v, want fn error", err)
	}
	if used := trackedUsed(ctx, t, tr); used != 8 {
		t.Errorf("used = %d, want 8", used)
	}

	// Exhausted budget refuses without calling fn.
	err := tr.WithTracking(ctx, 4, func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if calls != 2 {
		t.Errorf("fn calls = %d, want 2", calls)
	}
}

func TestTracker_DateRollover(t *testing.T) {
	tr := newTestTracker(t, 100)
	ctx := context.Background()

	if _, err := tr.Track(ctx, 90); err != nil {
		t.Fatalf("Track: %v", err)
	}

	// Next Pacific day: yesterday's usage must not count.
	tr.now = func() time.Time {
		return time.Date(2024, 6, 16, 12, 0, 0, 0, time.UTC)
	}
	st, err := tr.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Used != 0 {
		t.Errorf("used after rollover = %d, want 0", st.Used)
	}
	if st.Date != "2024-06-16" {
		t.Errorf("date = %s, want 2024-06-16", st.Date)
	}
}

// The quota day rolls at Pacific midnight, not UTC midnight.
func TestTracker_PacificDayBoundary(t *testing.T) {
	tr := newTestTracker(t, 100)
	ctx := context.Background()

	// 06:00 UTC on June 16 is still 23:00 June 15 in Los Angeles.
	tr.now = func() time.Time {
		return time.Date(2024, 6, 16, 6, 0, 0, 0, time.UTC)
	}
	st, err := tr.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Date != "2024-06-15" {
		t.Errorf("date = %s, want 2024-06-15 (Pacific day)", st.Date)
	}
}

func TestTracker_CalculateSafeBatchSize(t *testing.T) {
	tr := newTestTracker(t, 1000)
	ctx := context.Background()

	// Warning threshold is 800; nothing used yet.
	n, err := tr.CalculateSafeBatchSize(ctx, 2, 50)
	if err != nil {
		t.Fatalf("CalculateSafeBatchSize: %v", err)
	}
	if n != 50 {
		t.Errorf("n = %d, want capped at 50", n)
	}

	if _, err := tr.Track(ctx, 780); err != nil {
		t.Fatalf("Track: %v", err)
	}
	n, _ = tr.CalculateSafeBatchSize(ctx, 2, 50)
	if n != 10 {
		t.Errorf("n = %d, want 10 (20 units of budget / 2)", n)
	}

	if _, err := tr.Track(ctx, 20); err != nil {
		t.Fatalf("Track: %v", err)
	}
	n, _ = tr.CalculateSafeBatchSize(ctx, 2, 50)
	if n != 0 {
		t.Errorf("n = %d, want 0 at warning threshold", n)
	}
}
