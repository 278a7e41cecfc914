// Package quota enforces a provider's daily API call budget. Usage is
// accumulated in Redis under a per-day key in the provider's declared
// timezone, with warning and critical gates that let the scheduler degrade
// gracefully instead of blowing through the cap.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrExhausted is returned when a call would push same-day usage over the cap.
var ErrExhausted = errors.New("quota: daily quota exhausted")

const (
	warningThreshold  = 0.80
	criticalThreshold = 0.95
	// At critical, anything costing more than this many units is refused.
	criticalMaxUnits = 2
	stateTTL         = 48 * time.Hour // covers timezone edge cases around rollover
)

// state is the JSON value stored in Redis.
type state struct {
	Used        int       `json:"used"`
	Date        string    `json:"date"`
	LastUpdated time.Time `json:"last_updated"`
}

// Status reports current usage against the cap.
type Status struct {
	Used        int     `json:"used"`
	Remaining   int     `json:"remaining"`
	PercentUsed float64 `json:"percent_used"`
	IsWarning   bool    `json:"is_warning"`
	IsCritical  bool    `json:"is_critical"`
	Date        string  `json:"date"`
}

// Tracker tracks one provider's daily usage.
type Tracker struct {
	redis    *redis.Client
	provider string
	cap      int
	loc      *time.Location
	now      func() time.Time
}

// NewTracker creates a quota tracker for provider with the given daily cap.
// tz is the provider's documented reset timezone ("America/Los_Angeles" for
// the primary video integration); invalid or empty tz falls back to UTC.
func NewTracker(redisClient *redis.Client, provider string, dailyCap int, tz string) *Tracker {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	return &Tracker{
		redis:    redisClient,
		provider: provider,
		cap:      dailyCap,
		loc:      loc,
		now:      time.Now,
	}
}

func (t *Tracker) key(date string) string {
	return fmt.Sprintf("quota:%s:%s", t.provider, date)
}

func (t *Tracker) today() string {
	return t.now().In(t.loc).Format("2006-01-02")
}

func (t *Tracker) load(ctx context.Context) (state, error) {
	date := t.today()
	raw, err := t.redis.Get(ctx, t.key(date)).Result()
	if err == redis.Nil {
		return state{Date: date}, nil
	}
	if err != nil {
		return state{}, fmt.Errorf("read quota state: %w", err)
	}
	var s state
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return state{Date: date}, nil
	}
	// Reconcile a stale key whose date field predates today (TTL outlives
	// the calendar day on purpose).
	if s.Date != date {
		return state{Date: date}, nil
	}
	return s, nil
}

func (t *Tracker) store(ctx context.Context, s state) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := t.redis.Set(ctx, t.key(s.Date), raw, stateTTL).Err(); err != nil {
		return fmt.Errorf("write quota state: %w", err)
	}
	return nil
}

func (t *Tracker) status(s state) Status {
	remaining := t.cap - s.Used
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if t.cap > 0 {
		pct = float64(s.Used) / float64(t.cap)
	}
	return Status{
		Used:        s.Used,
		Remaining:   remaining,
		PercentUsed: pct * 100,
		IsWarning:   pct >= warningThreshold,
		IsCritical:  pct >= criticalThreshold,
		Date:        s.Date,
	}
}

// GetStatus returns today's usage without mutating state. On date rollover it
// reports an empty status for the new day.
func (t *Tracker) GetStatus(ctx context.Context) (Status, error) {
	s, err := t.load(ctx)
	if err != nil {
		return Status{}, err
	}
	return t.status(s), nil
}

// Track records units of consumption and returns the new status. The date is
// rolled if needed, so a key written yesterday never inflates today's usage.
func (t *Tracker) Track(ctx context.Context, units int) (Status, error) {
	s, err := t.load(ctx)
	if err != nil {
		return Status{}, err
	}
	s.Used += units
	s.LastUpdated = t.now()
	if err := t.store(ctx, s); err != nil {
		return Status{}, err
	}
	return t.status(s), nil
}

// CanUse reports whether a call costing units may be issued now. It denies
// when the call would exceed the cap, and at the critical threshold it denies
// any call costing more than 2 units.
func (t *Tracker) CanUse(ctx context.Context, units int) (bool, string, error) {
	s, err := t.load(ctx)
	if err != nil {
		return false, "", err
	}
	if s.Used+units > t.cap {
		return false, "daily cap", nil
	}
	if st := t.status(s); st.IsCritical && units > criticalMaxUnits {
		return false, "critical threshold", nil
	}
	return true, "", nil
}

// WithTracking asserts the budget, runs fn, then records the units. If the
// pre-check fails it returns ErrExhausted without calling fn. Units are
// tracked even when fn errors: the provider charged us for the attempt.
// A nil tracker applies no budget.
func (t *Tracker) WithTracking(ctx context.Context, units int, fn func(ctx context.Context) error) error {
	if t == nil {
		return fn(ctx)
	}
	ok, reason, err := t.CanUse(ctx, units)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w (%s, provider %s)", ErrExhausted, reason, t.provider)
	}
	fnErr := fn(ctx)
	if _, err := t.Track(ctx, units); err != nil {
		// Tracking failure must not mask fn's outcome.
		if fnErr == nil {
			return err
		}
	}
	return fnErr
}

// CalculateSafeBatchSize returns how many operations of unitCost can be
// issued this cycle without crossing the warning threshold, capped at max.
// Lets the scheduler plan a batch instead of discovering exhaustion halfway.
func (t *Tracker) CalculateSafeBatchSize(ctx context.Context, unitCost, max int) (int, error) {
	if unitCost <= 0 {
		unitCost = 1
	}
	s, err := t.load(ctx)
	if err != nil {
		return 0, err
	}
	budget := int(float64(t.cap)*warningThreshold) - s.Used
	if budget <= 0 {
		return 0, nil
	}
	n := budget / unitCost
	if n > max {
		n = max
	}
	return n, nil
}
