// Package scheduler drives the poll cycle: select due subscriptions, group
// them by (provider, user), run the provider adapters under the cron lock
// with bounded per-user parallelism, feed new items through ingestion, and
// advance watermarks.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relayhq/inbox-ingest/internal/config"
	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/ingest"
	"github.com/relayhq/inbox-ingest/internal/pkg/distlock"
	"github.com/relayhq/inbox-ingest/internal/pkg/logger"
	"github.com/relayhq/inbox-ingest/internal/provider"
	"github.com/relayhq/inbox-ingest/internal/quota"
	"github.com/relayhq/inbox-ingest/internal/ratelimit"
	"github.com/relayhq/inbox-ingest/internal/repository/postgres"
	"github.com/relayhq/inbox-ingest/internal/token"
)

// CronLockKey guards the poll cycle across all workers.
const CronLockKey = "cron:poll-subscriptions"

// CycleResult is what PollCycle returns: either a skip (another worker holds
// the lock) or the cycle's aggregated metrics.
type CycleResult struct {
	Skipped     bool           `json:"skipped"`
	Reason      string         `json:"reason,omitempty"`
	Processed   int            `json:"processed"`
	NewItems    int            `json:"new_items"`
	SkippedSubs int            `json:"skipped_subscriptions"`
	DurationMs  int64          `json:"duration_ms"`
	ByProvider  map[string]int `json:"by_provider"`
}

// tokenSource yields valid access tokens for connections.
type tokenSource interface {
	GetValidAccessToken(ctx context.Context, conn *domain.ProviderConnection) (string, error)
}

// ingester materializes one raw payload for one user.
type ingester interface {
	Ingest(ctx context.Context, userID string, sub *domain.Subscription, raw interface{}, transform ingest.Transform) (*ingest.Result, error)
}

// Archiver snapshots raw provider payloads to cold storage. Optional;
// failures are logged, never surfaced.
type Archiver interface {
	Archive(ctx context.Context, p domain.Provider, itemID string, payload interface{})
}

// Scheduler owns the poll cycle.
type Scheduler struct {
	store    *postgres.Store
	locker   *distlock.Locker
	registry *provider.Registry
	tokens   tokenSource
	limiter  *ratelimit.Limiter
	pipeline ingester
	archiver Archiver
	cfg      config.PollingConfig
	webfeed  config.WebFeedConfig
	now      func() time.Time
}

// New creates a Scheduler. archiver may be nil.
func New(
	store *postgres.Store,
	locker *distlock.Locker,
	registry *provider.Registry,
	tokens tokenSource,
	limiter *ratelimit.Limiter,
	pipeline ingester,
	archiver Archiver,
	cfg config.PollingConfig,
	webfeed config.WebFeedConfig,
) *Scheduler {
	return &Scheduler{
		store:    store,
		locker:   locker,
		registry: registry,
		tokens:   tokens,
		limiter:  limiter,
		pipeline: pipeline,
		archiver: archiver,
		cfg:      cfg,
		webfeed:  webfeed,
		now:      time.Now,
	}
}

// metrics aggregates cycle counters across goroutines.
type metrics struct {
	mu         sync.Mutex
	processed  int
	newItems   int
	skipped    int
	byProvider map[string]int
}

func (m *metrics) add(provider string, processed, newItems, skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed += processed
	m.newItems += newItems
	m.skipped += skipped
	m.byProvider[provider] += processed
}

// PollCycle runs one cycle under the cron lock. Another worker holding the
// lock is not an error: the cycle reports itself skipped.
func (s *Scheduler) PollCycle(ctx context.Context) (*CycleResult, error) {
	start := s.now()
	m := &metrics{byProvider: make(map[string]int)}

	lockTTL := time.Duration(s.cfg.CronLockTTLSeconds) * time.Second
	err := s.locker.WithLock(ctx, CronLockKey, lockTTL, func(ctx context.Context) error {
		return s.runCycle(ctx, start, m)
	})
	if errors.Is(err, distlock.ErrLockUnavailable) {
		logger.Info("poll cycle skipped", "reason", "lock_held")
		return &CycleResult{Skipped: true, Reason: "lock_held"}, nil
	}
	if err != nil {
		return nil, err
	}

	res := &CycleResult{
		Processed:   m.processed,
		NewItems:    m.newItems,
		SkippedSubs: m.skipped,
		DurationMs:  s.now().Sub(start).Milliseconds(),
		ByProvider:  m.byProvider,
	}
	logger.Info("poll cycle complete",
		"processed", strconv.Itoa(res.Processed),
		"new_items", strconv.Itoa(res.NewItems),
		"skipped", strconv.Itoa(res.SkippedSubs),
		"duration_ms", strconv.FormatInt(res.DurationMs, 10))

	if err := s.store.PollLogs.Insert(ctx, postgres.PollLogEntry{
		Processed:  res.Processed,
		NewItems:   res.NewItems,
		Skipped:    res.SkippedSubs,
		DurationMs: res.DurationMs,
		ByProvider: res.ByProvider,
		StartedAt:  start,
	}); err != nil {
		logger.Warn("poll log insert failed", "error", err.Error())
	}
	return res, nil
}

func (s *Scheduler) runCycle(ctx context.Context, start time.Time, m *metrics) error {
	subs, err := s.store.Subscriptions.SelectDue(ctx, start, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	byProvider := make(map[domain.Provider][]*domain.Subscription)
	for _, sub := range subs {
		if !sub.Provider.Valid() {
			logger.Warn("skipping subscription with unknown provider",
				"subscription_id", sub.ID, "provider", string(sub.Provider))
			m.add(string(sub.Provider), 0, 0, 1)
			continue
		}
		byProvider[sub.Provider] = append(byProvider[sub.Provider], sub)
	}

	g, gctx := errgroup.WithContext(ctx)
	for p, providerSubs := range byProvider {
		adapter, ok := s.registry.Get(p)
		if !ok {
			m.add(string(p), 0, 0, len(providerSubs))
			continue
		}
		providerSubs := providerSubs
		g.Go(func() error {
			s.runProviderBatch(gctx, adapter, providerSubs, start, m)
			return nil
		})
	}
	return g.Wait()
}

// runProviderBatch groups one provider's due subscriptions by user and
// processes users with bounded parallelism. Per-user failures never abort the
// batch.
func (s *Scheduler) runProviderBatch(ctx context.Context, adapter provider.Adapter, subs []*domain.Subscription, start time.Time, m *metrics) {
	byUser := make(map[string][]*domain.Subscription)
	for _, sub := range subs {
		byUser[sub.UserID] = append(byUser[sub.UserID], sub)
	}

	g := &errgroup.Group{}
	g.SetLimit(s.cfg.UserConcurrency)
	for userID, userSubs := range byUser {
		userID, userSubs := userID, userSubs
		g.Go(func() error {
			s.processUser(ctx, adapter, userID, userSubs, start, m)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) processUser(ctx context.Context, adapter provider.Adapter, userID string, subs []*domain.Subscription, start time.Time, m *metrics) {
	p := adapter.Provider()

	if limited, wait := s.limiter.IsLimited(ctx, string(p), userID); limited {
		logger.Info("user rate limited, skipping",
			"provider", string(p), "user_id", userID, "wait", wait.String())
		m.add(string(p), 0, 0, len(subs))
		return
	}

	accessToken := ""
	if adapter.RequiresAuth() {
		conn, err := s.store.Connections.GetActive(ctx, userID, p)
		if errors.Is(err, postgres.ErrNotFound) {
			logger.Warn("no active connection, disconnecting subscriptions",
				"provider", string(p), "user_id", userID)
			if derr := s.store.Subscriptions.DisconnectForUser(ctx, userID, p); derr != nil {
				logger.Error("disconnect subscriptions failed", "error", derr.Error())
			}
			m.add(string(p), 0, 0, len(subs))
			return
		}
		if err != nil {
			logger.Error("load connection failed", "user_id", userID, "error", err.Error())
			m.add(string(p), 0, 0, len(subs))
			return
		}

		accessToken, err = s.tokens.GetValidAccessToken(ctx, conn)
		if errors.Is(err, token.ErrRefreshFailedPermanent) {
			// The manager already marked the connection EXPIRED.
			if derr := s.store.Subscriptions.DisconnectForUser(ctx, userID, p); derr != nil {
				logger.Error("disconnect subscriptions failed", "error", derr.Error())
			}
			m.add(string(p), 0, 0, len(subs))
			return
		}
		if err != nil {
			// Transient auth failure: record it and retry next cycle.
			for _, sub := range subs {
				s.recordError(ctx, sub, start, err)
			}
			m.add(string(p), len(subs), 0, 0)
			return
		}
	}

	results := s.pollSubscriptions(ctx, adapter, accessToken, subs)

	for _, sub := range subs {
		outcome, ok := results[sub.ID]
		if !ok {
			continue // rate limited mid-batch; nothing advances
		}
		if outcome.err != nil {
			s.recordError(ctx, sub, start, outcome.err)
			m.add(string(p), 1, 0, 0)
			continue
		}
		created := s.ingestResult(ctx, adapter, userID, sub, outcome.res)
		if err := s.store.Subscriptions.MarkPolled(ctx, sub.ID, start, outcome.res.NewestPublishedAt); err != nil {
			logger.Error("mark polled failed", "subscription_id", sub.ID, "error", err.Error())
		}
		if outcome.res.TotalItems != nil {
			if err := s.store.Subscriptions.UpdateTotalItems(ctx, sub.ID, *outcome.res.TotalItems); err != nil {
				logger.Error("update total items failed", "subscription_id", sub.ID, "error", err.Error())
			}
		}
		m.add(string(p), 1, created, 0)
	}
}

// pollOutcome pairs one subscription's result with its error.
type pollOutcome struct {
	res *provider.PollResult
	err error
}

// pollSubscriptions runs the adapter, preferring the batch capability when a
// user has two or more due subscriptions. A subscription absent from the
// returned map was rate limited: its state must not advance.
func (s *Scheduler) pollSubscriptions(ctx context.Context, adapter provider.Adapter, accessToken string, subs []*domain.Subscription) map[string]pollOutcome {
	out := make(map[string]pollOutcome, len(subs))

	if bp, ok := adapter.(provider.BatchPoller); ok && len(subs) >= 2 {
		results, err := bp.PollBatch(ctx, accessToken, subs)
		if err == nil {
			for _, sub := range subs {
				if res, ok := results[sub.ID]; ok {
					out[sub.ID] = pollOutcome{res: res}
				} else {
					s.pollOne(ctx, adapter, accessToken, sub, out)
				}
			}
			return out
		}
		if ratelimit.IsRateLimited(err) {
			return out
		}
		logger.Warn("batch poll failed, falling back to per-subscription polling",
			"provider", string(adapter.Provider()), "error", err.Error())
	}

	for _, sub := range subs {
		if _, done := out[sub.ID]; done {
			continue
		}
		s.pollOne(ctx, adapter, accessToken, sub, out)
	}
	return out
}

func (s *Scheduler) pollOne(ctx context.Context, adapter provider.Adapter, accessToken string, sub *domain.Subscription, out map[string]pollOutcome) {
	res, err := adapter.PollOne(ctx, accessToken, sub)
	if err != nil {
		if ratelimit.IsRateLimited(err) {
			return
		}
		out[sub.ID] = pollOutcome{err: err}
		return
	}
	out[sub.ID] = pollOutcome{res: res}
}

// ingestResult feeds the poll result's raw items through the pipeline,
// trimming a first poll to the single newest item. Returns the number of
// newly created items.
func (s *Scheduler) ingestResult(ctx context.Context, adapter provider.Adapter, userID string, sub *domain.Subscription, res *provider.PollResult) int {
	raws := res.RawItems
	if sub.FirstPoll() && len(raws) > 1 {
		// Items arrive newest-first; a brand-new subscription gets only the
		// most recent one so history doesn't flood the inbox.
		raws = raws[:1]
		if draft, err := adapter.Transform(raws[0]); err == nil {
			t := draft.PublishedAt
			res.NewestPublishedAt = &t
		}
	}

	created := 0
	for _, raw := range raws {
		result, err := s.pipeline.Ingest(ctx, userID, sub, raw, adapter.Transform)
		if err != nil {
			logger.Warn("item ingestion failed",
				"subscription_id", sub.ID, "provider", string(sub.Provider), "error", err.Error())
			continue
		}
		if result.Created {
			created++
			if s.archiver != nil {
				s.archiver.Archive(ctx, sub.Provider, result.ItemID, raw)
			}
		}
	}
	return created
}

// recordError persists a per-subscription failure. Web feed errors go through
// the consecutive-failure counter with its ERROR-status threshold; other
// providers record the error and advance the poll timestamp.
func (s *Scheduler) recordError(ctx context.Context, sub *domain.Subscription, start time.Time, pollErr error) {
	msg := pollErr.Error()
	if errors.Is(pollErr, quota.ErrExhausted) {
		logger.Warn("quota exhausted during poll",
			"subscription_id", sub.ID, "provider", string(sub.Provider))
	}
	var err error
	if sub.Provider == domain.ProviderWebFeed {
		err = s.store.Subscriptions.RecordFeedError(ctx, sub.ID, start, msg, s.webfeed.ErrorThreshold)
	} else {
		err = s.store.Subscriptions.MarkPolledWithError(ctx, sub.ID, start, msg)
	}
	if err != nil {
		logger.Error("record poll error failed", "subscription_id", sub.ID, "error", err.Error())
	}
	logger.Warn("subscription poll failed",
		"subscription_id", sub.ID, "provider", string(sub.Provider), "error", msg)
}
