// Package app wires the service's components. Both binaries (the HTTP server
// and the cron worker) share this bootstrap so the scheduler behaves
// identically no matter which process runs it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/relayhq/inbox-ingest/internal/admin"
	"github.com/relayhq/inbox-ingest/internal/archive"
	"github.com/relayhq/inbox-ingest/internal/config"
	"github.com/relayhq/inbox-ingest/internal/ingest"
	"github.com/relayhq/inbox-ingest/internal/pkg/distlock"
	"github.com/relayhq/inbox-ingest/internal/pkg/logger"
	"github.com/relayhq/inbox-ingest/internal/provider"
	"github.com/relayhq/inbox-ingest/internal/provider/gmail"
	"github.com/relayhq/inbox-ingest/internal/provider/spotify"
	"github.com/relayhq/inbox-ingest/internal/provider/webfeed"
	"github.com/relayhq/inbox-ingest/internal/provider/youtube"
	"github.com/relayhq/inbox-ingest/internal/quota"
	"github.com/relayhq/inbox-ingest/internal/ratelimit"
	"github.com/relayhq/inbox-ingest/internal/repository/postgres"
	"github.com/relayhq/inbox-ingest/internal/scheduler"
	"github.com/relayhq/inbox-ingest/internal/secrets"
	"github.com/relayhq/inbox-ingest/internal/token"
)

// providerTimezone is the timezone the primary provider's quota day rolls in.
const providerTimezone = "America/Los_Angeles"

// App holds the wired components.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     *redis.Client
	Store     *postgres.Store
	Scheduler *scheduler.Scheduler
	Tools     *admin.Tools
	Quota     map[string]*quota.Tracker
}

// Build wires every component from the configuration.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	redisClient, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}

	box, err := secrets.NewBox(cfg.EncryptionKey)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, fmt.Errorf("token encryption: %w", err)
	}

	store := postgres.NewStore(db)
	locker := distlock.NewLocker(redisClient, db)
	limiter := ratelimit.NewLimiter(redisClient)
	tokens := token.NewManager(store.Connections, box, locker, cfg.Providers)

	trackers := make(map[string]*quota.Tracker)
	var ytQuota *quota.Tracker
	if cfg.Providers.YouTube.DailyQuota > 0 {
		ytQuota = quota.NewTracker(redisClient, "youtube", cfg.Providers.YouTube.DailyQuota, providerTimezone)
		trackers["youtube"] = ytQuota
	}

	registry := provider.NewRegistry(
		youtube.New(cfg.Providers.YouTube.APIBaseURL, limiter, ytQuota),
		spotify.New(cfg.Providers.Spotify.APIBaseURL, limiter, redisClient),
		gmail.New(cfg.Providers.Gmail.APIBaseURL, limiter, store.Newsletters, store.Items),
		webfeed.New(limiter, redisClient, cfg.Providers.WebFeed),
	)

	pipeline := ingest.NewPipeline(store.Items, store.Creators)

	var archiver scheduler.Archiver
	if s3arch, err := archive.New(ctx, cfg.Archive); err != nil {
		logger.Warn("payload archive disabled", "error", err.Error())
	} else if s3arch != nil {
		archiver = s3arch
	}

	sched := scheduler.New(store, locker, registry, tokens, limiter, pipeline, archiver,
		cfg.Polling, cfg.Providers.WebFeed)

	return &App{
		Config:    cfg,
		DB:        db,
		Redis:     redisClient,
		Store:     store,
		Scheduler: sched,
		Tools:     admin.NewTools(store),
		Quota:     trackers,
	}, nil
}

// Close releases the shared clients.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
