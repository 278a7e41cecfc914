package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/relayhq/inbox-ingest/internal/app"
	"github.com/relayhq/inbox-ingest/internal/config"
)

func main() {
	log.Println("Starting inbox-ingest poll worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	defer a.Close()
	log.Println("Connected to database and redis")

	c := cron.New()
	_, err = c.AddFunc(cfg.Polling.CronSchedule, func() {
		res, err := a.Scheduler.PollCycle(ctx)
		if err != nil {
			log.Printf("[Worker] Poll cycle failed: %v", err)
			return
		}
		if res.Skipped {
			log.Printf("[Worker] Poll cycle skipped: %s", res.Reason)
			return
		}
		log.Printf("[Worker] Poll cycle done: processed=%d new=%d skipped=%d duration=%dms",
			res.Processed, res.NewItems, res.SkippedSubs, res.DurationMs)
	})
	if err != nil {
		log.Fatalf("Invalid cron schedule %q: %v", cfg.Polling.CronSchedule, err)
	}

	c.Start()
	log.Printf("[Worker] Scheduled poll cycle: %s", cfg.Polling.CronSchedule)

	<-ctx.Done()
	log.Println("Shutting down...")
	<-c.Stop().Done()
	log.Println("Worker stopped")
}
