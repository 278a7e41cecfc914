package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PollLogRepo records one row per poll cycle for operational visibility.
type PollLogRepo struct{ db *sql.DB }

// NewPollLogRepo creates a Postgres-backed poll log repository.
func NewPollLogRepo(db *sql.DB) *PollLogRepo { return &PollLogRepo{db: db} }

// PollLogEntry is the persisted summary of one cycle.
type PollLogEntry struct {
	Processed  int
	NewItems   int
	Skipped    int
	DurationMs int64
	ByProvider map[string]int
	StartedAt  time.Time
}

// Insert writes the cycle summary. Logging failures must never fail a cycle,
// so callers ignore the returned error after logging it.
func (r *PollLogRepo) Insert(ctx context.Context, e PollLogEntry) error {
	byProvider, err := json.Marshal(e.ByProvider)
	if err != nil {
		byProvider = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO poll_logs
			(id, processed, new_items, skipped, duration_ms, by_provider, started_at, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, uuid.New().String(), e.Processed, e.NewItems, e.Skipped, e.DurationMs, byProvider, e.StartedAt)
	if err != nil {
		return fmt.Errorf("insert poll log: %w", err)
	}
	return nil
}
