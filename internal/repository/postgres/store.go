// Package postgres implements the relational store for subscriptions,
// connections, items, creators, and newsletter feeds.
//
// Writes deliberately avoid multi-row transactions: inserts are
// `ON CONFLICT DO NOTHING` and updates are narrow `WHERE id = $1` statements,
// so concurrent poll cycles converge on the same state instead of deadlocking.
package postgres

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("postgres: not found")

// Store bundles the per-entity repositories over one connection pool.
type Store struct {
	Subscriptions *SubscriptionRepo
	Connections   *ConnectionRepo
	Items         *ItemRepo
	Creators      *CreatorRepo
	Newsletters   *NewsletterRepo
	PollLogs      *PollLogRepo

	db *sql.DB
}

// NewStore creates a Store over the given pool.
func NewStore(db *sql.DB) *Store {
	return &Store{
		Subscriptions: NewSubscriptionRepo(db),
		Connections:   NewConnectionRepo(db),
		Items:         NewItemRepo(db),
		Creators:      NewCreatorRepo(db),
		Newsletters:   NewNewsletterRepo(db),
		PollLogs:      NewPollLogRepo(db),
		db:            db,
	}
}

// DB exposes the underlying pool for admin queries that span entities.
func (s *Store) DB() *sql.DB { return s.db }
