package domain

import "time"

// NewsletterFeedStatus enumerates per-user newsletter feed states. Feeds are
// created UNSUBSCRIBED; the user opts in to move a feed to ACTIVE.
type NewsletterFeedStatus string

const (
	NewsletterFeedActive       NewsletterFeedStatus = "active"
	NewsletterFeedHidden       NewsletterFeedStatus = "hidden"
	NewsletterFeedUnsubscribed NewsletterFeedStatus = "unsubscribed"
)

// NewsletterFeed is a per-user logical subscription derived from an email
// identity (List-Id, unsubscribe URL, or sender address).
type NewsletterFeed struct {
	ID             string               `json:"id" db:"id"`
	UserID         string               `json:"user_id" db:"user_id"`
	CanonicalKey   string               `json:"canonical_key" db:"canonical_key"`
	DisplayName    string               `json:"display_name" db:"display_name"`
	SenderAddress  string               `json:"sender_address" db:"sender_address"`
	DetectionScore float64              `json:"detection_score" db:"detection_score"`
	Status         NewsletterFeedStatus `json:"status" db:"status"`
	FirstSeenAt    time.Time            `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time            `json:"last_seen_at" db:"last_seen_at"`
}

// Mailbox binds a user to an email provider identity. HistoryCursor is the
// provider's opaque incremental sync cursor; empty means a full (30-day)
// query is needed.
type Mailbox struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Provider      Provider  `json:"provider" db:"provider"`
	EmailAddress  string    `json:"email_address" db:"email_address"`
	HistoryCursor string    `json:"history_cursor" db:"history_cursor"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
