package domain

import "time"

// SubscriptionStatus enumerates the lifecycle states of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive       SubscriptionStatus = "active"
	SubscriptionDisconnected SubscriptionStatus = "disconnected"
	SubscriptionError        SubscriptionStatus = "error"
)

// Subscription is one user's interest in one provider channel (a YouTube
// channel, a podcast show, a mailbox, a web feed). LastPublishedAt is the
// ingestion watermark: items published at or before it have been seen.
type Subscription struct {
	ID                string             `json:"id" db:"id"`
	UserID            string             `json:"user_id" db:"user_id"`
	Provider          Provider           `json:"provider" db:"provider"`
	ProviderChannelID string             `json:"provider_channel_id" db:"provider_channel_id"`
	DisplayName       string             `json:"display_name" db:"display_name"`
	PollIntervalSecs  int                `json:"poll_interval_seconds" db:"poll_interval_seconds"`
	LastPolledAt      *time.Time         `json:"last_polled_at" db:"last_polled_at"`
	LastPublishedAt   *time.Time         `json:"last_published_at" db:"last_published_at"`
	TotalItems        *int               `json:"total_items" db:"total_items"`
	Status            SubscriptionStatus `json:"status" db:"status"`
	ErrorCount        int                `json:"error_count" db:"error_count"`
	LastError         *string            `json:"last_error" db:"last_error"`
	LastErrorAt       *time.Time         `json:"last_error_at" db:"last_error_at"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at"`
}

// FirstPoll reports whether this subscription has never been polled. The
// scheduler trims the first poll to the single most recent item so a new
// subscription doesn't flood the inbox with history.
func (s *Subscription) FirstPoll() bool {
	return s.LastPolledAt == nil
}

// DueAt returns the next instant the subscription should be polled.
func (s *Subscription) DueAt() time.Time {
	if s.LastPolledAt == nil {
		return time.Time{}
	}
	return s.LastPolledAt.Add(time.Duration(s.PollIntervalSecs) * time.Second)
}
