package domain

import "time"

// Item is the canonical, provider-scoped record of one piece of content.
// (Provider, ProviderID) is unique; the same video or episode observed by two
// users maps to a single Item row.
type Item struct {
	ID           string      `json:"id" db:"id"`
	Provider     Provider    `json:"provider" db:"provider"`
	ProviderID   string      `json:"provider_id" db:"provider_id"`
	ContentType  ContentType `json:"content_type" db:"content_type"`
	URL          string      `json:"url" db:"url"`
	Title        string      `json:"title" db:"title"`
	Summary      string      `json:"summary" db:"summary"`
	PublishedAt  time.Time   `json:"published_at" db:"published_at"`
	DurationSecs *int        `json:"duration_seconds" db:"duration_seconds"`
	ThumbnailURL *string     `json:"thumbnail_url" db:"thumbnail_url"`
	RawMetadata  []byte      `json:"-" db:"raw_metadata"`
	CreatorID    *string     `json:"creator_id" db:"creator_id"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// UserItemState enumerates per-user item states.
type UserItemState string

const (
	UserItemInbox    UserItemState = "inbox"
	UserItemArchived UserItemState = "archived"
	UserItemSaved    UserItemState = "saved"
)

// UserItem is a user-scoped reference to a canonical item. (UserID, ItemID)
// is unique; duplicate ingestion is a no-op.
type UserItem struct {
	ID         string        `json:"id" db:"id"`
	UserID     string        `json:"user_id" db:"user_id"`
	ItemID     string        `json:"item_id" db:"item_id"`
	State      UserItemState `json:"state" db:"state"`
	Progress   *float64      `json:"progress" db:"progress"`
	IngestedAt time.Time     `json:"ingested_at" db:"ingested_at"`
}

// Creator is the provider-scoped author of items. (Provider,
// ProviderCreatorID) is unique. For providers without native creator IDs the
// ID is synthesized from the normalized name.
type Creator struct {
	ID                string    `json:"id" db:"id"`
	Provider          Provider  `json:"provider" db:"provider"`
	ProviderCreatorID string    `json:"provider_creator_id" db:"provider_creator_id"`
	DisplayName       string    `json:"display_name" db:"display_name"`
	NormalizedName    string    `json:"normalized_name" db:"normalized_name"`
	Handle            *string   `json:"handle" db:"handle"`
	ImageURL          *string   `json:"image_url" db:"image_url"`
	ExternalURL       *string   `json:"external_url" db:"external_url"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// ItemDraft is the canonical projection an adapter's Transform produces from
// a raw provider payload, before any database identity is assigned.
type ItemDraft struct {
	Provider     Provider
	ProviderID   string
	ContentType  ContentType
	URL          string
	Title        string
	Summary      string
	PublishedAt  time.Time
	DurationSecs *int
	ThumbnailURL *string
	RawMetadata  []byte

	// Creator identity as reported by the provider. ProviderCreatorID may be
	// empty; the ingestion pipeline then synthesizes a stable ID from the
	// normalized name.
	CreatorProviderID string
	CreatorName       string
	CreatorHandle     *string
	CreatorImageURL   *string
	CreatorURL        *string
}
