package domain

// Provider identifies an external content source.
type Provider string

const (
	ProviderYouTube Provider = "youtube"
	ProviderSpotify Provider = "spotify"
	ProviderGmail   Provider = "gmail"
	ProviderWebFeed Provider = "webfeed"
)

// KnownProviders lists every provider the scheduler will dispatch.
var KnownProviders = []Provider{
	ProviderYouTube,
	ProviderSpotify,
	ProviderGmail,
	ProviderWebFeed,
}

// Valid reports whether p is a provider this service knows how to poll.
func (p Provider) Valid() bool {
	switch p {
	case ProviderYouTube, ProviderSpotify, ProviderGmail, ProviderWebFeed:
		return true
	}
	return false
}

// ContentType classifies a canonical item.
type ContentType string

const (
	ContentVideo      ContentType = "video"
	ContentPodcast    ContentType = "podcast"
	ContentNewsletter ContentType = "newsletter"
	ContentArticle    ContentType = "article"
)
