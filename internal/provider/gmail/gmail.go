// Package gmail implements the email-newsletter provider adapter. A gmail
// subscription is a mailbox: each poll advances the mailbox's incremental
// history cursor (falling back to a 30-day query when the cursor is missing
// or stale), classifies new messages with a weighted header score, and
// materializes issues only for feeds the user has opted in to.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/pkg/httpretry"
	"github.com/relayhq/inbox-ingest/internal/pkg/logger"
	"github.com/relayhq/inbox-ingest/internal/provider"
	"github.com/relayhq/inbox-ingest/internal/ratelimit"
	"github.com/relayhq/inbox-ingest/internal/repository/postgres"
)

const (
	messageFetchLimit = 50
	initialQueryDays  = 30
)

var metadataHeaders = []string{
	"From", "Subject", "List-Id", "List-Unsubscribe", "List-Unsubscribe-Post",
}

// feedStore is the slice of the newsletter repository the adapter needs.
type feedStore interface {
	UpsertFeed(ctx context.Context, f *domain.NewsletterFeed) (*domain.NewsletterFeed, error)
	GetMailbox(ctx context.Context, userID string, provider domain.Provider) (*domain.Mailbox, error)
	AdvanceCursor(ctx context.Context, mailboxID, cursor string, now time.Time) error
	ClearCursor(ctx context.Context, mailboxID string) error
}

// itemStore is the slice of the item repository used for the in-place URL
// upgrade of already-ingested issues.
type itemStore interface {
	GetByProviderID(ctx context.Context, provider domain.Provider, providerID string) (*domain.Item, error)
	UpgradeURL(ctx context.Context, id, url string) error
}

// Adapter polls Gmail mailboxes for newsletter issues.
type Adapter struct {
	baseURL string
	limiter *ratelimit.Limiter
	feeds   feedStore
	items   itemStore
	now     func() time.Time
}

// New creates the newsletter adapter.
func New(baseURL string, limiter *ratelimit.Limiter, feeds feedStore, items itemStore) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		limiter: limiter,
		feeds:   feeds,
		items:   items,
		now:     time.Now,
	}
}

// Provider returns the adapter's enum tag.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderGmail }

// RequiresAuth reports that mailbox access needs an access token.
func (a *Adapter) RequiresAuth() bool { return true }

// Message is the raw payload carried through PollResult for one accepted
// newsletter issue.
type Message struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	Subject     string    `json:"subject"`
	Snippet     string    `json:"snippet"`
	IssueURL    string    `json:"issue_url"`
	FeedKey     string    `json:"feed_key"`
	FeedName    string    `json:"feed_name"`
	SenderAddr  string    `json:"sender_addr"`
	PublishedAt time.Time `json:"published_at"`
}

// PollOne syncs the user's mailbox: advance the history cursor, classify new
// messages, upsert feeds, and return issues belonging to ACTIVE feeds.
func (a *Adapter) PollOne(ctx context.Context, token string, sub *domain.Subscription) (*provider.PollResult, error) {
	client := provider.AuthedClient(ctx, token)

	mailbox, err := a.feeds.GetMailbox(ctx, sub.UserID, domain.ProviderGmail)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, fmt.Errorf("no gmail mailbox for user %s", sub.UserID)
		}
		return nil, err
	}

	ids, newCursor, err := a.listNewMessageIDs(ctx, client, mailbox)
	if err != nil {
		return nil, err
	}

	res := &provider.PollResult{}
	var accepted []Message

	for _, id := range ids {
		msg, err := a.processMessage(ctx, client, sub.UserID, id)
		if err != nil {
			if ratelimit.IsRateLimited(err) {
				return nil, err
			}
			logger.Warn("newsletter message processing failed",
				"user_id", sub.UserID, "message_id", id, "error", err.Error())
			continue
		}
		if msg != nil {
			accepted = append(accepted, *msg)
		}
	}

	sort.Slice(accepted, func(i, j int) bool {
		return accepted[i].PublishedAt.After(accepted[j].PublishedAt)
	})
	for _, m := range accepted {
		if sub.LastPublishedAt != nil && !m.PublishedAt.After(*sub.LastPublishedAt) {
			continue
		}
		res.RawItems = append(res.RawItems, m)
		if res.NewestPublishedAt == nil || m.PublishedAt.After(*res.NewestPublishedAt) {
			t := m.PublishedAt
			res.NewestPublishedAt = &t
		}
	}

	if newCursor != "" && newCursor != mailbox.HistoryCursor {
		if err := a.feeds.AdvanceCursor(ctx, mailbox.ID, newCursor, a.now()); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// processMessage classifies one message; returns nil when the message is not
// a newsletter issue or its feed is not ACTIVE.
func (a *Adapter) processMessage(ctx context.Context, client httpretry.HTTPDoer, userID, messageID string) (*Message, error) {
	meta, err := a.getMessageMetadata(ctx, client, userID, messageID)
	if err != nil {
		return nil, err
	}

	c := Classify(meta.headers)
	if !c.IsNewsletter {
		return nil, nil
	}

	feed, err := a.feeds.UpsertFeed(ctx, &domain.NewsletterFeed{
		UserID:         userID,
		CanonicalKey:   c.CanonicalKey,
		DisplayName:    c.DisplayName,
		SenderAddress:  c.SenderAddr,
		DetectionScore: c.Score,
		LastSeenAt:     meta.internalDate,
	})
	if err != nil {
		return nil, err
	}
	// Feeds start UNSUBSCRIBED; issues materialize only after the user opts
	// the feed in.
	if feed.Status != domain.NewsletterFeedActive {
		return nil, nil
	}

	issueURL, err := a.resolveIssueURL(ctx, client, userID, meta, c)
	if err != nil {
		return nil, err
	}

	a.maybeUpgradeURL(ctx, messageID, issueURL)

	return &Message{
		ID:          meta.id,
		ThreadID:    meta.threadID,
		Subject:     meta.headers.Subject,
		Snippet:     meta.snippet,
		IssueURL:    issueURL,
		FeedKey:     c.CanonicalKey,
		FeedName:    c.DisplayName,
		SenderAddr:  c.SenderAddr,
		PublishedAt: meta.internalDate,
	}, nil
}

// resolveIssueURL fetches the full body and scores link candidates, falling
// back to a deep link into the mailbox thread.
func (a *Adapter) resolveIssueURL(ctx context.Context, client httpretry.HTTPDoer, userID string, meta *messageMetadata, c Classification) (string, error) {
	htmlBody, textBody, err := a.getMessageBody(ctx, client, userID, meta.id)
	if err != nil {
		return "", err
	}
	if u := ExtractIssueURL(htmlBody, textBody, meta.snippet, c.SenderAddr, meta.headers.ListID); u != "" {
		return u, nil
	}
	return threadDeepLink(meta.threadID), nil
}

// maybeUpgradeURL upgrades an already-ingested issue whose stored URL was the
// thread fallback once a real content link resolves.
func (a *Adapter) maybeUpgradeURL(ctx context.Context, messageID, issueURL string) {
	if issueURL == "" || isThreadDeepLink(issueURL) {
		return
	}
	existing, err := a.items.GetByProviderID(ctx, domain.ProviderGmail, messageID)
	if err != nil || existing == nil {
		return
	}
	if isThreadDeepLink(existing.URL) {
		if err := a.items.UpgradeURL(ctx, existing.ID, issueURL); err != nil {
			logger.Warn("issue URL upgrade failed", "item_id", existing.ID, "error", err.Error())
		}
	}
}

func threadDeepLink(threadID string) string {
	return "https://mail.google.com/mail/u/0/#all/" + threadID
}

func isThreadDeepLink(u string) bool {
	return strings.HasPrefix(u, "https://mail.google.com/")
}

// Transform projects a Message into the canonical item shape. The feed's
// canonical key doubles as the creator identity: it is the stable name of the
// publication, where message senders rotate.
func (a *Adapter) Transform(raw interface{}) (*domain.ItemDraft, error) {
	m, ok := raw.(Message)
	if !ok {
		return nil, fmt.Errorf("gmail transform: unexpected payload %T", raw)
	}
	meta, _ := json.Marshal(m)
	return &domain.ItemDraft{
		Provider:          domain.ProviderGmail,
		ProviderID:        m.ID,
		ContentType:       domain.ContentNewsletter,
		URL:               m.IssueURL,
		Title:             m.Subject,
		Summary:           m.Snippet,
		PublishedAt:       m.PublishedAt,
		RawMetadata:       meta,
		CreatorProviderID: m.FeedKey,
		CreatorName:       m.FeedName,
	}, nil
}

// listNewMessageIDs returns the message IDs to examine plus the cursor to
// store after a successful sync. A stale cursor (history endpoint 404) is
// cleared and the sync falls back to the 30-day query.
func (a *Adapter) listNewMessageIDs(ctx context.Context, client httpretry.HTTPDoer, mailbox *domain.Mailbox) ([]string, string, error) {
	if mailbox.HistoryCursor != "" {
		ids, cursor, err := a.listHistory(ctx, client, mailbox.UserID, mailbox.HistoryCursor)
		switch {
		case err == nil:
			return ids, cursor, nil
		case errors.Is(err, errStaleCursor):
			logger.Info("gmail history cursor stale, falling back to initial query",
				"mailbox_id", mailbox.ID)
			if cerr := a.feeds.ClearCursor(ctx, mailbox.ID); cerr != nil {
				return nil, "", cerr
			}
		default:
			return nil, "", err
		}
	}
	return a.listInitial(ctx, client, mailbox.UserID)
}

type historyResponse struct {
	History []struct {
		ID            string `json:"id"`
		MessagesAdded []struct {
			Message struct {
				ID string `json:"id"`
			} `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	HistoryID     string `json:"historyId"`
	NextPageToken string `json:"nextPageToken"`
}

// errStaleCursor means the provider no longer honors the stored cursor; the
// sync falls back to the 30-day query. Surfaced as a distinct value so the
// rate limiter does not count it as an upstream failure.
var errStaleCursor = errors.New("gmail: stale history cursor")

func (a *Adapter) listHistory(ctx context.Context, client httpretry.HTTPDoer, userID, cursor string) ([]string, string, error) {
	var ids []string
	var newCursor string
	var stale bool
	err := a.limiter.Fetch(ctx, string(a.Provider()), userID, func(ctx context.Context) error {
		q := url.Values{
			"startHistoryId": {cursor},
			"historyTypes":   {"messageAdded"},
			"maxResults":     {"100"},
		}
		var hr historyResponse
		if err := a.getJSON(ctx, client, "/users/me/history", q, &hr); err != nil {
			var he *ratelimit.HTTPStatusError
			if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
				stale = true
				return nil
			}
			return err
		}
		ids, newCursor = capHistory(&hr)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if stale {
		return nil, "", errStaleCursor
	}
	return ids, newCursor, nil
}

// capHistory bounds one sync to messageFetchLimit messages without losing the
// rest: it cuts at a history-record boundary and reports that record's ID as
// the cursor, so the next sync resumes exactly where this one stopped. Only
// when every record (and page) was consumed does the cursor jump to the
// response's historyId.
func capHistory(hr *historyResponse) (ids []string, cursor string) {
	seen := make(map[string]bool)
	var lastIncluded string
	partial := hr.NextPageToken != ""

	for _, h := range hr.History {
		var recIDs []string
		for _, ma := range h.MessagesAdded {
			if id := ma.Message.ID; id != "" && !seen[id] {
				recIDs = append(recIDs, id)
			}
		}
		// The first record is always taken whole, or the sync never advances.
		if len(ids) > 0 && len(ids)+len(recIDs) > messageFetchLimit {
			partial = true
			break
		}
		for _, id := range recIDs {
			seen[id] = true
			ids = append(ids, id)
		}
		lastIncluded = h.ID
	}

	if partial {
		return ids, lastIncluded
	}
	return ids, hr.HistoryID
}

// listInitial runs the 30-day bootstrap query and reads the profile for a
// fresh cursor.
func (a *Adapter) listInitial(ctx context.Context, client httpretry.HTTPDoer, userID string) ([]string, string, error) {
	var ids []string
	err := a.limiter.Fetch(ctx, string(a.Provider()), userID, func(ctx context.Context) error {
		q := url.Values{
			"q":          {fmt.Sprintf("newer_than:%dd", initialQueryDays)},
			"maxResults": {strconv.Itoa(messageFetchLimit)},
		}
		var body struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
		}
		if err := a.getJSON(ctx, client, "/users/me/messages", q, &body); err != nil {
			return err
		}
		for _, m := range body.Messages {
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	var cursor string
	err = a.limiter.Fetch(ctx, string(a.Provider()), userID, func(ctx context.Context) error {
		var profile struct {
			HistoryID string `json:"historyId"`
		}
		if err := a.getJSON(ctx, client, "/users/me/profile", url.Values{}, &profile); err != nil {
			return err
		}
		cursor = profile.HistoryID
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return ids, cursor, nil
}

type messageMetadata struct {
	id           string
	threadID     string
	snippet      string
	internalDate time.Time
	headers      Headers
}

type messagePayload struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []messagePayload `json:"parts"`
}

type messageResponse struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"threadId"`
	Snippet      string         `json:"snippet"`
	InternalDate string         `json:"internalDate"`
	Payload      messagePayload `json:"payload"`
}

func (a *Adapter) getMessageMetadata(ctx context.Context, client httpretry.HTTPDoer, userID, messageID string) (*messageMetadata, error) {
	var mr messageResponse
	err := a.limiter.Fetch(ctx, string(a.Provider()), userID, func(ctx context.Context) error {
		q := url.Values{"format": {"metadata"}}
		for _, h := range metadataHeaders {
			q.Add("metadataHeaders", h)
		}
		return a.getJSON(ctx, client, "/users/me/messages/"+messageID, q, &mr)
	})
	if err != nil {
		return nil, err
	}

	meta := &messageMetadata{
		id:           mr.ID,
		threadID:     mr.ThreadID,
		snippet:      mr.Snippet,
		internalDate: parseInternalDate(mr.InternalDate),
	}
	for _, h := range mr.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			meta.headers.From = h.Value
		case "subject":
			meta.headers.Subject = h.Value
		case "list-id":
			meta.headers.ListID = h.Value
		case "list-unsubscribe":
			meta.headers.ListUnsubscribe = h.Value
		case "list-unsubscribe-post":
			meta.headers.ListUnsubscribePost = h.Value
		}
	}
	return meta, nil
}

// getMessageBody fetches the full message and walks the MIME tree for the
// html and plain-text parts.
func (a *Adapter) getMessageBody(ctx context.Context, client httpretry.HTTPDoer, userID, messageID string) (htmlBody, textBody string, err error) {
	var mr messageResponse
	err = a.limiter.Fetch(ctx, string(a.Provider()), userID, func(ctx context.Context) error {
		q := url.Values{"format": {"full"}}
		return a.getJSON(ctx, client, "/users/me/messages/"+messageID, q, &mr)
	})
	if err != nil {
		return "", "", err
	}
	htmlBody, textBody = walkParts(&mr.Payload)
	return htmlBody, textBody, nil
}

func walkParts(p *messagePayload) (htmlBody, textBody string) {
	if p.Body.Data != "" {
		if decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(p.Body.Data); err == nil {
			switch {
			case strings.HasPrefix(p.MimeType, "text/html"):
				htmlBody = string(decoded)
			case strings.HasPrefix(p.MimeType, "text/plain"):
				textBody = string(decoded)
			}
		}
	}
	for i := range p.Parts {
		h, t := walkParts(&p.Parts[i])
		if htmlBody == "" {
			htmlBody = h
		}
		if textBody == "" {
			textBody = t
		}
	}
	return htmlBody, textBody
}

func parseInternalDate(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (a *Adapter) getJSON(ctx context.Context, client httpretry.HTTPDoer, path string, q url.Values, out interface{}) error {
	u := a.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if resp.StatusCode != http.StatusOK {
		return provider.ReadError(resp, body)
	}
	return json.Unmarshal(body, out)
}
