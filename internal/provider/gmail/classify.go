package gmail

import (
	"net/mail"
	"net/url"
	"regexp"
	"strings"
)

// AcceptThreshold is the minimum weighted score for a message to classify as
// a newsletter issue.
const AcceptThreshold = 0.78

var (
	newsletterKeywordRe    = regexp.MustCompile(`(?i)newsletter|digest|briefing|roundup|weekly|daily|issue|dispatch|substack`)
	platformMarkerRe       = regexp.MustCompile(`(?i)substack|beehiiv|convertkit|mailchimp|ghost`)
	transactionalSenderRe  = regexp.MustCompile(`(?i)no-reply|noreply|notifications?|billing|support|security|alerts?|accounts?`)
	transactionalSubjectRe = regexp.MustCompile(`(?i)receipt|invoice|verification|password|order|shipping|login|pull request|mentioned`)
	promotionalSubjectRe   = regexp.MustCompile(`(?i)\d+% off|sale ends|flash sale|limited time|coupon|promo code`)
)

// Headers is the metadata slice of a message the classifier needs.
type Headers struct {
	From                string
	Subject             string
	ListID              string
	ListUnsubscribe     string
	ListUnsubscribePost string
}

// Classification is the scoring outcome for one message.
type Classification struct {
	Score        float64
	IsNewsletter bool
	CanonicalKey string
	DisplayName  string
	SenderAddr   string
}

// Classify scores the headers and derives the feed identity. The additive
// weights favor list-management headers and newsletter vocabulary; the
// subtractive ones catch transactional and promotional mail that carries the
// same headers (GitHub notifications, receipts, marketing blasts).
func Classify(h Headers) Classification {
	senderAddr, senderName := parseSender(h.From)
	haystack := strings.ToLower(h.Subject + " " + h.From + " " + h.ListID)

	score := 0.0
	if h.ListID != "" {
		score += 0.33
	}
	if h.ListUnsubscribe != "" || h.ListUnsubscribePost != "" {
		score += 0.22
	}
	if strings.Contains(strings.ToLower(h.ListUnsubscribePost), "one-click") {
		score += 0.10
	}
	hasNewsletterSignal := newsletterKeywordRe.MatchString(haystack)
	if hasNewsletterSignal {
		score += 0.24
	}
	if platformMarkerRe.MatchString(haystack) {
		score += 0.20
	}
	if h.ListID != "" && h.ListUnsubscribe != "" {
		score += 0.12
	}
	transactionalSender := transactionalSenderRe.MatchString(strings.ToLower(senderAddr))
	if transactionalSender {
		score -= 0.45
	}
	if transactionalSubjectRe.MatchString(h.Subject) {
		score -= 0.65
	}
	if promotionalSubjectRe.MatchString(h.Subject) {
		score -= 0.20
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	c := Classification{
		Score:        score,
		CanonicalKey: canonicalKey(h, senderAddr),
		DisplayName:  displayName(h, senderName, senderAddr),
		SenderAddr:   senderAddr,
	}
	// A transactional sender with no newsletter vocabulary anywhere is vetoed
	// even when list headers alone push it past the threshold.
	c.IsNewsletter = score >= AcceptThreshold && !(transactionalSender && !hasNewsletterSignal)
	return c
}

// canonicalKey derives the stable feed identity, in preference order:
// List-Id, unsubscribe URL, unsubscribe mailto, sender address.
func canonicalKey(h Headers, senderAddr string) string {
	if id := normalizeListID(h.ListID); id != "" {
		return "listid:" + id
	}
	if httpTarget, mailtoTarget := parseUnsubscribe(h.ListUnsubscribe); httpTarget != "" {
		return "unsub:" + httpTarget
	} else if mailtoTarget != "" {
		return "mailto:" + mailtoTarget
	}
	return "sender:" + strings.ToLower(senderAddr)
}

// normalizeListID strips the optional display phrase and angle brackets:
// `Weekly Digest <newsletter.example.com>` -> `newsletter.example.com`.
func normalizeListID(v string) string {
	if v == "" {
		return ""
	}
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			v = v[i+1 : i+j]
		}
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// parseUnsubscribe splits a List-Unsubscribe header into its first http and
// first mailto targets. The header is a comma-separated list of <uri> tokens.
func parseUnsubscribe(v string) (httpTarget, mailtoTarget string) {
	for _, part := range strings.Split(v, ",") {
		part = strings.Trim(strings.TrimSpace(part), "<>")
		if part == "" {
			continue
		}
		lower := strings.ToLower(part)
		switch {
		case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
			if httpTarget == "" {
				httpTarget = normalizeUnsubURL(part)
			}
		case strings.HasPrefix(lower, "mailto:"):
			if mailtoTarget == "" {
				addr := strings.TrimPrefix(part, "mailto:")
				if i := strings.IndexByte(addr, '?'); i >= 0 {
					addr = addr[:i]
				}
				mailtoTarget = strings.ToLower(addr)
			}
		}
	}
	return httpTarget, mailtoTarget
}

// normalizeUnsubURL reduces an unsubscribe URL to host+path so per-message
// tracking tokens in the query don't fragment the feed identity.
func normalizeUnsubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Host + u.Path)
}

func parseSender(from string) (addr, name string) {
	a, err := mail.ParseAddress(from)
	if err != nil {
		return strings.TrimSpace(from), ""
	}
	return a.Address, a.Name
}

func displayName(h Headers, senderName, senderAddr string) string {
	if senderName != "" {
		return senderName
	}
	if id := normalizeListID(h.ListID); id != "" {
		return id
	}
	return senderAddr
}

// senderDomain extracts the registrable-ish domain of an address for the
// issue-URL domain-affinity boosts.
func senderDomain(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}
