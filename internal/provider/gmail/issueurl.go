package gmail

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Candidate URL sources, strongest first. Anchors carry author intent; bare
// text URLs are weaker; snippet URLs are often truncated.
const (
	sourceAnchor  = "anchor"
	sourceText    = "text"
	sourceSnippet = "snippet"
)

var (
	nonContentAnchorRe = regexp.MustCompile(`(?i)unsubscribe|manage|preferences|privacy|terms|view in browser|update your|email settings`)
	contentPathRe      = regexp.MustCompile(`(?i)^/(p|posts?|article|articles|blog|stories|issues?|watch|read|notes?|essays?)(/|$)`)
	textURLRe          = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
)

// urlCandidate is one scored issue-URL candidate.
type urlCandidate struct {
	url        string
	anchorText string
	source     string
	index      int
	score      float64
}

// ExtractIssueURL picks the best content link for a newsletter issue from the
// message's HTML body, plain-text body, and snippet. Returns "" when nothing
// content-like is found; the caller then falls back to a mailbox deep link.
func ExtractIssueURL(htmlBody, textBody, snippet, senderAddr, listID string) string {
	var candidates []urlCandidate

	if htmlBody != "" {
		candidates = append(candidates, anchorCandidates(htmlBody)...)
	}
	for _, raw := range textURLRe.FindAllString(textBody, 40) {
		candidates = append(candidates, urlCandidate{url: raw, source: sourceText})
	}
	for _, raw := range textURLRe.FindAllString(snippet, 5) {
		candidates = append(candidates, urlCandidate{url: raw, source: sourceSnippet})
	}
	if len(candidates) == 0 {
		return ""
	}

	sDomain := senderDomain(senderAddr)
	lDomain := listIDDomain(listID)

	scored := candidates[:0]
	for i, c := range candidates {
		c.index = i
		c.url = UnwrapRedirect(c.url)
		u, err := url.Parse(c.url)
		if err != nil || u.Host == "" {
			continue
		}
		c.score = scoreCandidate(c, u, sDomain, lDomain)
		if c.score <= 0 {
			continue
		}
		scored = append(scored, c)
	}
	if len(scored) == 0 {
		return ""
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	return scored[0].url
}

func scoreCandidate(c urlCandidate, u *url.URL, senderDomain, listDomain string) float64 {
	var score float64
	switch c.source {
	case sourceAnchor:
		score = 1.3
	case sourceText:
		score = 1.0
	case sourceSnippet:
		score = 0.7
	}
	// Large enough to sink an anchor on source and anchor-length merit alone;
	// a genuine content path can still dig it out.
	if nonContentAnchorRe.MatchString(c.anchorText) {
		score -= 1.8
	}
	if len(strings.TrimSpace(c.anchorText)) > 8 {
		score += 0.35
	}
	if contentPathRe.MatchString(u.Path) {
		score += 1.35
	}
	host := strings.ToLower(u.Host)
	if strings.HasSuffix(host, ".substack.com") {
		score += 0.75
		if strings.HasPrefix(u.Path, "/p/") {
			score += 1.1
		}
	}
	if senderDomain != "" && domainsMatch(host, senderDomain) {
		score += 0.50
	}
	if listDomain != "" && domainsMatch(host, listDomain) {
		score += 0.35
	}
	// Earlier candidates win ties: newsletters lead with the issue link.
	score -= 0.015 * float64(c.index)
	return score
}

func anchorCandidates(htmlBody string) []urlCandidate {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return nil
	}
	var out []urlCandidate
	doc.Find("a[href]").EachWithBreak(func(i int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if !strings.HasPrefix(href, "http") {
			return true
		}
		out = append(out, urlCandidate{
			url:        href,
			anchorText: strings.TrimSpace(sel.Text()),
			source:     sourceAnchor,
		})
		return len(out) < 60
	})
	return out
}

// domainsMatch compares hosts ignoring a leading www / mail / email label.
func domainsMatch(host, domain string) bool {
	host = stripCommonSubdomain(host)
	domain = stripCommonSubdomain(domain)
	return host == domain || strings.HasSuffix(host, "."+domain) || strings.HasSuffix(domain, "."+host)
}

func stripCommonSubdomain(host string) string {
	for _, prefix := range []string{"www.", "mail.", "email.", "link.", "click."} {
		if strings.HasPrefix(host, prefix) {
			return host[len(prefix):]
		}
	}
	return host
}

func listIDDomain(listID string) string {
	id := normalizeListID(listID)
	if id == "" {
		return ""
	}
	// A List-Id is usually a bare domain; when it carries a local part keep
	// the domain half.
	if i := strings.LastIndexByte(id, '@'); i >= 0 {
		id = id[i+1:]
	}
	return id
}

var substackPubRe = regexp.MustCompile(`^/pub/([^/]+)/p/([^/?#]+)`)

// UnwrapRedirect resolves the redirect shapes common in newsletter bodies:
// Google's /url?q= interstitial, Substack's tracking /redirect/ links, and
// open.substack.com publication deep links.
func UnwrapRedirect(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.ToLower(u.Host)

	if (host == "www.google.com" || host == "google.com") && u.Path == "/url" {
		if q := u.Query().Get("q"); q != "" {
			return UnwrapRedirect(q)
		}
	}

	if host == "open.substack.com" {
		if m := substackPubRe.FindStringSubmatch(u.Path); m != nil {
			return "https://" + m[1] + ".substack.com/p/" + m[2]
		}
	}

	if strings.HasSuffix(host, "substack.com") && strings.HasPrefix(u.Path, "/redirect/") {
		// The tracked target survives in the `j` payload only server-side;
		// the path's trailing segment is usually the target slug on the
		// publication's own domain, so keep the wrapped link as-is unless a
		// `u` query parameter names the target outright.
		if target := u.Query().Get("u"); target != "" {
			if unescaped, err := url.QueryUnescape(target); err == nil {
				return UnwrapRedirect(unescaped)
			}
		}
	}

	return raw
}
