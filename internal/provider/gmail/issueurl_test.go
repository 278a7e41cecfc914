package gmail

import "testing"

func TestExtractIssueURL_PrefersContentAnchor(t *testing.T) {
	htmlBody := `
		<html><body>
		<a href="https://thenewsletter.example.com/p/this-weeks-issue">Read this week's issue online</a>
		<p>some prose</p>
		<a href="https://thenewsletter.example.com/unsubscribe?t=abc">Unsubscribe</a>
		<a href="https://thenewsletter.example.com/preferences">Manage preferences</a>
		</body></html>`

	got := ExtractIssueURL(htmlBody, "", "", "editor@thenewsletter.example.com", "")
	want := "https://thenewsletter.example.com/p/this-weeks-issue"
	if got != want {
		t.Errorf("ExtractIssueURL = %q, want %q", got, want)
	}
}

func TestExtractIssueURL_SubstackDeepLinkWins(t *testing.T) {
	htmlBody := `
		<html><body>
		<a href="https://example.com/some/page">A link with long anchor text</a>
		<a href="https://author.substack.com/p/the-post">The Post Title Right Here</a>
		</body></html>`

	got := ExtractIssueURL(htmlBody, "", "", "author@substack.com", "")
	if got != "https://author.substack.com/p/the-post" {
		t.Errorf("ExtractIssueURL = %q, want the substack /p/ link", got)
	}
}

func TestExtractIssueURL_UnwrapsBeforeScoring(t *testing.T) {
	htmlBody := `
		<html><body>
		<a href="https://open.substack.com/pub/author/p/the-post?utm_source=email">Read the full post</a>
		</body></html>`

	got := ExtractIssueURL(htmlBody, "", "", "author@substack.com", "")
	if got != "https://author.substack.com/p/the-post" {
		t.Errorf("ExtractIssueURL = %q, want unwrapped publication link", got)
	}
}

func TestExtractIssueURL_TextAndSnippetFallback(t *testing.T) {
	text := "Read it here: https://blog.example.com/posts/june-roundup and reply with thoughts."
	got := ExtractIssueURL("", text, "", "editor@example.com", "")
	if got != "https://blog.example.com/posts/june-roundup" {
		t.Errorf("ExtractIssueURL = %q, want the text URL", got)
	}

	if got := ExtractIssueURL("", "", "", "a@b.com", ""); got != "" {
		t.Errorf("ExtractIssueURL on empty bodies = %q, want empty", got)
	}
}

func TestExtractIssueURL_AllNonContent(t *testing.T) {
	htmlBody := `
		<html><body>
		<a href="https://example.com/unsubscribe">Unsubscribe</a>
		<a href="https://example.com/privacy">Privacy policy</a>
		</body></html>`

	if got := ExtractIssueURL(htmlBody, "", "", "x@other.org", ""); got != "" {
		t.Errorf("ExtractIssueURL = %q, want empty so the caller deep-links the thread", got)
	}
}

func TestUnwrapRedirect(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"google interstitial",
			"https://www.google.com/url?q=https://blog.example.com/p/post",
			"https://blog.example.com/p/post",
		},
		{
			"open.substack publication link",
			"https://open.substack.com/pub/author/p/the-post?r=abc",
			"https://author.substack.com/p/the-post",
		},
		{
			"substack tracking redirect with target",
			"https://author.substack.com/redirect/x?u=https%3A%2F%2Fauthor.substack.com%2Fp%2Fthe-post",
			"https://author.substack.com/p/the-post",
		},
		{
			"substack tracking redirect without target kept",
			"https://author.substack.com/redirect/abc123",
			"https://author.substack.com/redirect/abc123",
		},
		{
			"plain url untouched",
			"https://example.com/article",
			"https://example.com/article",
		},
		{
			"nested google then substack",
			"https://google.com/url?q=https://open.substack.com/pub/a/p/b",
			"https://a.substack.com/p/b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnwrapRedirect(tt.in); got != tt.want {
				t.Errorf("UnwrapRedirect(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
