package feed

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/temoto/robotstxt"
)

// maxBodySize caps how much of a response is read, feeds larger than this
// are rejected
const maxBodySize = 10 * 1024 * 1024

// Fetcher resolves a URL into a feed: checks robots.txt, follows the
// content-type branch (direct feed vs HTML page with alternate links) and
// parses the result
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher creates a new fetcher with the given timeout and user agent
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
	}
}

// Resolve fetches the URL and returns either a parsed feed or the list of
// feed candidates found on an HTML page. All failures are *Error values
// tagged with their kind.
func (f *Fetcher) Resolve(ctx context.Context, rawURL string) (Result, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	if err := f.checkRobots(ctx, u); err != nil {
		return nil, err
	}

	body, contentType, finalURL, err := f.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	if isHTML(contentType) {
		return f.resolveHTML(ctx, body, finalURL)
	}

	parsed, entries, err := parseFeed(body, finalURL.String())
	if err != nil {
		if !isFeedContentType(contentType) {
			return nil, newError(KindFetchError, "unsupported content type %q: %v", contentType, err)
		}
		return nil, newError(KindParseError, "parse feed %s: %v", finalURL, err)
	}

	result := &ResultFeed{Feed: parsed, Entries: entries}
	result.Icon = f.fetchSiteIcon(ctx, iconBase(parsed, finalURL))
	return result, nil
}

// resolveHTML handles an HTML response: a single alternate link is followed
// and parsed as the feed, several links are returned for the user to choose
// from, none is an error
func (f *Fetcher) resolveHTML(ctx context.Context, body []byte, pageURL *url.URL) (Result, error) {
	feedURLs, pageIcon := findAlternates(body, pageURL)

	switch len(feedURLs) {
	case 0:
		return nil, newError(KindUnexpectedHTML, "page %s has no feed links", pageURL)
	case 1:
		// fall through to fetch the single candidate
	default:
		return &ResultMultiple{FeedURLs: feedURLs}, nil
	}

	feedBody, contentType, finalURL, err := f.get(ctx, feedURLs[0])
	if err != nil {
		return nil, err
	}
	if isHTML(contentType) {
		return nil, newError(KindUnexpectedHTML, "advertised feed %s is an html page", feedURLs[0])
	}

	parsed, entries, err := parseFeed(feedBody, finalURL.String())
	if err != nil {
		return nil, newError(KindParseError, "parse feed %s: %v", finalURL, err)
	}
	if parsed.SiteURL == "" {
		parsed.SiteURL = pageURL.String()
	}

	result := &ResultFeed{Feed: parsed, Entries: entries}
	if pageIcon != "" {
		if icon, err := f.fetchIconData(ctx, pageIcon); err == nil {
			result.Icon = icon
		}
	}
	if result.Icon == nil {
		result.Icon = f.fetchSiteIcon(ctx, pageURL.String())
	}
	return result, nil
}

// checkRobots fetches and honors the site's robots.txt. Missing robots.txt
// allows everything, an unreachable server is a fetch error.
func (f *Fetcher) checkRobots(ctx context.Context, u *url.URL) error {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return newError(KindFetchError, "create robots request: %v", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return newError(KindFetchError, "fetch robots.txt: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do with close error

	robots, err := robotstxt.FromResponse(resp)
	if err != nil {
		lgr.Printf("[DEBUG] unparsable robots.txt at %s: %v", robotsURL, err)
		return nil
	}

	if !robots.FindGroup(f.userAgent).Test(u.RequestURI()) {
		return newError(KindDisallowed, "robots.txt disallows %s", u)
	}
	return nil
}

// get fetches a URL and returns the body, declared content type and the
// final URL after redirects
func (f *Fetcher) get(ctx context.Context, rawURL string) (body []byte, contentType string, finalURL *url.URL, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, "", nil, newError(KindInvalidURL, "create request: %v", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", nil, newError(KindFetchError, "fetch %s: %v", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do with close error

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, "", nil, newError(KindNotFound, "%s not found", rawURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", nil, newError(KindFetchError, "fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, "", nil, newError(KindFetchError, "read %s: %v", rawURL, err)
	}
	if len(body) > maxBodySize {
		return nil, "", nil, newError(KindFetchError, "%s exceeds %d bytes", rawURL, maxBodySize)
	}

	return body, resp.Header.Get("Content-Type"), resp.Request.URL, nil
}

// normalizeURL validates the input and defaults a missing scheme to https
func normalizeURL(rawURL string) (*url.URL, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return nil, newError(KindInvalidURL, "empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, newError(KindInvalidURL, "parse %q: %v", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newError(KindInvalidURL, "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, newError(KindInvalidURL, "missing host in %q", rawURL)
	}
	return u, nil
}

// isHTML reports whether the content type declares an html document
func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// isFeedContentType reports whether the content type is one of the xml
// flavors feeds are served with
func isFeedContentType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType == "" // no declared type, assume feed and let the parser decide
	}
	switch mt {
	case "text/xml", "application/xml", "application/rss+xml", "application/atom+xml", "application/rdf+xml":
		return true
	}
	return strings.HasSuffix(mt, "+xml")
}

// iconBase picks the page to look for an icon on: the feed's site link when
// present, otherwise the origin of the feed URL itself
func iconBase(parsed Feed, feedURL *url.URL) string {
	if parsed.SiteURL != "" {
		return parsed.SiteURL
	}
	return feedURL.Scheme + "://" + feedURL.Host + "/"
}
