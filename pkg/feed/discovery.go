package feed

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// iconRels lists icon link relations in preference order
var iconRels = []string{"icon", "shortcut icon", "apple-touch-icon"}

// findAlternates scans an HTML document for advertised feed links and a site
// icon. Relative hrefs are resolved against the page URL. Feed URLs are
// returned deduplicated in document order, the icon href with the most
// preferred rel wins.
func findAlternates(body []byte, base *url.URL) (feedURLs []string, iconURL string) {
	seen := make(map[string]struct{})
	iconRank := len(iconRels)

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		name, hasAttr := z.TagName()
		if string(name) != "link" || !hasAttr {
			continue
		}

		var rel, href, typ string
		for {
			key, val, more := z.TagAttr()
			switch string(key) {
			case "rel":
				rel = strings.ToLower(strings.TrimSpace(string(val)))
			case "href":
				href = strings.TrimSpace(string(val))
			case "type":
				typ = strings.ToLower(strings.TrimSpace(string(val)))
			}
			if !more {
				break
			}
		}
		if href == "" {
			continue
		}

		if isFeedLink(rel, typ, href) {
			if resolved := resolveHref(base, href); resolved != "" {
				if _, ok := seen[resolved]; !ok {
					seen[resolved] = struct{}{}
					feedURLs = append(feedURLs, resolved)
				}
			}
			continue
		}

		for rank, iconRel := range iconRels {
			if rel == iconRel && rank < iconRank {
				iconRank = rank
				iconURL = resolveHref(base, href)
				break
			}
		}
	}

	return feedURLs, iconURL
}

// isFeedLink reports whether a <link> element advertises a feed. The check
// is intentionally loose: many sites forget rel="alternate" or serve feeds
// with a generic xml type.
func isFeedLink(rel, typ, href string) bool {
	if strings.Contains(typ, "rss") || strings.Contains(typ, "atom") {
		return true
	}
	if rel == "alternate" && strings.Contains(typ, "xml") {
		return true
	}
	lowerHref := strings.ToLower(href)
	return rel == "alternate" && (strings.Contains(lowerHref, "rss") || strings.Contains(lowerHref, "atom"))
}

// resolveHref resolves a possibly relative href against the page URL,
// keeping data: URLs as-is for inline icons
func resolveHref(base *url.URL, href string) string {
	if strings.HasPrefix(href, "data:") {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
