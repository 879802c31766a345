// Package opml reads and writes OPML subscription lists.
package opml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/umputun/refeed/pkg/domain"
)

// ErrMalformed indicates input that is not a valid OPML document
var ErrMalformed = errors.New("malformed document")

// Document is the root OPML element
type Document struct {
	XMLName xml.Name  `xml:"opml"`
	Version string    `xml:"version,attr"`
	Head    Head      `xml:"head"`
	Body    []Outline `xml:"body>outline"`
}

// Head holds document metadata
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Outline is a single node; folders nest children, subscriptions carry xmlUrl
type Outline struct {
	Type     string    `xml:"type,attr,omitempty"`
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Children []Outline `xml:"outline"`
}

// FeedURLs extracts subscription URLs from an OPML document in document
// order, descending into folders. URLs that are not valid absolute http or
// https links are dropped. Duplicates are preserved, callers decide how to
// handle them.
func FeedURLs(data []byte) ([]string, error) {
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse opml: %w: %v", ErrMalformed, err)
	}

	var urls []string
	var walk func(outlines []Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if u := normalizeURL(o.XMLURL); u != "" {
				urls = append(urls, u)
			}
			walk(o.Children)
		}
	}
	walk(doc.Body)

	return urls, nil
}

// Generate renders the given feeds as an OPML 2.0 document
func Generate(title string, feeds []domain.FeedWithCounts) ([]byte, error) {
	doc := Document{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().UTC().Format(time.RFC1123Z),
		},
	}

	for i := range feeds {
		f := &feeds[i]
		outline := Outline{
			Type:   "rss",
			Text:   f.Title(),
			Title:  f.Title(),
			XMLURL: f.FeedURL,
		}
		if f.SiteURL != nil {
			outline.HTMLURL = *f.SiteURL
		}
		doc.Body = append(doc.Body, outline)
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal opml: %w", err)
	}

	return append([]byte(xml.Header), data...), nil
}

// normalizeURL trims whitespace and keeps only absolute http/https URLs
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.String()
}
