package feed

import (
	"bytes"
	"fmt"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/rss"
)

// parseFeed parses RSS, Atom or RDF bytes into feed metadata and entries.
// Items without a title or link are skipped, a feed can legitimately end up
// with zero entries.
func parseFeed(data []byte, feedURL string) (Feed, []Entry, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return Feed{}, nil, fmt.Errorf("parse: %w", err)
	}

	feed := Feed{
		Title:   parsed.Title,
		SiteURL: parsed.Link,
		FeedURL: feedURL,
	}

	comments := commentLinks(data)

	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Title == "" || item.Link == "" {
			continue
		}

		entry := Entry{
			Title:          item.Title,
			URL:            item.Link,
			PublishedAt:    item.PublishedParsed,
			EntryUpdatedAt: item.UpdatedParsed,
		}
		if c, ok := comments[item.Link]; ok {
			entry.CommentsURL = &c
		}
		entries = append(entries, entry)
	}

	return feed, entries, nil
}

// commentLinks extracts per-item comment URLs from RSS documents. The
// universal parser drops the <comments> element, so RSS input gets a second
// pass with the RSS-specific parser.
func commentLinks(data []byte) map[string]string {
	if gofeed.DetectFeedType(bytes.NewReader(data)) != gofeed.FeedTypeRSS {
		return nil
	}

	rssFeed, err := (&rss.Parser{}).Parse(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	links := make(map[string]string)
	for _, item := range rssFeed.Items {
		if item.Link != "" && item.Comments != "" {
			links[item.Link] = item.Comments
		}
	}
	return links
}
