package feed

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a resolution failure
type Kind string

// failure kinds, aligned with the sync results recorded per feed
const (
	KindInvalidURL     Kind = "invalid_url"
	KindNotFound       Kind = "not_found"
	KindDisallowed     Kind = "disallowed"
	KindUnexpectedHTML Kind = "unexpected_html"
	KindParseError     Kind = "parse_error"
	KindFetchError     Kind = "fetch_error"
)

// Error is a resolution failure tagged with its kind
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from an error chain, untagged errors
// count as fetch errors
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindFetchError
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Feed holds parsed feed-level metadata
type Feed struct {
	Title   string
	SiteURL string
	FeedURL string
}

// Entry is a single parsed feed item
type Entry struct {
	Title          string
	URL            string
	CommentsURL    *string
	PublishedAt    *time.Time
	EntryUpdatedAt *time.Time
}

// Icon is a fetched site icon with the hash of its bytes
type Icon struct {
	Hash        string
	Data        []byte
	ContentType string
}

// Result is a successful resolution outcome. Exactly one concrete type is
// returned: ResultFeed when the URL led to a single feed, ResultMultiple
// when an HTML page advertised several candidate feeds.
type Result interface {
	sealed()
}

// ResultFeed is a fully fetched and parsed feed
type ResultFeed struct {
	Feed    Feed
	Entries []Entry
	Icon    *Icon
}

// ResultMultiple lists candidate feed URLs found on an HTML page,
// the caller has to pick one
type ResultMultiple struct {
	FeedURLs []string
}

func (*ResultFeed) sealed()     {}
func (*ResultMultiple) sealed() {}
