package domain

import "time"

// Icon is a site icon stored once per unique content hash and shared
// between feeds pointing at the same image
type Icon struct {
	ID          string
	Hash        string
	Data        []byte
	ContentType string
	CreatedAt   time.Time
}
