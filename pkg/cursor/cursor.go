// Package cursor implements opaque pagination tokens for entry listings.
// A token encodes the sort timestamp and id of a boundary row; clients treat
// it as an opaque string and pass it back verbatim.
package cursor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for tokens that cannot be decoded
var ErrInvalidCursor = errors.New("invalid cursor")

// Position identifies a boundary row in the entry ordering
type Position struct {
	Key time.Time // coalesced sort timestamp of the row
	ID  string    // row id, breaks ties between equal timestamps
}

// Encode serializes a position into an opaque URL-safe token
func Encode(p Position) string {
	raw := fmt.Sprintf("%d:%s", p.Key.UTC().UnixMicro(), p.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token produced by Encode. Any malformed input, including
// tokens hand-crafted by clients, yields ErrInvalidCursor.
func Decode(token string) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, ErrInvalidCursor
	}

	key, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Position{}, ErrInvalidCursor
	}

	micros, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return Position{}, ErrInvalidCursor
	}

	return Position{Key: time.UnixMicro(micros).UTC(), ID: id}, nil
}
