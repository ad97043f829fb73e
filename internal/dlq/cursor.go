package dlq

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor is a position in the open-entry listing.
// Format: base64("<created_at_ms>|<entry_id>")
// Keyset pagination over (created_at_ms, id) never skips or repeats
// entries while new ones are being parked.
type Cursor struct {
	Ms int64  // creation time, Unix milliseconds
	ID string // entry id, tie breaker within the same millisecond
}

// CursorFor returns the cursor positioned at the given entry.
func CursorFor(e *Entry) Cursor {
	return Cursor{Ms: e.CreatedAt.UnixMilli(), ID: e.ID}
}

// Less orders cursors by creation time, then id.
func (c Cursor) Less(o Cursor) bool {
	if c.Ms != o.Ms {
		return c.Ms < o.Ms
	}
	return c.ID < o.ID
}

// EncodeCursor creates a base64-encoded cursor string.
// Returns empty string for the zero-value cursor.
func EncodeCursor(c Cursor) string {
	if c.Ms == 0 && c.ID == "" {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Ms, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor string.
// Returns the zero-value cursor and false if invalid or empty.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	ms, id, ok := strings.Cut(string(b), "|")
	if !ok || id == "" {
		return Cursor{}, false
	}

	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	return Cursor{Ms: n, ID: id}, true
}
