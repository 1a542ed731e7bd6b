// Package pagination provides opaque cursors over a conversation's ordered
// message log and the backward-walking paginator that uses them.
package pagination

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCursor marks a pagination token that could not be parsed.
// Malformed cursors are refused outright: treating one as "no cursor" would
// silently return the wrong page.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor points at a position in a conversation's message sequence. It is
// always derived from a message actually returned to the caller. An empty ID
// means a legacy single-segment cursor compared on timestamp alone.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode serializes the cursor to its wire form, "<RFC3339Nano>|<uuid>".
func (c Cursor) Encode() string {
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
}

// Decode parses a wire-format cursor. A bare timestamp (no "|" segment) is
// accepted for backward compatibility with cursors minted by older builds.
func Decode(raw string) (Cursor, error) {
	tsPart := raw
	idPart := ""
	if i := strings.IndexByte(raw, '|'); i >= 0 {
		tsPart, idPart = raw[:i], raw[i+1:]
		if idPart == "" {
			return Cursor{}, fmt.Errorf("%w: empty id segment", ErrInvalidCursor)
		}
		if _, err := uuid.Parse(idPart); err != nil {
			return Cursor{}, fmt.Errorf("%w: id segment is not a UUID", ErrInvalidCursor)
		}
	}

	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidCursor, tsPart)
	}
	return Cursor{CreatedAt: ts, ID: idPart}, nil
}
