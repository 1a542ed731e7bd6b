package pagination

import (
	"context"
	"time"

	"github.com/storely/concierge-go/internal/store"
)

// MessageReader is the slice of the store the paginator needs.
type MessageReader interface {
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	GetOlderMessages(ctx context.Context, conversationID string, beforeTime time.Time, beforeID string, limit int) ([]store.Message, error)
}

// Page is one slice of history, ascending, plus the cursor for the next
// older slice. NextCursor is nil once the page comes back empty.
type Page struct {
	Messages   []store.Message
	NextCursor *Cursor
}

// Paginator walks a conversation's history backward in cursor-delimited pages.
type Paginator struct {
	Store        MessageReader
	MaxLimit     int
	DefaultLimit int
}

// Page fetches the most recent messages when cursor is nil, or the messages
// immediately older than the cursor position otherwise. The next cursor is
// derived from the oldest message in the returned page, so repeated calls
// visit every message exactly once even while new messages are appended.
func (p *Paginator) Page(ctx context.Context, conversationID string, cursor *Cursor, limit int) (Page, error) {
	if limit <= 0 {
		limit = p.DefaultLimit
	}
	if limit <= 0 || (p.MaxLimit > 0 && limit > p.MaxLimit) {
		limit = p.MaxLimit
	}

	var (
		msgs []store.Message
		err  error
	)
	if cursor == nil {
		msgs, err = p.Store.GetRecentMessages(ctx, conversationID, limit)
	} else {
		msgs, err = p.Store.GetOlderMessages(ctx, conversationID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return Page{}, err
	}
	if len(msgs) == 0 {
		return Page{}, nil
	}

	oldest := msgs[0]
	return Page{
		Messages:   msgs,
		NextCursor: &Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID},
	}, nil
}
