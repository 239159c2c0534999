// Package mailbox turns stored mail into domain.RawMessage values. Live
// IMAP access is handled elsewhere; this package reads exported mbox files.
package mailbox

import (
	"context"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
)

// Query selects messages from one mailbox folder and date range. Zero
// times leave that side of the range open.
type Query struct {
	Mailbox string
	Folder  string
	Since   time.Time
	Until   time.Time
}

// Matches reports whether t falls inside the range, Since inclusive and
// Until exclusive.
func (q Query) Matches(t time.Time) bool {
	if !q.Since.IsZero() && t.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !t.Before(q.Until) {
		return false
	}
	return true
}

// Source yields messages for a query.
type Source interface {
	Fetch(ctx context.Context, q Query) ([]domain.RawMessage, error)
}
