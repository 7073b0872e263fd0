// Package backlog remembers rows written to the local store while the remote
// store was out of reach, so they can be pushed once it is back.
package backlog

import (
	"context"
	"time"
)

// Row names one written row. Deleted marks a row removed locally; for users
// the removal covers the user's bookings too.
type Row struct {
	Table    string
	ID       string
	Deleted  bool
	QueuedAt time.Time
}

// Key identifies the row across tables.
func (r Row) Key() string {
	return r.Table + "/" + r.ID
}

// Store persists the backlog.
type Store interface {
	// Add records r, replacing an earlier entry for the same row.
	// PRE: r.Table and r.ID are non-empty
	Add(ctx context.Context, r Row) error

	// List returns every entry, oldest first.
	List(ctx context.Context) ([]Row, error)

	// Remove forgets the entry for a row; a missing entry is not an error.
	Remove(ctx context.Context, table, id string) error
}
