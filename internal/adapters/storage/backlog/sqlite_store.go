package backlog

import (
	"context"
	"fmt"
	"time"

	"studio/internal/adapters/storage"
)

const dateLayout = time.RFC3339Nano

// SQLiteStore keeps the backlog in the local SQLite database.
type SQLiteStore struct {
	db storage.SQLDB
}

// Compile-time check that *SQLiteStore satisfies Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a backlog store.
func NewSQLiteStore(db storage.SQLDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Add implements Store.
func (s *SQLiteStore) Add(ctx context.Context, r Row) error {
	if r.Table == "" || r.ID == "" {
		return fmt.Errorf("backlog row %q/%q: table and id are required", r.Table, r.ID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_backlog (table_name, row_id, deleted, queued_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(table_name, row_id) DO UPDATE SET
		   deleted=excluded.deleted, queued_at=excluded.queued_at`,
		r.Table, r.ID, r.Deleted, r.QueuedAt.UTC().Format(dateLayout))
	if err != nil {
		return fmt.Errorf("add backlog row %s: %w", r.Key(), err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, row_id, deleted, queued_at FROM sync_backlog ORDER BY queued_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var queuedAt string
		if err := rows.Scan(&r.Table, &r.ID, &r.Deleted, &queuedAt); err != nil {
			return nil, err
		}
		if r.QueuedAt, err = time.Parse(dateLayout, queuedAt); err != nil {
			return nil, fmt.Errorf("backlog row %s queued_at: %w", r.Key(), err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, table, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_backlog WHERE table_name = ? AND row_id = ?`, table, id); err != nil {
		return fmt.Errorf("remove backlog row %s/%s: %w", table, id, err)
	}
	return nil
}
