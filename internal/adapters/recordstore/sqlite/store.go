// Package sqlite implements the on-device fallback RecordStore.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/recordstore/changefeed"
	"studio/internal/adapters/storage"
)

// queryer is satisfied by storage.SQLDB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store keeps the synchronized tables in SQLite and announces every write
// on its broadcaster. Values come back as strings, or nil for NULL.
type Store struct {
	db   storage.SQLDB
	feed changefeed.Broadcaster
}

// Compile-time check that *Store satisfies recordstore.RecordStore.
var _ recordstore.RecordStore = (*Store)(nil)

// New creates a store over an initialized database.
// PRE: storage.InitDB has run on db; feed nil selects an in-process hub
// POST: Returns a ready store
func New(db storage.SQLDB, feed changefeed.Broadcaster) *Store {
	if feed == nil {
		feed = changefeed.NewHub()
	}
	return &Store{db: db, feed: feed}
}

// Select implements recordstore.RecordStore.
func (s *Store) Select(ctx context.Context, table string, filter recordstore.Filter) ([]recordstore.Record, error) {
	return selectRows(ctx, s.db, table, filter)
}

// Insert implements recordstore.RecordStore. Rows without an id get a UUID.
func (s *Store) Insert(ctx context.Context, table string, records []recordstore.Record) ([]recordstore.Record, error) {
	if err := recordstore.CheckTable(table); err != nil {
		return nil, err
	}
	inserted := make([]recordstore.Record, 0, len(records))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			row := normalize(rec)
			if row.String("id") == "" {
				row["id"] = uuid.New().String()
			}
			cols, err := recordstore.CheckColumns(table, row)
			if err != nil {
				return err
			}
			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(len(cols)))
			if _, err := tx.ExecContext(ctx, query, argsOf(row, cols)...); err != nil {
				return writeError("insert", table, err)
			}
			inserted = append(inserted, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, row := range inserted {
		s.publish(ctx, recordstore.ChangeEvent{Table: table, Type: recordstore.EventInsert, New: row})
	}
	return inserted, nil
}

// Update implements recordstore.RecordStore.
func (s *Store) Update(ctx context.Context, table string, filter recordstore.Filter, patch recordstore.Record) ([]recordstore.Record, error) {
	patch = normalize(patch)
	cols, err := recordstore.CheckColumns(table, patch)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", table)
	}
	where, whereArgs, err := whereClause(table, filter)
	if err != nil {
		return nil, err
	}

	var before []recordstore.Record
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if before, err = selectRows(ctx, tx, table, filter); err != nil {
			return err
		}
		if len(before) == 0 {
			return nil
		}
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = c + " = ?"
		}
		query := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), where)
		args := append(argsOf(patch, cols), whereArgs...)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return writeError("update", table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	after := make([]recordstore.Record, len(before))
	for i, old := range before {
		row := old.Clone()
		for k, v := range patch {
			row[k] = v
		}
		after[i] = row
		s.publish(ctx, recordstore.ChangeEvent{Table: table, Type: recordstore.EventUpdate, New: row, Old: old})
	}
	return after, nil
}

// Delete implements recordstore.RecordStore.
func (s *Store) Delete(ctx context.Context, table string, filter recordstore.Filter) error {
	if len(filter) == 0 {
		return fmt.Errorf("delete %s: refusing to delete without a filter", table)
	}
	where, whereArgs, err := whereClause(table, filter)
	if err != nil {
		return err
	}
	var removed []recordstore.Record
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if removed, err = selectRows(ctx, tx, table, filter); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+where, whereArgs...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, old := range removed {
		s.publish(ctx, recordstore.ChangeEvent{Table: table, Type: recordstore.EventDelete, Old: old})
	}
	return nil
}

// Upsert implements recordstore.RecordStore.
// PRE: conflictKey is a column with a unique constraint
func (s *Store) Upsert(ctx context.Context, table string, records []recordstore.Record, conflictKey string) ([]recordstore.Record, error) {
	if _, err := recordstore.CheckColumns(table, map[string]any{conflictKey: nil}); err != nil {
		return nil, err
	}
	var events []recordstore.ChangeEvent
	out := make([]recordstore.Record, 0, len(records))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			row := normalize(rec)
			if conflictKey == "id" && row.String("id") == "" {
				row["id"] = uuid.New().String()
			}
			cols, err := recordstore.CheckColumns(table, row)
			if err != nil {
				return err
			}
			existing, err := selectRows(ctx, tx, table, recordstore.Filter{conflictKey: row[conflictKey]})
			if err != nil {
				return err
			}

			var updates []string
			for _, c := range cols {
				if c != conflictKey {
					updates = append(updates, c+" = excluded."+c)
				}
			}
			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(len(cols)))
			if len(updates) > 0 {
				query += fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", conflictKey, strings.Join(updates, ", "))
			} else {
				query += fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", conflictKey)
			}
			if _, err := tx.ExecContext(ctx, query, argsOf(row, cols)...); err != nil {
				return writeError("upsert", table, err)
			}

			if len(existing) == 0 {
				events = append(events, recordstore.ChangeEvent{Table: table, Type: recordstore.EventInsert, New: row})
				out = append(out, row)
				continue
			}
			merged := existing[0].Clone()
			for k, v := range row {
				merged[k] = v
			}
			events = append(events, recordstore.ChangeEvent{Table: table, Type: recordstore.EventUpdate, New: merged, Old: existing[0]})
			out = append(out, merged)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		s.publish(ctx, ev)
	}
	return out, nil
}

// Subscribe implements recordstore.RecordStore.
func (s *Store) Subscribe(ctx context.Context, table string) (<-chan recordstore.ChangeEvent, error) {
	return s.feed.Subscribe(ctx, table)
}

// Ping implements recordstore.RecordStore.
func (s *Store) Ping(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT 1")
	if err != nil {
		return err
	}
	return rows.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// publish announces a committed write. The write already happened, so a
// broadcast failure is only logged.
func (s *Store) publish(ctx context.Context, ev recordstore.ChangeEvent) {
	if err := s.feed.Publish(ctx, ev); err != nil {
		slog.Warn("store_event", "event", "change_publish_failed", "table", ev.Table, "type", string(ev.Type), "error", err)
	}
}

func selectRows(ctx context.Context, q queryer, table string, filter recordstore.Filter) ([]recordstore.Record, error) {
	if err := recordstore.CheckTable(table); err != nil {
		return nil, err
	}
	where, args, err := whereClause(table, filter)
	if err != nil {
		return nil, err
	}
	cols := recordstore.Columns[table]
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY rowid", strings.Join(cols, ", "), table, where)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()
	return scanRecords(rows, cols)
}

func scanRecords(rows *sql.Rows, cols []string) ([]recordstore.Record, error) {
	var out []recordstore.Record
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(recordstore.Record, len(cols))
		for i, c := range cols {
			if vals[i].Valid {
				rec[c] = vals[i].String
			} else {
				rec[c] = nil
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func whereClause(table string, filter recordstore.Filter) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	f := normalize(recordstore.Record(filter))
	cols, err := recordstore.CheckColumns(table, f)
	if err != nil {
		return "", nil, err
	}
	conds := make([]string, 0, len(cols))
	var args []any
	for _, c := range cols {
		if f[c] == nil {
			conds = append(conds, c+" IS NULL")
			continue
		}
		conds = append(conds, c+" = ?")
		args = append(args, f[c])
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// normalize stores times as UTC RFC 3339 text; the zero time becomes NULL.
func normalize(rec recordstore.Record) recordstore.Record {
	out := make(recordstore.Record, len(rec))
	for k, v := range rec {
		switch t := v.(type) {
		case time.Time:
			if t.IsZero() {
				out[k] = nil
			} else {
				out[k] = t.UTC().Format(time.RFC3339Nano)
			}
		default:
			out[k] = v
		}
	}
	return out
}

// writeError marks unique-constraint failures as recordstore.ErrConflict.
func writeError(op, table string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s %s: %w: %w", op, table, recordstore.ErrConflict, err)
	}
	return fmt.Errorf("%s %s: %w", op, table, err)
}

func argsOf(row recordstore.Record, cols []string) []any {
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	return args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
