package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Table names shared by every backend.
const (
	TableUsers    = "users"
	TableCourses  = "courses"
	TableBookings = "bookings"
)

// Tables lists the synchronized tables in load order.
var Tables = []string{TableUsers, TableCourses, TableBookings}

// Columns is the column allow-list per table. Backends build SQL only from these names.
var Columns = map[string][]string{
	TableUsers:    {"id", "first_name", "last_name", "email", "username", "password_hash", "role", "created_at"},
	TableCourses:  {"id", "name", "time", "date", "date_display", "day_of_week"},
	TableBookings: {"id", "user_id", "course_id", "status", "timestamp", "cancelled_at", "cancelled_by"},
}

// Errors
var (
	ErrUnavailable   = errors.New("record store unavailable")
	ErrConflict      = errors.New("row conflicts with a unique constraint")
	ErrUnknownTable  = errors.New("unknown table")
	ErrUnknownColumn = errors.New("unknown column")
)

// Record is one row keyed by column name.
type Record map[string]any

// Filter matches rows whose columns equal every given value.
type Filter map[string]any

// EventType names the kind of row change.
type EventType string

// Change event types.
const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent describes one row change delivered by a change feed.
// Old is set for updates and deletes, New for inserts and updates.
type ChangeEvent struct {
	Table string    `json:"table"`
	Type  EventType `json:"type"`
	New   Record    `json:"record,omitempty"`
	Old   Record    `json:"old_record,omitempty"`
}

// RecordStore is a table-oriented persistence backend with a change feed.
type RecordStore interface {
	// Select returns rows of table matching filter; an empty filter returns all rows.
	Select(ctx context.Context, table string, filter Filter) ([]Record, error)

	// Insert adds rows and returns them as stored, ids included.
	Insert(ctx context.Context, table string, records []Record) ([]Record, error)

	// Update applies patch to every row matching filter and returns the updated rows.
	Update(ctx context.Context, table string, filter Filter, patch Record) ([]Record, error)

	// Delete removes every row matching filter.
	// PRE: filter is non-empty
	Delete(ctx context.Context, table string, filter Filter) error

	// Upsert inserts rows or overwrites the row sharing conflictKey.
	Upsert(ctx context.Context, table string, records []Record, conflictKey string) ([]Record, error)

	// Subscribe streams changes to table until ctx is cancelled; the channel is then closed.
	Subscribe(ctx context.Context, table string) (<-chan ChangeEvent, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// CheckTable returns ErrUnknownTable for names outside Columns.
func CheckTable(table string) error {
	if _, ok := Columns[table]; !ok {
		return fmt.Errorf("%q: %w", table, ErrUnknownTable)
	}
	return nil
}

// CheckColumns verifies that every key of fields belongs to table and
// returns the keys in sorted order.
func CheckColumns(table string, fields map[string]any) ([]string, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(Columns[table]))
	for _, c := range Columns[table] {
		allowed[c] = true
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !allowed[k] {
			return nil, fmt.Errorf("%s.%s: %w", table, k, ErrUnknownColumn)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the column value as a string, or "" when absent or not a string.
func (r Record) String(column string) string {
	s, _ := r[column].(string)
	return s
}
