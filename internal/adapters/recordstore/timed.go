package recordstore

import (
	"context"
	"log/slog"
	"time"

	"studio/internal/adapters/http/perf"
)

// Timed records the duration and outcome of every operation of a store.
// Subscribe is not timed: it stays open for the life of the feed.
type Timed struct {
	next      RecordStore
	name      string // "remote" or "local"
	collector *perf.Collector
}

// Compile-time check that *Timed satisfies RecordStore.
var _ RecordStore = (*Timed)(nil)

// NewTimed wraps next.
// PRE: next is non-nil; collector may be nil
func NewTimed(next RecordStore, name string, collector *perf.Collector) *Timed {
	return &Timed{next: next, name: name, collector: collector}
}

func (t *Timed) record(op string, start time.Time, err error) {
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	label := t.name + "." + op
	if err != nil {
		slog.Debug("store_event", "event", "op_failed", "op", label, "duration_ms", durationMs, "error", err)
	}
	if t.collector != nil {
		t.collector.Record(perf.Entry{
			Kind:       perf.KindStore,
			Path:       label,
			Failed:     err != nil,
			DurationMs: durationMs,
			Timestamp:  start,
		})
	}
}

// Select implements RecordStore.
func (t *Timed) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	start := time.Now()
	rows, err := t.next.Select(ctx, table, filter)
	t.record("select "+table, start, err)
	return rows, err
}

// Insert implements RecordStore.
func (t *Timed) Insert(ctx context.Context, table string, records []Record) ([]Record, error) {
	start := time.Now()
	rows, err := t.next.Insert(ctx, table, records)
	t.record("insert "+table, start, err)
	return rows, err
}

// Update implements RecordStore.
func (t *Timed) Update(ctx context.Context, table string, filter Filter, patch Record) ([]Record, error) {
	start := time.Now()
	rows, err := t.next.Update(ctx, table, filter, patch)
	t.record("update "+table, start, err)
	return rows, err
}

// Delete implements RecordStore.
func (t *Timed) Delete(ctx context.Context, table string, filter Filter) error {
	start := time.Now()
	err := t.next.Delete(ctx, table, filter)
	t.record("delete "+table, start, err)
	return err
}

// Upsert implements RecordStore.
func (t *Timed) Upsert(ctx context.Context, table string, records []Record, conflictKey string) ([]Record, error) {
	start := time.Now()
	rows, err := t.next.Upsert(ctx, table, records, conflictKey)
	t.record("upsert "+table, start, err)
	return rows, err
}

// Subscribe implements RecordStore.
func (t *Timed) Subscribe(ctx context.Context, table string) (<-chan ChangeEvent, error) {
	return t.next.Subscribe(ctx, table)
}

// Ping implements RecordStore.
func (t *Timed) Ping(ctx context.Context) error {
	start := time.Now()
	err := t.next.Ping(ctx)
	t.record("ping", start, err)
	return err
}
