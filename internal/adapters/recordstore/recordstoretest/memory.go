// Package recordstoretest provides an in-memory RecordStore for tests.
package recordstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/recordstore/changefeed"
)

// ErrDown is returned by every call while the store is marked down.
var ErrDown = errors.New("memory store is down")

// Memory keeps rows per table in insertion order and announces writes on a hub.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]recordstore.Record
	down   bool
	failOn map[string]error // op name → error
	calls  map[string]int
	hub    *changefeed.Hub
	hang   bool
}

// Compile-time check that *Memory satisfies recordstore.RecordStore.
var _ recordstore.RecordStore = (*Memory)(nil)

// NewMemory returns an empty, reachable store.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string][]recordstore.Record),
		failOn: make(map[string]error),
		calls:  make(map[string]int),
		hub:    changefeed.NewHub(),
	}
}

// SetDown makes every call fail with ErrDown until called with false.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetHanging makes Ping block until its context ends, like an unreachable host.
func (m *Memory) SetHanging(hang bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hang = hang
}

// FailOn makes the named operation ("insert", "update", "delete", "upsert", "select") return err.
// A nil err clears the failure.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, op)
		return
	}
	m.failOn[op] = err
}

// Calls returns how often op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Rows returns a copy of table's rows.
func (m *Memory) Rows(table string) []recordstore.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordstore.Record, len(m.tables[table]))
	for i, r := range m.tables[table] {
		out[i] = r.Clone()
	}
	return out
}

// Seed stores rows without announcing them.
func (m *Memory) Seed(table string, rows ...recordstore.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], r.Clone())
	}
}

// Emit announces ev to subscribers as if another client had written it.
func (m *Memory) Emit(ctx context.Context, ev recordstore.ChangeEvent) {
	_ = m.hub.Publish(ctx, ev)
}

// Subscribers returns the number of open subscriptions on table.
func (m *Memory) Subscribers(table string) int {
	return m.hub.Subscribers(table)
}

func (m *Memory) enter(op, table string) error {
	m.calls[op]++
	if m.down {
		return fmt.Errorf("%s %s: %w", op, table, ErrDown)
	}
	if err := m.failOn[op]; err != nil {
		return err
	}
	return recordstore.CheckTable(table)
}

// Select implements recordstore.RecordStore.
func (m *Memory) Select(_ context.Context, table string, filter recordstore.Filter) ([]recordstore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("select", table); err != nil {
		return nil, err
	}
	var out []recordstore.Record
	for _, r := range m.tables[table] {
		if matches(r, filter) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// Insert implements recordstore.RecordStore.
func (m *Memory) Insert(ctx context.Context, table string, records []recordstore.Record) ([]recordstore.Record, error) {
	m.mu.Lock()
	if err := m.enter("insert", table); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var out []recordstore.Record
	for _, rec := range records {
		row := rec.Clone()
		if row.String("id") == "" {
			row["id"] = uuid.New().String()
		}
		for _, existing := range m.tables[table] {
			if existing.String("id") == row.String("id") {
				m.mu.Unlock()
				return nil, fmt.Errorf("insert %s: %w", table, recordstore.ErrConflict)
			}
		}
		m.tables[table] = append(m.tables[table], row)
		out = append(out, row.Clone())
	}
	m.mu.Unlock()
	for _, row := range out {
		m.Emit(ctx, recordstore.ChangeEvent{Table: table, Type: recordstore.EventInsert, New: row})
	}
	return out, nil
}

// Update implements recordstore.RecordStore.
func (m *Memory) Update(ctx context.Context, table string, filter recordstore.Filter, patch recordstore.Record) ([]recordstore.Record, error) {
	m.mu.Lock()
	if err := m.enter("update", table); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var events []recordstore.ChangeEvent
	var out []recordstore.Record
	for i, r := range m.tables[table] {
		if !matches(r, filter) {
			continue
		}
		old := r.Clone()
		for k, v := range patch {
			r[k] = v
		}
		m.tables[table][i] = r
		out = append(out, r.Clone())
		events = append(events, recordstore.ChangeEvent{Table: table, Type: recordstore.EventUpdate, New: r.Clone(), Old: old})
	}
	m.mu.Unlock()
	for _, ev := range events {
		m.Emit(ctx, ev)
	}
	return out, nil
}

// Delete implements recordstore.RecordStore.
func (m *Memory) Delete(ctx context.Context, table string, filter recordstore.Filter) error {
	m.mu.Lock()
	if err := m.enter("delete", table); err != nil {
		m.mu.Unlock()
		return err
	}
	var kept []recordstore.Record
	var events []recordstore.ChangeEvent
	for _, r := range m.tables[table] {
		if len(filter) > 0 && matches(r, filter) {
			events = append(events, recordstore.ChangeEvent{Table: table, Type: recordstore.EventDelete, Old: r.Clone()})
			continue
		}
		kept = append(kept, r)
	}
	m.tables[table] = kept
	m.mu.Unlock()
	for _, ev := range events {
		m.Emit(ctx, ev)
	}
	return nil
}

// Upsert implements recordstore.RecordStore.
func (m *Memory) Upsert(ctx context.Context, table string, records []recordstore.Record, conflictKey string) ([]recordstore.Record, error) {
	m.mu.Lock()
	if err := m.enter("upsert", table); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var out []recordstore.Record
	var events []recordstore.ChangeEvent
	for _, rec := range records {
		row := rec.Clone()
		replaced := false
		for i, existing := range m.tables[table] {
			if existing[conflictKey] == row[conflictKey] {
				merged := existing.Clone()
				for k, v := range row {
					merged[k] = v
				}
				m.tables[table][i] = merged
				out = append(out, merged.Clone())
				events = append(events, recordstore.ChangeEvent{Table: table, Type: recordstore.EventUpdate, New: merged.Clone(), Old: existing.Clone()})
				replaced = true
				break
			}
		}
		if !replaced {
			m.tables[table] = append(m.tables[table], row)
			out = append(out, row.Clone())
			events = append(events, recordstore.ChangeEvent{Table: table, Type: recordstore.EventInsert, New: row.Clone()})
		}
	}
	m.mu.Unlock()
	for _, ev := range events {
		m.Emit(ctx, ev)
	}
	return out, nil
}

// Subscribe implements recordstore.RecordStore.
func (m *Memory) Subscribe(ctx context.Context, table string) (<-chan recordstore.ChangeEvent, error) {
	m.mu.Lock()
	err := m.enter("subscribe", table)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.hub.Subscribe(ctx, table)
}

// Ping implements recordstore.RecordStore.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.calls["ping"]++
	down, hang := m.down, m.hang
	m.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if down {
		return ErrDown
	}
	return ctx.Err()
}

func matches(r recordstore.Record, filter recordstore.Filter) bool {
	for k, v := range filter {
		if r[k] != v {
			return false
		}
	}
	return true
}
