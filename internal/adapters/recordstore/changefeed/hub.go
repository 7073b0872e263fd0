// Package changefeed fans row changes of a local store out to subscribers.
package changefeed

import (
	"context"
	"log/slog"
	"sync"

	"studio/internal/adapters/recordstore"
)

// subscriberBuffer bounds the events queued for one slow subscriber.
const subscriberBuffer = 256

// Broadcaster delivers published change events to the subscribers of a table.
type Broadcaster interface {
	Publish(ctx context.Context, ev recordstore.ChangeEvent) error
	Subscribe(ctx context.Context, table string) (<-chan recordstore.ChangeEvent, error)
}

// Hub is the in-process Broadcaster.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan recordstore.ChangeEvent]struct{}
}

// Compile-time check that *Hub satisfies Broadcaster.
var _ Broadcaster = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan recordstore.ChangeEvent]struct{})}
}

// Publish hands ev to every subscriber of ev.Table without blocking.
// A subscriber whose buffer is full misses the event; the drop is logged.
func (h *Hub) Publish(_ context.Context, ev recordstore.ChangeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.Table] {
		select {
		case ch <- ev:
		default:
			slog.Warn("store_event", "event", "change_dropped", "table", ev.Table, "type", string(ev.Type))
		}
	}
	return nil
}

// Subscribe registers a subscriber for table until ctx is cancelled.
// PRE: table is a known table
// POST: The returned channel is closed after ctx is done
func (h *Hub) Subscribe(ctx context.Context, table string) (<-chan recordstore.ChangeEvent, error) {
	if err := recordstore.CheckTable(table); err != nil {
		return nil, err
	}
	ch := make(chan recordstore.ChangeEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[table] == nil {
		h.subs[table] = make(map[chan recordstore.ChangeEvent]struct{})
	}
	h.subs[table][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[table], ch)
		h.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Subscribers returns the number of live subscribers of table.
func (h *Hub) Subscribers(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[table])
}
