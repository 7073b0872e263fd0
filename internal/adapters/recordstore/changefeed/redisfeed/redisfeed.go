// Package redisfeed broadcasts local store changes over Redis Pub/Sub so
// several processes sharing one fallback database see each other's writes.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/recordstore/changefeed"
)

// DefaultPrefix namespaces the Pub/Sub channels, one per table.
const DefaultPrefix = "studio:changes:"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
// PRE: opts.Addr is non-empty
// POST: Returns a client that answered PING within 5s
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Broadcaster publishes change events to Redis channels.
type Broadcaster struct {
	client *redis.Client
	prefix string
}

// Compile-time check that *Broadcaster satisfies changefeed.Broadcaster.
var _ changefeed.Broadcaster = (*Broadcaster)(nil)

// New returns a broadcaster on client. An empty prefix selects DefaultPrefix.
func New(client *redis.Client, prefix string) *Broadcaster {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Broadcaster{client: client, prefix: prefix}
}

// Channel returns the Pub/Sub channel of table.
func (b *Broadcaster) Channel(table string) string {
	return b.prefix + table
}

// Publish sends ev as JSON on its table's channel.
func (b *Broadcaster) Publish(ctx context.Context, ev recordstore.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(ev.Table), data).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe streams events of table until ctx is cancelled.
// PRE: table is a known table
// POST: The subscription is confirmed before returning; the channel closes after ctx is done
func (b *Broadcaster) Subscribe(ctx context.Context, table string) (<-chan recordstore.ChangeEvent, error) {
	if err := recordstore.CheckTable(table); err != nil {
		return nil, err
	}
	sub := b.client.Subscribe(ctx, b.Channel(table))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.Channel(table), err)
	}

	out := make(chan recordstore.ChangeEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev recordstore.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("store_event", "event", "change_undecodable", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
