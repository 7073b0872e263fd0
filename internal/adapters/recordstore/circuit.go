package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
)

// CircuitConfig tunes the breaker in front of a remote store.
type CircuitConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	OpenTimeout      time.Duration // how long the circuit stays open before probing
}

// DefaultCircuitConfig opens after 3 consecutive failures and tries again after 30s.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{FailureThreshold: 3, OpenTimeout: 30 * time.Second}
}

// Circuit decorates a RecordStore with a circuit breaker. Every failure of
// the wrapped store, including an open circuit, is reported as ErrUnavailable.
// Rejections (ErrConflict, unknown names) are answers from a healthy store:
// they pass through unwrapped and do not count against the breaker.
// Calls are never retried.
type Circuit struct {
	next    RecordStore
	breaker circuitbreaker.CircuitBreaker[[]Record]
}

// Compile-time check that *Circuit satisfies RecordStore.
var _ RecordStore = (*Circuit)(nil)

// NewCircuit wraps next.
// PRE: next is non-nil
// POST: Returns a store sharing one breaker across all operations
func NewCircuit(next RecordStore, cfg CircuitConfig) *Circuit {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultCircuitConfig().OpenTimeout
	}
	return &Circuit{
		next: next,
		breaker: circuitbreaker.New[[]Record](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return int(counts.ConsecutiveFailures) >= cfg.FailureThreshold
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				slog.Warn("store_event",
					"event", "circuit_state_change",
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

func (c *Circuit) run(ctx context.Context, op string, fn func(ctx context.Context) ([]Record, error)) ([]Record, error) {
	var rejected error
	out, err := c.breaker.Execute(ctx, func(ctx context.Context) ([]Record, error) {
		rows, err := fn(ctx)
		if isRejection(err) {
			rejected = err
			return nil, nil
		}
		return rows, err
	})
	if rejected != nil {
		return nil, rejected
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return out, nil
}

func isRejection(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnknownTable) || errors.Is(err, ErrUnknownColumn)
}

// Select implements RecordStore.
func (c *Circuit) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	return c.run(ctx, "select "+table, func(ctx context.Context) ([]Record, error) {
		return c.next.Select(ctx, table, filter)
	})
}

// Insert implements RecordStore.
func (c *Circuit) Insert(ctx context.Context, table string, records []Record) ([]Record, error) {
	return c.run(ctx, "insert "+table, func(ctx context.Context) ([]Record, error) {
		return c.next.Insert(ctx, table, records)
	})
}

// Update implements RecordStore.
func (c *Circuit) Update(ctx context.Context, table string, filter Filter, patch Record) ([]Record, error) {
	return c.run(ctx, "update "+table, func(ctx context.Context) ([]Record, error) {
		return c.next.Update(ctx, table, filter, patch)
	})
}

// Delete implements RecordStore.
func (c *Circuit) Delete(ctx context.Context, table string, filter Filter) error {
	_, err := c.run(ctx, "delete "+table, func(ctx context.Context) ([]Record, error) {
		return nil, c.next.Delete(ctx, table, filter)
	})
	return err
}

// Upsert implements RecordStore.
func (c *Circuit) Upsert(ctx context.Context, table string, records []Record, conflictKey string) ([]Record, error) {
	return c.run(ctx, "upsert "+table, func(ctx context.Context) ([]Record, error) {
		return c.next.Upsert(ctx, table, records, conflictKey)
	})
}

// Ping implements RecordStore.
func (c *Circuit) Ping(ctx context.Context) error {
	_, err := c.run(ctx, "ping", func(ctx context.Context) ([]Record, error) {
		return nil, c.next.Ping(ctx)
	})
	return err
}

// Subscribe bypasses the breaker; a failed subscription is still reported as ErrUnavailable.
func (c *Circuit) Subscribe(ctx context.Context, table string) (<-chan ChangeEvent, error) {
	ch, err := c.next.Subscribe(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %w", table, ErrUnavailable, err)
	}
	return ch, nil
}
