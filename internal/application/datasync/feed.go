package datasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"studio/internal/adapters/recordstore"
	"studio/internal/application/projections"
	"studio/internal/application/state"
	"studio/internal/domain/booking"
)

// ErrUnknownEvent is returned for change events the feed does not understand.
var ErrUnknownEvent = errors.New("unknown change event")

// Dispatcher refreshes projections after a mutation.
type Dispatcher interface {
	Dispatch(ctx context.Context, m projections.Mutation) []projections.Key
}

// FeedDeps holds dependencies for the change feed.
type FeedDeps struct {
	Gateway     *Gateway
	Collections *state.Collections
	Dispatcher  Dispatcher
	Location    *time.Location
}

// RunFeed subscribes to every synchronized table on the active store and
// applies events until ctx ends or every subscription closes.
// The subscriptions stay on the store that was active when RunFeed started.
// PRE: Load has run
// POST: Returns nil on ctx cancellation; subscription errors are returned, not retried
func RunFeed(ctx context.Context, deps FeedDeps) error {
	chans := make([]<-chan recordstore.ChangeEvent, 0, len(recordstore.Tables))
	for _, table := range recordstore.Tables {
		ch, err := deps.Gateway.Subscribe(ctx, table)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", table, err)
		}
		chans = append(chans, ch)
	}
	slog.Info("sync_event", "event", "feed_started", "mode", string(deps.Gateway.Mode()))

	merged := make(chan recordstore.ChangeEvent)
	done := make(chan struct{}, len(chans))
	for _, ch := range chans {
		go func(ch <-chan recordstore.ChangeEvent) {
			defer func() { done <- struct{}{} }()
			for ev := range ch {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	open := len(chans)
	for open > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			open--
		case ev := <-merged:
			if _, err := ApplyChange(ctx, ev, deps); err != nil {
				slog.Warn("sync_event", "event", "change_dropped", "table", ev.Table, "type", string(ev.Type), "error", err)
			}
		}
	}
	slog.Info("sync_event", "event", "feed_closed")
	return nil
}

// ApplyChange merges one change event into the collections through the same
// mutators local operations use, then refreshes projections as the system actor.
// An insert or update carrying an id already present replaces that entry, so
// echoes of this process's own writes are harmless.
// POST: Returns the dispatched mutation; its Kind is empty when nothing needed refreshing
func ApplyChange(ctx context.Context, ev recordstore.ChangeEvent, deps FeedDeps) (m projections.Mutation, err error) {
	switch ev.Table {
	case recordstore.TableUsers:
		m, err = applyUser(ev, deps.Collections)
	case recordstore.TableBookings:
		m, err = applyBooking(ev, deps.Collections)
	case recordstore.TableCourses:
		m, err = applyCourse(ev, deps)
	default:
		err = fmt.Errorf("table %q: %w", ev.Table, ErrUnknownEvent)
	}
	if err != nil || m.Kind == "" {
		return m, err
	}
	m.ActorIsAdmin = true
	deps.Dispatcher.Dispatch(ctx, m)
	return m, nil
}

func applyUser(ev recordstore.ChangeEvent, c *state.Collections) (projections.Mutation, error) {
	switch ev.Type {
	case recordstore.EventInsert, recordstore.EventUpdate:
		u, err := UserFromRecord(ev.New)
		if err != nil {
			return projections.Mutation{}, err
		}
		_, existed := c.User(u.ID)
		c.PutUser(u)
		if existed {
			return projections.Mutation{Kind: projections.UserUpdated, UserID: u.ID}, nil
		}
		return projections.Mutation{Kind: projections.UserAdded, UserID: u.ID}, nil
	case recordstore.EventDelete:
		id := ev.Old.String("id")
		if _, _, ok := c.RemoveUser(id); !ok {
			return projections.Mutation{}, nil
		}
		return projections.Mutation{Kind: projections.UserDeleted, UserID: id}, nil
	}
	return projections.Mutation{}, fmt.Errorf("users %q: %w", ev.Type, ErrUnknownEvent)
}

func applyBooking(ev recordstore.ChangeEvent, c *state.Collections) (projections.Mutation, error) {
	switch ev.Type {
	case recordstore.EventInsert, recordstore.EventUpdate:
		b, err := BookingFromRecord(ev.New)
		if err != nil {
			return projections.Mutation{}, err
		}
		prev, existed := c.Booking(b.ID)
		if err := c.PutBooking(b); err != nil {
			return projections.Mutation{}, fmt.Errorf("booking %s: %w", b.ID, err)
		}
		switch {
		case !existed:
			return projections.Mutation{Kind: projections.BookingCreated, UserID: b.UserID}, nil
		case sameBooking(prev, b):
			return projections.Mutation{}, nil
		case b.Status == booking.StatusCancelled:
			return projections.Mutation{Kind: projections.BookingCancelled, UserID: b.UserID}, nil
		}
		return projections.Mutation{Kind: projections.BookingStatusChanged, UserID: b.UserID}, nil
	case recordstore.EventDelete:
		b, ok := c.RemoveBooking(ev.Old.String("id"))
		if !ok {
			return projections.Mutation{}, nil
		}
		return projections.Mutation{Kind: projections.BookingRemoved, UserID: b.UserID}, nil
	}
	return projections.Mutation{}, fmt.Errorf("bookings %q: %w", ev.Type, ErrUnknownEvent)
}

// applyCourse remembers courses written by other processes. The window itself
// is always generated locally, so no projection changes.
func applyCourse(ev recordstore.ChangeEvent, deps FeedDeps) (projections.Mutation, error) {
	if ev.Type == recordstore.EventDelete {
		return projections.Mutation{}, nil
	}
	s, err := SessionFromRecord(ev.New, deps.Location)
	if err != nil {
		return projections.Mutation{}, err
	}
	deps.Collections.PutCourses(s)
	return projections.Mutation{}, nil
}

// sameBooking compares timestamps at microsecond precision, the resolution
// Postgres stores, so our own writes echoed back are recognised.
func sameBooking(a, b booking.Booking) bool {
	return a.ID == b.ID && a.UserID == b.UserID && a.CourseID == b.CourseID &&
		a.Status == b.Status && a.CancelledBy == b.CancelledBy &&
		sameInstant(a.Timestamp, b.Timestamp) && sameInstant(a.CancelledAt, b.CancelledAt)
}

func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}
