package datasync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/recordstore/recordstoretest"
	"studio/internal/application/datasync"
	"studio/internal/application/projections"
	"studio/internal/application/state"
	"studio/internal/domain/account"
	"studio/internal/domain/booking"
)

// recordingDispatcher remembers dispatched mutations.
type recordingDispatcher struct {
	mu        sync.Mutex
	mutations []projections.Mutation
}

func (d *recordingDispatcher) Dispatch(_ context.Context, m projections.Mutation) []projections.Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutations = append(d.mutations, m)
	return nil
}

func (d *recordingDispatcher) all() []projections.Mutation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]projections.Mutation(nil), d.mutations...)
}

func bookingAt(id, userID, courseID string, ts time.Time) booking.Booking {
	return booking.New(id, userID, courseID, ts)
}

func feedDeps(c *state.Collections, d *recordingDispatcher) datasync.FeedDeps {
	return datasync.FeedDeps{
		Collections: c,
		Dispatcher:  d,
		Location:    cet,
	}
}

func insertEvent(b booking.Booking) recordstore.ChangeEvent {
	return recordstore.ChangeEvent{Table: recordstore.TableBookings, Type: recordstore.EventInsert, New: datasync.BookingToRecord(b)}
}

func TestApplyChange_BookingLifecycle(t *testing.T) {
	c := state.NewCollections()
	d := &recordingDispatcher{}
	deps := feedDeps(c, d)
	ctx := context.Background()

	b := bookingAt("b-1", "u-1", "c-1", t0)
	m, err := datasync.ApplyChange(ctx, insertEvent(b), deps)
	if err != nil || m.Kind != projections.BookingCreated || m.UserID != "u-1" || !m.ActorIsAdmin {
		t.Fatalf("insert: %+v, %v", m, err)
	}

	// the same row again (an echo of our own write) changes nothing
	m, err = datasync.ApplyChange(ctx, insertEvent(b), deps)
	if err != nil || m.Kind != "" {
		t.Errorf("echo: %+v, %v", m, err)
	}

	_ = b.Transition(booking.StatusCancelled, true, "admin", t0.Add(time.Hour))
	m, err = datasync.ApplyChange(ctx, recordstore.ChangeEvent{Table: recordstore.TableBookings, Type: recordstore.EventUpdate, New: datasync.BookingToRecord(b)}, deps)
	if err != nil || m.Kind != projections.BookingCancelled {
		t.Errorf("cancel: %+v, %v", m, err)
	}
	if got, _ := c.Booking("b-1"); got.CancelledBy != "admin" {
		t.Errorf("stored booking = %+v", got)
	}

	m, err = datasync.ApplyChange(ctx, recordstore.ChangeEvent{Table: recordstore.TableBookings, Type: recordstore.EventDelete, Old: recordstore.Record{"id": "b-1"}}, deps)
	if err != nil || m.Kind != projections.BookingRemoved {
		t.Errorf("delete: %+v, %v", m, err)
	}
	if len(d.all()) != 3 {
		t.Errorf("dispatched %d mutations, want 3", len(d.all()))
	}
}

func TestApplyChange_EchoAtStoredPrecisionChangesNothing(t *testing.T) {
	c := state.NewCollections()
	d := &recordingDispatcher{}
	deps := feedDeps(c, d)
	ctx := context.Background()

	local := bookingAt("b-1", "u-1", "c-1", t0.Add(123456789*time.Nanosecond))
	_ = local.Transition(booking.StatusCancelled, true, "admin", t0.Add(time.Hour+987654321*time.Nanosecond))
	if err := c.PutBooking(local); err != nil {
		t.Fatal(err)
	}

	// Postgres keeps microseconds, so the echoed row lost the trailing nanoseconds.
	echoed := local
	echoed.Timestamp = local.Timestamp.Truncate(time.Microsecond)
	echoed.CancelledAt = local.CancelledAt.Truncate(time.Microsecond)
	m, err := datasync.ApplyChange(ctx, recordstore.ChangeEvent{Table: recordstore.TableBookings, Type: recordstore.EventUpdate, New: datasync.BookingToRecord(echoed)}, deps)
	if err != nil || m.Kind != "" {
		t.Errorf("echo: %+v, %v", m, err)
	}
	if len(d.all()) != 0 {
		t.Errorf("dispatched %v, want nothing", d.all())
	}

	moved := echoed
	moved.CancelledAt = echoed.CancelledAt.Add(time.Millisecond)
	m, err = datasync.ApplyChange(ctx, recordstore.ChangeEvent{Table: recordstore.TableBookings, Type: recordstore.EventUpdate, New: datasync.BookingToRecord(moved)}, deps)
	if err != nil || m.Kind == "" {
		t.Errorf("real change: %+v, %v", m, err)
	}
}

func TestApplyChange_RemoteDuplicateIsDropped(t *testing.T) {
	c := state.NewCollections()
	d := &recordingDispatcher{}
	deps := feedDeps(c, d)
	_ = c.PutBooking(bookingAt("b-1", "u-1", "c-1", t0))

	_, err := datasync.ApplyChange(context.Background(), insertEvent(bookingAt("b-2", "u-1", "c-1", t0)), deps)
	if !errors.Is(err, booking.ErrDuplicateBooking) {
		t.Fatalf("expected ErrDuplicateBooking, got %v", err)
	}
	if _, ok := c.Booking("b-2"); ok {
		t.Error("duplicate booking applied")
	}
	if len(d.all()) != 0 {
		t.Error("dropped event was dispatched")
	}
}

func TestApplyChange_UserDeleteCascades(t *testing.T) {
	c := state.NewCollections()
	d := &recordingDispatcher{}
	deps := feedDeps(c, d)
	ctx := context.Background()

	u := account.User{ID: "u-1", FirstName: "Anna", LastName: "Berg", Email: "anna@example.com", Username: "anna.berg", Role: account.RoleMember, CreatedAt: t0}
	m, err := datasync.ApplyChange(ctx, recordstore.ChangeEvent{Table: recordstore.TableUsers, Type: recordstore.EventInsert, New: datasync.UserToRecord(u)}, deps)
	if err != nil || m.Kind != projections.UserAdded {
		t.Fatalf("user insert: %+v, %v", m, err)
	}
	_ = c.PutBooking(bookingAt("b-1", "u-1", "c-1", t0))
	_ = c.PutBooking(bookingAt("b-2", "u-2", "c-1", t0))

	m, err = datasync.ApplyChange(ctx, recordstore.ChangeEvent{Table: recordstore.TableUsers, Type: recordstore.EventDelete, Old: datasync.UserToRecord(u)}, deps)
	if err != nil || m.Kind != projections.UserDeleted {
		t.Fatalf("user delete: %+v, %v", m, err)
	}
	if bs := c.Bookings(); len(bs) != 1 || bs[0].UserID != "u-2" {
		t.Errorf("bookings after cascade = %+v", bs)
	}
}

func TestApplyChange_UnknownTable(t *testing.T) {
	deps := feedDeps(state.NewCollections(), &recordingDispatcher{})
	_, err := datasync.ApplyChange(context.Background(), recordstore.ChangeEvent{Table: "payments", Type: recordstore.EventInsert}, deps)
	if !errors.Is(err, datasync.ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestRunFeed_AppliesRemoteEvents(t *testing.T) {
	remote := recordstoretest.NewMemory()
	g := connected(t, remote, nil)
	c := state.NewCollections()
	d := &recordingDispatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- datasync.RunFeed(ctx, datasync.FeedDeps{Gateway: g, Collections: c, Dispatcher: d, Location: cet})
	}()
	waitFor(t, func() bool {
		return remote.Subscribers(recordstore.TableBookings) == 1 && remote.Subscribers(recordstore.TableUsers) == 1
	})

	// another client writes straight to the store
	if _, err := remote.Insert(ctx, recordstore.TableBookings, []recordstore.Record{datasync.BookingToRecord(bookingAt("b-1", "u-9", "c-1", t0))}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := c.Booking("b-1")
		return ok
	})

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("RunFeed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunFeed did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
