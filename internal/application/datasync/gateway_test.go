package datasync_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/recordstore/recordstoretest"
	"studio/internal/application/datasync"
	"studio/internal/domain/account"
	"studio/internal/domain/booking"
	"studio/internal/domain/course"
)

var t0 = time.Date(2026, time.October, 5, 9, 0, 0, 0, time.UTC)

func connected(t *testing.T, remote, local *recordstoretest.Memory) *datasync.Gateway {
	t.Helper()
	var r, l recordstore.RecordStore
	if remote != nil {
		r = remote
	}
	if local != nil {
		l = local
	}
	g := datasync.NewGateway(r, l, datasync.GatewayConfig{})
	g.Connect(context.Background())
	return g
}

func TestClampConnectTimeout(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, 12 * time.Second},
		{time.Second, 10 * time.Second},
		{13 * time.Second, 13 * time.Second},
		{time.Minute, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := datasync.ClampConnectTimeout(tt.in); got != tt.want {
			t.Errorf("ClampConnectTimeout(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGateway_Connect(t *testing.T) {
	t.Run("reachable remote", func(t *testing.T) {
		g := connected(t, recordstoretest.NewMemory(), recordstoretest.NewMemory())
		if g.Mode() != datasync.ModeRemote || !g.Authoritative() {
			t.Errorf("Mode = %s", g.Mode())
		}
	})
	t.Run("remote down falls back to local", func(t *testing.T) {
		remote := recordstoretest.NewMemory()
		remote.SetDown(true)
		g := connected(t, remote, recordstoretest.NewMemory())
		if g.Mode() != datasync.ModeLocal || g.Authoritative() {
			t.Errorf("Mode = %s", g.Mode())
		}
	})
	t.Run("hanging remote is bounded by the context", func(t *testing.T) {
		remote := recordstoretest.NewMemory()
		remote.SetHanging(true)
		g := datasync.NewGateway(remote, recordstoretest.NewMemory(), datasync.GatewayConfig{})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		if mode := g.Connect(ctx); mode != datasync.ModeLocal {
			t.Errorf("Mode = %s", mode)
		}
		if time.Since(start) > 5*time.Second {
			t.Errorf("Connect took %v", time.Since(start))
		}
	})
	t.Run("nothing configured", func(t *testing.T) {
		g := connected(t, nil, nil)
		if g.Mode() != datasync.ModeNone {
			t.Errorf("Mode = %s", g.Mode())
		}
	})
}

func TestGateway_ConnectPreparesRemote(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(context.Context) error
		wantMode datasync.Mode
	}{
		{"prepared", func(context.Context) error { return nil }, datasync.ModeRemote},
		{"migration fails", func(context.Context) error { return errors.New("dirty schema") }, datasync.ModeLocal},
		{"migration hangs", func(ctx context.Context) error { <-ctx.Done(); time.Sleep(time.Second); return nil }, datasync.ModeLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := datasync.NewGateway(recordstoretest.NewMemory(), recordstoretest.NewMemory(), datasync.GatewayConfig{Prepare: tt.prepare})
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			start := time.Now()
			if mode := g.Connect(ctx); mode != tt.wantMode {
				t.Errorf("Mode = %s, want %s", mode, tt.wantMode)
			}
			if time.Since(start) > 5*time.Second {
				t.Errorf("Connect took %v", time.Since(start))
			}
		})
	}
}

func TestGateway_NoStoreRefusesWrites(t *testing.T) {
	g := connected(t, nil, nil)
	mode, err := g.InsertBooking(context.Background(), booking.New("b-1", "u-1", "c-1", t0))
	if !errors.Is(err, datasync.ErrNoStore) || mode != datasync.ModeNone {
		t.Errorf("InsertBooking = %s, %v", mode, err)
	}
}

func TestGateway_CreateFallsBackToLocal(t *testing.T) {
	remote, local := recordstoretest.NewMemory(), recordstoretest.NewMemory()
	g := connected(t, remote, local)
	remote.SetDown(true)

	mode, err := g.InsertBooking(context.Background(), booking.New("b-1", "u-1", "c-1", t0))
	if err != nil {
		t.Fatalf("InsertBooking: %v", err)
	}
	if mode != datasync.ModeLocal || g.Mode() != datasync.ModeLocal {
		t.Errorf("mode = %s, gateway = %s", mode, g.Mode())
	}
	if len(local.Rows(recordstore.TableBookings)) != 1 {
		t.Errorf("booking not written locally")
	}

	// the gateway stays local even once the remote recovers
	remote.SetDown(false)
	if _, err := g.InsertBooking(context.Background(), booking.New("b-2", "u-1", "c-2", t0)); err != nil {
		t.Fatalf("InsertBooking: %v", err)
	}
	if len(remote.Rows(recordstore.TableBookings)) != 0 || len(local.Rows(recordstore.TableBookings)) != 2 {
		t.Errorf("writes went to the remote store after fallback")
	}
}

func TestGateway_DestructiveWriteFailsOnOutage(t *testing.T) {
	remote, local := recordstoretest.NewMemory(), recordstoretest.NewMemory()
	g := connected(t, remote, local)
	remote.SetDown(true)

	b := booking.New("b-1", "u-1", "c-1", t0)
	_ = b.Transition(booking.StatusCancelled, false, "u-1", t0)
	_, err := g.UpdateBooking(context.Background(), b)
	if !errors.Is(err, recordstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if local.Calls("update") != 0 {
		t.Error("destructive write was replayed locally")
	}
	if g.Mode() != datasync.ModeLocal {
		t.Errorf("gateway did not fall back: %s", g.Mode())
	}

	// the local store never saw u-1
	if _, err := g.DeleteUserCascade(context.Background(), "u-1"); !errors.Is(err, datasync.ErrNotStored) {
		t.Errorf("delete after fallback: expected ErrNotStored, got %v", err)
	}
	local.Seed(recordstore.TableUsers, recordstore.Record{"id": "u-1"})
	if _, err := g.DeleteUserCascade(context.Background(), "u-1"); err != nil {
		t.Errorf("delete after fallback: %v", err)
	}
}

func TestGateway_UpdateOfMissingRowFails(t *testing.T) {
	local := recordstoretest.NewMemory()
	g := connected(t, nil, local)

	b := booking.New("b-1", "u-1", "c-1", t0)
	_ = b.Transition(booking.StatusCancelled, false, "u-1", t0)
	if _, err := g.UpdateBooking(context.Background(), b); !errors.Is(err, datasync.ErrNotStored) {
		t.Errorf("expected ErrNotStored, got %v", err)
	}
}

func TestGateway_RemoteWritesReachLocal(t *testing.T) {
	remote, local := recordstoretest.NewMemory(), recordstoretest.NewMemory()
	g := connected(t, remote, local)
	ctx := context.Background()

	if _, err := g.InsertUser(ctx, account.User{ID: "u-1", Email: "anna@example.com"}); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	b := booking.New("b-1", "u-1", "c-1", t0)
	if _, err := g.InsertBooking(ctx, b); err != nil {
		t.Fatalf("InsertBooking: %v", err)
	}
	_ = b.Transition(booking.StatusCancelled, false, "u-1", t0)
	if _, err := g.UpdateBooking(ctx, b); err != nil {
		t.Fatalf("UpdateBooking: %v", err)
	}
	rows := local.Rows(recordstore.TableBookings)
	if len(rows) != 1 || rows[0].String("status") != booking.StatusCancelled {
		t.Errorf("local bookings = %+v", rows)
	}
	if len(local.Rows(recordstore.TableUsers)) != 1 {
		t.Error("user not written through")
	}

	if _, err := g.DeleteUserCascade(ctx, "u-1"); err != nil {
		t.Fatalf("DeleteUserCascade: %v", err)
	}
	if len(local.Rows(recordstore.TableUsers)) != 0 || len(local.Rows(recordstore.TableBookings)) != 0 {
		t.Error("delete not written through")
	}
}

func TestGateway_LocalWritesAreQueued(t *testing.T) {
	remote, local := recordstoretest.NewMemory(), recordstoretest.NewMemory()
	queue := newMemBacklog()
	g := datasync.NewGateway(remote, local, datasync.GatewayConfig{Backlog: queue, Now: func() time.Time { return t0 }})
	g.Connect(context.Background())
	ctx := context.Background()

	if _, err := g.InsertUser(ctx, account.User{ID: "u-1"}); err != nil {
		t.Fatal(err)
	}
	if len(queue.rows) != 0 {
		t.Fatalf("remote write queued: %+v", queue.rows)
	}

	remote.SetDown(true)
	if _, err := g.InsertBooking(ctx, booking.New("b-1", "u-1", "c-1", t0)); err != nil {
		t.Fatal(err)
	}
	if _, err := g.DeleteUserCascade(ctx, "u-1"); err != nil {
		t.Fatal(err)
	}
	want := []string{"bookings/b-1", "users/u-1"}
	if got := queue.keys(); !slices.Equal(got, want) {
		t.Errorf("queued = %v, want %v", got, want)
	}
	if r := queue.rows["users/u-1"]; !r.Deleted || !r.QueuedAt.Equal(t0) {
		t.Errorf("user row = %+v", r)
	}

	// without a remote store there is nothing to catch up with
	localOnly := datasync.NewGateway(nil, recordstoretest.NewMemory(), datasync.GatewayConfig{Backlog: queue})
	before := len(queue.rows)
	_, _ = localOnly.InsertUser(ctx, account.User{ID: "u-2"})
	if len(queue.rows) != before {
		t.Error("write queued without a remote store")
	}
}

func TestGateway_CreateWithoutFallbackReportsNoStore(t *testing.T) {
	remote := recordstoretest.NewMemory()
	g := connected(t, remote, nil)
	remote.SetDown(true)

	_, err := g.InsertUser(context.Background(), account.User{ID: "u-1"})
	if !errors.Is(err, datasync.ErrNoStore) || !errors.Is(err, recordstore.ErrUnavailable) {
		t.Errorf("expected ErrNoStore wrapping ErrUnavailable, got %v", err)
	}
}

func TestGateway_ConflictsBecomeBusinessErrors(t *testing.T) {
	remote := recordstoretest.NewMemory()
	g := connected(t, remote, nil)
	ctx := context.Background()

	b := booking.New("b-1", "u-1", "c-1", t0)
	if _, err := g.InsertBooking(ctx, b); err != nil {
		t.Fatalf("InsertBooking: %v", err)
	}
	if _, err := g.InsertBooking(ctx, b); !errors.Is(err, booking.ErrDuplicateBooking) {
		t.Errorf("expected ErrDuplicateBooking, got %v", err)
	}

	u := account.User{ID: "u-1", Email: "anna@example.com"}
	if _, err := g.InsertUser(ctx, u); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if _, err := g.InsertUser(ctx, u); !errors.Is(err, account.ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
	if g.Mode() != datasync.ModeRemote {
		t.Errorf("conflict caused fallback: %s", g.Mode())
	}
}

func TestGateway_DeleteUserCascade(t *testing.T) {
	remote := recordstoretest.NewMemory()
	remote.Seed(recordstore.TableUsers, recordstore.Record{"id": "u-1"}, recordstore.Record{"id": "u-2"})
	remote.Seed(recordstore.TableBookings,
		recordstore.Record{"id": "b-1", "user_id": "u-1"},
		recordstore.Record{"id": "b-2", "user_id": "u-2"},
	)
	g := connected(t, remote, nil)

	if _, err := g.DeleteUserCascade(context.Background(), "u-1"); err != nil {
		t.Fatalf("DeleteUserCascade: %v", err)
	}
	if rows := remote.Rows(recordstore.TableBookings); len(rows) != 1 || rows[0].String("id") != "b-2" {
		t.Errorf("bookings left = %+v", rows)
	}
	if rows := remote.Rows(recordstore.TableUsers); len(rows) != 1 {
		t.Errorf("users left = %+v", rows)
	}
}

func TestGateway_CourseExists(t *testing.T) {
	remote := recordstoretest.NewMemory()
	g := connected(t, remote, nil)
	ctx := context.Background()

	s := course.Session{ID: "2026100508450930Flexx", Name: "Fle.xx", Time: "08:45-09:30", Date: t0}
	if _, err := g.UpsertCourses(ctx, []course.Session{s}); err != nil {
		t.Fatalf("UpsertCourses: %v", err)
	}
	if ok, err := g.CourseExists(ctx, s.ID); err != nil || !ok {
		t.Errorf("CourseExists(known) = %v, %v", ok, err)
	}
	if ok, err := g.CourseExists(ctx, "nope"); err != nil || ok {
		t.Errorf("CourseExists(unknown) = %v, %v", ok, err)
	}

	local := connected(t, nil, recordstoretest.NewMemory())
	if ok, _ := local.CourseExists(ctx, "nope"); !ok {
		t.Error("non-authoritative store vetoed a course")
	}
}
