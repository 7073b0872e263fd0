package datasync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"studio/internal/adapters/recordstore"
	"studio/internal/application/state"
	"studio/internal/domain/account"
	"studio/internal/domain/booking"
	"studio/internal/domain/course"
)

// LoadDeps holds dependencies for Load.
type LoadDeps struct {
	Gateway     *Gateway
	Collections *state.Collections
	Location    *time.Location // zone course dates are read in
}

// LoadResult reports where the collections came from.
type LoadResult struct {
	Mode     Mode
	Users    int
	Bookings int
	Courses  int
	Skipped  int // malformed rows and duplicate active bookings
}

type tableRows map[string][]recordstore.Record

// Load replaces the collections with the contents of the active store.
// PRE: Gateway.Connect has run
// POST: Read failures degrade to the local store, then to empty collections; they are logged, never returned
// POST: Rows queued during an earlier outage are pushed to a reachable remote store first
// POST: A snapshot read from the remote store is mirrored into the local store
func Load(ctx context.Context, deps LoadDeps) LoadResult {
	mode, store := deps.Gateway.active()
	var waiting map[string]bool
	var err error
	if mode == ModeRemote {
		waiting, err = deps.Gateway.replay(ctx)
	}
	var rows tableRows
	if err == nil {
		rows, err = readAll(ctx, store)
	}
	if err != nil && mode == ModeRemote {
		slog.Warn("sync_event", "event", "load_failed", "mode", string(mode), "error", err)
		deps.Gateway.fallBack("load", err)
		mode, store = deps.Gateway.active()
		rows, err = readAll(ctx, store)
	}
	if err != nil {
		slog.Error("sync_event", "event", "load_failed", "mode", string(mode), "error", err)
		rows = tableRows{}
	}
	if mode == ModeRemote {
		for _, table := range recordstore.Tables {
			deps.Gateway.mirror(ctx, table, rows[table], waiting)
		}
	}

	res := LoadResult{Mode: mode}
	users := make([]account.User, 0, len(rows[recordstore.TableUsers]))
	for _, r := range rows[recordstore.TableUsers] {
		u, err := UserFromRecord(r)
		if err != nil {
			res.Skipped++
			slog.Warn("sync_event", "event", "row_skipped", "table", recordstore.TableUsers, "error", err)
			continue
		}
		users = append(users, u)
	}
	bookings := make([]booking.Booking, 0, len(rows[recordstore.TableBookings]))
	for _, r := range rows[recordstore.TableBookings] {
		b, err := BookingFromRecord(r)
		if err != nil {
			res.Skipped++
			slog.Warn("sync_event", "event", "row_skipped", "table", recordstore.TableBookings, "error", err)
			continue
		}
		bookings = append(bookings, b)
	}
	courses := make([]course.Session, 0, len(rows[recordstore.TableCourses]))
	for _, r := range rows[recordstore.TableCourses] {
		s, err := SessionFromRecord(r, deps.Location)
		if err != nil {
			res.Skipped++
			slog.Warn("sync_event", "event", "row_skipped", "table", recordstore.TableCourses, "error", err)
			continue
		}
		courses = append(courses, s)
	}

	for _, b := range deps.Collections.Replace(users, bookings) {
		res.Skipped++
		slog.Warn("sync_event", "event", "duplicate_active_booking_skipped", "booking_id", b.ID, "user_id", b.UserID, "course_id", b.CourseID)
	}
	deps.Collections.PutCourses(courses...)

	res.Users = len(users)
	res.Bookings = len(deps.Collections.Bookings())
	res.Courses = len(courses)
	slog.Info("sync_event", "event", "loaded", "mode", string(mode),
		"users", res.Users, "bookings", res.Bookings, "courses", res.Courses, "skipped", res.Skipped)
	return res
}

func readAll(ctx context.Context, store recordstore.RecordStore) (tableRows, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	out := make(tableRows, len(recordstore.Tables))
	var errs []error
	for _, table := range recordstore.Tables {
		rows, err := store.Select(ctx, table, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[table] = rows
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
