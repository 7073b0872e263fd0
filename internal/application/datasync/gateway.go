// Package datasync moves the shared collections between memory and the
// record stores: bulk load, writes with local fallback, and change-feed ingestion.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/storage/backlog"
	"studio/internal/domain/account"
	"studio/internal/domain/booking"
	"studio/internal/domain/course"
)

// Mode tells which store currently receives writes.
type Mode string

// Modes.
const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
	ModeNone   Mode = "none"
)

// Connect timeout bounds.
const (
	DefaultConnectTimeout = 12 * time.Second
	MinConnectTimeout     = 10 * time.Second
	MaxConnectTimeout     = 15 * time.Second
)

// ErrNoStore is returned for writes when neither the remote nor a local store is usable.
var ErrNoStore = errors.New("no data store is available, the change was not saved")

// ErrNotStored is returned when an update or delete finds no row to change in the
// active store, as after a fallback to a local store that never saw the row.
var ErrNotStored = errors.New("the record is missing from the active store, the change was not saved")

// Backlog queues rows written locally while a remote store is configured.
type Backlog interface {
	Add(ctx context.Context, r backlog.Row) error
	List(ctx context.Context) ([]backlog.Row, error)
	Remove(ctx context.Context, table, id string) error
}

// GatewayConfig tunes the gateway.
type GatewayConfig struct {
	ConnectTimeout time.Duration // clamped to [MinConnectTimeout, MaxConnectTimeout]
	Circuit        recordstore.CircuitConfig
	Backlog        Backlog                         // optional; without it local writes are never pushed to the remote store
	Prepare        func(ctx context.Context) error // optional; readies the remote store (schema migrations) once it answers
	Now            func() time.Time                // defaults to time.Now
}

// ClampConnectTimeout maps d into the accepted range; zero selects the default.
func ClampConnectTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultConnectTimeout
	case d < MinConnectTimeout:
		return MinConnectTimeout
	case d > MaxConnectTimeout:
		return MaxConnectTimeout
	}
	return d
}

// Gateway owns the remote store, the local fallback and the mode flag.
// Once the remote store fails, the gateway stays in local mode for the
// rest of the process. Rows written meanwhile wait in the backlog until
// Load finds the remote store reachable again.
type Gateway struct {
	remote         recordstore.RecordStore // nil when not configured
	local          recordstore.RecordStore // nil when not configured
	connectTimeout time.Duration
	backlog        Backlog
	prepare        func(ctx context.Context) error
	now            func() time.Time

	mu   sync.RWMutex
	mode Mode
}

// NewGateway wraps remote in a circuit breaker and starts in the best mode
// available without network I/O: local, or none. Connect promotes it to remote.
func NewGateway(remote, local recordstore.RecordStore, cfg GatewayConfig) *Gateway {
	g := &Gateway{
		local:          local,
		connectTimeout: ClampConnectTimeout(cfg.ConnectTimeout),
		backlog:        cfg.Backlog,
		prepare:        cfg.Prepare,
		now:            cfg.Now,
		mode:           ModeNone,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if remote != nil {
		g.remote = recordstore.NewCircuit(remote, cfg.Circuit)
	}
	if local != nil {
		g.mode = ModeLocal
	}
	return g
}

// Connect tests and prepares the remote store within the connect timeout.
// POST: Mode is remote on success; otherwise local (or none) for the rest of the process
func (g *Gateway) Connect(ctx context.Context) Mode {
	if g.remote == nil {
		slog.Info("sync_event", "event", "remote_not_configured", "mode", string(g.Mode()))
		return g.Mode()
	}
	ctx, cancel := context.WithTimeout(ctx, g.connectTimeout)
	defer cancel()
	if err := g.remote.Ping(ctx); err != nil {
		slog.Warn("sync_event", "event", "remote_unreachable", "timeout", g.connectTimeout.String(), "error", err)
		g.fallBack("connect", err)
		return g.Mode()
	}
	if g.prepare != nil {
		if err := runBounded(ctx, g.prepare); err != nil {
			slog.Warn("sync_event", "event", "remote_prepare_failed", "timeout", g.connectTimeout.String(), "error", err)
			g.fallBack("prepare", err)
			return g.Mode()
		}
	}
	g.mu.Lock()
	g.mode = ModeRemote
	g.mu.Unlock()
	slog.Info("sync_event", "event", "remote_connected", "timeout", g.connectTimeout.String())
	return ModeRemote
}

// runBounded returns when fn does or ctx ends, whichever comes first.
func runBounded(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mode returns the current mode.
func (g *Gateway) Mode() Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// Authoritative reports whether the remote store currently decides what exists.
func (g *Gateway) Authoritative() bool {
	return g.Mode() == ModeRemote
}

// Active returns the store that currently receives reads and writes, or nil.
func (g *Gateway) Active() recordstore.RecordStore {
	_, store := g.active()
	return store
}

func (g *Gateway) active() (Mode, recordstore.RecordStore) {
	switch mode := g.Mode(); mode {
	case ModeRemote:
		return mode, g.remote
	case ModeLocal:
		return mode, g.local
	}
	return ModeNone, nil
}

func (g *Gateway) fallBack(op string, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode != ModeRemote && g.mode != ModeNone {
		return
	}
	next := ModeNone
	if g.local != nil {
		next = ModeLocal
	}
	if g.mode == next {
		return
	}
	slog.Warn("sync_event", "event", "fallback", "op", op, "from", string(g.mode), "to", string(next), "error", cause)
	g.mode = next
}

// writeOp is one write through the gateway.
type writeOp struct {
	name        string
	destructive bool
	rows        []backlog.Row // rows the write touches, queued while the remote is out of reach
	apply       func(ctx context.Context, s recordstore.RecordStore) error
	mirror      func(ctx context.Context, local recordstore.RecordStore) error
}

// write runs op against the active store. A remote outage switches the
// gateway to local mode; a create is then written locally, while a
// destructive write fails so the caller rolls back.
// POST: A remote write is repeated on the local store, best effort
// POST: A local write is queued for the remote store when one is configured
func (g *Gateway) write(ctx context.Context, op writeOp) (Mode, error) {
	mode, store := g.active()
	if store == nil {
		return ModeNone, ErrNoStore
	}
	err := op.apply(ctx, store)
	if err != nil && mode == ModeRemote && errors.Is(err, recordstore.ErrUnavailable) {
		g.fallBack(op.name, err)
		if op.destructive {
			return mode, err
		}
		mode, store = g.active()
		if store == nil {
			return ModeNone, fmt.Errorf("%w: %w", ErrNoStore, err)
		}
		err = op.apply(ctx, store)
	}
	if err != nil {
		return mode, err
	}
	g.track(ctx, mode, op)
	return mode, nil
}

// track keeps the store that did not receive a write in step with it.
func (g *Gateway) track(ctx context.Context, mode Mode, op writeOp) {
	switch {
	case mode == ModeRemote && g.local != nil && op.mirror != nil:
		if err := op.mirror(ctx, g.local); err != nil {
			slog.Warn("sync_event", "event", "write_through_failed", "op", op.name, "error", err)
		}
	case mode == ModeLocal && g.remote != nil && g.backlog != nil:
		now := g.now()
		for _, r := range op.rows {
			r.QueuedAt = now
			if err := g.backlog.Add(ctx, r); err != nil {
				slog.Error("sync_event", "event", "backlog_add_failed", "op", op.name, "row", r.Key(), "error", err)
			}
		}
	}
}

// InsertBooking persists a new booking.
// POST: booking.ErrDuplicateBooking when the store already holds a
// conflicting booking
func (g *Gateway) InsertBooking(ctx context.Context, b booking.Booking) (Mode, error) {
	rec := BookingToRecord(b)
	mode, err := g.write(ctx, writeOp{
		name: "insert_booking",
		rows: []backlog.Row{{Table: recordstore.TableBookings, ID: b.ID}},
		apply: func(ctx context.Context, s recordstore.RecordStore) error {
			_, err := s.Insert(ctx, recordstore.TableBookings, []recordstore.Record{rec})
			return err
		},
		mirror: upsertRow(recordstore.TableBookings, rec),
	})
	if errors.Is(err, recordstore.ErrConflict) {
		return mode, booking.ErrDuplicateBooking
	}
	return mode, err
}

// UpdateBooking persists a booking's status and cancel stamp.
// POST: ErrNotStored when the active store has no row for b
func (g *Gateway) UpdateBooking(ctx context.Context, b booking.Booking) (Mode, error) {
	rec := BookingToRecord(b)
	patch := recordstore.Record{
		"status":       rec["status"],
		"cancelled_at": rec["cancelled_at"],
		"cancelled_by": rec["cancelled_by"],
	}
	mode, err := g.write(ctx, writeOp{
		name:        "update_booking",
		destructive: true,
		rows:        []backlog.Row{{Table: recordstore.TableBookings, ID: b.ID}},
		apply: func(ctx context.Context, s recordstore.RecordStore) error {
			rows, err := s.Update(ctx, recordstore.TableBookings, recordstore.Filter{"id": b.ID}, patch)
			if err == nil && len(rows) == 0 {
				return fmt.Errorf("booking %s: %w", b.ID, ErrNotStored)
			}
			return err
		},
		mirror: upsertRow(recordstore.TableBookings, rec),
	})
	if errors.Is(err, recordstore.ErrConflict) {
		return mode, booking.ErrDuplicateBooking
	}
	return mode, err
}

// InsertUser persists a new user.
// POST: account.ErrEmailTaken when the store rejects the email or username as taken
func (g *Gateway) InsertUser(ctx context.Context, u account.User) (Mode, error) {
	rec := UserToRecord(u)
	mode, err := g.write(ctx, writeOp{
		name: "insert_user",
		rows: []backlog.Row{{Table: recordstore.TableUsers, ID: u.ID}},
		apply: func(ctx context.Context, s recordstore.RecordStore) error {
			_, err := s.Insert(ctx, recordstore.TableUsers, []recordstore.Record{rec})
			return err
		},
		mirror: upsertRow(recordstore.TableUsers, rec),
	})
	if errors.Is(err, recordstore.ErrConflict) {
		return mode, account.ErrEmailTaken
	}
	return mode, err
}

// DeleteUserCascade removes a user's bookings, then the user.
// POST: ErrNotStored when the active store has no row for the user
func (g *Gateway) DeleteUserCascade(ctx context.Context, userID string) (Mode, error) {
	return g.write(ctx, writeOp{
		name:        "delete_user",
		destructive: true,
		rows:        []backlog.Row{{Table: recordstore.TableUsers, ID: userID, Deleted: true}},
		apply: func(ctx context.Context, s recordstore.RecordStore) error {
			rows, err := s.Select(ctx, recordstore.TableUsers, recordstore.Filter{"id": userID})
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return fmt.Errorf("user %s: %w", userID, ErrNotStored)
			}
			return deleteUser(ctx, s, userID)
		},
		mirror: func(ctx context.Context, local recordstore.RecordStore) error {
			return deleteUser(ctx, local, userID)
		},
	})
}

func deleteUser(ctx context.Context, s recordstore.RecordStore, userID string) error {
	if err := s.Delete(ctx, recordstore.TableBookings, recordstore.Filter{"user_id": userID}); err != nil {
		return err
	}
	return s.Delete(ctx, recordstore.TableUsers, recordstore.Filter{"id": userID})
}

// UpsertCourses stores the generated window so the remote store can vouch for course ids.
// Courses are regenerated on every start, so local writes are not queued.
func (g *Gateway) UpsertCourses(ctx context.Context, sessions []course.Session) (Mode, error) {
	if len(sessions) == 0 {
		return g.Mode(), nil
	}
	recs := make([]recordstore.Record, len(sessions))
	for i, s := range sessions {
		recs[i] = SessionToRecord(s)
	}
	upsert := func(ctx context.Context, s recordstore.RecordStore) error {
		_, err := s.Upsert(ctx, recordstore.TableCourses, recs, "id")
		return err
	}
	return g.write(ctx, writeOp{name: "upsert_courses", apply: upsert, mirror: upsert})
}

func upsertRow(table string, rec recordstore.Record) func(context.Context, recordstore.RecordStore) error {
	return func(ctx context.Context, s recordstore.RecordStore) error {
		_, err := s.Upsert(ctx, table, []recordstore.Record{rec}, "id")
		return err
	}
}

// CourseExists asks the authoritative remote store whether courseID is known.
// Without an authoritative store it returns true: the generated schedule is the only authority.
func (g *Gateway) CourseExists(ctx context.Context, courseID string) (bool, error) {
	mode, store := g.active()
	if mode != ModeRemote {
		return true, nil
	}
	rows, err := store.Select(ctx, recordstore.TableCourses, recordstore.Filter{"id": courseID})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Subscribe opens the change feed of table on the active store.
func (g *Gateway) Subscribe(ctx context.Context, table string) (<-chan recordstore.ChangeEvent, error) {
	_, store := g.active()
	if store == nil {
		return nil, ErrNoStore
	}
	return store.Subscribe(ctx, table)
}

// mirror makes the local store a copy of a remote snapshot, best effort.
// Local rows missing from the snapshot are removed unless waiting holds
// their key; a nil waiting set keeps every local row.
func (g *Gateway) mirror(ctx context.Context, table string, rows []recordstore.Record, waiting map[string]bool) {
	if g.local == nil {
		return
	}
	if waiting != nil {
		g.prune(ctx, table, rows, waiting)
	}
	if len(rows) == 0 {
		return
	}
	if table == recordstore.TableBookings {
		rows = inactiveFirst(rows)
	}
	if _, err := g.local.Upsert(ctx, table, rows, "id"); err != nil {
		slog.Warn("sync_event", "event", "mirror_failed", "table", table, "rows", len(rows), "error", err)
		return
	}
	slog.Debug("sync_event", "event", "mirrored", "table", table, "rows", len(rows))
}

func (g *Gateway) prune(ctx context.Context, table string, keep []recordstore.Record, waiting map[string]bool) {
	existing, err := g.local.Select(ctx, table, nil)
	if err != nil {
		slog.Warn("sync_event", "event", "prune_failed", "table", table, "error", err)
		return
	}
	ids := make(map[string]bool, len(keep))
	for _, r := range keep {
		ids[r.String("id")] = true
	}
	removed := 0
	for _, r := range existing {
		id := r.String("id")
		if ids[id] || waiting[backlog.Row{Table: table, ID: id}.Key()] {
			continue
		}
		if err := g.local.Delete(ctx, table, recordstore.Filter{"id": id}); err != nil {
			slog.Warn("sync_event", "event", "prune_failed", "table", table, "id", id, "error", err)
			return
		}
		removed++
	}
	if removed > 0 {
		slog.Info("sync_event", "event", "pruned", "table", table, "rows", removed)
	}
}

// inactiveFirst orders bookings so a row leaving the active set is written
// before a row entering it for the same member and course.
func inactiveFirst(rows []recordstore.Record) []recordstore.Record {
	out := make([]recordstore.Record, 0, len(rows))
	for _, r := range rows {
		if !booking.IsActiveStatus(r.String("status")) {
			out = append(out, r)
		}
	}
	for _, r := range rows {
		if booking.IsActiveStatus(r.String("status")) {
			out = append(out, r)
		}
	}
	return out
}
