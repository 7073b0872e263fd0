package projections

import (
	"context"
	"log/slog"

	"studio/internal/application/state"
	"studio/internal/domain/booking"
)

// Projection names one derived view of the collections.
type Projection string

// Projections. Per-user projections are keyed by the user they describe.
const (
	UserBookings     Projection = "user_bookings"
	UserSchedule     Projection = "user_schedule"
	AdminAllBookings Projection = "admin_all_bookings"
	AdminPending     Projection = "admin_pending"
	AdminWaitingList Projection = "admin_waiting_list"
	AdminCancelled   Projection = "admin_cancelled"
	AdminUsers       Projection = "admin_users"
	Sessions         Projection = "sessions"
)

// AdminOnly reports whether only admins may see the projection.
func (p Projection) AdminOnly() bool {
	switch p {
	case AdminAllBookings, AdminPending, AdminWaitingList, AdminCancelled, AdminUsers:
		return true
	}
	return false
}

// PerUser reports whether the projection is computed for one user.
func (p Projection) PerUser() bool {
	return p == UserBookings || p == UserSchedule
}

// MutationKind names a change to the collections.
type MutationKind string

// Mutation kinds.
const (
	BookingCreated       MutationKind = "booking_created"
	BookingStatusChanged MutationKind = "booking_status_changed"
	BookingCancelled     MutationKind = "booking_cancelled"
	BookingRemoved       MutationKind = "booking_removed"
	UserAdded            MutationKind = "user_added"
	UserUpdated          MutationKind = "user_updated"
	UserDeleted          MutationKind = "user_deleted"
	ScheduleRefreshed    MutationKind = "schedule_refreshed"
)

var bookingChanged = []Projection{UserBookings, UserSchedule, AdminAllBookings, AdminPending, AdminWaitingList, AdminCancelled}

// refreshTable lists the projections each mutation invalidates.
var refreshTable = map[MutationKind][]Projection{
	BookingCreated:       {UserBookings, UserSchedule, AdminAllBookings, AdminPending},
	BookingStatusChanged: bookingChanged,
	BookingCancelled:     bookingChanged,
	BookingRemoved:       bookingChanged,
	UserAdded:            {AdminUsers},
	UserUpdated:          {AdminUsers, AdminAllBookings},
	UserDeleted:          {AdminUsers, AdminAllBookings, AdminPending, AdminWaitingList, AdminCancelled},
	ScheduleRefreshed:    {Sessions, UserSchedule},
}

// Affected returns the projections a mutation of kind invalidates.
func Affected(kind MutationKind) []Projection {
	return append([]Projection(nil), refreshTable[kind]...)
}

// Mutation describes a change that has already been applied to the collections.
// An empty UserID means the change concerns every user.
type Mutation struct {
	Kind         MutationKind
	UserID       string
	ActorIsAdmin bool
}

// Key addresses one computed view. UserID is empty for shared projections.
type Key struct {
	Projection Projection
	UserID     string
}

// Sink receives recomputed views.
type Sink interface {
	Publish(key Key, view any)
	// Invalidate drops a cached view so the next read recomputes it.
	// A per-user projection with an empty UserID drops the view of every user.
	Invalidate(key Key)
}

// Dispatcher recomputes the projections a mutation affects.
type Dispatcher struct {
	collections *state.Collections
	sink        Sink
}

// NewDispatcher creates a dispatcher publishing to sink.
func NewDispatcher(collections *state.Collections, sink Sink) *Dispatcher {
	return &Dispatcher{collections: collections, sink: sink}
}

// Dispatch recomputes every projection m affects from one snapshot.
// PRE: the mutation is already applied to the collections
// POST: Admin projections are invalidated instead of recomputed for non-admin actors;
// per-user projections without a user are invalidated for all users
// POST: Returns the keys that were published
func (d *Dispatcher) Dispatch(ctx context.Context, m Mutation) []Key {
	affected := refreshTable[m.Kind]
	if len(affected) == 0 {
		slog.Warn("view_event", "event", "unknown_mutation", "kind", string(m.Kind))
		return nil
	}

	snap := d.collections.Snapshot()
	var published []Key
	for _, p := range affected {
		if ctx.Err() != nil {
			break
		}
		key := Key{Projection: p}
		if p.PerUser() {
			key.UserID = m.UserID
		}
		if (p.AdminOnly() && !m.ActorIsAdmin) || (p.PerUser() && m.UserID == "") {
			d.sink.Invalidate(key)
			continue
		}
		d.sink.Publish(key, computeFrom(snap, key))
		published = append(published, key)
	}

	slog.Debug("view_event", "event", "dispatched", "kind", string(m.Kind), "user_id", m.UserID, "published", len(published))
	return published
}

// Compute builds the view for key from the current collections.
func (d *Dispatcher) Compute(key Key) any {
	return computeFrom(d.collections.Snapshot(), key)
}

func computeFrom(snap state.Snapshot, key Key) any {
	switch key.Projection {
	case UserBookings:
		return QueryUserBookings(snap, key.UserID)
	case UserSchedule:
		return QueryUserSchedule(snap, key.UserID)
	case AdminAllBookings:
		return QueryAllBookings(snap)
	case AdminPending:
		return QueryBookingsByStatus(snap, booking.StatusPending)
	case AdminWaitingList:
		return QueryBookingsByStatus(snap, booking.StatusWaitingList)
	case AdminCancelled:
		return QueryBookingsByStatus(snap, booking.StatusCancelled)
	case AdminUsers:
		return QueryUsers(snap)
	case Sessions:
		return QuerySessions(snap)
	}
	return nil
}
