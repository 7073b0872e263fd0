package orchestrators

import (
	"context"
	"log/slog"
	"time"

	"studio/internal/application/datasync"
	"studio/internal/application/projections"
	"studio/internal/application/state"
	"studio/internal/domain/booking"
)

// BookingStore defines the persistence needed by the booking lifecycle.
type BookingStore interface {
	InsertBooking(ctx context.Context, b booking.Booking) (datasync.Mode, error)
	UpdateBooking(ctx context.Context, b booking.Booking) (datasync.Mode, error)
	CourseExists(ctx context.Context, courseID string) (bool, error)
}

// Refresher recomputes projections after a mutation.
type Refresher interface {
	Dispatch(ctx context.Context, m projections.Mutation) []projections.Key
}

// Actor is the user performing an operation.
type Actor struct {
	ID      string
	IsAdmin bool
}

// LifecycleDeps holds dependencies for the booking operations.
type LifecycleDeps struct {
	Collections *state.Collections
	Store       BookingStore
	Refresher   Refresher
	Notices     NoticeQueue // optional
	GenerateID  func() string
	Now         func() time.Time
}

// BookingResult carries the booking after an operation and where it was saved.
type BookingResult struct {
	Booking booking.Booking
	Mode    datasync.Mode
}

// CreateBookingInput carries input for ExecuteCreateBooking.
type CreateBookingInput struct {
	UserID   string
	CourseID string
}

// ExecuteCreateBooking books a course session for a user.
// PRE: UserID and CourseID are set
// POST: A Pending booking is held in memory and persisted, or nothing changed
// INVARIANT: At most one active booking per user and course
func ExecuteCreateBooking(ctx context.Context, input CreateBookingInput, deps LifecycleDeps) (BookingResult, error) {
	if _, ok := deps.Collections.User(input.UserID); !ok {
		return BookingResult{}, ErrNotFound
	}
	session, ok := deps.Collections.Session(input.CourseID)
	if !ok {
		return BookingResult{}, booking.ErrUnknownCourse
	}
	now := deps.Now()
	if session.HasStarted(now) {
		return BookingResult{}, booking.ErrSessionStarted
	}
	if _, exists := deps.Collections.ActiveBooking(input.UserID, input.CourseID); exists {
		return BookingResult{}, booking.ErrDuplicateBooking
	}

	known, err := deps.Store.CourseExists(ctx, input.CourseID)
	if err != nil {
		slog.Warn("booking_event", "event", "course_check_failed", "course_id", input.CourseID, "error", err)
		known = true
	}
	if !known {
		return BookingResult{}, booking.ErrUnknownCourse
	}

	b := booking.New(deps.GenerateID(), input.UserID, input.CourseID, now)
	if err := b.Validate(); err != nil {
		return BookingResult{}, err
	}
	if err := deps.Collections.PutBooking(b); err != nil {
		return BookingResult{}, err
	}

	mode, err := deps.Store.InsertBooking(ctx, b)
	if err != nil {
		deps.Collections.RemoveBooking(b.ID)
		slog.Error("booking_event", "event", "create_rolled_back", "booking_id", b.ID, "kind", ErrorKind(err), "error", err)
		return BookingResult{Mode: mode}, err
	}

	slog.Info("booking_event", "event", "booking_created", "booking_id", b.ID, "user_id", b.UserID, "course_id", b.CourseID, "mode", string(mode))
	deps.Refresher.Dispatch(ctx, projections.Mutation{Kind: projections.BookingCreated, UserID: b.UserID})
	return BookingResult{Booking: b, Mode: mode}, nil
}

// UpdateStatusInput carries input for ExecuteUpdateBookingStatus.
type UpdateStatusInput struct {
	BookingID string
	Status    string
	Actor     Actor
}

// ExecuteUpdateBookingStatus applies an admin decision to a booking.
// PRE: Actor is an admin
// POST: Status changed and persisted, or the previous booking is restored
// INVARIANT: Rejected and Cancelled bookings never change
func ExecuteUpdateBookingStatus(ctx context.Context, input UpdateStatusInput, deps LifecycleDeps) (BookingResult, error) {
	b, ok := deps.Collections.Booking(input.BookingID)
	if !ok {
		return BookingResult{}, ErrNotFound
	}
	if !input.Actor.IsAdmin {
		return BookingResult{}, ErrForbidden
	}
	return transition(ctx, b, input.Status, input.Actor, deps)
}

// CancelBookingInput carries input for ExecuteCancelBooking.
type CancelBookingInput struct {
	BookingID string
	Actor     Actor
}

// ExecuteCancelBooking cancels a booking on behalf of its owner or an admin.
// PRE: Actor owns the booking or is an admin
// POST: Booking is Cancelled with CancelledAt and CancelledBy stamped, or unchanged
func ExecuteCancelBooking(ctx context.Context, input CancelBookingInput, deps LifecycleDeps) (BookingResult, error) {
	b, ok := deps.Collections.Booking(input.BookingID)
	if !ok {
		return BookingResult{}, ErrNotFound
	}
	if !input.Actor.IsAdmin && input.Actor.ID != b.UserID {
		return BookingResult{}, ErrForbidden
	}
	return transition(ctx, b, booking.StatusCancelled, input.Actor, deps)
}

// transition moves b to status, persists it and rolls back on failure.
func transition(ctx context.Context, b booking.Booking, status string, actor Actor, deps LifecycleDeps) (BookingResult, error) {
	prev := b
	if err := b.Transition(status, actor.IsAdmin, actor.ID, deps.Now()); err != nil {
		return BookingResult{}, err
	}
	if err := deps.Collections.PutBooking(b); err != nil {
		return BookingResult{}, err
	}

	mode, err := deps.Store.UpdateBooking(ctx, b)
	if err != nil {
		if restoreErr := deps.Collections.PutBooking(prev); restoreErr != nil {
			slog.Error("booking_event", "event", "rollback_failed", "booking_id", b.ID, "error", restoreErr)
		}
		slog.Error("booking_event", "event", "update_rolled_back", "booking_id", b.ID, "status", status, "kind", ErrorKind(err), "error", err)
		return BookingResult{Mode: mode}, err
	}

	kind := projections.BookingStatusChanged
	if status == booking.StatusCancelled {
		kind = projections.BookingCancelled
	}
	slog.Info("booking_event", "event", string(kind), "booking_id", b.ID, "from", prev.Status, "to", b.Status, "actor_id", actor.ID, "mode", string(mode))
	deps.Refresher.Dispatch(ctx, projections.Mutation{Kind: kind, UserID: b.UserID, ActorIsAdmin: actor.IsAdmin})

	if actor.IsAdmin && actor.ID != b.UserID {
		enqueueNotice(ctx, b, deps)
	}
	return BookingResult{Booking: b, Mode: mode}, nil
}
