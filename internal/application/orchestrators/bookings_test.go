package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"studio/internal/adapters/recordstore"
	"studio/internal/application/datasync"
	"studio/internal/application/projections"
	"studio/internal/domain/booking"
)

func TestExecuteCreateBooking_Valid(t *testing.T) {
	f := newFixture()
	res, err := ExecuteCreateBooking(context.Background(), CreateBookingInput{UserID: anna.ID, CourseID: "yoga"}, f.lifecycle())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := res.Booking
	if b.Status != booking.StatusPending || !b.Timestamp.Equal(fixedTime) || res.Mode != datasync.ModeRemote {
		t.Errorf("unexpected result: %+v", res)
	}
	if _, ok := f.c.Booking(b.ID); !ok {
		t.Error("booking not held in memory")
	}
	if len(f.store.inserted) != 1 {
		t.Errorf("expected 1 insert, got %d", len(f.store.inserted))
	}
	if m := f.refresh.last(); m.Kind != projections.BookingCreated || m.UserID != anna.ID {
		t.Errorf("dispatched %+v", m)
	}
}

func TestExecuteCreateBooking_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		input   CreateBookingInput
		setup   func(f *fixture)
		wantErr error
	}{
		{"unknown user", CreateBookingInput{UserID: "ghost", CourseID: "yoga"}, nil, ErrNotFound},
		{"not in window", CreateBookingInput{UserID: anna.ID, CourseID: "2026010108000900Gone"}, nil, booking.ErrUnknownCourse},
		{"already started", CreateBookingInput{UserID: anna.ID, CourseID: "early"}, nil, booking.ErrSessionStarted},
		{"unknown to the remote store", CreateBookingInput{UserID: anna.ID, CourseID: "yoga"},
			func(f *fixture) { f.store.unknown["yoga"] = true }, booking.ErrUnknownCourse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := ExecuteCreateBooking(context.Background(), tt.input, f.lifecycle())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if len(f.c.Bookings()) != 0 || len(f.store.inserted) != 0 {
				t.Error("rejected booking was stored")
			}
		})
	}
}

func TestExecuteCreateBooking_CourseCheckFailureDegrades(t *testing.T) {
	f := newFixture()
	f.store.courseErr = recordstore.ErrUnavailable
	if _, err := ExecuteCreateBooking(context.Background(), CreateBookingInput{UserID: anna.ID, CourseID: "yoga"}, f.lifecycle()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExecuteCreateBooking_DoubleCreateKeepsOneActive(t *testing.T) {
	f := newFixture()
	deps := f.lifecycle()
	f.book(t, deps, anna, "yoga")

	_, err := ExecuteCreateBooking(context.Background(), CreateBookingInput{UserID: anna.ID, CourseID: "yoga"}, deps)
	if !errors.Is(err, booking.ErrDuplicateBooking) {
		t.Fatalf("expected ErrDuplicateBooking, got %v", err)
	}
	if n := len(f.c.Bookings()); n != 1 {
		t.Errorf("expected 1 booking, got %d", n)
	}

	// another member may still book the same course
	f.book(t, deps, ben, "yoga")
}

func TestExecuteCreateBooking_PersistFailureRollsBack(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"no store", datasync.ErrNoStore},
		{"store says duplicate", booking.ErrDuplicateBooking},
		{"fallback failed", fmt.Errorf("%w: %w", datasync.ErrNoStore, recordstore.ErrUnavailable)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.store.err = tt.err
			_, err := ExecuteCreateBooking(context.Background(), CreateBookingInput{UserID: anna.ID, CourseID: "yoga"}, f.lifecycle())
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if len(f.c.Bookings()) != 0 {
				t.Error("booking not rolled back")
			}
			if len(f.refresh.mutations) != 0 {
				t.Error("rolled back create was dispatched")
			}
		})
	}
}

func TestExecuteCancelBooking_StampsActor(t *testing.T) {
	f := newFixture()
	deps := f.lifecycle()
	b := f.book(t, deps, anna, "yoga")

	res, err := ExecuteCancelBooking(context.Background(), CancelBookingInput{BookingID: b.ID, Actor: anna}, deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := res.Booking
	if got.Status != booking.StatusCancelled || got.CancelledBy != anna.ID || !got.CancelledAt.Equal(fixedTime) {
		t.Errorf("unexpected booking: %+v", got)
	}
	if m := f.refresh.last(); m.Kind != projections.BookingCancelled || m.ActorIsAdmin {
		t.Errorf("dispatched %+v", m)
	}
	if len(f.queue.entries) != 0 {
		t.Error("member cancellation queued a notice")
	}
}

func TestExecuteCancelBooking_Rules(t *testing.T) {
	tests := []struct {
		name    string
		status  string // status set by an admin before cancelling; empty keeps Pending
		actor   Actor
		wantErr error
	}{
		{"owner cancels pending", "", anna, nil},
		{"admin cancels confirmed", booking.StatusConfirmed, admin, nil},
		{"owner cancels waiting list", booking.StatusWaitingList, anna, nil},
		{"other member", "", ben, ErrForbidden},
		{"rejected is terminal", booking.StatusRejected, anna, booking.ErrInvalidTransition},
		{"rejected is terminal for admin too", booking.StatusRejected, admin, booking.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			deps := f.lifecycle()
			b := f.book(t, deps, anna, "yoga")
			if tt.status != "" {
				if _, err := ExecuteUpdateBookingStatus(context.Background(), UpdateStatusInput{BookingID: b.ID, Status: tt.status, Actor: admin}, deps); err != nil {
					t.Fatalf("setup: %v", err)
				}
			}
			_, err := ExecuteCancelBooking(context.Background(), CancelBookingInput{BookingID: b.ID, Actor: tt.actor}, deps)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExecuteCancelBooking_NotFound(t *testing.T) {
	f := newFixture()
	_, err := ExecuteCancelBooking(context.Background(), CancelBookingInput{BookingID: "nope", Actor: admin}, f.lifecycle())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteCancelBooking_CancelledTwice(t *testing.T) {
	f := newFixture()
	deps := f.lifecycle()
	b := f.book(t, deps, anna, "yoga")
	if _, err := ExecuteCancelBooking(context.Background(), CancelBookingInput{BookingID: b.ID, Actor: anna}, deps); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	_, err := ExecuteCancelBooking(context.Background(), CancelBookingInput{BookingID: b.ID, Actor: anna}, deps)
	if !errors.Is(err, booking.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestExecuteCancelBooking_PersistFailureRestores(t *testing.T) {
	f := newFixture()
	deps := f.lifecycle()
	b := f.book(t, deps, anna, "yoga")
	f.store.err = recordstore.ErrUnavailable

	_, err := ExecuteCancelBooking(context.Background(), CancelBookingInput{BookingID: b.ID, Actor: anna}, deps)
	if !errors.Is(err, recordstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	got, _ := f.c.Booking(b.ID)
	if got.Status != booking.StatusPending || !got.CancelledAt.IsZero() || got.CancelledBy != "" {
		t.Errorf("booking not restored: %+v", got)
	}
}

func TestBookCancelRebook(t *testing.T) {
	f := newFixture()
	deps := f.lifecycle()
	first := f.book(t, deps, anna, "yoga")
	if _, err := ExecuteCancelBooking(context.Background(), CancelBookingInput{BookingID: first.ID, Actor: anna}, deps); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second := f.book(t, deps, anna, "yoga")
	if second.ID == first.ID {
		t.Error("rebooking reused the cancelled booking id")
	}
	if second.Status != booking.StatusPending {
		t.Errorf("rebooked status = %s", second.Status)
	}
	if n := len(f.c.Bookings()); n != 2 {
		t.Errorf("expected cancelled and new booking, got %d", n)
	}
}

func TestExecuteUpdateBookingStatus_AdminFlow(t *testing.T) {
	f := newFixture()
	deps := f.lifecycle()
	b := f.book(t, deps, anna, "yoga")

	for _, status := range []string{booking.StatusWaitingList, booking.StatusConfirmed, booking.StatusWaitingList} {
		res, err := ExecuteUpdateBookingStatus(context.Background(), UpdateStatusInput{BookingID: b.ID, Status: status, Actor: admin}, deps)
		if err != nil {
			t.Fatalf("-> %s: %v", status, err)
		}
		if res.Booking.Status != status {
			t.Errorf("status = %s, want %s", res.Booking.Status, status)
		}
		if m := f.refresh.last(); m.Kind != projections.BookingStatusChanged || !m.ActorIsAdmin || m.UserID != anna.ID {
			t.Errorf("dispatched %+v", m)
		}
	}
	if len(f.queue.entries) != 3 {
		t.Errorf("expected 3 notices, got %d", len(f.queue.entries))
	}
}

func TestExecuteUpdateBookingStatus_Rules(t *testing.T) {
	tests := []struct {
		name    string
		from    []string // admin moves before the checked one
		to      string
		actor   Actor
		wantErr error
	}{
		{"member cannot demote confirmed", []string{booking.StatusConfirmed}, booking.StatusWaitingList, anna, ErrForbidden},
		{"member cannot confirm own booking", nil, booking.StatusConfirmed, anna, ErrForbidden},
		{"admin demotes confirmed", []string{booking.StatusConfirmed}, booking.StatusWaitingList, admin, nil},
		{"admin reopens confirmed", []string{booking.StatusConfirmed}, booking.StatusPending, admin, nil},
		{"same status", nil, booking.StatusPending, admin, booking.ErrInvalidTransition},
		{"rejected to cancelled", []string{booking.StatusRejected}, booking.StatusCancelled, admin, booking.ErrInvalidTransition},
		{"pending to cancelled", nil, booking.StatusCancelled, admin, nil},
		{"unknown status", nil, "Maybe", admin, booking.ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			deps := f.lifecycle()
			b := f.book(t, deps, anna, "yoga")
			for _, s := range tt.from {
				if _, err := ExecuteUpdateBookingStatus(context.Background(), UpdateStatusInput{BookingID: b.ID, Status: s, Actor: admin}, deps); err != nil {
					t.Fatalf("setup -> %s: %v", s, err)
				}
			}
			_, err := ExecuteUpdateBookingStatus(context.Background(), UpdateStatusInput{BookingID: b.ID, Status: tt.to, Actor: tt.actor}, deps)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExecuteUpdateBookingStatus_AdminCancelStampsAndNotifies(t *testing.T) {
	f := newFixture()
	deps := f.lifecycle()
	b := f.book(t, deps, anna, "yoga")

	res, err := ExecuteUpdateBookingStatus(context.Background(), UpdateStatusInput{BookingID: b.ID, Status: booking.StatusCancelled, Actor: admin}, deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Booking.CancelledBy != admin.ID || res.Booking.CancelledAt.IsZero() {
		t.Errorf("cancel not stamped: %+v", res.Booking)
	}
	if f.refresh.last().Kind != projections.BookingCancelled {
		t.Errorf("dispatched %+v", f.refresh.last())
	}
	if len(f.queue.order) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(f.queue.order))
	}
	entry := f.queue.entries[f.queue.order[0]]
	n, err := entry.Notice()
	if err != nil {
		t.Fatalf("Notice: %v", err)
	}
	if n.To != "anna@example.com" || n.Status != booking.StatusCancelled || n.CourseName != "Yoga" || n.CourseTime != "18:00-19:00" {
		t.Errorf("unexpected notice: %+v", n)
	}
}

func TestExecuteUpdateBookingStatus_NoticeFailureDoesNotFail(t *testing.T) {
	f := newFixture()
	deps := f.lifecycle()
	b := f.book(t, deps, anna, "yoga")
	f.queue.err = errors.New("disk full")

	if _, err := ExecuteUpdateBookingStatus(context.Background(), UpdateStatusInput{BookingID: b.ID, Status: booking.StatusConfirmed, Actor: admin}, deps); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, _ := f.c.Booking(b.ID); got.Status != booking.StatusConfirmed {
		t.Errorf("status = %s", got.Status)
	}
}

func TestExecuteUpdateBookingStatus_PersistFailureRestores(t *testing.T) {
	f := newFixture()
	deps := f.lifecycle()
	b := f.book(t, deps, anna, "yoga")
	f.store.err = recordstore.ErrUnavailable

	if _, err := ExecuteUpdateBookingStatus(context.Background(), UpdateStatusInput{BookingID: b.ID, Status: booking.StatusConfirmed, Actor: admin}, deps); err == nil {
		t.Fatal("expected error")
	}
	if got, _ := f.c.Booking(b.ID); got.Status != booking.StatusPending {
		t.Errorf("status = %s, want Pending", got.Status)
	}
	if len(f.queue.entries) != 0 {
		t.Error("failed decision queued a notice")
	}
}
