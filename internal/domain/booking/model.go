package booking

import (
	"errors"
	"strings"
	"time"
)

// Booking statuses. Pending, Confirmed and Waiting List are active.
const (
	StatusPending     = "Pending"
	StatusConfirmed   = "Confirmed"
	StatusRejected    = "Rejected"
	StatusWaitingList = "Waiting List"
	StatusCancelled   = "Cancelled"
)

// ValidStatuses contains every status a booking can hold.
var ValidStatuses = []string{StatusPending, StatusConfirmed, StatusRejected, StatusWaitingList, StatusCancelled}

// Domain errors
var (
	ErrEmptyUserID       = errors.New("user ID cannot be empty")
	ErrEmptyCourseID     = errors.New("course ID cannot be empty")
	ErrInvalidStatus     = errors.New("status must be Pending, Confirmed, Rejected, Waiting List or Cancelled")
	ErrInvalidTransition = errors.New("booking status change is not allowed")
	ErrDuplicateBooking  = errors.New("an active booking for this course already exists")
	ErrUnknownCourse     = errors.New("course is not on the current schedule")
	ErrSessionStarted    = errors.New("course has already started")
)

// ownerTransitions lists the moves available to a booking's owner.
// Admins may move any non-terminal booking to any other status.
var ownerTransitions = map[string][]string{
	StatusPending:     {StatusCancelled},
	StatusWaitingList: {StatusCancelled},
	StatusConfirmed:   {StatusCancelled},
}

// Booking is a member's request for a seat in one course session.
// Cancellation is a status change; a booking is only physically removed
// when its user is deleted.
type Booking struct {
	ID          string
	UserID      string
	CourseID    string
	Status      string
	Timestamp   time.Time
	CancelledAt time.Time // zero unless cancelled
	CancelledBy string
}

// New creates a Pending booking stamped with now.
// PRE: id is unique
// POST: Returned booking is Pending and passes Validate when userID and courseID are set
func New(id, userID, courseID string, now time.Time) Booking {
	return Booking{
		ID:        id,
		UserID:    userID,
		CourseID:  courseID,
		Status:    StatusPending,
		Timestamp: now,
	}
}

// Validate checks if the Booking has valid data.
// PRE: Booking struct is populated
// POST: Returns nil if valid, error otherwise
func (b *Booking) Validate() error {
	if strings.TrimSpace(b.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(b.CourseID) == "" {
		return ErrEmptyCourseID
	}
	if !IsValidStatus(b.Status) {
		return ErrInvalidStatus
	}
	return nil
}

// IsActive reports whether the booking still holds or awaits a seat.
func (b *Booking) IsActive() bool {
	return IsActiveStatus(b.Status)
}

// Transition moves the booking to a new status.
// PRE: caller has established that byAdmin is true only for admins and
// that a non-admin actor owns the booking
// POST: Status updated; a move to Cancelled stamps CancelledAt and CancelledBy
// INVARIANT: Rejected and Cancelled bookings never change again
func (b *Booking) Transition(to string, byAdmin bool, actorID string, now time.Time) error {
	if !IsValidStatus(to) {
		return ErrInvalidStatus
	}
	if !CanTransition(b.Status, to, byAdmin) {
		return ErrInvalidTransition
	}
	b.Status = to
	if to == StatusCancelled {
		b.CancelledAt = now
		b.CancelledBy = actorID
	}
	return nil
}

// CanTransition reports whether a booking in status from may move to status to.
func CanTransition(from, to string, byAdmin bool) bool {
	if !IsValidStatus(from) || !IsValidStatus(to) || from == to || IsTerminalStatus(from) {
		return false
	}
	if byAdmin {
		return true
	}
	for _, allowed := range ownerTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is a known status.
func IsValidStatus(s string) bool {
	for _, v := range ValidStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsActiveStatus reports whether s is Pending, Confirmed or Waiting List.
func IsActiveStatus(s string) bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusWaitingList
}

// IsTerminalStatus reports whether s can never change again.
func IsTerminalStatus(s string) bool {
	return s == StatusRejected || s == StatusCancelled
}
