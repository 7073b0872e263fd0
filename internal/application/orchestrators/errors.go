package orchestrators

import (
	"errors"

	"studio/internal/adapters/recordstore"
	"studio/internal/application/datasync"
	"studio/internal/domain/account"
	"studio/internal/domain/booking"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("not allowed")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrEmailTaken         = account.ErrEmailTaken
)

// Error kinds reported by ErrorKind.
const (
	KindNotFound          = "not_found"
	KindForbidden         = "forbidden"
	KindDuplicate         = "duplicate_booking"
	KindUnknownCourse     = "unknown_course"
	KindSessionStarted    = "session_started"
	KindInvalidTransition = "invalid_transition"
	KindEmailTaken        = "email_taken"
	KindCredentials       = "invalid_credentials"
	KindInvalidInput      = "invalid_input"
	KindNoStore           = "no_store"
	KindUnavailable       = "store_unavailable"
	KindNotStored         = "not_stored"
	KindInternal          = "internal"
)

var invalidInput = []error{
	account.ErrInvalidEmail, account.ErrEmptyEmail, account.ErrEmailTooLong,
	account.ErrEmptyFirstName, account.ErrEmptyLastName, account.ErrNameTooLong,
	account.ErrEmptyUsername, account.ErrInvalidRole, account.ErrEmptyPassword,
	account.ErrPasswordTooShort, booking.ErrInvalidStatus, booking.ErrEmptyUserID,
	booking.ErrEmptyCourseID,
}

// ErrorKind maps an operation error to a stable label for logs and HTTP responses.
// ErrNoStore is checked before ErrUnavailable since a failed fallback wraps both.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, booking.ErrDuplicateBooking):
		return KindDuplicate
	case errors.Is(err, booking.ErrUnknownCourse):
		return KindUnknownCourse
	case errors.Is(err, booking.ErrSessionStarted):
		return KindSessionStarted
	case errors.Is(err, booking.ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrEmailTaken):
		return KindEmailTaken
	case errors.Is(err, ErrInvalidCredentials):
		return KindCredentials
	case errors.Is(err, datasync.ErrNoStore):
		return KindNoStore
	case errors.Is(err, recordstore.ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, datasync.ErrNotStored):
		return KindNotStored
	}
	for _, target := range invalidInput {
		if errors.Is(err, target) {
			return KindInvalidInput
		}
	}
	return KindInternal
}
