package outbox

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Status constants for outbox entry lifecycle.
const (
	StatusPending   = "pending"
	StatusRetrying  = "retrying"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// ActionTypeBookingNotice is an email telling a member about a change to their booking.
const ActionTypeBookingNotice = "booking_notice"

// DefaultMaxAttempts bounds delivery attempts when an entry does not set its own.
const DefaultMaxAttempts = 5

// Domain errors.
var (
	ErrEmptyActionType = errors.New("action type is required")
	ErrEmptyPayload    = errors.New("payload is required")
	ErrMissingCreated  = errors.New("created_at must be set")
	ErrEmptyRecipient  = errors.New("notice needs a recipient address")
)

// Entry is one queued notification awaiting delivery.
type Entry struct {
	ID              string
	ActionType      string
	Payload         string // JSON, see BookingNotice
	Status          string // pending, retrying, done, failed, abandoned
	Attempts        int
	MaxAttempts     int
	LastAttemptedAt time.Time
	CreatedAt       time.Time
	ExternalID      string // provider message id once delivered
	ErrorMessage    string
}

// BookingNotice is the payload of a booking_notice entry.
type BookingNotice struct {
	BookingID  string `json:"booking_id"`
	To         string `json:"to"`
	MemberName string `json:"member_name"`
	CourseName string `json:"course_name"`
	CourseDate string `json:"course_date"`
	CourseTime string `json:"course_time"`
	Status     string `json:"status"`
}

// NewBookingNotice wraps a notice into a pending entry.
// PRE: notice.To is set
// POST: Entry is pending with the notice encoded as JSON
func NewBookingNotice(id string, notice BookingNotice, now time.Time) (Entry, error) {
	if strings.TrimSpace(notice.To) == "" {
		return Entry{}, ErrEmptyRecipient
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		ID:          id,
		ActionType:  ActionTypeBookingNotice,
		Payload:     string(payload),
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
	}
	return e, e.Validate()
}

// Notice decodes the payload of a booking_notice entry.
func (e *Entry) Notice() (BookingNotice, error) {
	var n BookingNotice
	if err := json.Unmarshal([]byte(e.Payload), &n); err != nil {
		return BookingNotice{}, err
	}
	return n, nil
}

// Validate checks that the Entry has valid data.
// PRE: Entry struct is populated
// POST: Returns nil if valid; MaxAttempts defaulted when unset
func (e *Entry) Validate() error {
	if e.ActionType == "" {
		return ErrEmptyActionType
	}
	if e.Payload == "" {
		return ErrEmptyPayload
	}
	if e.CreatedAt.IsZero() {
		return ErrMissingCreated
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}

// CanRetry returns true if the entry can be attempted again.
func (e *Entry) CanRetry() bool {
	return (e.Status == StatusPending || e.Status == StatusRetrying || e.Status == StatusFailed) &&
		e.Attempts < e.MaxAttempts
}

// IsTerminal returns true for done, abandoned, or failed with attempts exhausted.
func (e *Entry) IsTerminal() bool {
	if e.Status == StatusDone || e.Status == StatusAbandoned {
		return true
	}
	return e.Status == StatusFailed && e.Attempts >= e.MaxAttempts
}

// IsDue reports whether the backoff delay since the last attempt has elapsed.
func (e *Entry) IsDue(now time.Time, baseDelay, maxDelay time.Duration) bool {
	if e.Attempts == 0 || e.LastAttemptedAt.IsZero() {
		return true
	}
	return !now.Before(e.LastAttemptedAt.Add(e.NextRetryDelay(baseDelay, maxDelay)))
}

// MarkAttempt records a delivery attempt.
// POST: Attempts incremented, LastAttemptedAt = now, status retrying
func (e *Entry) MarkAttempt(now time.Time) {
	e.Attempts++
	e.LastAttemptedAt = now
	e.Status = StatusRetrying
}

// MarkSuccess marks the entry as delivered.
func (e *Entry) MarkSuccess(externalID string) {
	e.Status = StatusDone
	e.ExternalID = externalID
	e.ErrorMessage = ""
}

// MarkFailed records a delivery error.
// POST: ErrorMessage set; status failed once attempts are exhausted
func (e *Entry) MarkFailed(err error) {
	e.ErrorMessage = err.Error()
	if e.Attempts >= e.MaxAttempts {
		e.Status = StatusFailed
	}
}

// MarkAbandoned marks the entry as given up.
func (e *Entry) MarkAbandoned() {
	e.Status = StatusAbandoned
}

// NextRetryDelay is 2^Attempts * baseDelay, capped at maxDelay.
func (e *Entry) NextRetryDelay(baseDelay time.Duration, maxDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << e.Attempts)
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}
