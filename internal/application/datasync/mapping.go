package datasync

import (
	"errors"
	"fmt"
	"time"

	"studio/internal/adapters/recordstore"
	"studio/internal/domain/account"
	"studio/internal/domain/booking"
	"studio/internal/domain/course"
)

// ErrBadRecord is returned when a row cannot be turned into a domain value.
var ErrBadRecord = errors.New("malformed record")

const dateOnly = "2006-01-02"

// timeLayouts are tried in order for string-typed time columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	dateOnly,
}

// UserToRecord maps a user onto users columns.
func UserToRecord(u account.User) recordstore.Record {
	return recordstore.Record{
		"id":            u.ID,
		"first_name":    u.FirstName,
		"last_name":     u.LastName,
		"email":         u.Email,
		"username":      u.Username,
		"password_hash": u.PasswordHash,
		"role":          u.Role,
		"created_at":    u.CreatedAt,
	}
}

// UserFromRecord maps a users row onto a user.
func UserFromRecord(r recordstore.Record) (account.User, error) {
	if r.String("id") == "" {
		return account.User{}, fmt.Errorf("users row without id: %w", ErrBadRecord)
	}
	created, err := timeValue(r["created_at"])
	if err != nil {
		return account.User{}, fmt.Errorf("users %s created_at: %w", r.String("id"), err)
	}
	return account.User{
		ID:           r.String("id"),
		FirstName:    r.String("first_name"),
		LastName:     r.String("last_name"),
		Email:        r.String("email"),
		Username:     r.String("username"),
		PasswordHash: r.String("password_hash"),
		Role:         r.String("role"),
		CreatedAt:    created,
	}, nil
}

// BookingToRecord maps a booking onto bookings columns.
func BookingToRecord(b booking.Booking) recordstore.Record {
	rec := recordstore.Record{
		"id":           b.ID,
		"user_id":      b.UserID,
		"course_id":    b.CourseID,
		"status":       b.Status,
		"timestamp":    b.Timestamp,
		"cancelled_at": nil,
		"cancelled_by": nil,
	}
	if !b.CancelledAt.IsZero() {
		rec["cancelled_at"] = b.CancelledAt
	}
	if b.CancelledBy != "" {
		rec["cancelled_by"] = b.CancelledBy
	}
	return rec
}

// BookingFromRecord maps a bookings row onto a booking.
func BookingFromRecord(r recordstore.Record) (booking.Booking, error) {
	id := r.String("id")
	if id == "" {
		return booking.Booking{}, fmt.Errorf("bookings row without id: %w", ErrBadRecord)
	}
	ts, err := timeValue(r["timestamp"])
	if err != nil {
		return booking.Booking{}, fmt.Errorf("bookings %s timestamp: %w", id, err)
	}
	cancelledAt, err := timeValue(r["cancelled_at"])
	if err != nil {
		return booking.Booking{}, fmt.Errorf("bookings %s cancelled_at: %w", id, err)
	}
	b := booking.Booking{
		ID:          id,
		UserID:      r.String("user_id"),
		CourseID:    r.String("course_id"),
		Status:      r.String("status"),
		Timestamp:   ts,
		CancelledAt: cancelledAt,
		CancelledBy: r.String("cancelled_by"),
	}
	if err := b.Validate(); err != nil {
		return booking.Booking{}, fmt.Errorf("bookings %s: %w: %w", id, ErrBadRecord, err)
	}
	return b, nil
}

// SessionToRecord maps a session onto courses columns. The date is sent as a calendar date.
func SessionToRecord(s course.Session) recordstore.Record {
	return recordstore.Record{
		"id":           s.ID,
		"name":         s.Name,
		"time":         s.Time,
		"date":         s.Date.Format(dateOnly),
		"date_display": s.DateDisplay,
		"day_of_week":  s.DayOfWeek,
	}
}

// SessionFromRecord maps a courses row onto a session dated in loc.
func SessionFromRecord(r recordstore.Record, loc *time.Location) (course.Session, error) {
	id := r.String("id")
	if id == "" {
		return course.Session{}, fmt.Errorf("courses row without id: %w", ErrBadRecord)
	}
	date, err := timeValue(r["date"])
	if err != nil {
		return course.Session{}, fmt.Errorf("courses %s date: %w", id, err)
	}
	if loc == nil {
		loc = time.Local
	}
	// a date column carries no zone; read it as the calendar day it names
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	s := course.Session{
		ID:          id,
		Name:        r.String("name"),
		Time:        r.String("time"),
		Date:        day,
		DateDisplay: r.String("date_display"),
		DayOfWeek:   r.String("day_of_week"),
	}
	if from, to, err := course.ParseTimeRange(s.Time); err == nil {
		s.StartTime = time.Date(day.Year(), day.Month(), day.Day(), from.Hour(), from.Minute(), 0, 0, loc)
		s.EndTime = time.Date(day.Year(), day.Month(), day.Day(), to.Hour(), to.Minute(), 0, 0, loc)
	}
	return s, nil
}

// timeValue accepts what the backends hand back for time columns:
// time.Time from pgx, strings from SQLite and JSON change events, nil for NULL.
func timeValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("%q: %w", t, ErrBadRecord)
	}
	return time.Time{}, fmt.Errorf("unexpected %T: %w", v, ErrBadRecord)
}
