package projections

import (
	"studio/internal/application/state"
	"studio/internal/domain/account"
	"studio/internal/domain/booking"
	"studio/internal/domain/course"
)

// BookingView is a booking joined with its member and course.
type BookingView struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	MemberName  string `json:"member_name"`
	Email       string `json:"email"`
	CourseID    string `json:"course_id"`
	CourseName  string `json:"course_name"`
	CourseTime  string `json:"course_time"`
	DateDisplay string `json:"date_display"`
	DayOfWeek   string `json:"day_of_week"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	CancelledAt string `json:"cancelled_at,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
	Active      bool   `json:"active"`
}

// SessionView is a session in the window, with the viewer's booking when there is one.
type SessionView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Time          string `json:"time"`
	Date          string `json:"date"`
	DateDisplay   string `json:"date_display"`
	DayOfWeek     string `json:"day_of_week"`
	BookingID     string `json:"booking_id,omitempty"`
	BookingStatus string `json:"booking_status,omitempty"`
}

// UserView is the admin's view of a user. It never carries the password hash.
type UserView struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	Role      string `json:"role"`
}

const (
	timestampLayout = "2006-01-02T15:04:05Z07:00"
	dateLayout      = "2006-01-02"
)

// QueryUserBookings lists the bookings of one user, oldest first.
func QueryUserBookings(snap state.Snapshot, userID string) []BookingView {
	users := indexUsers(snap.Users)
	out := []BookingView{}
	for _, b := range snap.Bookings {
		if b.UserID == userID {
			out = append(out, bookingView(b, users, snap.Courses))
		}
	}
	return out
}

// QueryUserSchedule lists the current window with the user's active or latest booking per session.
func QueryUserSchedule(snap state.Snapshot, userID string) []SessionView {
	mine := make(map[string]booking.Booking)
	for _, b := range snap.Bookings {
		if b.UserID != userID {
			continue
		}
		// bookings are ordered by timestamp; an active one always wins
		if prev, ok := mine[b.CourseID]; ok && prev.IsActive() && !b.IsActive() {
			continue
		}
		mine[b.CourseID] = b
	}
	out := make([]SessionView, 0, len(snap.Sessions))
	for _, s := range snap.Sessions {
		v := sessionView(s)
		if b, ok := mine[s.ID]; ok {
			v.BookingID = b.ID
			v.BookingStatus = b.Status
		}
		out = append(out, v)
	}
	return out
}

// QueryAllBookings lists every booking.
func QueryAllBookings(snap state.Snapshot) []BookingView {
	users := indexUsers(snap.Users)
	out := make([]BookingView, 0, len(snap.Bookings))
	for _, b := range snap.Bookings {
		out = append(out, bookingView(b, users, snap.Courses))
	}
	return out
}

// QueryBookingsByStatus lists the bookings holding status.
func QueryBookingsByStatus(snap state.Snapshot, status string) []BookingView {
	users := indexUsers(snap.Users)
	out := []BookingView{}
	for _, b := range snap.Bookings {
		if b.Status == status {
			out = append(out, bookingView(b, users, snap.Courses))
		}
	}
	return out
}

// QueryUsers lists every user.
func QueryUsers(snap state.Snapshot) []UserView {
	out := make([]UserView, 0, len(snap.Users))
	for _, u := range snap.Users {
		out = append(out, UserView{
			ID:        u.ID,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Email:     u.Email,
			Username:  u.Username,
			Role:      u.Role,
		})
	}
	return out
}

// QuerySessions lists the current window.
func QuerySessions(snap state.Snapshot) []SessionView {
	out := make([]SessionView, 0, len(snap.Sessions))
	for _, s := range snap.Sessions {
		out = append(out, sessionView(s))
	}
	return out
}

func indexUsers(users []account.User) map[string]account.User {
	idx := make(map[string]account.User, len(users))
	for _, u := range users {
		idx[u.ID] = u
	}
	return idx
}

func bookingView(b booking.Booking, users map[string]account.User, courses map[string]course.Session) BookingView {
	v := BookingView{
		ID:          b.ID,
		UserID:      b.UserID,
		CourseID:    b.CourseID,
		Status:      b.Status,
		Timestamp:   b.Timestamp.Format(timestampLayout),
		CancelledBy: b.CancelledBy,
		Active:      b.IsActive(),
	}
	if !b.CancelledAt.IsZero() {
		v.CancelledAt = b.CancelledAt.Format(timestampLayout)
	}
	if u, ok := users[b.UserID]; ok {
		v.MemberName = u.FullName()
		v.Email = u.Email
	}
	if s, ok := courses[b.CourseID]; ok {
		v.CourseName = s.Name
		v.CourseTime = s.Time
		v.DateDisplay = s.DateDisplay
		v.DayOfWeek = s.DayOfWeek
	}
	return v
}

func sessionView(s course.Session) SessionView {
	return SessionView{
		ID:          s.ID,
		Name:        s.Name,
		Time:        s.Time,
		Date:        s.Date.Format(dateLayout),
		DateDisplay: s.DateDisplay,
		DayOfWeek:   s.DayOfWeek,
	}
}
