// Package state owns the in-memory users, bookings and course sessions that
// every operation and view reads.
package state

import (
	"sort"
	"strings"
	"sync"

	"studio/internal/domain/account"
	"studio/internal/domain/booking"
	"studio/internal/domain/course"
)

// Collections is the single owner of the shared collections.
// Reads return copies; all writes go through the mutators below so the
// local operations and the change feed apply the same rules.
// INVARIANT: at most one active booking per (UserID, CourseID)
type Collections struct {
	mu       sync.RWMutex
	users    map[string]account.User
	bookings map[string]booking.Booking
	sessions []course.Session          // current window, schedule order
	courses  map[string]course.Session // every course ever seen, by id
}

// Snapshot is a consistent copy of the collections.
type Snapshot struct {
	Users    []account.User    // ordered by last name, first name, id
	Bookings []booking.Booking // ordered by timestamp, id
	Sessions []course.Session  // current window
	Courses  map[string]course.Session
}

// NewCollections returns empty collections.
func NewCollections() *Collections {
	return &Collections{
		users:    make(map[string]account.User),
		bookings: make(map[string]booking.Booking),
		courses:  make(map[string]course.Session),
	}
}

// User returns the user with id.
func (c *Collections) User(id string) (account.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

// UserByEmail matches case-insensitively.
func (c *Collections) UserByEmail(email string) (account.User, bool) {
	email = account.NormalizeEmail(email)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.users {
		if account.NormalizeEmail(u.Email) == email {
			return u, true
		}
	}
	return account.User{}, false
}

// UserByUsername matches case-insensitively.
func (c *Collections) UserByUsername(username string) (account.User, bool) {
	username = strings.ToLower(strings.TrimSpace(username))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.users {
		if strings.ToLower(u.Username) == username {
			return u, true
		}
	}
	return account.User{}, false
}

// Users returns all users ordered by name.
func (c *Collections) Users() []account.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedUsers()
}

// UserCount returns the number of users.
func (c *Collections) UserCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}

// PutUser inserts or replaces u by id.
func (c *Collections) PutUser(u account.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = u
}

// RemoveUser deletes the user and every booking they own.
// POST: Returns the removed user and bookings so a caller can restore them
func (c *Collections) RemoveUser(id string) (account.User, []booking.Booking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	if !ok {
		return account.User{}, nil, false
	}
	delete(c.users, id)
	var removed []booking.Booking
	for bid, b := range c.bookings {
		if b.UserID == id {
			removed = append(removed, b)
			delete(c.bookings, bid)
		}
	}
	sortBookings(removed)
	return u, removed, true
}

// RestoreUser puts back a user and bookings removed by RemoveUser.
func (c *Collections) RestoreUser(u account.User, bookings []booking.Booking) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = u
	for _, b := range bookings {
		c.bookings[b.ID] = b
	}
}

// Booking returns the booking with id.
func (c *Collections) Booking(id string) (booking.Booking, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bookings[id]
	return b, ok
}

// Bookings returns all bookings ordered by timestamp.
func (c *Collections) Bookings() []booking.Booking {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedBookings()
}

// ActiveBooking returns the active booking of userID for courseID, if any.
func (c *Collections) ActiveBooking(userID, courseID string) (booking.Booking, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeBooking(userID, courseID, "")
}

// PutBooking inserts or replaces b by id.
// PRE: b is valid
// POST: Returns booking.ErrDuplicateBooking, leaving the collections unchanged,
// when b is active and another active booking exists for the same user and course
func (c *Collections) PutBooking(b booking.Booking) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.IsActive() {
		if _, dup := c.activeBooking(b.UserID, b.CourseID, b.ID); dup {
			return booking.ErrDuplicateBooking
		}
	}
	c.bookings[b.ID] = b
	return nil
}

// RemoveBooking deletes a booking by id.
func (c *Collections) RemoveBooking(id string) (booking.Booking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bookings[id]
	if ok {
		delete(c.bookings, id)
	}
	return b, ok
}

// SetSessions replaces the current window. Its sessions are also remembered
// as known courses so bookings keep their course details after the window moves on.
func (c *Collections) SetSessions(sessions []course.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append([]course.Session(nil), sessions...)
	for _, s := range sessions {
		c.courses[s.ID] = s
	}
}

// PutCourses remembers courses loaded from a store without touching the window.
func (c *Collections) PutCourses(courses ...course.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range courses {
		c.courses[s.ID] = s
	}
}

// Session returns the session with id when it lies in the current window.
func (c *Collections) Session(id string) (course.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return course.Session{}, false
}

// Sessions returns the current window.
func (c *Collections) Sessions() []course.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]course.Session(nil), c.sessions...)
}

// Course returns any known course, in or out of the window.
func (c *Collections) Course(id string) (course.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.courses[id]
	return s, ok
}

// Snapshot copies all collections under one lock.
func (c *Collections) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	courses := make(map[string]course.Session, len(c.courses))
	for id, s := range c.courses {
		courses[id] = s
	}
	return Snapshot{
		Users:    c.sortedUsers(),
		Bookings: c.sortedBookings(),
		Sessions: append([]course.Session(nil), c.sessions...),
		Courses:  courses,
	}
}

// Replace swaps in freshly loaded users and bookings.
// Bookings that would break the one-active-booking rule are skipped.
// POST: Returns the skipped bookings
func (c *Collections) Replace(users []account.User, bookings []booking.Booking) []booking.Booking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = make(map[string]account.User, len(users))
	for _, u := range users {
		c.users[u.ID] = u
	}
	ordered := append([]booking.Booking(nil), bookings...)
	sortBookings(ordered)
	c.bookings = make(map[string]booking.Booking, len(ordered))
	var skipped []booking.Booking
	for _, b := range ordered {
		if b.IsActive() {
			if _, dup := c.activeBooking(b.UserID, b.CourseID, b.ID); dup {
				skipped = append(skipped, b)
				continue
			}
		}
		c.bookings[b.ID] = b
	}
	return skipped
}

func (c *Collections) activeBooking(userID, courseID, exceptID string) (booking.Booking, bool) {
	for _, b := range c.bookings {
		if b.ID != exceptID && b.UserID == userID && b.CourseID == courseID && b.IsActive() {
			return b, true
		}
	}
	return booking.Booking{}, false
}

func (c *Collections) sortedUsers() []account.User {
	out := make([]account.User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LastName != b.LastName {
			return a.LastName < b.LastName
		}
		if a.FirstName != b.FirstName {
			return a.FirstName < b.FirstName
		}
		return a.ID < b.ID
	})
	return out
}

func (c *Collections) sortedBookings() []booking.Booking {
	out := make([]booking.Booking, 0, len(c.bookings))
	for _, b := range c.bookings {
		out = append(out, b)
	}
	sortBookings(out)
	return out
}

func sortBookings(bs []booking.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].Timestamp.Equal(bs[j].Timestamp) {
			return bs[i].Timestamp.Before(bs[j].Timestamp)
		}
		return bs[i].ID < bs[j].ID
	})
}
