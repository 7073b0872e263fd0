package state_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"studio/internal/application/state"
	"studio/internal/domain/account"
	"studio/internal/domain/booking"
	"studio/internal/domain/course"
)

var t0 = time.Date(2026, time.October, 5, 9, 0, 0, 0, time.UTC)

func member(id, first, last string) account.User {
	return account.User{ID: id, FirstName: first, LastName: last, Email: id + "@example.com", Username: id, Role: account.RoleMember}
}

func TestPutBooking_RejectsSecondActiveBooking(t *testing.T) {
	c := state.NewCollections()
	if err := c.PutBooking(booking.New("b-1", "u-1", "c-1", t0)); err != nil {
		t.Fatalf("first PutBooking: %v", err)
	}
	err := c.PutBooking(booking.New("b-2", "u-1", "c-1", t0.Add(time.Second)))
	if !errors.Is(err, booking.ErrDuplicateBooking) {
		t.Fatalf("expected ErrDuplicateBooking, got %v", err)
	}
	if _, ok := c.Booking("b-2"); ok {
		t.Error("rejected booking was stored")
	}

	// replacing the same booking is an update, not a duplicate
	b, _ := c.Booking("b-1")
	b.Status = booking.StatusConfirmed
	if err := c.PutBooking(b); err != nil {
		t.Errorf("update of existing booking rejected: %v", err)
	}

	// another user or another course is fine
	if err := c.PutBooking(booking.New("b-3", "u-2", "c-1", t0)); err != nil {
		t.Errorf("other user rejected: %v", err)
	}
	if err := c.PutBooking(booking.New("b-4", "u-1", "c-2", t0)); err != nil {
		t.Errorf("other course rejected: %v", err)
	}
}

func TestPutBooking_InactiveDoesNotBlock(t *testing.T) {
	c := state.NewCollections()
	cancelled := booking.New("b-1", "u-1", "c-1", t0)
	cancelled.Status = booking.StatusCancelled
	if err := c.PutBooking(cancelled); err != nil {
		t.Fatalf("PutBooking: %v", err)
	}
	if err := c.PutBooking(booking.New("b-2", "u-1", "c-1", t0.Add(time.Minute))); err != nil {
		t.Errorf("rebooking after cancel rejected: %v", err)
	}
	if b, ok := c.ActiveBooking("u-1", "c-1"); !ok || b.ID != "b-2" {
		t.Errorf("ActiveBooking = %+v, %v", b, ok)
	}
}

func TestRemoveUser_CascadesOnlyOwnBookings(t *testing.T) {
	c := state.NewCollections()
	c.PutUser(member("u-1", "Anna", "Berg"))
	c.PutUser(member("u-2", "Ben", "Cole"))
	_ = c.PutBooking(booking.New("b-1", "u-1", "c-1", t0))
	_ = c.PutBooking(booking.New("b-2", "u-1", "c-2", t0.Add(time.Minute)))
	_ = c.PutBooking(booking.New("b-3", "u-2", "c-1", t0))

	u, removed, ok := c.RemoveUser("u-1")
	if !ok || u.ID != "u-1" {
		t.Fatalf("RemoveUser = %+v, %v", u, ok)
	}
	if len(removed) != 2 || removed[0].ID != "b-1" || removed[1].ID != "b-2" {
		t.Errorf("removed = %+v", removed)
	}
	left := c.Bookings()
	if len(left) != 1 || left[0].ID != "b-3" {
		t.Errorf("remaining bookings = %+v", left)
	}

	c.RestoreUser(u, removed)
	if _, ok := c.User("u-1"); !ok || len(c.Bookings()) != 3 {
		t.Errorf("RestoreUser did not put everything back")
	}

	if _, _, ok := c.RemoveUser("nobody"); ok {
		t.Error("RemoveUser of unknown id reported success")
	}
}

func TestUsers_SortedAndLookups(t *testing.T) {
	c := state.NewCollections()
	c.PutUser(member("u-2", "Ben", "Cole"))
	c.PutUser(member("u-1", "Anna", "Berg"))
	users := c.Users()
	if len(users) != 2 || users[0].ID != "u-1" {
		t.Errorf("Users() = %+v", users)
	}
	if _, ok := c.UserByEmail("U-2@Example.com"); !ok {
		t.Error("UserByEmail is case-sensitive")
	}
	if _, ok := c.UserByUsername(" U-1 "); !ok {
		t.Error("UserByUsername did not match")
	}
	if c.UserCount() != 2 {
		t.Errorf("UserCount = %d", c.UserCount())
	}
}

func TestSessions_WindowAndKnownCourses(t *testing.T) {
	c := state.NewCollections()
	old := course.Session{ID: "old", Name: "Yoga"}
	c.PutCourses(old)
	c.SetSessions([]course.Session{{ID: "s-1", Name: "Pilates"}})

	if _, ok := c.Session("old"); ok {
		t.Error("course outside the window reported as session")
	}
	if _, ok := c.Course("old"); !ok {
		t.Error("known course forgotten")
	}
	if s, ok := c.Session("s-1"); !ok || s.Name != "Pilates" {
		t.Errorf("Session = %+v, %v", s, ok)
	}
	if _, ok := c.Course("s-1"); !ok {
		t.Error("window session not remembered as course")
	}

	snap := c.Snapshot()
	if len(snap.Sessions) != 1 || len(snap.Courses) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestReplace_SkipsDuplicateActive(t *testing.T) {
	c := state.NewCollections()
	_ = c.PutBooking(booking.New("stale", "u-9", "c-9", t0))

	skipped := c.Replace(
		[]account.User{member("u-1", "Anna", "Berg")},
		[]booking.Booking{
			booking.New("b-2", "u-1", "c-1", t0.Add(time.Minute)),
			booking.New("b-1", "u-1", "c-1", t0),
		},
	)
	if len(skipped) != 1 || skipped[0].ID != "b-2" {
		t.Errorf("skipped = %+v, want the later booking", skipped)
	}
	if _, ok := c.Booking("stale"); ok {
		t.Error("Replace kept old bookings")
	}
	if got := c.Bookings(); len(got) != 1 || got[0].ID != "b-1" {
		t.Errorf("bookings = %+v", got)
	}
}

func TestPutBooking_ConcurrentCreatesKeepOneActive(t *testing.T) {
	c := state.NewCollections()
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "b-" + string(rune('a'+i))
			if err := c.PutBooking(booking.New(id, "u-1", "c-1", t0)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if accepted != 1 {
		t.Errorf("accepted %d concurrent creates, want 1", accepted)
	}
}
