package course

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultWindowDays is the look-ahead used when the caller passes a non-positive window.
const DefaultWindowDays = 28

const clockLayout = "15:04"

// Domain errors
var (
	ErrEmptyName        = errors.New("course name cannot be empty")
	ErrInvalidTimeRange = errors.New("time must be a range such as 08:45-09:30")
	ErrWeekendSlot      = errors.New("the studio offers no weekend courses")
	ErrUnknownDay       = errors.New("day must be a weekday name")
)

// Slot is one recurring entry of the weekly template.
type Slot struct {
	Time string `yaml:"time"` // "08:45-09:30"
	Name string `yaml:"name"`
}

// WeeklyTemplate maps a weekday to its ordered slots.
// Saturday and Sunday entries never produce sessions.
type WeeklyTemplate map[time.Weekday][]Slot

// Session is one concrete, dated occurrence of a template slot.
// Sessions are never mutated; they drop out of the window once their date passes.
type Session struct {
	ID          string
	Name        string
	Time        string
	Date        time.Time // local midnight of the session day
	DateDisplay string
	DayOfWeek   string
	StartTime   time.Time // zero when Time cannot be parsed
	EndTime     time.Time
}

// HasStarted reports whether the session start lies before now.
// Sessions with an unparsable time range count as started once their day is over.
func (s Session) HasStarted(now time.Time) bool {
	if s.StartTime.IsZero() {
		return !now.Before(s.Date.AddDate(0, 0, 1))
	}
	return !now.Before(s.StartTime)
}

// Validate checks the template slots.
// PRE: template may be nil
// POST: Returns nil if every slot is a named weekday slot with a parsable time range
func (t WeeklyTemplate) Validate() error {
	for day, slots := range t {
		if day == time.Saturday || day == time.Sunday {
			if len(slots) > 0 {
				return fmt.Errorf("%s: %w", strings.ToLower(day.String()), ErrWeekendSlot)
			}
			continue
		}
		if day < time.Sunday || day > time.Saturday {
			return ErrUnknownDay
		}
		for _, slot := range slots {
			if strings.TrimSpace(slot.Name) == "" {
				return fmt.Errorf("%s %s: %w", strings.ToLower(day.String()), slot.Time, ErrEmptyName)
			}
			if _, _, err := ParseTimeRange(slot.Time); err != nil {
				return fmt.Errorf("%s %s: %w", strings.ToLower(day.String()), slot.Name, err)
			}
		}
	}
	return nil
}

// GenerateSchedule expands the template into dated sessions.
// PRE: ref carries the studio's location
// POST: Sessions cover ref's local midnight through windowDays-1 days later,
// weekends skipped, template order preserved within a day. Pure and idempotent.
func GenerateSchedule(tpl WeeklyTemplate, ref time.Time, windowDays int, locale Locale) []Session {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	start := midnight(ref)

	var sessions []Session
	for i := 0; i < windowDays; i++ {
		day := start.AddDate(0, 0, i)
		wd := day.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, slot := range tpl[wd] {
			sessions = append(sessions, newSession(day, slot, locale))
		}
	}
	return sessions
}

func newSession(day time.Time, slot Slot, locale Locale) Session {
	s := Session{
		ID:          SessionID(day, slot.Time, slot.Name),
		Name:        slot.Name,
		Time:        slot.Time,
		Date:        day,
		DateDisplay: locale.LongDate(day),
		DayOfWeek:   locale.Weekday(day.Weekday()),
	}
	if from, to, err := ParseTimeRange(slot.Time); err == nil {
		s.StartTime = atClock(day, from)
		s.EndTime = atClock(day, to)
	}
	return s
}

// SessionID builds the stable identifier of a session: YYYYMMDD, then the
// time range, then the name, with every non-alphanumeric rune removed.
// Regenerating the same slot on the same date always yields the same id.
func SessionID(date time.Time, timeRange, name string) string {
	raw := date.Format("20060102") + timeRange + name
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseTimeRange splits "HH:MM-HH:MM" (hyphen, en dash or em dash) into its clock times.
func ParseTimeRange(s string) (from, to time.Time, err error) {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '–' || r == '—'
	})
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("%q: %w", s, ErrInvalidTimeRange)
	}
	from, err = time.Parse(clockLayout, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%q: %w", s, ErrInvalidTimeRange)
	}
	to, err = time.Parse(clockLayout, strings.TrimSpace(parts[1]))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%q: %w", s, ErrInvalidTimeRange)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%q: %w", s, ErrInvalidTimeRange)
	}
	return from, to, nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func atClock(day, clock time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, day.Location())
}
