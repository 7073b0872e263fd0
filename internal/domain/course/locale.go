package course

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownLocale is returned for locale tags other than "en" and "de".
var ErrUnknownLocale = errors.New("locale must be en or de")

// Locale supplies the weekday and month names used for display fields.
type Locale struct {
	Tag      string
	weekdays [7]string // indexed by time.Weekday
	months   [12]string
}

// English renders dates as "Monday, October 5, 2026".
var English = Locale{
	Tag:      "en",
	weekdays: [7]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"},
	months: [12]string{"January", "February", "March", "April", "May", "June",
		"July", "August", "September", "October", "November", "December"},
}

// German renders dates as "Montag, 5. Oktober 2026".
var German = Locale{
	Tag:      "de",
	weekdays: [7]string{"Sonntag", "Montag", "Dienstag", "Mittwoch", "Donnerstag", "Freitag", "Samstag"},
	months: [12]string{"Januar", "Februar", "März", "April", "Mai", "Juni",
		"Juli", "August", "September", "Oktober", "November", "Dezember"},
}

// LocaleFor resolves a locale tag such as "de" or "en-GB".
func LocaleFor(tag string) (Locale, error) {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(tag)), "-")
	switch base {
	case "", "en":
		return English, nil
	case "de":
		return German, nil
	}
	return Locale{}, fmt.Errorf("%q: %w", tag, ErrUnknownLocale)
}

// Weekday returns the localized weekday name. The zero Locale falls back to English.
func (l Locale) Weekday(d time.Weekday) string {
	if l.Tag == "" {
		l = English
	}
	return l.weekdays[d]
}

// LongDate returns the localized long date.
func (l Locale) LongDate(t time.Time) string {
	if l.Tag == "" {
		l = English
	}
	month := l.months[t.Month()-1]
	if l.Tag == "de" {
		return fmt.Sprintf("%s, %d. %s %d", l.Weekday(t.Weekday()), t.Day(), month, t.Year())
	}
	return fmt.Sprintf("%s, %s %d, %d", l.Weekday(t.Weekday()), month, t.Day(), t.Year())
}
