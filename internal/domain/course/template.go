package course

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var dayNames = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// ParseTemplate reads a weekly template keyed by lower-case day name:
//
//	monday:
//	  - time: "08:45-09:30"
//	    name: Fle.xx
//
// PRE: data is YAML
// POST: Returns a validated template or an error naming the offending entry
func ParseTemplate(data []byte) (WeeklyTemplate, error) {
	var raw map[string][]Slot
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse weekly template: %w", err)
	}
	tpl := make(WeeklyTemplate, len(raw))
	for name, slots := range raw {
		day, ok := dayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%q: %w", name, ErrUnknownDay)
		}
		tpl[day] = append(tpl[day], slots...)
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return tpl, nil
}

// LoadTemplate reads and parses a template file.
func LoadTemplate(path string) (WeeklyTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weekly template: %w", err)
	}
	return ParseTemplate(data)
}

// DefaultTemplate returns the studio's built-in week.
func DefaultTemplate() WeeklyTemplate {
	return WeeklyTemplate{
		time.Monday: {
			{Time: "08:45-09:30", Name: "Fle.xx"},
			{Time: "18:00-19:00", Name: "Pilates"},
		},
		time.Tuesday: {
			{Time: "09:00-10:00", Name: "Yoga"},
			{Time: "19:00-20:00", Name: "Zumba"},
		},
		time.Wednesday: {
			{Time: "08:45-09:30", Name: "Fle.xx"},
			{Time: "18:30-19:30", Name: "Rückenfit"},
		},
		time.Thursday: {
			{Time: "09:00-10:00", Name: "Pilates"},
			{Time: "19:00-20:00", Name: "Yoga"},
		},
		time.Friday: {
			{Time: "08:45-09:30", Name: "Fle.xx"},
			{Time: "17:00-18:00", Name: "Zirkeltraining"},
		},
	}
}
