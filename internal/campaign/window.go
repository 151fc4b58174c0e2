package campaign

import (
	"errors"
	"fmt"
	"time"
)

// AllowedWindow is a time-of-day + days-of-week + timezone constraint on
// sends. The zero Days slice means every day is allowed.
//
// The window is [start, end): a send computed exactly at the end boundary
// shifts to the next allowed day's start.
type AllowedWindow struct {
	StartHour   int `json:"start_hour"`
	StartMinute int `json:"start_minute"`
	EndHour     int `json:"end_hour"`
	EndMinute   int `json:"end_minute"`

	Days []time.Weekday `json:"days,omitempty"`

	// Timezone is an IANA zone name, e.g. "America/Chicago". Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

func (w AllowedWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return errors.New("window hours must be 0..23")
	}
	if w.StartMinute < 0 || w.StartMinute > 59 || w.EndMinute < 0 || w.EndMinute > 59 {
		return errors.New("window minutes must be 0..59")
	}
	if w.startMinutes() >= w.endMinutes() {
		return errors.New("window start must be before end")
	}
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("invalid weekday %d", d)
		}
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q", w.Timezone)
		}
	}
	return nil
}

func (w AllowedWindow) startMinutes() int { return w.StartHour*60 + w.StartMinute }
func (w AllowedWindow) endMinutes() int   { return w.EndHour*60 + w.EndMinute }

func (w AllowedWindow) location() *time.Location {
	if w.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (w AllowedWindow) dayAllowed(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, ad := range w.Days {
		if ad == d {
			return true
		}
	}
	return false
}

// Contains reports whether t falls inside the window.
func (w AllowedWindow) Contains(t time.Time) bool {
	lt := t.In(w.location())
	if !w.dayAllowed(lt.Weekday()) {
		return false
	}
	m := lt.Hour()*60 + lt.Minute()
	return m >= w.startMinutes() && m < w.endMinutes()
}

// Next returns the earliest instant >= t that falls inside the window.
// An in-window t is returned unchanged. Times past the window end shift
// forward to the next allowed day's start; sends are never dropped and
// never fire early outside the window.
func (w AllowedWindow) Next(t time.Time) time.Time {
	loc := w.location()
	lt := t.In(loc)

	// Scan at most a full week plus one day; Validate guarantees the
	// window is non-empty, so an allowed day always exists in that range.
	for i := 0; i < 8; i++ {
		day := lt.AddDate(0, 0, i)
		if !w.dayAllowed(day.Weekday()) {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, w.StartMinute, 0, 0, loc)
		end := time.Date(day.Year(), day.Month(), day.Day(), w.EndHour, w.EndMinute, 0, 0, loc)
		if i == 0 {
			if !lt.Before(end) {
				continue
			}
			if lt.Before(start) {
				return start
			}
			return t
		}
		return start
	}
	// Unreachable for validated windows.
	return t
}
