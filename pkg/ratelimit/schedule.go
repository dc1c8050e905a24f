package ratelimit

import (
	"fmt"
	"time"
)

// Schedule computes reset instants for APIs that do not report them.
type Schedule interface {
	// Next returns the first reset instant strictly after t.
	Next(t time.Time) time.Time
}

// DailySchedule resets the budget once a day at a fixed wall-clock time.
type DailySchedule struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// NewDailySchedule builds a DailySchedule at hour:00 in the named zone.
func NewDailySchedule(hour int, zone string) (DailySchedule, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return DailySchedule{}, fmt.Errorf("load reset zone %q: %w", zone, err)
	}
	return DailySchedule{Hour: hour, Location: loc}, nil
}

// Next returns the first reset instant strictly after t.
func (s DailySchedule) Next(t time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
