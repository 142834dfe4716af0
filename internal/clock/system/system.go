// Package system is the wall clock used to stamp search outcomes, pace idle
// session recycling and evaluate warmup schedules.
package system

import "time"

// Clock reports wall time in UTC so outcome timestamps and cron schedules
// agree regardless of the host's zone.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
