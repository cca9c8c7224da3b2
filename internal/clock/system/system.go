// Package system is the wall clock used to time runs and jobs.
package system

import "time"

// Clock reads the wall clock in UTC. Durations come from the monotonic
// reading, so a stepped system clock cannot make a job look negative.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since start, never less than zero.
func (Clock) Since(start time.Time) time.Duration {
	d := time.Since(start)
	if d < 0 {
		return 0
	}
	return d
}
